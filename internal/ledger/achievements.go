package ledger

import (
	"database/sql"
	"fmt"
	"time"
)

// Achievement is a catalog entry that users claim once its criterion counter
// reaches the required value.
type Achievement struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	CriteriaKey   string `json:"criteria_key"`
	CriteriaValue int    `json:"criteria_value"`
	XPReward      int    `json:"xp_reward"`
}

// AchievementProgress reports how far a user is from an unclaimed achievement.
type AchievementProgress struct {
	Achievement Achievement `json:"achievement"`
	Current     int         `json:"current"`
	Required    int         `json:"required"`
}

// SeedAchievement inserts or replaces a catalog entry.
func (l *Ledger) SeedAchievement(a Achievement) error {
	_, err := l.db.Exec(`
		INSERT OR REPLACE INTO achievements (id, name, criteria_key, criteria_value, xp_reward, active)
		VALUES (?, ?, ?, ?, ?, 1)`,
		a.ID, a.Name, a.CriteriaKey, a.CriteriaValue, a.XPReward)
	if err != nil {
		return fmt.Errorf("seed achievement: %w", err)
	}
	return nil
}

// Progress lists unclaimed active achievements for a user against the
// supplied gamification counters.
func (l *Ledger) Progress(userID string, counters map[string]int) ([]AchievementProgress, error) {
	rows, err := l.db.Query(`
		SELECT a.id, a.name, a.criteria_key, a.criteria_value, a.xp_reward
		FROM achievements a
		WHERE a.active = 1
		  AND NOT EXISTS (
			SELECT 1 FROM user_achievements ua
			WHERE ua.achievement_id = a.id AND ua.user_id = ?
		  )
		ORDER BY a.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query achievements: %w", err)
	}
	defer rows.Close()

	var out []AchievementProgress
	for rows.Next() {
		var a Achievement
		if err := rows.Scan(&a.ID, &a.Name, &a.CriteriaKey, &a.CriteriaValue, &a.XPReward); err != nil {
			return nil, fmt.Errorf("scan achievement: %w", err)
		}
		out = append(out, AchievementProgress{
			Achievement: a,
			Current:     counters[a.CriteriaKey],
			Required:    a.CriteriaValue,
		})
	}
	return out, rows.Err()
}

// Claim records an achievement for a user and grants its XP reward. Claiming
// twice is rejected.
func (l *Ledger) Claim(userID, achievementID string) (int, error) {
	var a Achievement
	err := l.db.QueryRow(`
		SELECT id, name, criteria_key, criteria_value, xp_reward
		FROM achievements WHERE id = ? AND active = 1`, achievementID).
		Scan(&a.ID, &a.Name, &a.CriteriaKey, &a.CriteriaValue, &a.XPReward)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("achievement %s not found", achievementID)
	}
	if err != nil {
		return 0, fmt.Errorf("load achievement: %w", err)
	}

	res, err := l.db.Exec(`
		INSERT INTO user_achievements (user_id, achievement_id, earned_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, achievement_id) DO NOTHING`,
		userID, achievementID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("record achievement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("record achievement: %w", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("achievement %s already claimed", achievementID)
	}

	if _, err := l.Grant(userID, a.XPReward, "achievement", "achievement:"+achievementID+":"+userID, nil); err != nil {
		return 0, err
	}
	return a.XPReward, nil
}
