package evaluation

import (
	"math"
	"time"
)

// Reward policy constants. EscalationMultiplier replaces the full formula when
// an action escalates; CorrectiveCompletionRate is the fixed payout rate for a
// parent action completed through a corrective attempt.
const (
	EscalationMultiplier     = 0.5
	CorrectiveCompletionRate = 0.8

	timeBonusPerDay   = 20
	timeBonusCap      = 500
	timePenaltyPerDay = 30
	correctivePenalty = 200
	minimumPayoutRate = 0.3
)

// RewardInput carries everything the reward formula depends on.
type RewardInput struct {
	BaseXP                 int
	AchievementPercentage  float64
	Deadline               time.Time
	CompletionDate         time.Time
	CorrectiveAttemptsUsed int
}

// RewardBreakdown itemizes how a final XP amount was computed. It is stored
// verbatim on the ledger so payouts stay auditable.
type RewardBreakdown struct {
	BaseXP            int     `json:"base_xp"`
	QualityMultiplier float64 `json:"quality_multiplier"`
	TimeBonus         int     `json:"time_bonus"`
	TimePenalty       int     `json:"time_penalty"`
	CorrectivePenalty int     `json:"corrective_penalty"`
	FloorApplied      bool    `json:"floor_applied"`
	FinalXP           int     `json:"final_xp"`
}

// Reward computes the final XP for a completed action. The floor guarantees a
// minimum 30% payout regardless of accumulated penalties.
func Reward(in RewardInput) RewardBreakdown {
	multiplier := qualityMultiplier(in.AchievementPercentage)

	daysEarly := daysBetween(in.CompletionDate, in.Deadline)
	var bonus, penalty int
	if daysEarly > 0 {
		bonus = daysEarly * timeBonusPerDay
		if bonus > timeBonusCap {
			bonus = timeBonusCap
		}
	} else if daysEarly < 0 {
		penalty = -daysEarly * timePenaltyPerDay
	}

	corrective := in.CorrectiveAttemptsUsed * correctivePenalty

	final := float64(in.BaseXP)*multiplier + float64(bonus) - float64(penalty) - float64(corrective)
	floor := float64(in.BaseXP) * minimumPayoutRate
	floorApplied := final < floor
	if floorApplied {
		final = floor
	}

	return RewardBreakdown{
		BaseXP:            in.BaseXP,
		QualityMultiplier: multiplier,
		TimeBonus:         bonus,
		TimePenalty:       penalty,
		CorrectivePenalty: corrective,
		FloorApplied:      floorApplied,
		FinalXP:           int(math.Round(final)),
	}
}

// Scale applies a flat multiplier to an already-computed breakdown, used for
// the escalation and corrective-completion payout rates.
func (b RewardBreakdown) Scale(rate float64) RewardBreakdown {
	b.FinalXP = int(math.Round(float64(b.FinalXP) * rate))
	return b
}

func qualityMultiplier(pct float64) float64 {
	switch {
	case pct >= 100:
		return 1.2
	case pct >= 90:
		return 1.1
	case pct >= 80:
		return 1.0
	case pct >= 50:
		return 0.8
	default:
		return 0.5
	}
}

// daysBetween returns whole days from completion until deadline; positive
// means early, negative means late.
func daysBetween(completion, deadline time.Time) int {
	return int(deadline.Sub(completion).Hours() / 24)
}
