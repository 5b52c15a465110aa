package engine

import (
	"database/sql"
	"errors"
	"time"

	"progression/internal/events"
)

// resolveProgress propagates one resolved action upward: execution stats,
// level counters, successor unlock, level completion and execution
// completion. Resolved counts only ever increase, so level completion
// percentage is monotonic. Callers hold the execution lock and an open
// transaction.
func (o *Orchestrator) resolveProgress(tx *sql.Tx, exec *Execution, action *Action, achievement float64, xp int, userID string, at time.Time, escalated bool, fx *sideEffects, outcome *SubmitOutcome) error {
	exec.Stats.TotalXP += xp
	if escalated {
		exec.Stats.EscalatedActions++
	} else {
		exec.Stats.CompletedActions++
	}
	exec.Stats.AchievementSum += achievement
	exec.Stats.AchievementCount++
	if !at.After(action.Deadline) {
		exec.Stats.OnTimeCompletions++
	}
	exec.UpdatedAt = at

	level, err := o.store.getLevel(tx, action.LevelID)
	if err != nil {
		return err
	}
	level.CompletedActions++
	level.XPEarned += xp

	if err := o.unlockSuccessor(tx, action, escalated); err != nil {
		return err
	}

	if level.CompletedActions >= level.TotalActions {
		if err := o.completeLevel(tx, exec, level, userID, at, fx, outcome); err != nil {
			return err
		}
	} else if err := o.store.updateLevel(tx, level); err != nil {
		return err
	}

	return o.store.updateExecution(tx, exec)
}

// unlockSuccessor moves the next locked action in sequence to in_progress.
// An escalated action only unlocks its successor when policy allows
// progression past unresolved quality gaps.
func (o *Orchestrator) unlockSuccessor(tx *sql.Tx, action *Action, escalated bool) error {
	if escalated && !o.policy.UnlockOnEscalation {
		return nil
	}
	successor, err := o.store.successorAction(tx, action)
	if err != nil {
		return err
	}
	if successor == nil || successor.Status != ActionLocked {
		return nil
	}
	successor.Status = ActionInProgress
	return o.store.updateAction(tx, successor)
}

// completeLevel stamps the level done, grants the completion bonus, and
// either opens the next level or completes the execution.
func (o *Orchestrator) completeLevel(tx *sql.Tx, exec *Execution, level *Level, userID string, at time.Time, fx *sideEffects, outcome *SubmitOutcome) error {
	level.Status = LevelCompleted
	level.ActualEnd = &at
	level.XPEarned += level.CompletionBonusXP
	if err := o.store.updateLevel(tx, level); err != nil {
		return err
	}

	exec.Stats.TotalXP += level.CompletionBonusXP
	fx.grant(userID, level.CompletionBonusXP, "level_completed", "level:"+level.ID, map[string]any{
		"level_number": level.LevelNumber,
		"bonus_xp":     level.CompletionBonusXP,
	})
	fx.emit(userID, events.TypeLevelCompleted, map[string]any{
		"execution_id": exec.ID,
		"level_id":     level.ID,
		"level_number": level.LevelNumber,
	})
	outcome.LevelCompleted = true

	next, err := o.store.getLevelByNumber(tx, exec.ID, level.LevelNumber+1)
	if err != nil && !errors.Is(err, ErrLevelNotFound) {
		return err
	}
	if next == nil {
		exec.Status = ExecutionCompleted
		fx.emit(userID, events.TypeExecutionCompleted, map[string]any{
			"execution_id":        exec.ID,
			"total_xp":            exec.Stats.TotalXP,
			"average_achievement": exec.Stats.AverageAchievement(),
		})
		outcome.ExecutionCompleted = true
		return nil
	}

	next.Status = LevelInProgress
	next.ActualStart = &at
	if err := o.store.updateLevel(tx, next); err != nil {
		return err
	}
	exec.CurrentLevel = next.LevelNumber

	first, err := o.store.firstUnresolvedAction(tx, next.ID)
	if err != nil {
		return err
	}
	if first != nil && first.Status == ActionLocked {
		first.Status = ActionInProgress
		return o.store.updateAction(tx, first)
	}
	return nil
}
