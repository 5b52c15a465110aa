package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"progression/internal/evaluation"
	"progression/internal/events"
	"progression/internal/generator"
)

// StartAction moves a locked action to in_progress. Starting an action that
// is already in progress is a no-op; starting one whose predecessor has not
// completed fails with ErrPredecessorIncomplete.
func (o *Orchestrator) StartAction(executionID, actionID, actor string) error {
	unlock := o.lock(executionID)
	defer unlock()

	if _, err := o.requireActive(executionID, "start_action"); err != nil {
		return err
	}
	action, err := o.actionInExecution(executionID, actionID)
	if err != nil {
		return err
	}

	if action.Status == ActionInProgress {
		return nil
	}
	if action.Status != ActionLocked {
		return invalidTransition("action", actionID, string(action.Status), "start")
	}

	level, err := o.store.GetLevel(action.LevelID)
	if err != nil {
		return err
	}
	if level.Status != LevelInProgress {
		return invalidTransition("level", level.ID, string(level.Status), "start action")
	}

	if action.PredecessorID != "" {
		predecessor, err := o.store.GetAction(action.PredecessorID)
		if err != nil {
			return err
		}
		if !predecessor.Resolved() {
			return fmt.Errorf("action %s: %w", actionID, ErrPredecessorIncomplete)
		}
	}

	action.Status = ActionInProgress
	if err := o.store.updateAction(o.store.db, action); err != nil {
		return err
	}
	_ = o.emitNow(actor, events.TypeActionStarted, map[string]string{
		"execution_id": executionID,
		"action_id":    actionID,
	})
	return nil
}

// SubmitResult records a measured result against an in-progress action,
// evaluates it, and routes the outcome: passing verdicts complete the action
// and unlock its successor; failing verdicts hand off to the corrective
// cycle. The stored result is immutable either way.
func (o *Orchestrator) SubmitResult(ctx context.Context, executionID, actionID string, sub ResultSubmission) (*SubmitOutcome, error) {
	unlock := o.lock(executionID)
	defer unlock()

	exec, err := o.requireActive(executionID, "submit_result")
	if err != nil {
		return nil, err
	}
	action, err := o.actionInExecution(executionID, actionID)
	if err != nil {
		return nil, err
	}
	if action.Status != ActionInProgress {
		return nil, invalidTransition("action", actionID, string(action.Status), "submit_result")
	}
	if err := validateSubmission(action.Criteria, sub); err != nil {
		return nil, err
	}

	eval, err := evaluation.Evaluate(sub.Baseline, sub.Current, sub.Target)
	if err != nil {
		return nil, err
	}

	now := o.now().UTC()
	result := o.buildResult(exec.ID, action.ID, "", sub, eval, now)
	outcome := &SubmitOutcome{Result: result, Evaluation: eval}
	fx := &sideEffects{}

	// A failing verdict that still has attempts left needs a remediation
	// proposal. The generator runs before the transaction opens so a timeout
	// or malformed proposal leaves no state behind.
	var proposal *generator.CorrectiveProposal
	willEscalate := false
	if !eval.Passed() {
		if action.AttemptsUsed >= action.MaxAttempts {
			willEscalate = true
		} else {
			proposal, err = o.proposeCorrective(ctx, action, eval, sub, action.AttemptsUsed+1)
			if err != nil {
				return nil, err
			}
		}
	}

	tx, err := o.store.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := o.store.insertResult(tx, result); err != nil {
		return nil, err
	}
	action.ResultCount++

	switch {
	case eval.Passed():
		if err := o.completeAction(tx, exec, action, eval, result.SubmittedBy, now, false, fx, outcome); err != nil {
			return nil, err
		}
	case willEscalate:
		if err := o.escalate(tx, exec, action, eval, result.SubmittedBy, now, fx, outcome); err != nil {
			return nil, err
		}
	default:
		if err := o.createCorrective(tx, exec, action, result, proposal, fx, outcome); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit result submission: %w", err)
	}
	o.apply(fx)
	return outcome, nil
}

// CompleteAction applies the complete transition explicitly. Submission of a
// passing result already completes the action; this operation exists as the
// recovery path when completion must be re-driven, and rejects any action
// without a passing result on file.
func (o *Orchestrator) CompleteAction(executionID, actionID, actor string) (*SubmitOutcome, error) {
	unlock := o.lock(executionID)
	defer unlock()

	exec, err := o.requireActive(executionID, "complete_action")
	if err != nil {
		return nil, err
	}
	action, err := o.actionInExecution(executionID, actionID)
	if err != nil {
		return nil, err
	}
	if action.Status != ActionInProgress {
		return nil, invalidTransition("action", actionID, string(action.Status), "complete")
	}

	results, err := o.store.ListResults(actionID)
	if err != nil {
		return nil, err
	}
	var passing *Result
	for _, r := range results {
		if r.CorrectiveID == "" && r.Evaluation.Passed() {
			passing = r
		}
	}
	if passing == nil {
		return nil, invalidTransition("action", actionID, string(action.Status), "complete without passing result")
	}

	now := o.now().UTC()
	outcome := &SubmitOutcome{Result: passing, Evaluation: passing.Evaluation}
	fx := &sideEffects{}

	tx, err := o.store.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := o.completeAction(tx, exec, action, passing.Evaluation, actor, now, false, fx, outcome); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit action completion: %w", err)
	}
	o.apply(fx)
	return outcome, nil
}

// completeAction performs the complete transition: reward, ledger grant,
// level aggregation, successor unlock. Callers hold the execution lock and an
// open transaction.
func (o *Orchestrator) completeAction(tx *sql.Tx, exec *Execution, action *Action, eval evaluation.Evaluation, userID string, completedAt time.Time, viaCorrective bool, fx *sideEffects, outcome *SubmitOutcome) error {
	if action.ResultCount == 0 {
		return invalidTransition("action", action.ID, string(action.Status), "complete without results")
	}

	var amount int
	var breakdown any
	if viaCorrective {
		// Fixed reduced rate for having required correction; deliberately
		// not the full reward formula.
		amount = int(float64(action.BaseXP) * o.policy.CorrectiveCompletionRate)
		breakdown = map[string]any{
			"base_xp":  action.BaseXP,
			"rate":     o.policy.CorrectiveCompletionRate,
			"final_xp": amount,
			"path":     "corrective",
		}
	} else {
		reward := evaluation.Reward(evaluation.RewardInput{
			BaseXP:                 action.BaseXP,
			AchievementPercentage:  eval.AchievementPercentage,
			Deadline:               action.Deadline,
			CompletionDate:         completedAt,
			CorrectiveAttemptsUsed: action.AttemptsUsed,
		})
		amount = reward.FinalXP
		breakdown = reward
	}

	action.Status = ActionCompleted
	action.CompletedAt = &completedAt
	action.XPEarned = amount
	if err := o.store.updateAction(tx, action); err != nil {
		return err
	}

	fx.grant(userID, amount, "action_completed", "action:"+action.ID, breakdown)
	fx.emit(userID, events.TypeActionCompleted, map[string]any{
		"execution_id": exec.ID,
		"action_id":    action.ID,
		"xp":           amount,
		"achievement":  eval.AchievementPercentage,
	})
	outcome.ActionCompleted = true
	outcome.XPAwarded = amount

	return o.resolveProgress(tx, exec, action, eval.AchievementPercentage, amount, userID, completedAt, false, fx, outcome)
}

func (o *Orchestrator) buildResult(executionID, actionID, correctiveID string, sub ResultSubmission, eval evaluation.Evaluation, at time.Time) *Result {
	return &Result{
		ID:           uuid.NewString(),
		ExecutionID:  executionID,
		ActionID:     actionID,
		CorrectiveID: correctiveID,
		IndicatorID:  sub.IndicatorID,
		Baseline:     sub.Baseline,
		Current:      sub.Current,
		Target:       sub.Target,
		Measurement:  sub.Measurement,
		Evaluation:   eval,
		SubmittedBy:  sub.SubmittedBy,
		CreatedAt:    at,
	}
}

// validateSubmission rejects submissions whose indicator or baseline diverge
// from the action's immutable success criteria.
func validateSubmission(criteria SuccessCriteria, sub ResultSubmission) error {
	if sub.IndicatorID != criteria.IndicatorID {
		return fmt.Errorf("indicator %q does not match criteria indicator %q: %w",
			sub.IndicatorID, criteria.IndicatorID, ErrResultMismatch)
	}
	if sub.Baseline != criteria.Baseline {
		return fmt.Errorf("baseline %v does not match criteria baseline %v: %w",
			sub.Baseline, criteria.Baseline, ErrResultMismatch)
	}
	if sub.Target != criteria.Target {
		return fmt.Errorf("target %v does not match criteria target %v: %w",
			sub.Target, criteria.Target, ErrResultMismatch)
	}
	return nil
}
