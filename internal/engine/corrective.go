package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pmezard/go-difflib/difflib"

	"progression/internal/evaluation"
	"progression/internal/events"
	"progression/internal/generator"
)

// CustomizeRequest carries the editable fields of a corrective action. Nil
// fields are left untouched. Criteria, deadline and target are not editable
// at all; populated rejection fields let callers get a precise error instead
// of a silent drop.
type CustomizeRequest struct {
	Description *string  `json:"description,omitempty"`
	Steps       []string `json:"steps,omitempty"`

	Criteria *SuccessCriteria `json:"criteria,omitempty"`
	Deadline *time.Time       `json:"deadline,omitempty"`
	Target   *float64         `json:"target,omitempty"`
}

// proposeCorrective asks the generator for a remediation proposal and
// validates it. Runs outside any transaction.
func (o *Orchestrator) proposeCorrective(ctx context.Context, action *Action, eval evaluation.Evaluation, sub ResultSubmission, attemptNumber int) (*generator.CorrectiveProposal, error) {
	gen := generator.WithTimeout(o.gen, o.policy.GeneratorTimeout)
	proposal, err := gen.ProposeCorrective(ctx, generator.FailureContext{
		ActionDescription:     action.Description,
		IndicatorID:           sub.IndicatorID,
		Baseline:              sub.Baseline,
		Current:               sub.Current,
		Target:                sub.Target,
		AchievementPercentage: eval.AchievementPercentage,
		AttemptNumber:         attemptNumber,
	})
	if err != nil {
		return nil, fmt.Errorf("propose corrective for action %s: %w", action.ID, err)
	}
	if err := generator.ValidateCorrective(proposal); err != nil {
		return nil, err
	}
	return proposal, nil
}

// createCorrective records a new corrective attempt against the parent action
// and moves the parent to corrective_required. The attempt inherits the
// parent's deadline and earns XP at the reduced corrective rate.
func (o *Orchestrator) createCorrective(tx *sql.Tx, exec *Execution, action *Action, trigger *Result, proposal *generator.CorrectiveProposal, fx *sideEffects, outcome *SubmitOutcome) error {
	corrective := &CorrectiveAction{
		ID:                  uuid.NewString(),
		ExecutionID:         exec.ID,
		ActionID:            action.ID,
		TriggeringResultID:  trigger.ID,
		AttemptNumber:       action.AttemptsUsed + 1,
		Description:         proposal.Description,
		OriginalDescription: proposal.Description,
		Steps:               proposal.Steps,
		OriginalSteps:       proposal.Steps,
		RootCause:           proposal.RootCause,
		ContributingFactors: proposal.ContributingFactors,
		Confidence:          proposal.Confidence,
		Status:              CorrectivePending,
		BaseXP:              int(float64(action.BaseXP) * o.policy.CorrectiveXPRate),
		Deadline:            action.Deadline,
		CreatedAt:           o.now().UTC(),
	}
	if err := o.store.insertCorrective(tx, corrective); err != nil {
		return err
	}

	action.Status = ActionCorrectiveRequired
	if err := o.store.updateAction(tx, action); err != nil {
		return err
	}

	fx.emit(trigger.SubmittedBy, events.TypeCorrectiveCreated, map[string]any{
		"execution_id":   exec.ID,
		"action_id":      action.ID,
		"corrective_id":  corrective.ID,
		"attempt_number": corrective.AttemptNumber,
		"root_cause":     corrective.RootCause,
	})
	outcome.CorrectiveCreated = corrective
	return nil
}

// escalate resolves an action whose corrective attempts are exhausted. The
// action earns a heavily reduced reward, and progression continues or stalls
// according to policy.
func (o *Orchestrator) escalate(tx *sql.Tx, exec *Execution, action *Action, eval evaluation.Evaluation, userID string, at time.Time, fx *sideEffects, outcome *SubmitOutcome) error {
	if open, err := o.store.openCorrective(tx, action.ID); err != nil {
		return err
	} else if open != nil {
		open.Status = CorrectiveFailed
		if err := o.store.updateCorrective(tx, open); err != nil {
			return err
		}
	}

	reward := evaluation.Reward(evaluation.RewardInput{
		BaseXP:                 action.BaseXP,
		AchievementPercentage:  eval.AchievementPercentage,
		Deadline:               action.Deadline,
		CompletionDate:         at,
		CorrectiveAttemptsUsed: action.AttemptsUsed,
	}).Scale(o.policy.EscalationRate)

	action.Status = ActionEscalated
	action.CompletedAt = &at
	action.XPEarned = reward.FinalXP
	if err := o.store.updateAction(tx, action); err != nil {
		return err
	}

	fx.grant(userID, reward.FinalXP, "action_escalated", "action:"+action.ID, reward)
	fx.emit(userID, events.TypeActionEscalated, map[string]any{
		"execution_id":  exec.ID,
		"action_id":     action.ID,
		"attempts_used": action.AttemptsUsed,
		"xp":            reward.FinalXP,
	})
	outcome.Escalated = true
	outcome.XPAwarded = reward.FinalXP

	return o.resolveProgress(tx, exec, action, eval.AchievementPercentage, reward.FinalXP, userID, at, true, fx, outcome)
}

// GetCorrective returns a corrective action by id.
func (o *Orchestrator) GetCorrective(id string) (*CorrectiveAction, error) {
	return o.store.GetCorrective(id)
}

// Correctives lists all corrective attempts for an action, oldest first.
func (o *Orchestrator) Correctives(actionID string) ([]*CorrectiveAction, error) {
	return o.store.ListCorrectives(actionID)
}

// AcceptCorrective moves a pending corrective to accepted.
func (o *Orchestrator) AcceptCorrective(executionID, correctiveID, actor string) error {
	unlock := o.lock(executionID)
	defer unlock()

	if _, err := o.requireActive(executionID, "accept_corrective"); err != nil {
		return err
	}
	corrective, err := o.correctiveInExecution(executionID, correctiveID)
	if err != nil {
		return err
	}
	if corrective.Status != CorrectivePending {
		return invalidTransition("corrective", correctiveID, string(corrective.Status), "accept")
	}
	corrective.Status = CorrectiveAccepted
	return o.store.updateCorrective(o.store.db, corrective)
}

// CustomizeCorrective applies user edits to a pending or accepted corrective.
// Only the description and steps are editable; attempts to alter the success
// criteria, deadline or target fail with ErrImmutableCriteria. Edits are
// recorded as a unified diff against the generated original.
func (o *Orchestrator) CustomizeCorrective(executionID, correctiveID, actor string, req CustomizeRequest) (*CorrectiveAction, error) {
	unlock := o.lock(executionID)
	defer unlock()

	if _, err := o.requireActive(executionID, "customize_corrective"); err != nil {
		return nil, err
	}
	corrective, err := o.correctiveInExecution(executionID, correctiveID)
	if err != nil {
		return nil, err
	}
	if corrective.Status != CorrectivePending && corrective.Status != CorrectiveAccepted {
		return nil, invalidTransition("corrective", correctiveID, string(corrective.Status), "customize")
	}

	switch {
	case req.Criteria != nil:
		return nil, fmt.Errorf("corrective %s: success criteria: %w", correctiveID, ErrImmutableCriteria)
	case req.Deadline != nil:
		return nil, fmt.Errorf("corrective %s: deadline: %w", correctiveID, ErrImmutableCriteria)
	case req.Target != nil:
		return nil, fmt.Errorf("corrective %s: target: %w", correctiveID, ErrImmutableCriteria)
	}

	if req.Description != nil {
		corrective.Description = *req.Description
	}
	if req.Steps != nil {
		corrective.Steps = req.Steps
	}

	diff, err := customizeDiff(corrective)
	if err != nil {
		return nil, err
	}
	corrective.CustomizeDiff = diff
	corrective.UserCustomized = true
	if err := o.store.updateCorrective(o.store.db, corrective); err != nil {
		return nil, err
	}

	_ = o.emitNow(actor, events.TypeCorrectiveCustomize, map[string]string{
		"execution_id":  executionID,
		"corrective_id": correctiveID,
	})
	return corrective, nil
}

// SubmitCorrectiveResult records a measured result against a corrective
// attempt. A passing verdict completes both the corrective and its parent
// action at the reduced completion rate; a failing verdict burns the attempt
// and either spawns the next one or escalates the parent.
func (o *Orchestrator) SubmitCorrectiveResult(ctx context.Context, executionID, correctiveID string, sub ResultSubmission) (*SubmitOutcome, error) {
	unlock := o.lock(executionID)
	defer unlock()

	exec, err := o.requireActive(executionID, "submit_corrective_result")
	if err != nil {
		return nil, err
	}
	corrective, err := o.correctiveInExecution(executionID, correctiveID)
	if err != nil {
		return nil, err
	}
	switch corrective.Status {
	case CorrectiveAccepted, CorrectiveInProgress:
	default:
		return nil, invalidTransition("corrective", correctiveID, string(corrective.Status), "submit_result")
	}
	action, err := o.store.GetAction(corrective.ActionID)
	if err != nil {
		return nil, err
	}
	if err := validateSubmission(action.Criteria, sub); err != nil {
		return nil, err
	}

	eval, err := evaluation.Evaluate(sub.Baseline, sub.Current, sub.Target)
	if err != nil {
		return nil, err
	}

	now := o.now().UTC()
	result := o.buildResult(exec.ID, action.ID, corrective.ID, sub, eval, now)
	outcome := &SubmitOutcome{Result: result, Evaluation: eval}
	fx := &sideEffects{}

	// A failed attempt that still leaves headroom spawns the next proposal;
	// generate it before opening the transaction.
	var proposal *generator.CorrectiveProposal
	willEscalate := false
	if !eval.Passed() {
		if action.AttemptsUsed+1 >= action.MaxAttempts {
			willEscalate = true
		} else {
			proposal, err = o.proposeCorrective(ctx, action, eval, sub, action.AttemptsUsed+2)
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

	if eval.Passed() {
		corrective.Status = CorrectiveCompleted
		if err := o.store.updateCorrective(tx, corrective); err != nil {
			return nil, err
		}
		if err := o.completeAction(tx, exec, action, eval, result.SubmittedBy, now, true, fx, outcome); err != nil {
			return nil, err
		}
	} else {
		corrective.Status = CorrectiveFailed
		if err := o.store.updateCorrective(tx, corrective); err != nil {
			return nil, err
		}
		action.AttemptsUsed++
		if willEscalate {
			if err := o.escalate(tx, exec, action, eval, result.SubmittedBy, now, fx, outcome); err != nil {
				return nil, err
			}
		} else {
			if err := o.createCorrective(tx, exec, action, result, proposal, fx, outcome); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit corrective submission: %w", err)
	}
	o.apply(fx)
	return outcome, nil
}

// CompleteCorrective applies the complete transition explicitly. A passing
// corrective submission already does this; the operation exists as the
// recovery path when the completion must be re-driven, and rejects any
// corrective without a passing result on file.
func (o *Orchestrator) CompleteCorrective(executionID, correctiveID, actor string) (*SubmitOutcome, error) {
	unlock := o.lock(executionID)
	defer unlock()

	exec, err := o.requireActive(executionID, "complete_corrective")
	if err != nil {
		return nil, err
	}
	corrective, err := o.correctiveInExecution(executionID, correctiveID)
	if err != nil {
		return nil, err
	}
	switch corrective.Status {
	case CorrectiveAccepted, CorrectiveInProgress:
	default:
		return nil, invalidTransition("corrective", correctiveID, string(corrective.Status), "complete")
	}
	action, err := o.store.GetAction(corrective.ActionID)
	if err != nil {
		return nil, err
	}

	results, err := o.store.ListResults(action.ID)
	if err != nil {
		return nil, err
	}
	var passing *Result
	for _, r := range results {
		if r.CorrectiveID == correctiveID && r.Evaluation.Passed() {
			passing = r
		}
	}
	if passing == nil {
		return nil, invalidTransition("corrective", correctiveID, string(corrective.Status), "complete without passing result")
	}

	now := o.now().UTC()
	outcome := &SubmitOutcome{Result: passing, Evaluation: passing.Evaluation}
	fx := &sideEffects{}

	tx, err := o.store.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	corrective.Status = CorrectiveCompleted
	if err := o.store.updateCorrective(tx, corrective); err != nil {
		return nil, err
	}
	if err := o.completeAction(tx, exec, action, passing.Evaluation, actor, now, true, fx, outcome); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit corrective completion: %w", err)
	}
	o.apply(fx)
	return outcome, nil
}

// EscalateAction forces escalation of an action regardless of remaining
// corrective attempts. Any open corrective is marked failed. The reduced
// reward is computed from the latest result on file, or from zero achievement
// when nothing was ever submitted.
func (o *Orchestrator) EscalateAction(executionID, actionID, actor string) (*SubmitOutcome, error) {
	unlock := o.lock(executionID)
	defer unlock()

	exec, err := o.requireActive(executionID, "escalate_action")
	if err != nil {
		return nil, err
	}
	action, err := o.actionInExecution(executionID, actionID)
	if err != nil {
		return nil, err
	}
	if action.Status != ActionInProgress && action.Status != ActionCorrectiveRequired {
		return nil, invalidTransition("action", actionID, string(action.Status), "escalate")
	}

	eval := evaluation.Evaluation{
		Verdict:    evaluation.VerdictUnsatisfactory,
		NextAction: evaluation.NextCorrectiveMandatory,
	}
	results, err := o.store.ListResults(actionID)
	if err != nil {
		return nil, err
	}
	if len(results) > 0 {
		eval = results[len(results)-1].Evaluation
	}

	now := o.now().UTC()
	outcome := &SubmitOutcome{Evaluation: eval}
	fx := &sideEffects{}

	tx, err := o.store.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := o.escalate(tx, exec, action, eval, actor, now, fx, outcome); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit escalation: %w", err)
	}
	o.apply(fx)
	return outcome, nil
}

func (o *Orchestrator) correctiveInExecution(executionID, correctiveID string) (*CorrectiveAction, error) {
	corrective, err := o.store.GetCorrective(correctiveID)
	if err != nil {
		return nil, err
	}
	if corrective.ExecutionID != executionID {
		return nil, fmt.Errorf("corrective %s: %w", correctiveID, ErrCorrectiveNotFound)
	}
	return corrective, nil
}

// customizeDiff renders the user's edits as a unified diff against the
// generated proposal.
func customizeDiff(c *CorrectiveAction) (string, error) {
	original := correctiveText(c.OriginalDescription, c.OriginalSteps)
	edited := correctiveText(c.Description, c.Steps)
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(original),
		B:        difflib.SplitLines(edited),
		FromFile: "generated",
		ToFile:   "customized",
		Context:  3,
	})
}

func correctiveText(description string, steps []string) string {
	var b strings.Builder
	b.WriteString(description)
	b.WriteString("\n")
	for _, s := range steps {
		b.WriteString("- ")
		b.WriteString(s)
		b.WriteString("\n")
	}
	return b.String()
}
