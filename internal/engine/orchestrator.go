package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"progression/internal/events"
	"progression/internal/generator"
	"progression/internal/ledger"
	"progression/internal/planstore"
)

// Orchestrator coordinates all mutations of execution state. Every operation
// against a given execution is serialized behind a per-execution mutex;
// operations on distinct executions proceed independently.
type Orchestrator struct {
	store  *Store
	gen    generator.Generator
	ledger *ledger.Ledger
	events *events.Log
	policy Policy

	// now is swapped in tests to pin completion dates.
	now func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an orchestrator. The ledger and event log may be nil, in which
// case grants and events are dropped.
func New(store *Store, gen generator.Generator, lg *ledger.Ledger, ev *events.Log, policy Policy) *Orchestrator {
	return &Orchestrator{
		store:  store,
		gen:    gen,
		ledger: lg,
		events: ev,
		policy: policy,
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
}

// lock acquires the execution-scoped critical section and returns its
// release func.
func (o *Orchestrator) lock(executionID string) func() {
	o.mu.Lock()
	m, ok := o.locks[executionID]
	if !ok {
		m = &sync.Mutex{}
		o.locks[executionID] = m
	}
	o.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// xpGrant and domainEvent are side effects collected during a transaction and
// applied only after it commits, preserving causal ordering: a ledger entry
// is never observable before the completion that caused it.
type xpGrant struct {
	userID     string
	amount     int
	reason     string
	contextRef string
	breakdown  any
}

type domainEvent struct {
	actor   string
	typ     string
	payload any
}

type sideEffects struct {
	grants []xpGrant
	events []domainEvent
}

func (fx *sideEffects) grant(userID string, amount int, reason, contextRef string, breakdown any) {
	fx.grants = append(fx.grants, xpGrant{userID, amount, reason, contextRef, breakdown})
}

func (fx *sideEffects) emit(actor, typ string, payload any) {
	fx.events = append(fx.events, domainEvent{actor, typ, payload})
}

func (o *Orchestrator) apply(fx *sideEffects) {
	for _, g := range fx.grants {
		if o.ledger == nil {
			continue
		}
		// Grants are idempotent per (reason, context ref); a retried
		// completion cannot double-credit.
		if _, err := o.ledger.Grant(g.userID, g.amount, g.reason, g.contextRef, g.breakdown); err != nil {
			_ = o.emitNow("engine", "ledger_error", map[string]string{"error": err.Error()})
		}
	}
	for _, e := range fx.events {
		_ = o.emitNow(e.actor, e.typ, e.payload)
	}
}

func (o *Orchestrator) emitNow(actor, typ string, payload any) error {
	if o.events == nil {
		return nil
	}
	return o.events.Emit(actor, typ, payload)
}

// CreateExecution materializes an execution from a locked plan. The generator
// call happens before any state is written, so a timeout or malformed
// proposal leaves nothing behind and the call may be retried.
func (o *Orchestrator) CreateExecution(ctx context.Context, plan *planstore.Plan, actor string) (*Execution, error) {
	if plan == nil {
		return nil, fmt.Errorf("plan is required")
	}
	if !plan.IsLocked() {
		return nil, fmt.Errorf("plan %s has status %s: %w", plan.ID, plan.Status, ErrPlanNotLocked)
	}

	if _, err := o.store.GetExecutionByPlan(plan.ID); err == nil {
		return nil, ErrDuplicateExecution
	} else if !errors.Is(err, ErrExecutionNotFound) {
		return nil, err
	}

	gen := generator.WithTimeout(o.gen, o.policy.GeneratorTimeout)
	proposals, err := gen.ProposeLevels(ctx, plan)
	if err != nil {
		return nil, fmt.Errorf("propose levels: %w", err)
	}
	if err := generator.ValidateLevels(plan, proposals); err != nil {
		return nil, err
	}

	now := o.now().UTC()
	exec := &Execution{
		ID:             uuid.NewString(),
		PlanID:         plan.ID,
		OrganizationID: plan.OrganizationID,
		Status:         ExecutionActive,
		CurrentLevel:   1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	tx, err := o.store.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// The UNIQUE(plan_id) index makes creation idempotent under races: the
	// loser of a concurrent create sees ErrDuplicateExecution here.
	if err := o.store.insertExecution(tx, exec); err != nil {
		return nil, err
	}
	if err := o.materialize(tx, exec, proposals, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit execution create: %w", err)
	}

	_ = o.emitNow(actor, events.TypeExecutionCreated, map[string]any{
		"execution_id": exec.ID,
		"plan_id":      plan.ID,
		"levels":       len(proposals),
	})
	return exec, nil
}

// materialize writes the level/action breakdown. Level 1 starts in_progress
// with its first action; everything else starts locked.
func (o *Orchestrator) materialize(tx *sql.Tx, exec *Execution, proposals []generator.LevelProposal, start time.Time) error {
	levelStart := start
	for _, lp := range proposals {
		duration := lp.DurationDays
		if duration <= 0 {
			duration = 30
		}
		level := &Level{
			ID:                uuid.NewString(),
			ExecutionID:       exec.ID,
			LevelNumber:       lp.LevelNumber,
			Name:              lp.Name,
			Description:       lp.Description,
			Status:            LevelLocked,
			ExpectedStart:     levelStart,
			ExpectedEnd:       levelStart.AddDate(0, 0, duration),
			CompletionBonusXP: o.policy.LevelCompletionBonus,
			TotalActions:      len(lp.Actions),
		}
		if lp.LevelNumber == 1 {
			level.Status = LevelInProgress
			actualStart := start
			level.ActualStart = &actualStart
		}
		if err := o.store.insertLevel(tx, level); err != nil {
			return err
		}

		var predecessorID string
		for _, ap := range lp.Actions {
			action := &Action{
				ID:                    uuid.NewString(),
				ExecutionID:           exec.ID,
				LevelID:               level.ID,
				SequenceNumber:        ap.SequenceNumber,
				Description:           ap.Description,
				Steps:                 ap.Steps,
				Deadline:              start.AddDate(0, 0, ap.DeadlineDays),
				EstimatedDurationDays: ap.EstimatedDurationDays,
				Criteria: SuccessCriteria{
					IndicatorID:       ap.Criteria.IndicatorID,
					Baseline:          ap.Criteria.Baseline,
					Target:            ap.Criteria.Target,
					MinimumAcceptable: MinimumAcceptable(ap.Criteria.Baseline, ap.Criteria.Target),
				},
				Status:        ActionLocked,
				BaseXP:        o.policy.BaseActionXP,
				MaxAttempts:   o.policy.MaxCorrectiveAttempts,
				PredecessorID: predecessorID,
			}
			if lp.LevelNumber == 1 && ap.SequenceNumber == 1 {
				action.Status = ActionInProgress
			}
			if err := o.store.insertAction(tx, action); err != nil {
				return err
			}
			predecessorID = action.ID
		}
		levelStart = level.ExpectedEnd
	}
	return nil
}

// GetExecution returns one execution.
func (o *Orchestrator) GetExecution(id string) (*Execution, error) {
	return o.store.GetExecution(id)
}

// ListExecutions returns executions, optionally filtered by organization.
func (o *Orchestrator) ListExecutions(organizationID string, limit int) ([]*Execution, error) {
	return o.store.ListExecutions(organizationID, limit)
}

// Levels returns an execution's levels in order.
func (o *Orchestrator) Levels(executionID string) ([]*Level, error) {
	return o.store.ListLevels(executionID)
}

// Pause suspends an active execution.
func (o *Orchestrator) Pause(executionID, actor string) error {
	return o.setStatus(executionID, actor, ExecutionActive, ExecutionPaused, "pause", events.TypeExecutionPaused)
}

// Resume reactivates a paused execution.
func (o *Orchestrator) Resume(executionID, actor string) error {
	return o.setStatus(executionID, actor, ExecutionPaused, ExecutionActive, "resume", events.TypeExecutionResumed)
}

// Abandon terminates an active or paused execution.
func (o *Orchestrator) Abandon(executionID, actor string) error {
	unlock := o.lock(executionID)
	defer unlock()

	exec, err := o.store.GetExecution(executionID)
	if err != nil {
		return err
	}
	if exec.Status != ExecutionActive && exec.Status != ExecutionPaused {
		return invalidTransition("execution", executionID, string(exec.Status), "abandon")
	}
	exec.Status = ExecutionAbandoned
	exec.UpdatedAt = o.now().UTC()
	if err := o.store.updateExecution(o.store.db, exec); err != nil {
		return err
	}
	_ = o.emitNow(actor, events.TypeExecutionAbandoned, map[string]string{"execution_id": executionID})
	return nil
}

func (o *Orchestrator) setStatus(executionID, actor string, from, to ExecutionStatus, op, eventType string) error {
	unlock := o.lock(executionID)
	defer unlock()

	exec, err := o.store.GetExecution(executionID)
	if err != nil {
		return err
	}
	if exec.Status != from {
		return invalidTransition("execution", executionID, string(exec.Status), op)
	}
	exec.Status = to
	exec.UpdatedAt = o.now().UTC()
	if err := o.store.updateExecution(o.store.db, exec); err != nil {
		return err
	}
	_ = o.emitNow(actor, eventType, map[string]string{"execution_id": executionID})
	return nil
}

// CurrentAction answers "what do I work on now" for an execution.
func (o *Orchestrator) CurrentAction(executionID string) (*CurrentActionView, error) {
	exec, err := o.store.GetExecution(executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status == ExecutionCompleted {
		return &CurrentActionView{ExecutionCompleted: true}, nil
	}

	level, err := o.store.GetLevelByNumber(executionID, exec.CurrentLevel)
	if err != nil {
		if errors.Is(err, ErrLevelNotFound) {
			return &CurrentActionView{ExecutionCompleted: true}, nil
		}
		return nil, err
	}

	action, err := o.store.firstUnresolvedAction(o.store.db, level.ID)
	if err != nil {
		return nil, err
	}
	if action == nil {
		return &CurrentActionView{LevelCompleted: true, Level: level}, nil
	}

	view := &CurrentActionView{Level: level, Action: action}
	if action.PredecessorID != "" {
		previous, err := o.store.GetAction(action.PredecessorID)
		if err == nil {
			view.Previous = previous
		}
	}
	return view, nil
}

// requireActive loads an execution and rejects mutations unless it is active.
func (o *Orchestrator) requireActive(executionID, op string) (*Execution, error) {
	exec, err := o.store.GetExecution(executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != ExecutionActive {
		return nil, invalidTransition("execution", executionID, string(exec.Status), op)
	}
	return exec, nil
}

// actionInExecution loads an action and checks it belongs to the execution.
func (o *Orchestrator) actionInExecution(executionID, actionID string) (*Action, error) {
	action, err := o.store.GetAction(actionID)
	if err != nil {
		return nil, err
	}
	if action.ExecutionID != executionID {
		return nil, ErrActionNotFound
	}
	return action, nil
}
