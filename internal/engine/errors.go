package engine

import (
	"errors"
	"fmt"

	"progression/internal/evaluation"
	"progression/internal/generator"
)

// Typed domain errors. A rejected transition leaves all state untouched; the
// error carries enough for the client to decide whether to retry or refetch.
var (
	ErrPlanNotLocked         = errors.New("plan is not locked for execution")
	ErrDuplicateExecution    = errors.New("execution already exists for this plan")
	ErrPredecessorIncomplete = errors.New("predecessor action is not completed")
	ErrImmutableCriteria     = errors.New("success criteria, target, and deadline cannot be changed")
	ErrResultMismatch        = errors.New("submission does not match action success criteria")

	ErrExecutionNotFound  = errors.New("execution not found")
	ErrLevelNotFound      = errors.New("level not found")
	ErrActionNotFound     = errors.New("action not found")
	ErrCorrectiveNotFound = errors.New("corrective action not found")

	// ErrDegenerateTarget and ErrGeneratorTimeout are re-exported so callers
	// can match engine failures without importing the leaf packages.
	ErrDegenerateTarget = evaluation.ErrDegenerateTarget
	ErrGeneratorTimeout = generator.ErrTimeout
)

// InvalidTransitionError reports an operation attempted against an entity in
// a state that does not permit it.
type InvalidTransitionError struct {
	Entity string
	ID     string
	State  string
	Op     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s %s is %s, cannot %s", e.Entity, e.ID, e.State, e.Op)
}

func invalidTransition(entity, id, state, op string) error {
	return &InvalidTransitionError{Entity: entity, ID: id, State: state, Op: op}
}
