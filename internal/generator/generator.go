package generator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"progression/internal/planstore"
)

// ErrTimeout is returned when the external generator does not answer within
// the configured deadline. The triggering operation fails cleanly and may be
// retried by the caller.
var ErrTimeout = errors.New("content generator timed out")

// MalformedProposalError reports a structurally invalid generator response.
type MalformedProposalError struct {
	Reason string
}

func (e *MalformedProposalError) Error() string {
	return fmt.Sprintf("malformed proposal: %s", e.Reason)
}

// Criteria is the success criterion attached to a proposed action. It must
// resolve against the plan's indicator catalog.
type Criteria struct {
	IndicatorID string  `json:"indicator_id" yaml:"indicator_id"`
	Baseline    float64 `json:"baseline" yaml:"baseline"`
	Target      float64 `json:"target" yaml:"target"`
}

// ActionProposal is one proposed unit of work within a level.
type ActionProposal struct {
	SequenceNumber        int      `json:"sequence_number" yaml:"sequence_number"`
	Description           string   `json:"description" yaml:"description"`
	Steps                 []string `json:"steps" yaml:"steps"`
	DeadlineDays          int      `json:"deadline_days" yaml:"deadline_days"`
	EstimatedDurationDays int      `json:"estimated_duration_days" yaml:"estimated_duration_days"`
	Criteria              Criteria `json:"criteria" yaml:"criteria"`
}

// LevelProposal is one proposed phase of an execution.
type LevelProposal struct {
	LevelNumber  int              `json:"level_number" yaml:"level_number"`
	Name         string           `json:"name" yaml:"name"`
	Description  string           `json:"description" yaml:"description"`
	DurationDays int              `json:"duration_days" yaml:"duration_days"`
	Actions      []ActionProposal `json:"actions" yaml:"actions"`
}

// CorrectiveProposal is a remediation proposal for a failing result.
type CorrectiveProposal struct {
	Description         string   `json:"description"`
	Steps               []string `json:"steps"`
	RootCause           string   `json:"root_cause"`
	ContributingFactors []string `json:"contributing_factors,omitempty"`
	Confidence          float64  `json:"confidence"`
}

// FailureContext describes the failing submission a corrective proposal must
// address.
type FailureContext struct {
	ActionDescription     string  `json:"action_description"`
	IndicatorID           string  `json:"indicator_id"`
	Baseline              float64 `json:"baseline"`
	Current               float64 `json:"current"`
	Target                float64 `json:"target"`
	AchievementPercentage float64 `json:"achievement_percentage"`
	AttemptNumber         int     `json:"attempt_number"`
}

// Generator produces structured level/action breakdowns and corrective
// proposals from plan content. Implementations are external and AI-backed;
// the engine validates everything they return.
type Generator interface {
	Name() string
	ProposeLevels(ctx context.Context, plan *planstore.Plan) ([]LevelProposal, error)
	ProposeCorrective(ctx context.Context, failure FailureContext) (*CorrectiveProposal, error)
}

// WithTimeout wraps a generator so every call is bounded by the given
// duration and deadline misses surface as ErrTimeout.
func WithTimeout(g Generator, d time.Duration) Generator {
	if d <= 0 {
		return g
	}
	return &timeoutGenerator{inner: g, timeout: d}
}

type timeoutGenerator struct {
	inner   Generator
	timeout time.Duration
}

func (t *timeoutGenerator) Name() string {
	return t.inner.Name()
}

func (t *timeoutGenerator) ProposeLevels(ctx context.Context, plan *planstore.Plan) ([]LevelProposal, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	levels, err := t.inner.ProposeLevels(ctx, plan)
	return levels, mapDeadline(ctx, err)
}

func (t *timeoutGenerator) ProposeCorrective(ctx context.Context, failure FailureContext) (*CorrectiveProposal, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	proposal, err := t.inner.ProposeCorrective(ctx, failure)
	return proposal, mapDeadline(ctx, err)
}

func mapDeadline(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
