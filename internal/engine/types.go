package engine

import (
	"time"

	"progression/internal/evaluation"
)

// ExecutionStatus tracks the overall lifecycle of an execution.
type ExecutionStatus string

const (
	ExecutionActive    ExecutionStatus = "active"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionAbandoned ExecutionStatus = "abandoned"
)

// LevelStatus tracks one phase of an execution. Exactly one level per
// execution is in_progress at a time.
type LevelStatus string

const (
	LevelLocked     LevelStatus = "locked"
	LevelInProgress LevelStatus = "in_progress"
	LevelCompleted  LevelStatus = "completed"
)

// ActionStatus tracks the atomic unit of progression.
type ActionStatus string

const (
	ActionLocked             ActionStatus = "locked"
	ActionInProgress         ActionStatus = "in_progress"
	ActionCompleted          ActionStatus = "completed"
	ActionCorrectiveRequired ActionStatus = "corrective_required"
	ActionEscalated          ActionStatus = "escalated"
)

// CorrectiveStatus tracks a bounded-retry remediation attempt.
type CorrectiveStatus string

const (
	CorrectivePending    CorrectiveStatus = "pending"
	CorrectiveAccepted   CorrectiveStatus = "accepted"
	CorrectiveInProgress CorrectiveStatus = "in_progress"
	CorrectiveCompleted  CorrectiveStatus = "completed"
	CorrectiveFailed     CorrectiveStatus = "failed"
)

// ExecutionStats aggregates progression outcomes across an execution.
type ExecutionStats struct {
	TotalXP           int     `json:"total_xp"`
	CompletedActions  int     `json:"completed_actions"`
	EscalatedActions  int     `json:"escalated_actions"`
	AchievementSum    float64 `json:"-"`
	AchievementCount  int     `json:"-"`
	OnTimeCompletions int     `json:"-"`
}

// AverageAchievement returns the mean achievement percentage across resolved
// actions, or 0 before any resolution.
func (s ExecutionStats) AverageAchievement() float64 {
	if s.AchievementCount == 0 {
		return 0
	}
	return s.AchievementSum / float64(s.AchievementCount)
}

// OnTimeRate returns the fraction of resolved actions completed by their
// deadline.
func (s ExecutionStats) OnTimeRate() float64 {
	resolved := s.CompletedActions + s.EscalatedActions
	if resolved == 0 {
		return 0
	}
	return float64(s.OnTimeCompletions) / float64(resolved)
}

// Counters exposes stats as achievement-criteria counters.
func (s ExecutionStats) Counters(levelsCompleted int) map[string]int {
	return map[string]int{
		"actions_completed": s.CompletedActions,
		"actions_escalated": s.EscalatedActions,
		"levels_completed":  levelsCompleted,
		"total_xp":          s.TotalXP,
	}
}

// Execution is one instantiation of an approved plan.
type Execution struct {
	ID             string          `json:"id"`
	PlanID         string          `json:"plan_id"`
	OrganizationID string          `json:"organization_id"`
	Status         ExecutionStatus `json:"status"`
	CurrentLevel   int             `json:"current_level"`
	Stats          ExecutionStats  `json:"stats"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Level is an ordered phase of an execution.
type Level struct {
	ID                string      `json:"id"`
	ExecutionID       string      `json:"execution_id"`
	LevelNumber       int         `json:"level_number"`
	Name              string      `json:"name"`
	Description       string      `json:"description,omitempty"`
	Status            LevelStatus `json:"status"`
	ExpectedStart     time.Time   `json:"expected_start"`
	ExpectedEnd       time.Time   `json:"expected_end"`
	ActualStart       *time.Time  `json:"actual_start,omitempty"`
	ActualEnd         *time.Time  `json:"actual_end,omitempty"`
	CompletionBonusXP int         `json:"completion_bonus_xp"`
	XPEarned          int         `json:"xp_earned"`
	TotalActions      int         `json:"total_actions"`
	CompletedActions  int         `json:"completed_actions"`
}

// CompletionPercentage is completed actions over total, as a percentage. It
// is monotonic over an execution's lifetime: resolved actions never revert.
func (l *Level) CompletionPercentage() float64 {
	if l.TotalActions == 0 {
		return 0
	}
	return float64(l.CompletedActions) / float64(l.TotalActions) * 100
}

// SuccessCriteria is the measurable target an action is evaluated against.
// Immutable once result evaluation has begun.
type SuccessCriteria struct {
	IndicatorID       string  `json:"indicator_id"`
	Baseline          float64 `json:"baseline"`
	Target            float64 `json:"target"`
	MinimumAcceptable float64 `json:"minimum_acceptable"`
}

// Action is the atomic unit of progression within a level.
type Action struct {
	ID                    string          `json:"id"`
	ExecutionID           string          `json:"execution_id"`
	LevelID               string          `json:"level_id"`
	SequenceNumber        int             `json:"sequence_number"`
	Description           string          `json:"description"`
	Steps                 []string        `json:"steps,omitempty"`
	Deadline              time.Time       `json:"deadline"`
	EstimatedDurationDays int             `json:"estimated_duration_days"`
	Criteria              SuccessCriteria `json:"criteria"`
	Status                ActionStatus    `json:"status"`
	BaseXP                int             `json:"base_xp"`
	AttemptsUsed          int             `json:"attempts_used"`
	MaxAttempts           int             `json:"max_attempts"`
	PredecessorID         string          `json:"predecessor_id,omitempty"`
	ResultCount           int             `json:"result_count"`
	XPEarned              int             `json:"xp_earned"`
	CompletedAt           *time.Time      `json:"completed_at,omitempty"`
}

// Resolved reports whether the action no longer blocks progression.
// Escalation counts as completed-with-penalty.
func (a *Action) Resolved() bool {
	return a.Status == ActionCompleted || a.Status == ActionEscalated
}

// Measurement is the collection metadata attached to a result submission.
type Measurement struct {
	Method      string    `json:"method,omitempty"`
	SampleSize  int       `json:"sample_size,omitempty"`
	Source      string    `json:"source,omitempty"`
	CollectedAt time.Time `json:"collected_at"`
}

// ResultSubmission is one measured value submitted against an action or a
// corrective action.
type ResultSubmission struct {
	IndicatorID string      `json:"indicator_id"`
	Baseline    float64     `json:"baseline"`
	Current     float64     `json:"current"`
	Target      float64     `json:"target"`
	Measurement Measurement `json:"measurement"`
	SubmittedBy string      `json:"submitted_by"`
}

// Result is a stored, immutable submission with its derived evaluation. A new
// submission produces a new Result, never an edit.
type Result struct {
	ID           string                `json:"id"`
	ExecutionID  string                `json:"execution_id"`
	ActionID     string                `json:"action_id"`
	CorrectiveID string                `json:"corrective_id,omitempty"`
	IndicatorID  string                `json:"indicator_id"`
	Baseline     float64               `json:"baseline"`
	Current      float64               `json:"current"`
	Target       float64               `json:"target"`
	Measurement  Measurement           `json:"measurement"`
	Evaluation   evaluation.Evaluation `json:"evaluation"`
	SubmittedBy  string                `json:"submitted_by"`
	CreatedAt    time.Time             `json:"created_at"`
}

// CorrectiveAction is a bounded-retry remediation spawned from a failing
// result. The generated description/steps are preserved alongside any user
// customization.
type CorrectiveAction struct {
	ID                  string           `json:"id"`
	ExecutionID         string           `json:"execution_id"`
	ActionID            string           `json:"action_id"`
	TriggeringResultID  string           `json:"triggering_result_id"`
	AttemptNumber       int              `json:"attempt_number"`
	Description         string           `json:"description"`
	OriginalDescription string           `json:"original_description"`
	Steps               []string         `json:"steps,omitempty"`
	OriginalSteps       []string         `json:"original_steps,omitempty"`
	CustomizeDiff       string           `json:"customize_diff,omitempty"`
	RootCause           string           `json:"root_cause"`
	ContributingFactors []string         `json:"contributing_factors,omitempty"`
	Confidence          float64          `json:"confidence"`
	Status              CorrectiveStatus `json:"status"`
	BaseXP              int              `json:"base_xp"`
	Deadline            time.Time        `json:"deadline"`
	UserCustomized      bool             `json:"user_customized"`
	CreatedAt           time.Time        `json:"created_at"`
}

// Terminal reports whether the corrective can no longer accept submissions.
func (c *CorrectiveAction) Terminal() bool {
	return c.Status == CorrectiveCompleted || c.Status == CorrectiveFailed
}

// Policy holds the engine's configurable progression knobs.
type Policy struct {
	MaxCorrectiveAttempts    int
	BaseActionXP             int
	CorrectiveXPRate         float64
	CorrectiveCompletionRate float64
	EscalationRate           float64
	LevelCompletionBonus     int
	// UnlockOnEscalation keeps the successor moving when corrective attempts
	// are exhausted, trading strict quality gating for throughput.
	UnlockOnEscalation bool
	GeneratorTimeout   time.Duration
}

// DefaultPolicy returns the standard progression policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxCorrectiveAttempts:    2,
		BaseActionXP:             1000,
		CorrectiveXPRate:         0.5,
		CorrectiveCompletionRate: evaluation.CorrectiveCompletionRate,
		EscalationRate:           evaluation.EscalationMultiplier,
		LevelCompletionBonus:     500,
		UnlockOnEscalation:       true,
		GeneratorTimeout:         60 * time.Second,
	}
}

// MinimumAcceptable derives the 80%-of-target-improvement threshold recorded
// on success criteria at materialization time.
func MinimumAcceptable(baseline, target float64) float64 {
	return baseline + 0.8*(target-baseline)
}

// SubmitOutcome is the closed description of everything a submission caused.
type SubmitOutcome struct {
	Result             *Result               `json:"result"`
	Evaluation         evaluation.Evaluation `json:"evaluation"`
	ActionCompleted    bool                  `json:"action_completed"`
	CorrectiveCreated  *CorrectiveAction     `json:"corrective_created,omitempty"`
	Escalated          bool                  `json:"escalated"`
	LevelCompleted     bool                  `json:"level_completed"`
	ExecutionCompleted bool                  `json:"execution_completed"`
	XPAwarded          int                   `json:"xp_awarded"`
}

// CurrentActionView is the client-facing answer to "what do I work on now".
type CurrentActionView struct {
	ExecutionCompleted bool    `json:"execution_completed"`
	LevelCompleted     bool    `json:"level_completed"`
	Level              *Level  `json:"level,omitempty"`
	Action             *Action `json:"action,omitempty"`
	Previous           *Action `json:"previous_action,omitempty"`
}
