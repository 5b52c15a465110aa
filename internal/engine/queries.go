package engine

import (
	"database/sql"
	"fmt"

	"progression/internal/evaluation"
)

const executionColumns = `id, plan_id, organization_id, status, current_level, total_xp,
	completed_actions, escalated_actions, achievement_sum, achievement_count,
	on_time_completions, created_at, updated_at`

func (s *Store) insertExecution(q dbtx, e *Execution) error {
	_, err := q.Exec(`
		INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.PlanID, e.OrganizationID, string(e.Status), e.CurrentLevel,
		e.Stats.TotalXP, e.Stats.CompletedActions, e.Stats.EscalatedActions,
		e.Stats.AchievementSum, e.Stats.AchievementCount, e.Stats.OnTimeCompletions,
		formatTime(e.CreatedAt), formatTime(e.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateExecution
		}
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (s *Store) updateExecution(q dbtx, e *Execution) error {
	_, err := q.Exec(`
		UPDATE executions SET status = ?, current_level = ?, total_xp = ?,
			completed_actions = ?, escalated_actions = ?, achievement_sum = ?,
			achievement_count = ?, on_time_completions = ?, updated_at = ?
		WHERE id = ?`,
		string(e.Status), e.CurrentLevel, e.Stats.TotalXP,
		e.Stats.CompletedActions, e.Stats.EscalatedActions, e.Stats.AchievementSum,
		e.Stats.AchievementCount, e.Stats.OnTimeCompletions, formatTime(e.UpdatedAt),
		e.ID)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	return nil
}

func scanExecution(row interface{ Scan(...any) error }) (*Execution, error) {
	var e Execution
	var status, createdAt, updatedAt string
	err := row.Scan(&e.ID, &e.PlanID, &e.OrganizationID, &status, &e.CurrentLevel,
		&e.Stats.TotalXP, &e.Stats.CompletedActions, &e.Stats.EscalatedActions,
		&e.Stats.AchievementSum, &e.Stats.AchievementCount, &e.Stats.OnTimeCompletions,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	e.Status = ExecutionStatus(status)
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse execution created_at: %w", err)
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse execution updated_at: %w", err)
	}
	return &e, nil
}

// GetExecution loads one execution by id.
func (s *Store) GetExecution(id string) (*Execution, error) {
	e, err := scanExecution(s.db.QueryRow(
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// GetExecutionByPlan loads the execution created from a plan, if any.
func (s *Store) GetExecutionByPlan(planID string) (*Execution, error) {
	e, err := scanExecution(s.db.QueryRow(
		`SELECT `+executionColumns+` FROM executions WHERE plan_id = ?`, planID))
	if err == sql.ErrNoRows {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution by plan: %w", err)
	}
	return e, nil
}

// ListExecutions returns executions, optionally filtered by organization,
// newest first.
func (s *Store) ListExecutions(organizationID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + executionColumns + ` FROM executions`
	args := []any{}
	if organizationID != "" {
		query += ` WHERE organization_id = ?`
		args = append(args, organizationID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const levelColumns = `id, execution_id, level_number, name, description, status,
	expected_start, expected_end, actual_start, actual_end, completion_bonus_xp,
	xp_earned, total_actions, completed_actions`

func (s *Store) insertLevel(q dbtx, l *Level) error {
	_, err := q.Exec(`
		INSERT INTO levels (`+levelColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.ExecutionID, l.LevelNumber, l.Name, l.Description, string(l.Status),
		formatTime(l.ExpectedStart), formatTime(l.ExpectedEnd),
		nullableTime(l.ActualStart), nullableTime(l.ActualEnd),
		l.CompletionBonusXP, l.XPEarned, l.TotalActions, l.CompletedActions)
	if err != nil {
		return fmt.Errorf("insert level: %w", err)
	}
	return nil
}

func (s *Store) updateLevel(q dbtx, l *Level) error {
	_, err := q.Exec(`
		UPDATE levels SET status = ?, actual_start = ?, actual_end = ?,
			xp_earned = ?, completed_actions = ?
		WHERE id = ?`,
		string(l.Status), nullableTime(l.ActualStart), nullableTime(l.ActualEnd),
		l.XPEarned, l.CompletedActions, l.ID)
	if err != nil {
		return fmt.Errorf("update level: %w", err)
	}
	return nil
}

func scanLevel(row interface{ Scan(...any) error }) (*Level, error) {
	var l Level
	var status, expectedStart, expectedEnd string
	var description, actualStart, actualEnd sql.NullString
	err := row.Scan(&l.ID, &l.ExecutionID, &l.LevelNumber, &l.Name, &description, &status,
		&expectedStart, &expectedEnd, &actualStart, &actualEnd, &l.CompletionBonusXP,
		&l.XPEarned, &l.TotalActions, &l.CompletedActions)
	if err != nil {
		return nil, err
	}
	l.Description = description.String
	l.Status = LevelStatus(status)
	if l.ExpectedStart, err = parseTime(expectedStart); err != nil {
		return nil, fmt.Errorf("parse level expected_start: %w", err)
	}
	if l.ExpectedEnd, err = parseTime(expectedEnd); err != nil {
		return nil, fmt.Errorf("parse level expected_end: %w", err)
	}
	if l.ActualStart, err = scanNullableTime(actualStart); err != nil {
		return nil, fmt.Errorf("parse level actual_start: %w", err)
	}
	if l.ActualEnd, err = scanNullableTime(actualEnd); err != nil {
		return nil, fmt.Errorf("parse level actual_end: %w", err)
	}
	return &l, nil
}

// GetLevel loads one level by id.
func (s *Store) GetLevel(id string) (*Level, error) {
	return s.getLevel(s.db, id)
}

func (s *Store) getLevel(q dbtx, id string) (*Level, error) {
	l, err := scanLevel(q.QueryRow(
		`SELECT `+levelColumns+` FROM levels WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrLevelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get level: %w", err)
	}
	return l, nil
}

// ListLevels returns an execution's levels ordered by level number.
func (s *Store) ListLevels(executionID string) ([]*Level, error) {
	rows, err := s.db.Query(
		`SELECT `+levelColumns+` FROM levels WHERE execution_id = ? ORDER BY level_number`,
		executionID)
	if err != nil {
		return nil, fmt.Errorf("list levels: %w", err)
	}
	defer rows.Close()

	var out []*Level
	for rows.Next() {
		l, err := scanLevel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan level: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// GetLevelByNumber loads a level by its sequence within an execution.
func (s *Store) GetLevelByNumber(executionID string, number int) (*Level, error) {
	return s.getLevelByNumber(s.db, executionID, number)
}

func (s *Store) getLevelByNumber(q dbtx, executionID string, number int) (*Level, error) {
	l, err := scanLevel(q.QueryRow(
		`SELECT `+levelColumns+` FROM levels WHERE execution_id = ? AND level_number = ?`,
		executionID, number))
	if err == sql.ErrNoRows {
		return nil, ErrLevelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get level by number: %w", err)
	}
	return l, nil
}

const actionColumns = `id, execution_id, level_id, sequence_number, description, steps_json,
	deadline, estimated_days, indicator_id, baseline, target, minimum_acceptable,
	status, base_xp, attempts_used, max_attempts, predecessor_id, result_count,
	xp_earned, completed_at`

func (s *Store) insertAction(q dbtx, a *Action) error {
	steps, err := marshalStrings(a.Steps)
	if err != nil {
		return err
	}
	_, err = q.Exec(`
		INSERT INTO actions (`+actionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ExecutionID, a.LevelID, a.SequenceNumber, a.Description, steps,
		formatTime(a.Deadline), a.EstimatedDurationDays,
		a.Criteria.IndicatorID, a.Criteria.Baseline, a.Criteria.Target, a.Criteria.MinimumAcceptable,
		string(a.Status), a.BaseXP, a.AttemptsUsed, a.MaxAttempts,
		a.PredecessorID, a.ResultCount, a.XPEarned, nullableTime(a.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

func (s *Store) updateAction(q dbtx, a *Action) error {
	_, err := q.Exec(`
		UPDATE actions SET status = ?, attempts_used = ?, result_count = ?,
			xp_earned = ?, completed_at = ?
		WHERE id = ?`,
		string(a.Status), a.AttemptsUsed, a.ResultCount, a.XPEarned,
		nullableTime(a.CompletedAt), a.ID)
	if err != nil {
		return fmt.Errorf("update action: %w", err)
	}
	return nil
}

func scanAction(row interface{ Scan(...any) error }) (*Action, error) {
	var a Action
	var status, deadline string
	var steps, predecessor, completedAt sql.NullString
	err := row.Scan(&a.ID, &a.ExecutionID, &a.LevelID, &a.SequenceNumber, &a.Description, &steps,
		&deadline, &a.EstimatedDurationDays,
		&a.Criteria.IndicatorID, &a.Criteria.Baseline, &a.Criteria.Target, &a.Criteria.MinimumAcceptable,
		&status, &a.BaseXP, &a.AttemptsUsed, &a.MaxAttempts,
		&predecessor, &a.ResultCount, &a.XPEarned, &completedAt)
	if err != nil {
		return nil, err
	}
	a.Status = ActionStatus(status)
	a.PredecessorID = predecessor.String
	if a.Steps, err = unmarshalStrings(steps); err != nil {
		return nil, err
	}
	if a.Deadline, err = parseTime(deadline); err != nil {
		return nil, fmt.Errorf("parse action deadline: %w", err)
	}
	if a.CompletedAt, err = scanNullableTime(completedAt); err != nil {
		return nil, fmt.Errorf("parse action completed_at: %w", err)
	}
	return &a, nil
}

// GetAction loads one action by id.
func (s *Store) GetAction(id string) (*Action, error) {
	a, err := scanAction(s.db.QueryRow(
		`SELECT `+actionColumns+` FROM actions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrActionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get action: %w", err)
	}
	return a, nil
}

// ListActions returns a level's actions ordered by sequence number.
func (s *Store) ListActions(levelID string) ([]*Action, error) {
	rows, err := s.db.Query(
		`SELECT `+actionColumns+` FROM actions WHERE level_id = ? ORDER BY sequence_number`,
		levelID)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var out []*Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// firstUnresolvedAction returns the lowest-sequence action in a level that is
// not yet completed or escalated, or nil when all are resolved.
func (s *Store) firstUnresolvedAction(q dbtx, levelID string) (*Action, error) {
	a, err := scanAction(q.QueryRow(
		`SELECT `+actionColumns+` FROM actions
		 WHERE level_id = ? AND status NOT IN (?, ?)
		 ORDER BY sequence_number LIMIT 1`,
		levelID, string(ActionCompleted), string(ActionEscalated)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("first unresolved action: %w", err)
	}
	return a, nil
}

// successorAction returns the next action in the same level, or nil.
func (s *Store) successorAction(q dbtx, a *Action) (*Action, error) {
	next, err := scanAction(q.QueryRow(
		`SELECT `+actionColumns+` FROM actions WHERE level_id = ? AND sequence_number = ?`,
		a.LevelID, a.SequenceNumber+1))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("successor action: %w", err)
	}
	return next, nil
}

const resultColumns = `id, execution_id, action_id, corrective_id, indicator_id,
	baseline, current, target, method, sample_size, source, collected_at,
	improvement, achievement_pct, verdict, next_action, submitted_by, created_at`

func (s *Store) insertResult(q dbtx, r *Result) error {
	var collectedAt any
	if !r.Measurement.CollectedAt.IsZero() {
		collectedAt = formatTime(r.Measurement.CollectedAt)
	}
	var correctiveID any
	if r.CorrectiveID != "" {
		correctiveID = r.CorrectiveID
	}
	_, err := q.Exec(`
		INSERT INTO results (`+resultColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ExecutionID, r.ActionID, correctiveID, r.IndicatorID,
		r.Baseline, r.Current, r.Target,
		r.Measurement.Method, r.Measurement.SampleSize, r.Measurement.Source, collectedAt,
		r.Evaluation.Improvement, r.Evaluation.AchievementPercentage,
		string(r.Evaluation.Verdict), string(r.Evaluation.NextAction),
		r.SubmittedBy, formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

func scanResult(row interface{ Scan(...any) error }) (*Result, error) {
	var r Result
	var correctiveID, method, source, collectedAt sql.NullString
	var sampleSize sql.NullInt64
	var verdict, nextAction, createdAt string
	err := row.Scan(&r.ID, &r.ExecutionID, &r.ActionID, &correctiveID, &r.IndicatorID,
		&r.Baseline, &r.Current, &r.Target,
		&method, &sampleSize, &source, &collectedAt,
		&r.Evaluation.Improvement, &r.Evaluation.AchievementPercentage,
		&verdict, &nextAction, &r.SubmittedBy, &createdAt)
	if err != nil {
		return nil, err
	}
	r.CorrectiveID = correctiveID.String
	r.Measurement.Method = method.String
	r.Measurement.Source = source.String
	r.Measurement.SampleSize = int(sampleSize.Int64)
	if t, terr := scanNullableTime(collectedAt); terr == nil && t != nil {
		r.Measurement.CollectedAt = *t
	}
	r.Evaluation.TargetImprovement = r.Target - r.Baseline
	r.Evaluation.Verdict = evaluation.Verdict(verdict)
	r.Evaluation.NextAction = evaluation.NextAction(nextAction)
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse result created_at: %w", err)
	}
	return &r, nil
}

// ListResults returns all results recorded against an action, oldest first.
func (s *Store) ListResults(actionID string) ([]*Result, error) {
	rows, err := s.db.Query(
		`SELECT `+resultColumns+` FROM results WHERE action_id = ? ORDER BY created_at, id`,
		actionID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []*Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const correctiveColumns = `id, execution_id, action_id, triggering_result_id, attempt_number,
	description, original_description, steps_json, original_steps_json, customize_diff,
	root_cause, contributing_factors_json, confidence, status, base_xp, deadline,
	user_customized, created_at`

func (s *Store) insertCorrective(q dbtx, c *CorrectiveAction) error {
	steps, err := marshalStrings(c.Steps)
	if err != nil {
		return err
	}
	originalSteps, err := marshalStrings(c.OriginalSteps)
	if err != nil {
		return err
	}
	factors, err := marshalStrings(c.ContributingFactors)
	if err != nil {
		return err
	}
	_, err = q.Exec(`
		INSERT INTO correctives (`+correctiveColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ExecutionID, c.ActionID, c.TriggeringResultID, c.AttemptNumber,
		c.Description, c.OriginalDescription, steps, originalSteps, c.CustomizeDiff,
		c.RootCause, factors, c.Confidence, string(c.Status), c.BaseXP,
		formatTime(c.Deadline), boolToInt(c.UserCustomized), formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert corrective: %w", err)
	}
	return nil
}

func (s *Store) updateCorrective(q dbtx, c *CorrectiveAction) error {
	steps, err := marshalStrings(c.Steps)
	if err != nil {
		return err
	}
	_, err = q.Exec(`
		UPDATE correctives SET description = ?, steps_json = ?, customize_diff = ?,
			status = ?, user_customized = ?
		WHERE id = ?`,
		c.Description, steps, c.CustomizeDiff, string(c.Status),
		boolToInt(c.UserCustomized), c.ID)
	if err != nil {
		return fmt.Errorf("update corrective: %w", err)
	}
	return nil
}

func scanCorrective(row interface{ Scan(...any) error }) (*CorrectiveAction, error) {
	var c CorrectiveAction
	var steps, originalSteps, factors, diff sql.NullString
	var status, deadline, createdAt string
	var customized int
	err := row.Scan(&c.ID, &c.ExecutionID, &c.ActionID, &c.TriggeringResultID, &c.AttemptNumber,
		&c.Description, &c.OriginalDescription, &steps, &originalSteps, &diff,
		&c.RootCause, &factors, &c.Confidence, &status, &c.BaseXP, &deadline,
		&customized, &createdAt)
	if err != nil {
		return nil, err
	}
	c.Status = CorrectiveStatus(status)
	c.CustomizeDiff = diff.String
	c.UserCustomized = customized != 0
	if c.Steps, err = unmarshalStrings(steps); err != nil {
		return nil, err
	}
	if c.OriginalSteps, err = unmarshalStrings(originalSteps); err != nil {
		return nil, err
	}
	if c.ContributingFactors, err = unmarshalStrings(factors); err != nil {
		return nil, err
	}
	if c.Deadline, err = parseTime(deadline); err != nil {
		return nil, fmt.Errorf("parse corrective deadline: %w", err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse corrective created_at: %w", err)
	}
	return &c, nil
}

// GetCorrective loads one corrective action by id.
func (s *Store) GetCorrective(id string) (*CorrectiveAction, error) {
	c, err := scanCorrective(s.db.QueryRow(
		`SELECT `+correctiveColumns+` FROM correctives WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrCorrectiveNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get corrective: %w", err)
	}
	return c, nil
}

// openCorrective returns the single non-terminal corrective for an action, or
// nil. At most one may exist at a time.
func (s *Store) openCorrective(q dbtx, actionID string) (*CorrectiveAction, error) {
	c, err := scanCorrective(q.QueryRow(
		`SELECT `+correctiveColumns+` FROM correctives
		 WHERE action_id = ? AND status NOT IN (?, ?)
		 ORDER BY attempt_number DESC LIMIT 1`,
		actionID, string(CorrectiveCompleted), string(CorrectiveFailed)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open corrective: %w", err)
	}
	return c, nil
}

// ListCorrectives returns all correctives for an action ordered by attempt.
func (s *Store) ListCorrectives(actionID string) ([]*CorrectiveAction, error) {
	rows, err := s.db.Query(
		`SELECT `+correctiveColumns+` FROM correctives WHERE action_id = ? ORDER BY attempt_number`,
		actionID)
	if err != nil {
		return nil, fmt.Errorf("list correctives: %w", err)
	}
	defer rows.Close()

	var out []*CorrectiveAction
	for rows.Next() {
		c, err := scanCorrective(rows)
		if err != nil {
			return nil, fmt.Errorf("scan corrective: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
