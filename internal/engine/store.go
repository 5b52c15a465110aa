package engine

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists engine state in SQLite. Results are insert-only; there is
// deliberately no statement that updates or deletes a result row.
type Store struct {
	DBPath string
	db     *sql.DB
}

// dbtx is satisfied by both *sql.DB and *sql.Tx so mutation helpers can run
// inside or outside a transaction.
type dbtx interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// OpenStore opens or creates the engine state database.
func OpenStore(path string) (*Store, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve state db path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("ensure state db dir: %w", err)
	}

	db, err := sql.Open("sqlite", absPath)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}

	store := &Store{DBPath: absPath, db: db}
	if err := store.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL,
	organization_id TEXT NOT NULL,
	status TEXT NOT NULL,
	current_level INTEGER NOT NULL,
	total_xp INTEGER NOT NULL DEFAULT 0,
	completed_actions INTEGER NOT NULL DEFAULT 0,
	escalated_actions INTEGER NOT NULL DEFAULT 0,
	achievement_sum REAL NOT NULL DEFAULT 0,
	achievement_count INTEGER NOT NULL DEFAULT 0,
	on_time_completions INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_plan ON executions(plan_id);
CREATE INDEX IF NOT EXISTS idx_executions_org ON executions(organization_id, created_at);

CREATE TABLE IF NOT EXISTS levels (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	level_number INTEGER NOT NULL,
	name TEXT NOT NULL,
	description TEXT,
	status TEXT NOT NULL,
	expected_start TEXT NOT NULL,
	expected_end TEXT NOT NULL,
	actual_start TEXT,
	actual_end TEXT,
	completion_bonus_xp INTEGER NOT NULL DEFAULT 0,
	xp_earned INTEGER NOT NULL DEFAULT 0,
	total_actions INTEGER NOT NULL DEFAULT 0,
	completed_actions INTEGER NOT NULL DEFAULT 0,
	UNIQUE (execution_id, level_number)
);

CREATE TABLE IF NOT EXISTS actions (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	level_id TEXT NOT NULL,
	sequence_number INTEGER NOT NULL,
	description TEXT NOT NULL,
	steps_json TEXT,
	deadline TEXT NOT NULL,
	estimated_days INTEGER NOT NULL DEFAULT 0,
	indicator_id TEXT NOT NULL,
	baseline REAL NOT NULL,
	target REAL NOT NULL,
	minimum_acceptable REAL NOT NULL,
	status TEXT NOT NULL,
	base_xp INTEGER NOT NULL,
	attempts_used INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	predecessor_id TEXT,
	result_count INTEGER NOT NULL DEFAULT 0,
	xp_earned INTEGER NOT NULL DEFAULT 0,
	completed_at TEXT,
	UNIQUE (level_id, sequence_number)
);

CREATE INDEX IF NOT EXISTS idx_actions_level ON actions(level_id, sequence_number);

CREATE TABLE IF NOT EXISTS results (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	action_id TEXT NOT NULL,
	corrective_id TEXT,
	indicator_id TEXT NOT NULL,
	baseline REAL NOT NULL,
	current REAL NOT NULL,
	target REAL NOT NULL,
	method TEXT,
	sample_size INTEGER,
	source TEXT,
	collected_at TEXT,
	improvement REAL NOT NULL,
	achievement_pct REAL NOT NULL,
	verdict TEXT NOT NULL,
	next_action TEXT NOT NULL,
	submitted_by TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_results_action ON results(action_id, created_at);

CREATE TABLE IF NOT EXISTS correctives (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	action_id TEXT NOT NULL,
	triggering_result_id TEXT NOT NULL,
	attempt_number INTEGER NOT NULL,
	description TEXT NOT NULL,
	original_description TEXT NOT NULL,
	steps_json TEXT,
	original_steps_json TEXT,
	customize_diff TEXT,
	root_cause TEXT NOT NULL,
	contributing_factors_json TEXT,
	confidence REAL NOT NULL,
	status TEXT NOT NULL,
	base_xp INTEGER NOT NULL,
	deadline TEXT NOT NULL,
	user_customized INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	UNIQUE (action_id, attempt_number)
);

CREATE INDEX IF NOT EXISTS idx_correctives_action ON correctives(action_id, attempt_number);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create engine schema: %w", err)
	}
	return nil
}

// Begin starts a write transaction.
func (s *Store) Begin() (*sql.Tx, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return tx, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func scanNullableTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func marshalStrings(values []string) (string, error) {
	if len(values) == 0 {
		return "", nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("marshal string list: %w", err)
	}
	return string(data), nil
}

func unmarshalStrings(v sql.NullString) ([]string, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil, fmt.Errorf("unmarshal string list: %w", err)
	}
	return out, nil
}
