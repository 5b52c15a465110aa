package events

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Event types emitted by the engine. Consumers (notification and achievement
// subsystems) read these; the engine never awaits their processing.
const (
	TypeExecutionCreated    = "execution_created"
	TypeActionStarted       = "action_started"
	TypeActionCompleted     = "action_completed"
	TypeCorrectiveCreated   = "corrective_created"
	TypeActionEscalated     = "action_escalated"
	TypeLevelCompleted      = "level_completed"
	TypeExecutionCompleted  = "execution_completed"
	TypeAchievementClaimed  = "achievement_claimed"
	TypeExecutionPaused     = "execution_paused"
	TypeExecutionResumed    = "execution_resumed"
	TypeExecutionAbandoned  = "execution_abandoned"
	TypeCorrectiveCustomize = "corrective_customized"
)

// Log writes engine events to a SQLite-backed append-only log.
type Log struct {
	DBPath   string
	Notifier *Notifier
}

// NewLog returns a Log bound to the provided DB path.
func NewLog(dbPath string) *Log {
	return &Log{DBPath: dbPath}
}

// Emit appends one event. Failures to notify never fail the emit.
func (l *Log) Emit(actor, eventType string, payload any) error {
	if l == nil {
		return fmt.Errorf("event log is nil")
	}
	if err := writeEvent(l.DBPath, actor, eventType, payload); err != nil {
		return err
	}
	if l.Notifier != nil {
		title, message := FormatNotification(eventType, payload)
		if title != "" {
			_ = l.Notifier.Send(title, message)
		}
	}
	return nil
}

func writeEvent(dbPath, actor, eventType string, payload any) error {
	if dbPath == "" {
		return fmt.Errorf("events db path is required")
	}
	absPath, err := filepath.Abs(dbPath)
	if err != nil {
		return fmt.Errorf("resolve events db path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return fmt.Errorf("ensure events db dir: %w", err)
	}

	db, err := sql.Open("sqlite", absPath)
	if err != nil {
		return fmt.Errorf("open events db: %w", err)
	}
	defer func() {
		_ = db.Close()
	}()

	if err := ensureSchema(db); err != nil {
		return err
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = db.Exec(
		"INSERT INTO events (ts, actor, type, payload_json) VALUES (?, ?, ?, ?)",
		time.Now().UTC().Format(time.RFC3339), actor, eventType, string(payloadJSON),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			actor TEXT NOT NULL,
			type TEXT NOT NULL,
			payload_json TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create events schema: %w", err)
	}
	return nil
}

// Recent returns the most recent events, newest first.
func Recent(dbPath string, limit int) ([]Record, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open events db: %w", err)
	}
	defer func() {
		_ = db.Close()
	}()
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := db.Query(
		"SELECT id, ts, actor, type, payload_json FROM events ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Actor, &r.Type, &r.PayloadJSON); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Record is one stored event.
type Record struct {
	ID          int64  `json:"id"`
	Timestamp   string `json:"ts"`
	Actor       string `json:"actor"`
	Type        string `json:"type"`
	PayloadJSON string `json:"payload_json"`
}
