package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Ledger is the append-only XP transaction log. Totals and user levels are
// derived sums over it; nothing here is ever updated in place.
type Ledger struct {
	DBPath string
	db     *sql.DB
}

// Transaction is one immutable XP grant.
type Transaction struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Amount        int       `json:"amount"`
	Reason        string    `json:"reason"`
	ContextRef    string    `json:"context_ref"`
	BreakdownJSON string    `json:"breakdown_json,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Open opens or creates the ledger database.
func Open(path string) (*Ledger, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve ledger db path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("ensure ledger db dir: %w", err)
	}

	db, err := sql.Open("sqlite", absPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}

	l := &Ledger{DBPath: absPath, db: db}
	if err := l.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

func (l *Ledger) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS xp_transactions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	amount INTEGER NOT NULL,
	reason TEXT NOT NULL,
	context_ref TEXT NOT NULL,
	breakdown_json TEXT,
	created_at TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_xp_reason_context ON xp_transactions(reason, context_ref);
CREATE INDEX IF NOT EXISTS idx_xp_user ON xp_transactions(user_id, created_at);

CREATE TABLE IF NOT EXISTS achievements (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	criteria_key TEXT NOT NULL,
	criteria_value INTEGER NOT NULL,
	xp_reward INTEGER NOT NULL,
	active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS user_achievements (
	user_id TEXT NOT NULL,
	achievement_id TEXT NOT NULL,
	earned_at TEXT NOT NULL,
	PRIMARY KEY (user_id, achievement_id)
);
`
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("create ledger schema: %w", err)
	}
	return nil
}

// Grant appends an XP transaction. Grants are idempotent per (reason,
// context_ref): a retried grant for the same completion inserts nothing and
// returns false.
func (l *Ledger) Grant(userID string, amount int, reason, contextRef string, breakdown any) (bool, error) {
	if strings.TrimSpace(userID) == "" {
		return false, fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(reason) == "" || strings.TrimSpace(contextRef) == "" {
		return false, fmt.Errorf("reason and context ref are required")
	}

	var breakdownJSON string
	if breakdown != nil {
		data, err := json.Marshal(breakdown)
		if err != nil {
			return false, fmt.Errorf("marshal breakdown: %w", err)
		}
		breakdownJSON = string(data)
	}

	res, err := l.db.Exec(`
		INSERT INTO xp_transactions (id, user_id, amount, reason, context_ref, breakdown_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(reason, context_ref) DO NOTHING`,
		uuid.NewString(), userID, amount, reason, contextRef, breakdownJSON,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return false, fmt.Errorf("append xp transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append xp transaction: %w", err)
	}
	return n > 0, nil
}

// Total returns the derived XP sum for a user.
func (l *Ledger) Total(userID string) (int, error) {
	var total sql.NullInt64
	err := l.db.QueryRow(
		`SELECT SUM(amount) FROM xp_transactions WHERE user_id = ?`, userID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum xp: %w", err)
	}
	return int(total.Int64), nil
}

// History returns a user's transactions, newest first.
func (l *Ledger) History(userID string) ([]Transaction, error) {
	rows, err := l.db.Query(`
		SELECT id, user_id, amount, reason, context_ref, breakdown_json, created_at
		FROM xp_transactions WHERE user_id = ? ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query xp history: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var tx Transaction
		var breakdown sql.NullString
		var createdAt string
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Amount, &tx.Reason, &tx.ContextRef, &breakdown, &createdAt); err != nil {
			return nil, fmt.Errorf("scan xp transaction: %w", err)
		}
		tx.BreakdownJSON = breakdown.String
		tx.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse xp timestamp: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}
