// Package audit manages the relational audit trail for the command gate.
//
// SQLite in WAL mode lets the listener and executor processes append rows
// concurrently; the event log remains the authoritative journal and this
// store is the queryable record of "what happened". Rows are only ever
// inserted. The schema is created lazily and migrated additively.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/daviddao/gaia/pkg/model"
	"github.com/daviddao/gaia/pkg/retry"

	_ "modernc.org/sqlite"
)

// tsLayout is fixed-width so lexical order in SQL matches time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store manages all SQLite operations with WAL mode for concurrent access.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New opens (or creates) the SQLite database and initializes the schema.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// retryOnContention runs fn under the store's SQLite retry policy.
func retryOnContention(fn func() error) error {
	_, err := retry.Do(context.Background(), sqlitePolicy, func(context.Context) error {
		return fn()
	})
	return err
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		actor     TEXT,
		action    TEXT NOT NULL,
		detail    TEXT
	);

	CREATE TABLE IF NOT EXISTS traces (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		action    TEXT NOT NULL,
		agent_id  TEXT,
		status    TEXT,
		details   TEXT
	);

	CREATE TABLE IF NOT EXISTS cursors (
		name  TEXT PRIMARY KEY,
		value INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit(timestamp);
	CREATE INDEX IF NOT EXISTS idx_traces_timestamp ON traces(timestamp);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	// command_id arrived after the first deployments of the table.
	if err := s.ensureColumn("audit", "command_id", "TEXT"); err != nil {
		return err
	}
	_, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_command ON audit(command_id)`)
	return err
}

// ensureColumn adds column to table unless it is already present.
func (s *Store) ensureColumn(table, column, decl string) error {
	has, err := s.hasColumn(table, column)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl))
	if err != nil {
		// A concurrent process may have won the race.
		if again, _ := s.hasColumn(table, column); again {
			return nil
		}
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}

func (s *Store) hasColumn(table, column string) (bool, error) {
	rows, err := s.db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// ---------------------------------------------------------------------------
// Audit
// ---------------------------------------------------------------------------

// Record inserts one audit row and returns its id. Rows are never updated.
func (s *Store) Record(action, actor, commandID, detail string) (int64, error) {
	now := s.now().UTC().Format(tsLayout)
	var lastID int64
	err := retryOnContention(func() error {
		res, err := s.db.Exec(
			`INSERT INTO audit (timestamp, actor, action, command_id, detail)
			 VALUES (?, ?, ?, ?, ?)`,
			now, actor, action, nullIfEmpty(commandID), nullIfEmpty(detail),
		)
		if err != nil {
			return err
		}
		lastID, err = res.LastInsertId()
		return err
	})
	return lastID, err
}

// CountSince returns the number of audit rows written at or after ts.
func (s *Store) CountSince(ts time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM audit WHERE timestamp >= ?`,
		ts.UTC().Format(tsLayout),
	).Scan(&n)
	return n, err
}

// ListRecent returns up to n audit rows, newest first.
func (s *Store) ListRecent(n int) ([]model.AuditRow, error) {
	if n <= 0 {
		n = 50
	}
	rows, err := s.db.Query(
		`SELECT id, timestamp, COALESCE(actor,''), action,
		        COALESCE(command_id,''), COALESCE(detail,'')
		 FROM audit ORDER BY id DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAudit(rows)
}

// ListForCommand returns the audit rows of one command in insertion order.
func (s *Store) ListForCommand(commandID string) ([]model.AuditRow, error) {
	rows, err := s.db.Query(
		`SELECT id, timestamp, COALESCE(actor,''), action,
		        COALESCE(command_id,''), COALESCE(detail,'')
		 FROM audit WHERE command_id = ? ORDER BY id ASC`, commandID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAudit(rows)
}

func scanAudit(rows *sql.Rows) ([]model.AuditRow, error) {
	var out []model.AuditRow
	for rows.Next() {
		var r model.AuditRow
		var tsStr string
		if err := rows.Scan(&r.ID, &tsStr, &r.Actor, &r.Action, &r.CommandID, &r.Detail); err != nil {
			return nil, err
		}
		var parseErr error
		r.Timestamp, parseErr = parseTS(tsStr)
		if parseErr != nil {
			return nil, fmt.Errorf("parse timestamp for audit row %d: %w", r.ID, parseErr)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Traces
// ---------------------------------------------------------------------------

// RecordTrace appends a coarse lifecycle record.
func (s *Store) RecordTrace(action, agentID, status, details string) (int64, error) {
	now := s.now().UTC().Format(tsLayout)
	var lastID int64
	err := retryOnContention(func() error {
		res, err := s.db.Exec(
			`INSERT INTO traces (timestamp, action, agent_id, status, details)
			 VALUES (?, ?, ?, ?, ?)`,
			now, action, agentID, status, nullIfEmpty(details),
		)
		if err != nil {
			return err
		}
		lastID, err = res.LastInsertId()
		return err
	})
	return lastID, err
}

// ListTraces returns up to n traces, newest first.
func (s *Store) ListTraces(n int) ([]model.Trace, error) {
	if n <= 0 {
		n = 50
	}
	rows, err := s.db.Query(
		`SELECT id, timestamp, action, COALESCE(agent_id,''), COALESCE(status,''),
		        COALESCE(details,'')
		 FROM traces ORDER BY id DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Trace
	for rows.Next() {
		var tr model.Trace
		var tsStr string
		if err := rows.Scan(&tr.ID, &tsStr, &tr.Action, &tr.AgentID, &tr.Status, &tr.Details); err != nil {
			return nil, err
		}
		var parseErr error
		tr.Timestamp, parseErr = parseTS(tsStr)
		if parseErr != nil {
			return nil, fmt.Errorf("parse timestamp for trace %d: %w", tr.ID, parseErr)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Cursors
// ---------------------------------------------------------------------------

// GetCursor returns the stored cursor value for name (0 if unset).
func (s *Store) GetCursor(name string) int64 {
	var v int64
	if err := s.db.QueryRow(
		`SELECT value FROM cursors WHERE name = ?`, name,
	).Scan(&v); err != nil {
		return 0
	}
	return v
}

// SetCursor stores the cursor value for name.
func (s *Store) SetCursor(name string, value int64) error {
	return retryOnContention(func() error {
		_, err := s.db.Exec(
			`INSERT INTO cursors (name, value) VALUES (?, ?)
			 ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
			name, value,
		)
		return err
	})
}

// parseTS accepts tsLayout and, for rows written by older tooling, any
// RFC 3339 timestamp.
func parseTS(v string) (time.Time, error) {
	if t, err := time.Parse(tsLayout, v); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
