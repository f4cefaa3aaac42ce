// Package audit is a write-only ban/unban event journal backed by sqlite
// in WAL mode. It exists purely for operator visibility: the ban-decision
// path (FailManager, Filter, Action) never reads it back.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultTimeout bounds every journal write.
const DefaultTimeout = 5 * time.Second

// Event is one ban or unban occurrence.
type Event struct {
	Jail     string
	IP       string
	Family   string
	Action   string // "ban" or "unban"
	Attempts int
	At       time.Time
}

// Journal wraps a sqlite-backed append-only log of Events.
type Journal struct {
	db      *sql.DB
	timeout time.Duration
}

// Open creates or opens the journal database at path in WAL mode.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: schema: %w", err)
	}

	return &Journal{db: db, timeout: DefaultTimeout}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ban_events (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			jail      TEXT NOT NULL,
			ip        TEXT NOT NULL,
			family    TEXT NOT NULL,
			action    TEXT NOT NULL,
			attempts  INTEGER NOT NULL,
			at        DATETIME NOT NULL
		)
	`)
	return err
}

// Record appends one Event. Callers should log a Record error, not
// propagate it into the ban-decision path.
func (j *Journal) Record(ctx context.Context, e Event) error {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO ban_events (jail, ip, family, action, attempts, at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.Jail, e.IP, e.Family, e.Action, e.Attempts, e.At)
	if err != nil {
		return fmt.Errorf("audit: record: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}
