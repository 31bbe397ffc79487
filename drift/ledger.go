package drift

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Ledger is a local SQLite tracker for hosts without an issue tracker.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// OpenLedger opens or creates the ledger at path.
func OpenLedger(path string) (*Ledger, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("missing ledger path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	// modernc.org/sqlite uses a file path as DSN.
	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initLedgerSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	// Keep the connection open (single-process local DB).
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Ledger{db: db, now: time.Now}, nil
}

func initLedgerSchema(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS drift_reports (
  report_id TEXT PRIMARY KEY,
  title TEXT NOT NULL,
  body TEXT NOT NULL,
  state TEXT NOT NULL DEFAULT 'open',
  created_at_unix_ms INTEGER NOT NULL,
  closed_at_unix_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_drift_reports_state ON drift_reports(state);
`)
	return err
}

// Close closes the database.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// ListOpenReports returns open reports, oldest first.
func (l *Ledger) ListOpenReports(ctx context.Context) ([]OpenReport, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("ledger not initialized")
	}

	rows, err := l.db.QueryContext(ctx, `
SELECT report_id, title
FROM drift_reports
WHERE state = 'open'
ORDER BY created_at_unix_ms ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OpenReport
	for rows.Next() {
		var id string
		var r OpenReport
		if err := rows.Scan(&id, &r.Title); err != nil {
			return nil, err
		}
		r.URL = "ledger:" + id
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreateReport stores an open report and returns its ledger reference.
func (l *Ledger) CreateReport(ctx context.Context, title, body string) (string, error) {
	if l == nil || l.db == nil {
		return "", errors.New("ledger not initialized")
	}
	if strings.TrimSpace(title) == "" {
		return "", errors.New("missing title")
	}

	id := uuid.NewString()
	_, err := l.db.ExecContext(ctx, `
INSERT INTO drift_reports(report_id, title, body, state, created_at_unix_ms)
VALUES(?, ?, ?, 'open', ?)
`, id, title, body, l.now().UnixMilli())
	if err != nil {
		return "", err
	}
	return "ledger:" + id, nil
}

// CloseReport marks a report resolved so the same (function, tag) can be
// reported again.
func (l *Ledger) CloseReport(ctx context.Context, ref string) error {
	if l == nil || l.db == nil {
		return errors.New("ledger not initialized")
	}
	id := strings.TrimPrefix(strings.TrimSpace(ref), "ledger:")
	res, err := l.db.ExecContext(ctx, `
UPDATE drift_reports SET state = 'closed', closed_at_unix_ms = ?
WHERE report_id = ? AND state = 'open'
`, l.now().UnixMilli(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New("no open report " + ref)
	}
	return nil
}
