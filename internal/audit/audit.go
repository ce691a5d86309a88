// Package audit persists finished transaction records to a SQLite database
// so operators can inspect proxy traffic after the fact.
package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"database/sql"

	_ "modernc.org/sqlite"

	"github.com/NanoAdblockerLab/NanoProxy/internal/metrics"
)

// Store wraps the SQLite connection used for the transaction log.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path, runs migrations and enables
// WAL mode so reads do not stall the writer.
func Open(path string) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single writer is enough for an append-mostly log.
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS transactions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts DATETIME NOT NULL,
	host TEXT NOT NULL,
	method TEXT NOT NULL,
	path TEXT NOT NULL,
	code INTEGER NOT NULL,
	ms INTEGER NOT NULL,
	bytes_in INTEGER NOT NULL,
	bytes_out INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_ts ON transactions(ts);
CREATE INDEX IF NOT EXISTS idx_transactions_host ON transactions(host);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Record appends one finished transaction.
func (s *Store) Record(ctx context.Context, ev metrics.RequestEvent) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO transactions(ts, host, method, path, code, ms, bytes_in, bytes_out)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Ts.UTC(), ev.Host, ev.Method, ev.Path, ev.Code, ev.Ms, ev.BytesIn, ev.BytesOut)
	return err
}

// Recent returns up to limit transactions, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]metrics.RequestEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT ts, host, method, path, code, ms, bytes_in, bytes_out
FROM transactions
ORDER BY id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []metrics.RequestEvent
	for rows.Next() {
		var ev metrics.RequestEvent
		if err := rows.Scan(&ev.Ts, &ev.Host, &ev.Method, &ev.Path, &ev.Code, &ev.Ms, &ev.BytesIn, &ev.BytesOut); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Purge deletes transactions older than the cutoff and reports how many rows
// went away.
func (s *Store) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM transactions WHERE ts < ?`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func ensureParentDir(path string) error {
	path = strings.TrimSpace(path)
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
