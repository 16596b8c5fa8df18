package faults

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteHistory persists the error history in a SQLite database.
type SQLiteHistory struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the history database at path.
func OpenSQLite(path string) (*SQLiteHistory, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create fault history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open fault history db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set fault history journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set fault history busy timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS fault_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	at TEXT NOT NULL,
	code INTEGER NOT NULL,
	action TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT ''
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize fault history schema: %w", err)
	}

	return &SQLiteHistory{db: db}, nil
}

// Append stores one entry.
func (h *SQLiteHistory) Append(ctx context.Context, e Entry) error {
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO fault_history (at, code, action, description) VALUES (?, ?, ?, ?)`,
		e.At.UTC().Format(time.RFC3339Nano),
		int(e.Code),
		e.Action,
		e.Description,
	)
	if err != nil {
		return fmt.Errorf("append fault history: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (h *SQLiteHistory) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := h.db.QueryContext(ctx,
		`SELECT at, code, action, description FROM fault_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list fault history: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0)
	for rows.Next() {
		var (
			at   string
			code int
			e    Entry
		)
		if err := rows.Scan(&at, &code, &e.Action, &e.Description); err != nil {
			return nil, fmt.Errorf("scan fault history row: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("parse fault history time %q: %w", at, err)
		}
		e.At = t
		e.Code = Code(code)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fault history rows: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (h *SQLiteHistory) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}
