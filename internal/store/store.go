// Package store keeps the ledger of injection attempts in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const schema = `
PRAGMA journal_mode=WAL;
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS targets (
	id         INTEGER PRIMARY KEY,
	path       TEXT NOT NULL UNIQUE,
	attempts   INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE TABLE IF NOT EXISTS attempts (
	id         INTEGER PRIMARY KEY,
	attempt_id TEXT NOT NULL,
	target_id  INTEGER NOT NULL,
	pid        INTEGER NOT NULL,
	reached    TEXT NOT NULL,
	final      TEXT NOT NULL,
	reason     TEXT,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	FOREIGN KEY(target_id) REFERENCES targets(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_attempts_target ON attempts(target_id);

-- keep targets.attempts in sync with COUNT(attempts)
CREATE TRIGGER IF NOT EXISTS trg_attempts_ai AFTER INSERT ON attempts BEGIN
	UPDATE targets
	SET attempts = (SELECT COUNT(*) FROM attempts WHERE target_id = NEW.target_id),
	    updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
	WHERE id = NEW.target_id;
END;

CREATE TRIGGER IF NOT EXISTS trg_attempts_ad AFTER DELETE ON attempts BEGIN
	UPDATE targets
	SET attempts = (SELECT COUNT(*) FROM attempts WHERE target_id = OLD.target_id),
	    updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
	WHERE id = OLD.target_id;
END;
`

// Target is one executable path the loader has tried.
type Target struct {
	ID        int64
	Path      string
	Attempts  int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Attempt is one row of the injection history.
type Attempt struct {
	ID        int64
	AttemptID string
	Image     string
	PID       uint32
	Reached   string
	Final     string
	Reason    string
	CreatedAt time.Time
}

// DB is the ledger handle.
type DB struct {
	db *sql.DB
}

// Open creates or opens the ledger at file.
func Open(file string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=busy_timeout(5000)", file)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open ledger")
	}
	if _, err = db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply ledger schema")
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error { return d.db.Close() }

// UpsertTarget returns the id of path, inserting it when new.
func (d *DB) UpsertTarget(ctx context.Context, path string) (id int64, err error) {
	if path == "" {
		return 0, errors.New("empty target path")
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO targets(path)
		VALUES (?)
		ON CONFLICT(path) DO UPDATE SET path=excluded.path
		RETURNING id
	`, path).Scan(&id)
	if err != nil {
		return 0, errors.Wrapf(err, "upsert target %s", path)
	}
	err = tx.Commit()
	return id, err
}

// RecordAttempt appends a to the history of its image. An empty image is
// stored under "<unknown>".
func (d *DB) RecordAttempt(ctx context.Context, a Attempt) (int64, error) {
	image := a.Image
	if image == "" {
		image = "<unknown>"
	}
	targetID, err := d.UpsertTarget(ctx, image)
	if err != nil {
		return 0, err
	}
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO attempts(attempt_id, target_id, pid, reached, final, reason)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.AttemptID, targetID, a.PID, a.Reached, a.Final, nullStr(a.Reason))
	if err != nil {
		return 0, errors.Wrap(err, "insert attempt")
	}
	return res.LastInsertId()
}

// ListAttempts returns the newest attempts first.
func (d *DB) ListAttempts(ctx context.Context, limit, offset int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT a.id, a.attempt_id, t.path, a.pid, a.reached, a.final, a.reason, a.created_at
		FROM attempts a JOIN targets t ON t.id = a.target_id
		ORDER BY a.id DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Attempt
	for rows.Next() {
		var a Attempt
		var reason sql.NullString
		var created string
		if err := rows.Scan(&a.ID, &a.AttemptID, &a.Image, &a.PID, &a.Reached, &a.Final, &reason, &created); err != nil {
			return nil, err
		}
		a.Reason = reason.String
		a.CreatedAt = parseTime(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListTargets returns every known target, most attempted first.
func (d *DB) ListTargets(ctx context.Context) ([]Target, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, path, attempts, created_at, updated_at
		FROM targets
		ORDER BY attempts DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Target
	for rows.Next() {
		var t Target
		var created, updated string
		if err := rows.Scan(&t.ID, &t.Path, &t.Attempts, &created, &updated); err != nil {
			return nil, err
		}
		t.CreatedAt = parseTime(created)
		t.UpdatedAt = parseTime(updated)
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
