// Package store keeps a ledger of package replacements and rebuilds.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/SFSLiveBoot/LiveBootUtils/internal/sfs"
)

// Sentinel errors
var (
	ErrNotFound = errors.New("not found")
)

// isBusyLock reports whether err indicates SQLite database lock (SQLITE_BUSY).
// Handles wrapped errors from database/sql.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

// Replacement is one installed image.
type Replacement struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Member     string    `json:"member"`
	Stamp      uint32    `json:"create_stamp"`
	Size       int64     `json:"size"`
	Algo       string    `json:"algo"`
	Checksum   string    `json:"checksum"`
	Backup     string    `json:"backup,omitempty"`
	ReplacedAt time.Time `json:"replaced_at"`
}

// Build is the outcome of one rebuild.
type Build struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Source     string    `json:"source,omitempty"`
	Commit     string    `json:"commit,omitempty"`
	State      string    `json:"state"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

type Store struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS replacements (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	name        TEXT NOT NULL,
	path        TEXT NOT NULL,
	member      TEXT NOT NULL,
	stamp       INTEGER NOT NULL,
	size        INTEGER NOT NULL DEFAULT 0,
	algo        TEXT NOT NULL,
	checksum    TEXT NOT NULL,
	backup      TEXT NOT NULL DEFAULT '',
	replaced_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_replacements_name ON replacements(name);
CREATE INDEX IF NOT EXISTS idx_replacements_path ON replacements(path);

CREATE TABLE IF NOT EXISTS builds (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	name        TEXT NOT NULL,
	path        TEXT NOT NULL,
	source      TEXT NOT NULL DEFAULT '',
	git_commit  TEXT NOT NULL DEFAULT '',
	state       TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	started_at  DATETIME NOT NULL,
	finished_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_builds_name ON builds(name);
`

// DefaultMaxOpenConns is the default connection pool size for concurrent reads.
// WAL mode allows multiple readers + 1 writer.
const DefaultMaxOpenConns = 4

// dsnWithPragmas returns a connection string with WAL, busy_timeout, and perf
// pragmas applied to every new connection.
func dsnWithPragmas(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=temp_store(MEMORY)"
}

// New opens the ledger, creating the database and its directory as needed.
// maxOpenConns controls the connection pool size (0 = default 4).
func New(dbPath string, maxOpenConns int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("creating database dir: %w", err)
	}
	db, err := sql.Open("sqlite", dsnWithPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = DefaultMaxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RecordReplacement stores the result of an image replacement.
func (s *Store) RecordReplacement(ctx context.Context, name string, res *sfs.ReplaceResult) error {
	err := retryOnBusy(func() error {
		_, e := s.db.ExecContext(ctx,
			`INSERT INTO replacements (name, path, member, stamp, size, algo, checksum, backup, replaced_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			name, res.Path, res.Member, res.Stamp, res.Size, res.Algo, res.Checksum, res.Backup,
			time.Now().UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting replacement: %w", err)
	}
	return nil
}

const replacementColumns = `id, name, path, member, stamp, size, algo, checksum, backup, replaced_at`

// ListReplacements returns replacements of name, or of every package when
// name is empty, newest first.
func (s *Store) ListReplacements(ctx context.Context, name string) ([]*Replacement, error) {
	query := `SELECT ` + replacementColumns + ` FROM replacements`
	var args []any
	if name != "" {
		query += ` WHERE name = ?`
		args = append(args, name)
	}
	query += ` ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing replacements: %w", err)
	}
	defer rows.Close()

	var out []*Replacement
	for rows.Next() {
		r, err := scanReplacement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating replacements: %w", err)
	}
	return out, nil
}

// LatestReplacement returns the newest replacement recorded for path.
func (s *Store) LatestReplacement(ctx context.Context, path string) (*Replacement, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+replacementColumns+` FROM replacements WHERE path = ? ORDER BY id DESC LIMIT 1`, path)
	r, err := scanReplacement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("replacement of %s: %w", path, ErrNotFound)
	}
	return r, err
}

// RecordBuild stores the outcome of a rebuild.
func (s *Store) RecordBuild(ctx context.Context, b *Build) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.ExecContext(ctx,
			`INSERT INTO builds (name, path, source, git_commit, state, error, started_at, finished_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			b.Name, b.Path, b.Source, b.Commit, b.State, b.Error, b.StartedAt.UTC(), b.FinishedAt.UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting build: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		b.ID = id
	}
	return nil
}

// ListBuilds returns builds of name, or of every package when name is
// empty, newest first.
func (s *Store) ListBuilds(ctx context.Context, name string) ([]*Build, error) {
	query := `SELECT id, name, path, source, git_commit, state, error, started_at, finished_at FROM builds`
	var args []any
	if name != "" {
		query += ` WHERE name = ?`
		args = append(args, name)
	}
	query += ` ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing builds: %w", err)
	}
	defer rows.Close()

	var out []*Build
	for rows.Next() {
		var b Build
		if err := rows.Scan(&b.ID, &b.Name, &b.Path, &b.Source, &b.Commit, &b.State, &b.Error,
			&b.StartedAt, &b.FinishedAt); err != nil {
			return nil, fmt.Errorf("scanning build: %w", err)
		}
		out = append(out, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating builds: %w", err)
	}
	return out, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanReplacement(row scannable) (*Replacement, error) {
	var r Replacement
	err := row.Scan(&r.ID, &r.Name, &r.Path, &r.Member, &r.Stamp, &r.Size, &r.Algo, &r.Checksum,
		&r.Backup, &r.ReplacedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning replacement: %w", err)
	}
	return &r, nil
}
