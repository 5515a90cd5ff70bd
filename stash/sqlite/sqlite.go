// Package sqlite provides a stash kept in a single SQLite database file.
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"

	// Registers the "sqlite" driver.
	_ "modernc.org/sqlite"

	"github.com/meigma/lens/stash"
)

const schema = `
CREATE TABLE IF NOT EXISTS stash (
	key        TEXT PRIMARY KEY,
	digest     TEXT NOT NULL,
	content    BLOB,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stash_created ON stash(created_at);
`

// Stash implements stash.Stash on a SQLite table.
type Stash struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures a SQLite stash.
type Option func(*Stash)

// WithLogger sets the logger for stash operations.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Stash) {
		s.logger = logger
	}
}

// Open opens (creating if needed) the stash database at path.
func Open(path string, opts ...Option) (*Stash, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create stash directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open stash database: %w", err)
	}
	// One connection serializes writers; SQLite would otherwise report
	// SQLITE_BUSY under the parallel puts of a focus.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize stash schema: %w", err)
	}
	s := &Stash{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Stash) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// Close closes the database.
func (s *Stash) Close() error {
	return s.db.Close()
}

// Put implements stash.Stash.
func (s *Stash) Put(ctx context.Context, key string, r io.Reader) error {
	if err := stash.CheckKey(key); err != nil {
		return err
	}
	var buf bytes.Buffer
	dgst, n, err := stash.Digest(&buf, r)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after Commit

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM stash WHERE key = ?`, key).Scan(&one)
	switch {
	case err == nil:
		return stash.ErrExists
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO stash (key, digest, content, created_at) VALUES (?, ?, ?, ?)`,
		key, dgst.String(), buf.Bytes(), time.Now().Unix()); err != nil {
		return fmt.Errorf("insert stash entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.log().Debug("stashed entry", "key", key, "size", n, "digest", dgst.String())
	return nil
}

// Open implements stash.Stash.
func (s *Stash) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := stash.CheckKey(key); err != nil {
		return nil, err
	}
	var (
		dgst    string
		content []byte
	)
	err := s.db.QueryRowContext(ctx, `SELECT digest, content FROM stash WHERE key = ?`, key).Scan(&dgst, &content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stash.ErrMiss
	}
	if err != nil {
		return nil, err
	}
	return stash.NewVerifyingReader(io.NopCloser(bytes.NewReader(content)), digest.Digest(dgst))
}

// Delete implements stash.Stash.
func (s *Stash) Delete(ctx context.Context, key string) error {
	if err := stash.CheckKey(key); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM stash WHERE key = ?`, key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return stash.ErrMiss
	}
	s.log().Debug("deleted entry", "key", key)
	return nil
}

// Len returns the number of entries held.
func (s *Stash) Len(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stash`).Scan(&n)
	return n, err
}

// Prune deletes entries stashed before cutoff and returns how many were removed.
func (s *Stash) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM stash WHERE created_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log().Info("pruned stash", "entries", n, "cutoff", cutoff)
	}
	return n, nil
}
