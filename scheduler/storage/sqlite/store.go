/*
Package sqlite provides a SQLite-backed tree store.

LAYOUT:

	nodes(path TEXT PRIMARY KEY, value BLOB NOT NULL)

Only leaves are stored. A subtree is the row at the path plus the rows in the
half-open range [path + "/", path + "0"), since '0' is the byte after '/'.

ATOMICITY:

	WriteMulti runs in one SQL transaction. Change events are published to
	in-process subscribers after commit.

WAL MODE:

	The database is opened with WAL so readers do not block the single writer.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/fieldsvc/schedule/scheduler/storage"
)

// Store implements storage.Store using SQLite.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex // serializes writers
	bus    *storage.Broadcaster
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a new SQLite store with the given database path.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{
		db:     db,
		bus:    storage.NewBroadcaster(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		path TEXT PRIMARY KEY,
		value BLOB NOT NULL
	) WITHOUT ROWID;
	`
	_, err := s.db.Exec(schema)
	return err
}

const subtreeClause = `path = ? OR (path >= ? AND path < ?)`

func subtreeArgs(path string) []any {
	return []any{path, path + "/", path + "0"}
}

func (s *Store) ReadSubtree(ctx context.Context, path string) (map[string][]byte, error) {
	if err := storage.ValidatePath(path); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT path, value FROM nodes WHERE `+subtreeClause, subtreeArgs(path)...)
	if err != nil {
		return nil, unavailable("failed to query subtree", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var p string
		var v []byte
		if err := rows.Scan(&p, &v); err != nil {
			return nil, unavailable("failed to scan node", err)
		}
		out[p] = v
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("failed to read subtree", err)
	}
	return out, nil
}

func (s *Store) WriteMulti(ctx context.Context, updates map[string]storage.Update) error {
	paths, err := storage.ValidateBatch(updates)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return nil
	}

	s.mu.Lock()
	err = s.writeTx(ctx, paths, updates)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.logger.Debug("committed write", "paths", len(paths))
	s.bus.Publish(paths)
	return nil
}

func (s *Store) writeTx(ctx context.Context, paths []string, updates map[string]storage.Update) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("failed to begin transaction", err)
	}
	defer tx.Rollback()

	for _, p := range paths {
		if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE `+subtreeClause, subtreeArgs(p)...); err != nil {
			return unavailable("failed to clear subtree", err)
		}
		if anc := storage.Ancestors(p); len(anc) > 0 {
			args := make([]any, len(anc))
			for i, a := range anc {
				args[i] = a
			}
			q := `DELETE FROM nodes WHERE path IN (?` + strings.Repeat(",?", len(anc)-1) + `)`
			if _, err := tx.ExecContext(ctx, q, args...); err != nil {
				return unavailable("failed to clear ancestors", err)
			}
		}
		if u := updates[p]; !u.Delete {
			value := u.Value
			if value == nil {
				value = []byte{}
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO nodes (path, value) VALUES (?, ?)`, p, value); err != nil {
				return unavailable("failed to insert node", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("failed to commit transaction", err)
	}
	return nil
}

func (s *Store) NewID(_ context.Context, path string) (string, error) {
	if err := storage.ValidatePath(path); err != nil {
		return "", err
	}
	return uuid.NewString(), nil
}

func (s *Store) Subscribe(ctx context.Context, path string, onChange func(storage.Event)) (func(), error) {
	return s.bus.Subscribe(ctx, path, onChange)
}

func unavailable(msg string, err error) error {
	return &storage.Error{Type: storage.ErrUnavailable, Message: msg, Err: err}
}
