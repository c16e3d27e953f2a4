// memory based implementation for tests and single-process deployments
package memory

import (
	"context"
	"io"
	"log/slog"
	"maps"
	"sync"

	"github.com/google/uuid"

	"github.com/fieldsvc/schedule/scheduler/storage"
)

// Store implements storage.Store using an in-memory path -> value map
type Store struct {
	mu     sync.RWMutex
	nodes  map[string][]byte
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

// New creates a new in-memory store
func New(opts ...Option) *Store {
	s := &Store{
		nodes:  make(map[string][]byte),
		bus:    storage.NewBroadcaster(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) ReadSubtree(_ context.Context, path string) (map[string][]byte, error) {
	if err := storage.ValidatePath(path); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]byte)
	for p, v := range s.nodes {
		if storage.IsWithin(p, path) {
			out[p] = clone(v)
		}
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
	if err := ctx.Err(); err != nil {
		return &storage.Error{Type: storage.ErrUnavailable, Message: "write abandoned", Err: err}
	}

	s.mu.Lock()
	for _, p := range paths {
		s.clearLocked(p)
		if u := updates[p]; !u.Delete {
			s.nodes[p] = clone(u.Value)
		}
	}
	s.mu.Unlock()

	s.logger.Debug("committed write", "paths", len(paths))
	s.bus.Publish(paths)
	return nil
}

// clearLocked removes the subtree at p and any value held by an ancestor,
// which would otherwise shadow the new branch.
func (s *Store) clearLocked(p string) {
	for k := range s.nodes {
		if storage.IsWithin(k, p) {
			delete(s.nodes, k)
		}
	}
	for _, a := range storage.Ancestors(p) {
		delete(s.nodes, a)
	}
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

// Len returns the number of stored leaves.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// Snapshot returns a copy of every stored leaf.
func (s *Store) Snapshot() map[string][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := maps.Clone(s.nodes)
	for k, v := range out {
		out[k] = clone(v)
	}
	return out
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
