// Package redis provides a Redis-backed tree store.
//
// Every leaf is a string key "<prefix>node:<path>". A sorted set
// "<prefix>index" holds all leaf paths with score 0 so that a subtree is one
// lexicographic range. Writes run in a WATCH/MULTI transaction on the index;
// committed paths are published on "<prefix>events".
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/fieldsvc/schedule/scheduler/storage"
)

// Config configures the Redis store.
type Config struct {
	// Address is the Redis server address (e.g., "localhost:6379")
	Address string `yaml:"address"`

	// Password for Redis authentication (optional)
	Password string `yaml:"password"`

	// Database number to use (default: 0)
	Database int `yaml:"database"`

	// Prefix is prepended to every key and channel (e.g., "scheduler:")
	Prefix string `yaml:"prefix"`

	// Timeout for Redis operations
	Timeout time.Duration `yaml:"timeout"`

	// PoolSize is the maximum number of connections
	PoolSize int `yaml:"pool_size"`

	// MinIdleConns is the minimum number of idle connections
	MinIdleConns int `yaml:"min_idle_conns"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(address string) Config {
	return Config{
		Address:      address,
		Prefix:       "scheduler:",
		Timeout:      5 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// Store implements storage.Store on Redis.
type Store struct {
	cfg    Config
	client *goredis.Client
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

// New connects to Redis and verifies the connection.
func New(cfg Config, opts ...Option) (*Store, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, &storage.Error{Type: storage.ErrUnavailable, Message: "failed to connect to Redis", Err: err}
	}

	s := &Store{
		cfg:    cfg,
		client: client,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) nodeKey(path string) string {
	return s.cfg.Prefix + "node:" + path
}

func (s *Store) indexKey() string {
	return s.cfg.Prefix + "index"
}

func (s *Store) channel() string {
	return s.cfg.Prefix + "events"
}

// descendants lists indexed paths strictly below path. '0' is the byte after '/'.
func (s *Store) descendants(ctx context.Context, c goredis.Cmdable, path string) ([]string, error) {
	return c.ZRangeByLex(ctx, s.indexKey(), &goredis.ZRangeBy{
		Min: "[" + path + "/",
		Max: "(" + path + "0",
	}).Result()
}

func (s *Store) ReadSubtree(ctx context.Context, path string) (map[string][]byte, error) {
	if err := storage.ValidatePath(path); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	paths, err := s.descendants(ctx, s.client, path)
	if err != nil {
		return nil, unavailable("failed to read index", err)
	}
	paths = append(paths, path)

	keys := make([]string, len(paths))
	for i, p := range paths {
		keys[i] = s.nodeKey(p)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable("failed to read subtree", err)
	}

	out := make(map[string][]byte, len(paths))
	for i, v := range values {
		// Deleted between the index read and MGET.
		str, ok := v.(string)
		if !ok {
			continue
		}
		out[paths[i]] = []byte(str)
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
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	txf := func(tx *goredis.Tx) error {
		var stale []string
		for _, p := range paths {
			under, err := s.descendants(ctx, tx, p)
			if err != nil {
				return err
			}
			stale = append(stale, under...)
			stale = append(stale, p)
			stale = append(stale, storage.Ancestors(p)...)
		}

		_, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			keys := make([]string, len(stale))
			members := make([]any, len(stale))
			for i, p := range stale {
				keys[i] = s.nodeKey(p)
				members[i] = p
			}
			pipe.Del(ctx, keys...)
			pipe.ZRem(ctx, s.indexKey(), members...)

			for _, p := range paths {
				u := updates[p]
				if u.Delete {
					continue
				}
				pipe.Set(ctx, s.nodeKey(p), u.Value, 0)
				pipe.ZAdd(ctx, s.indexKey(), goredis.Z{Score: 0, Member: p})
			}
			return nil
		})
		return err
	}

	if err := s.client.Watch(ctx, txf, s.indexKey()); err != nil {
		if errors.Is(err, goredis.TxFailedErr) {
			return &storage.Error{Type: storage.ErrConflict, Message: "concurrent write to the index", Err: err}
		}
		return unavailable("failed to commit write", err)
	}

	s.publish(ctx, paths)
	return nil
}

// publish notifies subscribers. The write is already committed, so a failure
// is only logged.
func (s *Store) publish(ctx context.Context, paths []string) {
	data, err := json.Marshal(paths)
	if err != nil {
		return
	}
	if err := s.client.Publish(ctx, s.channel(), data).Err(); err != nil {
		s.logger.Warn("failed to publish change event", "paths", len(paths), "error", err)
	}
}

func (s *Store) NewID(_ context.Context, path string) (string, error) {
	if err := storage.ValidatePath(path); err != nil {
		return "", err
	}
	return uuid.NewString(), nil
}

func (s *Store) Subscribe(ctx context.Context, path string, onChange func(storage.Event)) (func(), error) {
	if err := storage.ValidatePath(path); err != nil {
		return nil, err
	}

	ps := s.client.Subscribe(ctx, s.channel())
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, unavailable("failed to subscribe", err)
	}

	go func() {
		for msg := range ps.Channel() {
			var paths []string
			if err := json.Unmarshal([]byte(msg.Payload), &paths); err != nil {
				s.logger.Warn("dropping malformed change event", "error", err)
				continue
			}
			var matched []string
			for _, p := range paths {
				if storage.Related(p, path) {
					matched = append(matched, p)
				}
			}
			if len(matched) > 0 {
				onChange(storage.Event{Paths: matched})
			}
		}
	}()

	var once sync.Once
	closeSub := func() {
		once.Do(func() {
			if err := ps.Close(); err != nil {
				s.logger.Debug("closing subscription", "error", err)
			}
		})
	}
	stop := context.AfterFunc(ctx, closeSub)
	return func() {
		stop()
		closeSub()
	}, nil
}

func unavailable(msg string, err error) error {
	return &storage.Error{Type: storage.ErrUnavailable, Message: msg, Err: fmt.Errorf("redis: %w", err)}
}
