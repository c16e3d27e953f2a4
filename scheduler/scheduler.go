package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/fieldsvc/schedule/scheduler/config"
	"github.com/fieldsvc/schedule/scheduler/ical"
	"github.com/fieldsvc/schedule/scheduler/materialize"
	"github.com/fieldsvc/schedule/scheduler/metrics"
	"github.com/fieldsvc/schedule/scheduler/mutation"
	"github.com/fieldsvc/schedule/scheduler/recurrence"
	"github.com/fieldsvc/schedule/scheduler/refresh"
	"github.com/fieldsvc/schedule/scheduler/series"
	"github.com/fieldsvc/schedule/scheduler/storage"
	"github.com/fieldsvc/schedule/scheduler/storage/memory"
	"github.com/fieldsvc/schedule/scheduler/storage/redis"
	"github.com/fieldsvc/schedule/scheduler/storage/sqlite"
)

// Scheduler wires the engine, materializer and mutation coordinator over
// one store.
type Scheduler struct {
	store        storage.Store
	repo         *storage.Repository
	engine       *recurrence.Engine
	materializer *materialize.Materializer
	coordinator  *mutation.Coordinator
	refresher    *refresh.Refresher

	window       materialize.Config
	engineConfig recurrence.EngineConfig
	now          func() time.Time
	logger       *slog.Logger
	tp           trace.TracerProvider
	metrics      *metrics.Metrics
	closers      []func() error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger shared by every component
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithWindowConfig sets the materialized window (default: materialize.DefaultConfig).
func WithWindowConfig(cfg materialize.Config) Option {
	return func(s *Scheduler) {
		s.window = cfg
	}
}

// WithEngineConfig sets expansion limits and caching (default:
// recurrence.DefaultEngineConfig).
func WithEngineConfig(cfg recurrence.EngineConfig) Option {
	return func(s *Scheduler) {
		s.engineConfig = cfg
	}
}

// WithTracerProvider sets the tracer provider for passes and mutations.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Scheduler) {
		s.tp = tp
	}
}

// WithMetrics records passes, mutations and refresh triggers.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

func defaults() *Scheduler {
	return &Scheduler{
		window:       materialize.DefaultConfig,
		engineConfig: recurrence.DefaultEngineConfig,
		now:          time.Now,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// New creates a scheduler over store.
func New(store storage.Store, opts ...Option) (*Scheduler, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}

	s := defaults()
	for _, opt := range opts {
		opt(s)
	}
	s.store = store
	s.repo = storage.NewRepository(store)
	s.engine = recurrence.NewEngineWithConfig(s.engineConfig, recurrence.WithLogger(s.logger))

	s.materializer = materialize.New(store, s.window,
		materialize.WithLogger(s.logger),
		materialize.WithClock(s.now),
		materialize.WithEngine(s.engine),
		materialize.WithTracerProvider(s.tp),
		materialize.WithMetrics(s.metrics),
	)
	s.coordinator = mutation.New(store,
		mutation.WithLogger(s.logger),
		mutation.WithClock(s.now),
		mutation.WithEngine(s.engine),
		mutation.WithWindow(s.materializer.Window),
		mutation.WithTracerProvider(s.tp),
		mutation.WithMetrics(s.metrics),
	)
	return s, nil
}

// Open creates the store described by cfg and a scheduler over it. Close
// releases the store.
func Open(cfg *config.Config, opts ...Option) (*Scheduler, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	probe := defaults()
	for _, opt := range opts {
		opt(probe)
	}
	logger := probe.logger

	var store storage.Store
	var closer func() error
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		st, err := sqlite.New(cfg.Storage.SQLitePath, sqlite.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		store, closer = st, st.Close
	case config.BackendRedis:
		st, err := redis.New(cfg.Storage.Redis, redis.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		store, closer = st, st.Close
	default:
		store = memory.New(memory.WithLogger(logger))
	}

	base := []Option{WithWindowConfig(cfg.Window), WithEngineConfig(cfg.Engine.Recurrence())}
	s, err := New(store, append(base, opts...)...)
	if err != nil {
		if closer != nil {
			closer()
		}
		return nil, err
	}
	if closer != nil {
		s.closers = append(s.closers, closer)
	}
	logger.Info("scheduler opened", "backend", cfg.Storage.Backend, "window", s.Window().String())
	return s, nil
}

// Store returns the underlying store.
func (s *Scheduler) Store() storage.Store {
	return s.store
}

// Window returns the current materialized window.
func (s *Scheduler) Window() recurrence.Window {
	return s.materializer.Window()
}

// Create validates and persists a new series. An empty ID is assigned by the
// store; CreatedAt and UpdatedAt are stamped.
func (s *Scheduler) Create(ctx context.Context, in *series.Series) (*series.Series, error) {
	if in == nil {
		return nil, errors.New("series is required")
	}
	out := in.Clone()
	out.Start = series.At(out.Start.Time, out.Start.Zone)
	out.End = series.At(out.End.Time, out.End.Zone)
	if err := out.Validate(); err != nil {
		return nil, err
	}
	out.Exclusions.Normalize()
	out.Overrides.Normalize()

	if out.ID == "" {
		id, err := s.store.NewID(ctx, storage.SeriesRoot(out.CalendarID))
		if err != nil {
			return nil, fmt.Errorf("failed to allocate series id: %w", err)
		}
		out.ID = id
	} else if _, err := s.repo.Series(ctx, out.CalendarID, out.ID); err == nil {
		return nil, &storage.Error{
			Type:    storage.ErrAlreadyExists,
			Message: "series already exists: " + storage.SeriesPath(out.CalendarID, out.ID),
		}
	} else if !storage.IsNotFound(err) {
		return nil, err
	}

	now := s.now().UTC()
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	out.UpdatedAt = now

	path, u, err := storage.EncodeSeriesUpdate(out)
	if err != nil {
		return nil, err
	}
	if err := s.store.WriteMulti(ctx, map[string]storage.Update{path: u}); err != nil {
		return nil, fmt.Errorf("failed to create series: %w", err)
	}
	s.logger.Debug("created series", "series_id", out.ID, "calendar_id", out.CalendarID, "recurring", out.Recurring())
	return out, nil
}

// Series loads one series.
func (s *Scheduler) Series(ctx context.Context, calendarID, seriesID string) (*series.Series, error) {
	return s.repo.Series(ctx, calendarID, seriesID)
}

// ListSeries loads every series of a calendar.
func (s *Scheduler) ListSeries(ctx context.Context, calendarID string) ([]*series.Series, error) {
	return s.repo.ListSeries(ctx, calendarID)
}

// Calendars lists calendars holding at least one series.
func (s *Scheduler) Calendars(ctx context.Context) ([]string, error) {
	return s.repo.Calendars(ctx)
}

// Materialize expands and persists the current window of a calendar ("" =
// every calendar) and returns its occurrences sorted by start.
func (s *Scheduler) Materialize(ctx context.Context, calendarID string) (*materialize.Result, error) {
	return s.materializer.Materialize(ctx, calendarID)
}

// MaterializeWindow is Materialize over an explicit window.
func (s *Scheduler) MaterializeWindow(ctx context.Context, calendarID string, w recurrence.Window) (*materialize.Result, error) {
	return s.materializer.MaterializeWindow(ctx, calendarID, w)
}

// Occurrences reads the persisted occurrences of a calendar intersecting w.
func (s *Scheduler) Occurrences(ctx context.Context, calendarID string, w recurrence.Window) ([]series.Occurrence, error) {
	return s.materializer.ReadMaterialized(ctx, calendarID, w)
}

// Edit applies a scoped edit.
func (s *Scheduler) Edit(ctx context.Context, calendarID, seriesID, occurrenceID string, scope mutation.Scope, edit mutation.Edit) (*mutation.Result, error) {
	return s.coordinator.Edit(ctx, calendarID, seriesID, occurrenceID, scope, edit)
}

// Delete applies a scoped deletion.
func (s *Scheduler) Delete(ctx context.Context, calendarID, seriesID, occurrenceID string, scope mutation.Scope) (*mutation.Result, error) {
	return s.coordinator.Delete(ctx, calendarID, seriesID, occurrenceID, scope)
}

// Export writes every series of a calendar as iCalendar.
func (s *Scheduler) Export(ctx context.Context, w io.Writer, calendarID string) error {
	list, err := s.repo.ListSeries(ctx, calendarID)
	if err != nil {
		return err
	}
	return ical.Export(w, list...)
}

// ExportXCal writes the persisted occurrences of a calendar inside win as xCal.
func (s *Scheduler) ExportXCal(ctx context.Context, w io.Writer, calendarID string, win recurrence.Window) error {
	occs, err := s.Occurrences(ctx, calendarID, win)
	if err != nil {
		return err
	}
	return ical.WriteXCal(w, occs)
}

// Import reads iCalendar series into calendarID in one atomic write. Series
// keep their UID as id and replace any series with the same id.
func (s *Scheduler) Import(ctx context.Context, r io.Reader, calendarID string) ([]*series.Series, error) {
	list, err := ical.Import(r, calendarID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	updates := make(map[string]storage.Update, len(list))
	for _, sr := range list {
		if !sr.UpdatedAt.After(now) {
			sr.UpdatedAt = now
		}
		if sr.CreatedAt.IsZero() {
			sr.CreatedAt = now
		}
		path, u, err := storage.EncodeSeriesUpdate(sr)
		if err != nil {
			return nil, err
		}
		updates[path] = u
	}
	if len(updates) > 0 {
		if err := s.store.WriteMulti(ctx, updates); err != nil {
			return nil, fmt.Errorf("failed to import series: %w", err)
		}
	}
	s.logger.Info("imported series", "calendar_id", calendarID, "count", len(list))
	return list, nil
}

// StartRefresh keeps the window materialized in the background until ctx
// ends or Close is called.
func (s *Scheduler) StartRefresh(ctx context.Context, opts ...refresh.Option) error {
	if s.refresher != nil {
		return errors.New("refresh already started")
	}
	base := []refresh.Option{refresh.WithLogger(s.logger), refresh.WithMetrics(s.metrics)}
	r := refresh.New(s.store, s.materializer, append(base, opts...)...)
	if err := r.Start(ctx); err != nil {
		return err
	}
	s.refresher = r
	return nil
}

// Close stops background work and releases the store if Open created it.
func (s *Scheduler) Close() error {
	if s.refresher != nil {
		s.refresher.Stop()
		s.refresher = nil
	}
	s.engine.Close()
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c())
	}
	s.closers = nil
	return errors.Join(errs...)
}
