// Package materialize persists a bounded window of occurrences for every
// series of a calendar and reads them back.
package materialize

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/fieldsvc/schedule/scheduler/metrics"
	"github.com/fieldsvc/schedule/scheduler/recurrence"
	"github.com/fieldsvc/schedule/scheduler/series"
	"github.com/fieldsvc/schedule/scheduler/storage"
)

const tracerName = "github.com/fieldsvc/schedule/scheduler/materialize"

// Config bounds the materialized window around now.
type Config struct {
	MonthsBack  int  `yaml:"months_back"`
	MonthsAhead int  `yaml:"months_ahead"`
	Prune       bool `yaml:"prune"`
	// Concurrency caps parallel series expansions (0 = unlimited).
	Concurrency int `yaml:"concurrency"`
}

// DefaultConfig materializes one month back and six months ahead.
var DefaultConfig = Config{
	MonthsBack:  1,
	MonthsAhead: 6,
	Prune:       true,
	Concurrency: 8,
}

// Result summarizes one pass.
type Result struct {
	Window      recurrence.Window
	Occurrences []series.Occurrence
	Written     int
	Pruned      int
	// Discarded lists series that changed while the pass ran.
	Discarded []string
}

// Materializer expands series and upserts their occurrences.
type Materializer struct {
	repo    *storage.Repository
	engine  *recurrence.Engine
	config  Config
	now     func() time.Time
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics
}

// Option configures a Materializer.
type Option func(*Materializer)

// WithLogger sets the logger for the materializer
func WithLogger(logger *slog.Logger) Option {
	return func(m *Materializer) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock replaces time.Now as the source of the window's anchor.
func WithClock(now func() time.Time) Option {
	return func(m *Materializer) {
		if now != nil {
			m.now = now
		}
	}
}

// WithEngine sets the expansion engine.
func WithEngine(e *recurrence.Engine) Option {
	return func(m *Materializer) {
		if e != nil {
			m.engine = e
		}
	}
}

// WithTracerProvider sets the tracer provider (default: the global one).
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Materializer) {
		if tp != nil {
			m.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithMetrics records pass metrics.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Materializer) {
		m.metrics = mt
	}
}

// New creates a materializer over store.
func New(store storage.Store, config Config, opts ...Option) *Materializer {
	m := &Materializer{
		repo:   storage.NewRepository(store),
		config: config,
		now:    time.Now,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer: otel.GetTracerProvider().Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.engine == nil {
		m.engine = recurrence.NewEngine(recurrence.WithLogger(m.logger))
	}
	return m
}

// Window returns the current rolling window.
func (m *Materializer) Window() recurrence.Window {
	return recurrence.RollingWindow(m.now(), m.config.MonthsBack, m.config.MonthsAhead)
}

// Materialize runs a pass over the current window. An empty calendarID
// processes every calendar.
func (m *Materializer) Materialize(ctx context.Context, calendarID string) (*Result, error) {
	return m.MaterializeWindow(ctx, calendarID, m.Window())
}

// MaterializeWindow expands every series of the calendar over w, writes all
// occurrences in one multi-path write and returns them sorted by start.
func (m *Materializer) MaterializeWindow(ctx context.Context, calendarID string, w recurrence.Window) (res *Result, err error) {
	started := time.Now()
	ctx, span := m.tracer.Start(ctx, "materialize.pass", trace.WithAttributes(
		attribute.String("calendar_id", calendarID),
		attribute.String("window", w.String()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.Int("occurrences", len(res.Occurrences)),
				attribute.Int("written", res.Written),
				attribute.Int("pruned", res.Pruned),
			)
		}
		span.End()
		if res == nil {
			res = &Result{}
		}
		m.metrics.Pass(time.Since(started), res.Written, res.Pruned, len(res.Discarded), err)
		if err != nil {
			res = nil
		}
	}()

	list, err := m.list(ctx, calendarID)
	if err != nil {
		return nil, err
	}

	expanded, err := m.expandAll(ctx, list, w)
	if err != nil {
		return nil, err
	}

	pending := make([]map[string]storage.Update, len(list))
	pruned := make([]int, len(list))
	for i, s := range list {
		updates := make(map[string]storage.Update, len(expanded[i]))
		fresh := make(map[string]bool, len(expanded[i]))
		for j := range expanded[i] {
			occ := &expanded[i][j]
			path, err := storage.OccurrencePath(occ.CalendarID, occ.SeriesID, occ.ID)
			if err != nil {
				return nil, err
			}
			data, err := storage.EncodeOccurrence(occ)
			if err != nil {
				return nil, err
			}
			updates[path] = storage.Put(data)
			fresh[path] = true
		}
		if m.config.Prune {
			n, err := m.prune(ctx, s, w, fresh, updates)
			if err != nil {
				return nil, err
			}
			pruned[i] = n
		}
		pending[i] = updates
	}

	// Re-read after every other read so series edited during the pass are
	// dropped from the batch.
	current, err := m.list(ctx, calendarID)
	if err != nil {
		return nil, err
	}
	versions := make(map[string]time.Time, len(current))
	for _, s := range current {
		versions[storage.SeriesPath(s.CalendarID, s.ID)] = s.UpdatedAt
	}

	res = &Result{Window: w}
	updates := make(map[string]storage.Update)
	for i, s := range list {
		v, ok := versions[storage.SeriesPath(s.CalendarID, s.ID)]
		if !ok || !v.Equal(s.UpdatedAt) {
			res.Discarded = append(res.Discarded, s.ID)
			m.logger.Debug("discarding stale expansion",
				"series_id", s.ID, "calendar_id", s.CalendarID, "still_exists", ok)
			continue
		}
		maps.Copy(updates, pending[i])
		res.Written += len(expanded[i])
		res.Pruned += pruned[i]
		res.Occurrences = append(res.Occurrences, expanded[i]...)
	}

	if len(updates) > 0 {
		if err := m.repo.Store().WriteMulti(ctx, updates); err != nil {
			return nil, fmt.Errorf("failed to write occurrences: %w", err)
		}
	}

	recurrence.SortOccurrences(res.Occurrences)
	m.logger.Debug("materialized window",
		"calendar_id", calendarID,
		"window", w.String(),
		"series", len(list),
		"occurrences", len(res.Occurrences),
		"pruned", res.Pruned,
		"discarded", len(res.Discarded))
	return res, nil
}

// expandAll runs the engine for every series concurrently.
func (m *Materializer) expandAll(ctx context.Context, list []*series.Series, w recurrence.Window) ([][]series.Occurrence, error) {
	out := make([][]series.Occurrence, len(list))
	g, gctx := errgroup.WithContext(ctx)
	if m.config.Concurrency > 0 {
		g.SetLimit(m.config.Concurrency)
	}
	for i, s := range list {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = m.engine.Expand(s, w)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("expansion abandoned: %w", err)
	}
	return out, nil
}

// prune schedules deletion of stored occurrences of s generated inside w that
// the rule no longer produces. Records generated inside w but displayed
// outside it are left alone.
func (m *Materializer) prune(ctx context.Context, s *series.Series, w recurrence.Window, fresh map[string]bool, updates map[string]storage.Update) (int, error) {
	live := make(map[string]bool)
	for _, t := range recurrence.Generate(s, w) {
		live[series.Key(t)] = true
	}

	n := 0
	for _, month := range w.Months() {
		stored, err := m.repo.Partition(ctx, s.CalendarID, s.ID, month.Year, month.Month)
		if err != nil {
			return 0, err
		}
		for path, occ := range stored {
			if fresh[path] || live[occ.ID] {
				continue
			}
			gen, err := series.ParseKey(occ.ID)
			if err != nil || !w.Contains(gen) {
				continue
			}
			updates[path] = storage.Remove()
			n++
		}
	}
	return n, nil
}

// ReadMaterialized returns the stored occurrences of a calendar that intersect
// w. When a series has records written for an older version of it, that
// series is expanded from its current rule instead.
func (m *Materializer) ReadMaterialized(ctx context.Context, calendarID string, w recurrence.Window) ([]series.Occurrence, error) {
	ctx, span := m.tracer.Start(ctx, "materialize.read", trace.WithAttributes(
		attribute.String("calendar_id", calendarID),
	))
	defer span.End()

	list, err := m.list(ctx, calendarID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var out []series.Occurrence
	var outdated []string
	for _, s := range list {
		var kept []series.Occurrence
		stale := false
		for _, month := range w.Months() {
			stored, err := m.repo.Partition(ctx, s.CalendarID, s.ID, month.Year, month.Month)
			if err != nil {
				span.RecordError(err)
				return nil, err
			}
			for _, occ := range stored {
				if !occ.SeriesVersion.Equal(s.UpdatedAt) {
					stale = true
					continue
				}
				if w.Intersects(occ.Start.Time, occ.End.Time) {
					kept = append(kept, *occ)
				}
			}
		}
		if stale {
			kept = m.engine.Expand(s, w)
			outdated = append(outdated, s.ID)
		}
		out = append(out, kept...)
	}
	if len(outdated) > 0 {
		m.logger.Debug("expanded series with outdated records",
			"calendar_id", calendarID, "series", outdated)
	}
	recurrence.SortOccurrences(out)
	return out, nil
}

func (m *Materializer) list(ctx context.Context, calendarID string) ([]*series.Series, error) {
	if calendarID == "" {
		return m.repo.ListAllSeries(ctx)
	}
	return m.repo.ListSeries(ctx, calendarID)
}
