// Package mutation applies scoped edits and deletions to series. Every
// operation rewrites series records only, in exactly one atomic multi-path
// write; occurrences are re-derived by the next materialization.
package mutation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/samber/mo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fieldsvc/schedule/scheduler/metrics"
	"github.com/fieldsvc/schedule/scheduler/recurrence"
	"github.com/fieldsvc/schedule/scheduler/series"
	"github.com/fieldsvc/schedule/scheduler/storage"
)

const tracerName = "github.com/fieldsvc/schedule/scheduler/mutation"

// Coordinator performs scoped mutations against a store.
type Coordinator struct {
	repo    *storage.Repository
	engine  *recurrence.Engine
	now     func() time.Time
	window  func() recurrence.Window
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger for the coordinator
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock replaces time.Now for updatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithWindow sets the materialized window whose partitions a series deletion
// cascades to.
func WithWindow(window func() recurrence.Window) Option {
	return func(c *Coordinator) {
		if window != nil {
			c.window = window
		}
	}
}

// WithEngine sets the expansion engine used to resolve occurrence ids.
func WithEngine(e *recurrence.Engine) Option {
	return func(c *Coordinator) {
		if e != nil {
			c.engine = e
		}
	}
}

// WithTracerProvider sets the tracer provider (default: the global one).
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Coordinator) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithMetrics records mutation metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// New creates a coordinator over store.
func New(store storage.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		repo:   storage.NewRepository(store),
		now:    time.Now,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer: otel.GetTracerProvider().Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.engine == nil {
		c.engine = recurrence.NewEngine(recurrence.WithLogger(c.logger))
	}
	if c.window == nil {
		c.window = func() recurrence.Window { return recurrence.RollingWindow(c.now(), 1, 6) }
	}
	return c
}

// Edit changes the occurrence occurrenceID of a series, the occurrences from
// it onward, or the whole series, depending on scope. occurrenceID is ignored
// for All.
func (c *Coordinator) Edit(ctx context.Context, calendarID, seriesID, occurrenceID string, scope Scope, edit Edit) (res *Result, err error) {
	ctx, span := c.start(ctx, "mutation.edit", calendarID, seriesID, occurrenceID, scope)
	defer func() { c.finish(span, "edit", calendarID, seriesID, scope, res, err) }()

	if !scope.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	if edit.Status != "" && scope != OnlyThis {
		return nil, fmt.Errorf("%w: status applies to a single occurrence", ErrInvalidScope)
	}

	s, err := c.repo.Series(ctx, calendarID, seriesID)
	if err != nil {
		return nil, err
	}

	switch scope {
	case OnlyThis:
		return c.editOne(ctx, s, occurrenceID, edit)
	case ThisAndFollowing:
		if !s.Recurring() {
			if _, err := c.occurrence(s, occurrenceID); err != nil {
				return nil, err
			}
			return c.editAll(ctx, s, edit)
		}
		return c.split(ctx, s, occurrenceID, edit)
	default:
		return c.editAll(ctx, s, edit)
	}
}

// Delete removes the occurrence occurrenceID, the occurrences from it onward,
// or the whole series, depending on scope. occurrenceID is ignored for All.
func (c *Coordinator) Delete(ctx context.Context, calendarID, seriesID, occurrenceID string, scope Scope) (res *Result, err error) {
	ctx, span := c.start(ctx, "mutation.delete", calendarID, seriesID, occurrenceID, scope)
	defer func() { c.finish(span, "delete", calendarID, seriesID, scope, res, err) }()

	if !scope.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}

	s, err := c.repo.Series(ctx, calendarID, seriesID)
	if err != nil {
		return nil, err
	}

	if scope == All {
		return c.deleteAll(ctx, s)
	}

	gen, err := c.occurrence(s, occurrenceID)
	if err != nil {
		return nil, err
	}
	if !s.Recurring() {
		return c.deleteAll(ctx, s)
	}

	if scope == OnlyThis {
		updated := s.Clone()
		updated.Exclusions.Add(gen)
		// Otherwise the override would win over the exclusion.
		updated.Overrides.Remove(gen)
		return c.rewrite(ctx, s, updated)
	}

	if series.Key(gen) == series.Key(s.Start.Time) {
		return c.deleteAll(ctx, s)
	}
	return c.rewrite(ctx, s, truncate(s, gen))
}

func (c *Coordinator) editOne(ctx context.Context, s *series.Series, occurrenceID string, edit Edit) (*Result, error) {
	if edit.Rule.IsPresent() {
		return nil, fmt.Errorf("%w: a rule cannot be set on a single occurrence", ErrInvalidScope)
	}
	gen, err := c.occurrence(s, occurrenceID)
	if err != nil {
		return nil, err
	}

	updated := s.Clone()
	if !s.Recurring() {
		prev, _ := updated.Overrides.Get(gen)
		updated.Overrides.Remove(gen)
		if err := applyAnchor(updated, edit.Start, edit.End); err != nil {
			return nil, err
		}
		updated.Payload = updated.Payload.Apply(edit.Payload)
		if edit.Status != "" {
			prev.Status = edit.Status
		}
		if prev.Status != "" {
			updated.Overrides.Set(updated.Start.Time, series.Override{Status: prev.Status})
		}
		return c.rewrite(ctx, s, updated)
	}

	ov, _ := updated.Overrides.Get(gen)
	ov = mergeOverride(ov, edit)

	start := gen
	if ov.Start != nil {
		start = ov.Start.Time
	}
	if ov.End != nil && ov.End.Time.Before(start) {
		return nil, series.ErrEndBeforeStart
	}
	updated.Overrides.Set(gen, ov)
	return c.rewrite(ctx, s, updated)
}

func (c *Coordinator) editAll(ctx context.Context, s *series.Series, edit Edit) (*Result, error) {
	updated := s.Clone()
	if err := applyAnchor(updated, edit.Start, edit.End); err != nil {
		return nil, err
	}
	updated.Payload = updated.Payload.Apply(edit.Payload)
	if r, ok := edit.Rule.Get(); ok {
		updated.Rule = r.Clone()
	}

	res, err := c.rewrite(ctx, s, updated)
	if err != nil {
		return nil, err
	}

	res.Warnings = c.engine.Orphans(updated)
	if len(res.Warnings) > 0 {
		c.logger.Warn("series exceptions no longer generated by its rule",
			"series_id", s.ID,
			"calendar_id", s.CalendarID,
			"orphans", res.Warnings)
	}
	return res, nil
}

// split ends s just before the occurrence and starts a successor series there.
func (c *Coordinator) split(ctx context.Context, s *series.Series, occurrenceID string, edit Edit) (*Result, error) {
	if edit.Status != "" {
		return nil, fmt.Errorf("%w: status applies to a single occurrence", ErrInvalidScope)
	}
	gen, err := c.occurrence(s, occurrenceID)
	if err != nil {
		return nil, err
	}

	stamp := c.stamp(s.UpdatedAt)
	b, err := c.successor(ctx, s, gen, edit, stamp)
	if err != nil {
		return nil, err
	}
	bPath, bUpdate, err := storage.EncodeSeriesUpdate(b)
	if err != nil {
		return nil, err
	}

	if series.Key(gen) == series.Key(s.Start.Time) {
		updates := c.cascade(s)
		updates[bPath] = bUpdate
		if err := c.write(ctx, updates); err != nil {
			return nil, err
		}
		return &Result{Created: b, Deleted: []string{s.ID}}, nil
	}

	a := truncate(s, gen)
	a.UpdatedAt = stamp
	if err := a.Validate(); err != nil {
		return nil, err
	}
	aPath, aUpdate, err := storage.EncodeSeriesUpdate(a)
	if err != nil {
		return nil, err
	}
	if err := c.write(ctx, map[string]storage.Update{aPath: aUpdate, bPath: bUpdate}); err != nil {
		return nil, err
	}
	return &Result{Updated: []*series.Series{a}, Created: b}, nil
}

// successor builds the series that continues s from gen.
func (c *Coordinator) successor(ctx context.Context, s *series.Series, gen time.Time, edit Edit, stamp time.Time) (*series.Series, error) {
	id, err := c.repo.Store().NewID(ctx, storage.SeriesRoot(s.CalendarID))
	if err != nil {
		return nil, fmt.Errorf("failed to allocate series id: %w", err)
	}

	b := &series.Series{
		ID:         id,
		CalendarID: s.CalendarID,
		Payload:    s.Payload.Apply(edit.Payload),
		Start:      series.Timestamp{Time: gen, Zone: s.Start.Zone},
		End:        series.Timestamp{Time: gen.Add(s.Duration()), Zone: s.End.Zone},
		CreatedAt:  stamp,
		UpdatedAt:  stamp,
	}
	if err := applyAnchor(b, edit.Start, edit.End); err != nil {
		return nil, err
	}
	// Without a new start or end, the occurrence at gen keeps its earlier
	// move and status under b.
	if edit.Start == nil && edit.End == nil {
		if ov, ok := s.Overrides.Get(gen); ok {
			b.Overrides.Set(gen, carryOverride(ov, edit.Payload))
		}
	}

	if r, ok := edit.Rule.Get(); ok {
		b.Rule = r.Clone()
	} else {
		b.Rule = s.Rule.Clone()
		if n, ok := s.Rule.Count.Get(); ok {
			b.Rule.Count = mo.Some(n - c.engine.CountBefore(s, gen))
		}
		// A clamped day (Jan 31 -> Feb 29) must not become the new default day.
		if b.Rule.Freq == series.Monthly && b.Rule.ByMonthDay == 0 && len(b.Rule.ByWeekday) == 0 &&
			sameDate(b.Start.Time, gen) {
			b.Rule.ByMonthDay = series.Floating(s.Start.Time).Day()
		}
	}

	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

func (c *Coordinator) deleteAll(ctx context.Context, s *series.Series) (*Result, error) {
	if err := c.write(ctx, c.cascade(s)); err != nil {
		return nil, err
	}
	return &Result{Deleted: []string{s.ID}}, nil
}

// cascade deletes the series record and its partitions inside the current
// window. Partitions outside the window are not visited.
func (c *Coordinator) cascade(s *series.Series) map[string]storage.Update {
	w := c.window()
	updates := map[string]storage.Update{
		storage.SeriesPath(s.CalendarID, s.ID): storage.Remove(),
	}
	for _, m := range w.Months() {
		updates[storage.PartitionPath(s.CalendarID, s.ID, m.Year, m.Month)] = storage.Remove()
	}
	c.logger.Debug("cascading series deletion",
		"series_id", s.ID,
		"calendar_id", s.CalendarID,
		"window", w.String(),
		"partitions", len(updates)-1)
	return updates
}

// rewrite stamps and persists updated in place of prev.
func (c *Coordinator) rewrite(ctx context.Context, prev, updated *series.Series) (*Result, error) {
	updated.UpdatedAt = c.stamp(prev.UpdatedAt)
	if err := updated.Validate(); err != nil {
		return nil, err
	}
	path, u, err := storage.EncodeSeriesUpdate(updated)
	if err != nil {
		return nil, err
	}
	if err := c.write(ctx, map[string]storage.Update{path: u}); err != nil {
		return nil, err
	}
	return &Result{Updated: []*series.Series{updated}}, nil
}

func (c *Coordinator) write(ctx context.Context, updates map[string]storage.Update) error {
	if err := c.repo.Store().WriteMulti(ctx, updates); err != nil {
		return fmt.Errorf("failed to persist mutation: %w", err)
	}
	return nil
}

// occurrence resolves an id to the instant the series generates it at.
func (c *Coordinator) occurrence(s *series.Series, id string) (time.Time, error) {
	if id == "" {
		return time.Time{}, ErrMissingOccurrence
	}
	gen, ok := c.engine.Lookup(s, id)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s in series %s", ErrUnknownOccurrence, id, s.ID)
	}
	return gen, nil
}

// stamp returns a fresh updatedAt strictly after prev, so every mutation
// changes the series version.
func (c *Coordinator) stamp(prev time.Time) time.Time {
	now := c.now().UTC()
	if !now.After(prev) {
		now = prev.Add(time.Nanosecond)
	}
	return now
}

func (c *Coordinator) start(ctx context.Context, name, calendarID, seriesID, occurrenceID string, scope Scope) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("calendar_id", calendarID),
		attribute.String("series_id", seriesID),
		attribute.String("occurrence_id", occurrenceID),
		attribute.String("scope", string(scope)),
	))
}

func (c *Coordinator) finish(span trace.Span, op, calendarID, seriesID string, scope Scope, res *Result, err error) {
	defer span.End()
	warnings := 0
	if res != nil {
		warnings = len(res.Warnings)
	}
	c.metrics.Mutation(op, string(scope), warnings, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	attrs := []any{"op", op, "scope", scope, "series_id", seriesID, "calendar_id", calendarID}
	if res.Created != nil {
		attrs = append(attrs, "created", res.Created.ID)
	}
	if len(res.Deleted) > 0 {
		attrs = append(attrs, "deleted", res.Deleted)
	}
	c.logger.Debug("applied mutation", attrs...)
}

// truncate returns a copy of s ending just before gen.
func truncate(s *series.Series, gen time.Time) *series.Series {
	a := s.Clone()
	a.Rule.Until = mo.Some(gen.Add(-time.Second))
	a.Rule.Count = mo.None[int]()
	a.Exclusions.PruneFrom(gen)
	a.Overrides.PruneFrom(gen)
	return a
}

// applyAnchor moves the series anchor. A new start without a new end keeps
// the duration.
func applyAnchor(s *series.Series, start, end *series.Timestamp) error {
	dur := s.Duration()
	if start != nil {
		s.Start = series.At(start.Time, zoneOr(start.Zone, s.Start.Zone))
		if end == nil {
			s.End = series.Timestamp{Time: s.Start.Time.Add(dur), Zone: s.End.Zone}
		}
	}
	if end != nil {
		s.End = series.At(end.Time, zoneOr(end.Zone, s.End.Zone))
	}
	if s.End.Time.Before(s.Start.Time) {
		return series.ErrEndBeforeStart
	}
	return nil
}

// carryOverride drops the payload fields of ov that patch sets on the new
// series, so the edit shows on the carried occurrence too.
func carryOverride(ov series.Override, patch *series.PayloadPatch) series.Override {
	out := ov.Clone()
	if patch == nil || out.Payload == nil {
		return out
	}
	if patch.Title != nil {
		out.Payload.Title = nil
	}
	for k := range patch.Attributes {
		delete(out.Payload.Attributes, k)
	}
	if out.Payload.Title == nil && len(out.Payload.Attributes) == 0 {
		out.Payload = nil
	}
	return out
}

// mergeOverride layers edit on top of an existing override.
func mergeOverride(ov series.Override, edit Edit) series.Override {
	if edit.Start != nil {
		t := series.At(edit.Start.Time, edit.Start.Zone)
		ov.Start = &t
	}
	if edit.End != nil {
		t := series.At(edit.End.Time, edit.End.Zone)
		ov.End = &t
	}
	if edit.Payload != nil {
		merged := series.PayloadPatch{}
		if ov.Payload != nil {
			merged.Title = ov.Payload.Title
			for k, v := range ov.Payload.Attributes {
				if merged.Attributes == nil {
					merged.Attributes = make(map[string]any)
				}
				merged.Attributes[k] = v
			}
		}
		if edit.Payload.Title != nil {
			title := *edit.Payload.Title
			merged.Title = &title
		}
		for k, v := range edit.Payload.Attributes {
			if merged.Attributes == nil {
				merged.Attributes = make(map[string]any)
			}
			merged.Attributes[k] = v
		}
		ov.Payload = &merged
	}
	if edit.Status != "" {
		ov.Status = edit.Status
	}
	return ov
}

func zoneOr(zone, fallback string) string {
	if zone != "" {
		return zone
	}
	return fallback
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
