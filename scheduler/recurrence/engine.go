package recurrence

import (
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/fieldsvc/schedule/scheduler/series"
)

// Engine expands series into occurrences, applying the precedence
// override > exclusion > generated.
type Engine struct {
	cache  *RecurrenceCache
	config EngineConfig
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for the engine
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine creates an engine without caching.
func NewEngine(opts ...Option) *Engine {
	return NewEngineWithConfig(DisabledCacheConfig, opts...)
}

// Expand returns the occurrences of s whose displayed interval intersects w,
// sorted by start. Generated candidates are taken from w; overrides that move
// an occurrence generated outside w into it are picked up as well.
func (e *Engine) Expand(s *series.Series, w Window) []series.Occurrence {
	if e.cache != nil {
		if occs, ok := e.cache.Get(s, w); ok {
			return occs
		}
	}

	occs := e.expand(s, w)

	if e.cache != nil {
		e.cache.Set(s, w, occs)
	}
	return occs
}

func (e *Engine) expand(s *series.Series, w Window) []series.Occurrence {
	var gens []time.Time
	if s.Recurring() {
		var capped bool
		gens, capped = candidates(s.Start.Time, s.Rule, w.From, w.To, e.config.maxPeriods())
		if capped {
			e.logger.Warn("expansion stopped at period cap",
				"series_id", s.ID,
				"calendar_id", s.CalendarID,
				"max_periods", e.config.maxPeriods())
		}
	} else {
		gens = []time.Time{s.Start.Time}
	}

	seen := make(map[string]bool, len(gens))
	out := make([]series.Occurrence, 0, len(gens))
	add := func(gen time.Time) {
		occ, ok := Resolve(s, gen)
		if !ok || seen[occ.ID] {
			return
		}
		seen[occ.ID] = true
		if w.Intersects(occ.Start.Time, occ.End.Time) {
			out = append(out, occ)
		}
	}
	for _, g := range gens {
		add(g)
	}

	// Occurrences generated outside the window but moved into it.
	for _, id := range s.Overrides.Keys() {
		if seen[id] {
			continue
		}
		ov := s.Overrides[id]
		if ov.Start == nil && ov.End == nil {
			continue
		}
		if gen, ok := e.Lookup(s, id); ok && !w.Contains(gen) {
			add(gen)
		}
	}

	slices.SortStableFunc(out, compareOccurrences)
	return out
}

// Resolve builds the occurrence generated at gen. It reports false when the
// occurrence is excluded and not overridden.
func Resolve(s *series.Series, gen time.Time) (series.Occurrence, bool) {
	gen = series.Floating(gen)
	dur := s.Duration()
	occ := series.Occurrence{
		ID:            series.Key(gen),
		SeriesID:      s.ID,
		CalendarID:    s.CalendarID,
		Start:         series.Timestamp{Time: gen, Zone: s.Start.Zone},
		End:           series.Timestamp{Time: gen.Add(dur), Zone: s.End.Zone},
		Status:        series.StatusScheduled,
		Payload:       s.Payload.Clone(),
		SeriesVersion: s.UpdatedAt,
	}

	ov, ok := s.Overrides[occ.ID]
	if !ok {
		return occ, !s.Exclusions[occ.ID]
	}

	if ov.Start != nil {
		occ.Start = series.At(ov.Start.Time, zoneOr(ov.Start.Zone, s.Start.Zone))
		if ov.End == nil {
			occ.End = series.Timestamp{Time: occ.Start.Time.Add(dur), Zone: s.End.Zone}
		}
	}
	if ov.End != nil {
		occ.End = series.At(ov.End.Time, zoneOr(ov.End.Zone, s.End.Zone))
	}
	occ.Payload = occ.Payload.Apply(ov.Payload)
	switch {
	case ov.Status != "":
		occ.Status = ov.Status
	case !occ.Start.Time.Equal(gen):
		occ.Status = series.StatusRescheduled
	}
	return occ, true
}

// Lookup returns the generated start behind an occurrence id, or false when
// the id is not produced by the series' rule.
func (e *Engine) Lookup(s *series.Series, id string) (time.Time, bool) {
	t, err := series.ParseKey(id)
	if err != nil {
		return time.Time{}, false
	}
	if !s.Recurring() {
		start := series.Floating(s.Start.Time)
		return start, series.Key(start) == series.Key(t)
	}
	// Candidates keep the anchor's seconds, ids are truncated to the minute.
	gens, _ := candidates(s.Start.Time, s.Rule, t, t.Add(time.Minute-time.Nanosecond), e.config.maxPeriods())
	for _, g := range gens {
		if series.Key(g) == series.Key(t) {
			return g, true
		}
	}
	return time.Time{}, false
}

// CountBefore returns how many occurrences the rule generates strictly before t,
// exclusions included.
func (e *Engine) CountBefore(s *series.Series, t time.Time) int {
	limit := series.Floating(t).Add(-time.Nanosecond)
	n := 0
	walk(s.Start.Time, s.Rule, limit, e.config.maxPeriods(), func(time.Time) bool {
		n++
		return true
	})
	return n
}

// Orphans lists exclusion and override ids that the current rule no longer
// generates. They are harmless for expansion but indicate a data-integrity issue.
func (e *Engine) Orphans(s *series.Series) []string {
	var out []string
	for _, id := range s.Exclusions.Keys() {
		if _, ok := e.Lookup(s, id); !ok {
			out = append(out, id)
		}
	}
	for _, id := range s.Overrides.Keys() {
		if _, ok := e.Lookup(s, id); !ok && !s.Exclusions[id] {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Close stops the cache cleanup goroutine, if any.
func (e *Engine) Close() {
	if e.cache != nil {
		e.cache.Close()
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func zoneOr(zone, fallback string) string {
	if zone != "" {
		return zone
	}
	return fallback
}

func compareOccurrences(a, b series.Occurrence) int {
	if c := a.Start.Time.Compare(b.Start.Time); c != 0 {
		return c
	}
	if a.SeriesID != b.SeriesID {
		if a.SeriesID < b.SeriesID {
			return -1
		}
		return 1
	}
	if a.ID < b.ID {
		return -1
	}
	if a.ID > b.ID {
		return 1
	}
	return 0
}

// SortOccurrences orders occurrences by start, then series id, then occurrence id.
func SortOccurrences(occs []series.Occurrence) {
	slices.SortStableFunc(occs, compareOccurrences)
}
