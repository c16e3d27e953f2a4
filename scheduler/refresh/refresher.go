// Package refresh keeps materialized windows current: a cron schedule rolls
// the window forward and a store subscription re-materializes a calendar
// whenever one of its series changes. A newer pass for a calendar cancels
// the one still running.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/fieldsvc/schedule/scheduler/materialize"
	"github.com/fieldsvc/schedule/scheduler/metrics"
	"github.com/fieldsvc/schedule/scheduler/storage"
)

// Triggers recorded in logs and metrics.
const (
	TriggerCron   = "cron"
	TriggerChange = "change"
	TriggerManual = "manual"
)

// Materializer runs one materialization pass for a calendar ("" = all).
type Materializer interface {
	Materialize(ctx context.Context, calendarID string) (*materialize.Result, error)
}

// ResultFunc observes every finished pass, including superseded ones.
type ResultFunc func(calendarID, trigger string, res *materialize.Result, err error)

// Refresher schedules materialization passes.
type Refresher struct {
	store     storage.Store
	mat       Materializer
	schedule  string
	onChange  bool
	calendars []string
	logger    *slog.Logger
	metrics   *metrics.Metrics
	onResult  ResultFunc

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	cron     *cron.Cron
	unsubs   []func()
	inflight map[string]*pass
	seq      uint64
	wg       sync.WaitGroup
}

type pass struct {
	seq    uint64
	cancel context.CancelFunc
}

// Option configures a Refresher.
type Option func(*Refresher)

// WithLogger sets the logger for the refresher
func WithLogger(logger *slog.Logger) Option {
	return func(r *Refresher) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithSchedule sets the cron schedule (standard five fields). An empty spec
// disables the schedule.
func WithSchedule(spec string) Option {
	return func(r *Refresher) {
		r.schedule = spec
	}
}

// WithOnChange toggles re-materialization on series changes (default on).
func WithOnChange(enabled bool) Option {
	return func(r *Refresher) {
		r.onChange = enabled
	}
}

// WithCalendars restricts the refresher to the given calendars. By default
// every calendar is refreshed.
func WithCalendars(ids ...string) Option {
	return func(r *Refresher) {
		r.calendars = append([]string(nil), ids...)
	}
}

// WithMetrics counts triggers.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Refresher) {
		r.metrics = m
	}
}

// WithResultFunc registers an observer for finished passes.
func WithResultFunc(fn ResultFunc) Option {
	return func(r *Refresher) {
		r.onResult = fn
	}
}

// New creates a refresher. Call Start to begin.
func New(store storage.Store, mat Materializer, opts ...Option) *Refresher {
	r := &Refresher{
		store:    store,
		mat:      mat,
		schedule: "0 * * * *",
		onChange: true,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		inflight: make(map[string]*pass),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start registers the cron schedule and the change subscriptions. The
// refresher stops when ctx is done or Stop is called.
func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx != nil {
		return errors.New("refresher already started")
	}
	r.ctx, r.cancel = context.WithCancel(ctx)

	targets := r.calendars
	if len(targets) == 0 {
		targets = []string{""}
	}

	if r.schedule != "" {
		r.cron = cron.New(cron.WithLogger(cronLogger{r.logger}))
		for _, cal := range targets {
			if _, err := r.cron.AddFunc(r.schedule, func() { r.Trigger(cal, TriggerCron) }); err != nil {
				r.cancel()
				r.ctx = nil
				return fmt.Errorf("invalid refresh schedule %q: %w", r.schedule, err)
			}
		}
	}

	if r.onChange {
		for _, cal := range targets {
			root := storage.SeriesPrefix
			if cal != "" {
				root = storage.SeriesRoot(cal)
			}
			unsub, err := r.store.Subscribe(r.ctx, root, r.handleChange)
			if err != nil {
				for _, u := range r.unsubs {
					u()
				}
				r.unsubs = nil
				r.cancel()
				r.ctx = nil
				return fmt.Errorf("failed to subscribe to %s: %w", root, err)
			}
			r.unsubs = append(r.unsubs, unsub)
		}
	}

	if r.cron != nil {
		r.cron.Start()
	}
	r.logger.Info("refresher started",
		"schedule", r.schedule,
		"on_change", r.onChange,
		"calendars", r.calendars)
	return nil
}

// Stop halts the schedule, drops the subscriptions, cancels running passes
// and waits for them to return.
func (r *Refresher) Stop() {
	r.mu.Lock()
	if r.ctx == nil {
		r.mu.Unlock()
		return
	}
	c := r.cron
	unsubs := r.unsubs
	r.unsubs = nil
	r.cancel()
	r.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	for _, u := range unsubs {
		u()
	}
	r.wg.Wait()
	r.logger.Info("refresher stopped")
}

// Trigger starts a pass for calendarID ("" = all calendars), superseding a
// pass still running for the same calendar.
func (r *Refresher) Trigger(calendarID, trigger string) {
	r.mu.Lock()
	if r.ctx == nil || r.ctx.Err() != nil {
		r.mu.Unlock()
		return
	}
	if prev, ok := r.inflight[calendarID]; ok {
		prev.cancel()
		r.logger.Debug("superseding materialization pass", "calendar_id", calendarID, "trigger", trigger)
	}
	ctx, cancel := context.WithCancel(r.ctx)
	r.seq++
	p := &pass{seq: r.seq, cancel: cancel}
	r.inflight[calendarID] = p
	r.wg.Add(1)
	r.mu.Unlock()

	r.metrics.Refresh(trigger)
	go r.run(ctx, p, calendarID, trigger)
}

func (r *Refresher) run(ctx context.Context, p *pass, calendarID, trigger string) {
	defer r.wg.Done()
	defer p.cancel()

	res, err := r.mat.Materialize(ctx, calendarID)

	r.mu.Lock()
	if cur, ok := r.inflight[calendarID]; ok && cur.seq == p.seq {
		delete(r.inflight, calendarID)
	}
	r.mu.Unlock()

	switch {
	case err != nil && ctx.Err() != nil:
		r.logger.Debug("materialization pass abandoned",
			"calendar_id", calendarID, "trigger", trigger, "error", err)
	case err != nil:
		r.logger.Error("materialization pass failed",
			"calendar_id", calendarID, "trigger", trigger, "error", err)
	default:
		r.logger.Debug("materialization pass finished",
			"calendar_id", calendarID,
			"trigger", trigger,
			"occurrences", len(res.Occurrences),
			"pruned", res.Pruned)
	}
	if r.onResult != nil {
		r.onResult(calendarID, trigger, res, err)
	}
}

// handleChange maps changed series paths to the calendars to refresh.
func (r *Refresher) handleChange(ev storage.Event) {
	if len(r.calendars) == 0 {
		r.Trigger("", TriggerChange)
		return
	}
	seen := make(map[string]bool)
	for _, path := range ev.Paths {
		rp, err := storage.ParsePath(path)
		if err != nil || rp.CalendarID == "" || seen[rp.CalendarID] {
			continue
		}
		seen[rp.CalendarID] = true
		r.Trigger(rp.CalendarID, TriggerChange)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
