package storage

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/fieldsvc/schedule/scheduler/series"
)

// Repository reads scheduler records out of a Store.
type Repository struct {
	store Store
}

// NewRepository wraps store.
func NewRepository(store Store) *Repository {
	return &Repository{store: store}
}

// Store returns the underlying store.
func (r *Repository) Store() Store {
	return r.store
}

// Series loads one series record.
func (r *Repository) Series(ctx context.Context, calendarID, seriesID string) (*series.Series, error) {
	path := SeriesPath(calendarID, seriesID)
	nodes, err := r.store.ReadSubtree(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read series %s: %w", path, err)
	}
	data, ok := nodes[path]
	if !ok {
		return nil, &Error{Type: ErrNotFound, Message: "series not found: " + path}
	}
	return DecodeSeries(data)
}

// ListSeries loads every series of a calendar, ordered by id.
func (r *Repository) ListSeries(ctx context.Context, calendarID string) ([]*series.Series, error) {
	nodes, err := r.store.ReadSubtree(ctx, SeriesRoot(calendarID))
	if err != nil {
		return nil, fmt.Errorf("failed to list series of %s: %w", calendarID, err)
	}
	return decodeSeriesNodes(nodes)
}

// ListAllSeries loads the series of every calendar, ordered by calendar then id.
func (r *Repository) ListAllSeries(ctx context.Context) ([]*series.Series, error) {
	nodes, err := r.store.ReadSubtree(ctx, SeriesPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list series: %w", err)
	}
	return decodeSeriesNodes(nodes)
}

// Calendars lists the calendar ids that hold at least one series.
func (r *Repository) Calendars(ctx context.Context) ([]string, error) {
	nodes, err := r.store.ReadSubtree(ctx, SeriesPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}
	seen := make(map[string]bool)
	for path := range nodes {
		rest := strings.TrimPrefix(path, SeriesPrefix+"/")
		if cal, _, ok := strings.Cut(rest, "/"); ok {
			seen[cal] = true
		}
	}
	out := make([]string, 0, len(seen))
	for cal := range seen {
		out = append(out, cal)
	}
	slices.Sort(out)
	return out, nil
}

// Partition loads the materialized occurrences stored in one year/month
// partition of a series, keyed by path.
func (r *Repository) Partition(ctx context.Context, calendarID, seriesID string, year int, month time.Month) (map[string]*series.Occurrence, error) {
	root := PartitionPath(calendarID, seriesID, year, month)
	nodes, err := r.store.ReadSubtree(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("failed to read partition %s: %w", root, err)
	}
	out := make(map[string]*series.Occurrence, len(nodes))
	for path, data := range nodes {
		occ, err := DecodeOccurrence(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out[path] = occ
	}
	return out, nil
}

// EncodeSeriesUpdate returns the update that stores s at its canonical path.
func EncodeSeriesUpdate(s *series.Series) (string, Update, error) {
	data, err := EncodeSeries(s)
	if err != nil {
		return "", Update{}, err
	}
	return SeriesPath(s.CalendarID, s.ID), Put(data), nil
}

func decodeSeriesNodes(nodes map[string][]byte) ([]*series.Series, error) {
	paths := make([]string, 0, len(nodes))
	for p := range nodes {
		if rp, err := ParsePath(p); err == nil && rp.Type == ResourceTypeSeries {
			paths = append(paths, p)
		}
	}
	slices.Sort(paths)

	out := make([]*series.Series, 0, len(paths))
	for _, p := range paths {
		s, err := DecodeSeries(nodes[p])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		out = append(out, s)
	}
	return out, nil
}
