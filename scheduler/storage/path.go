package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fieldsvc/schedule/scheduler/series"
)

const (
	SeriesPrefix     = "series"
	OccurrencePrefix = "occurrences"
)

// ResourceType represents the kind of node a path addresses
type ResourceType int

const (
	ResourceTypeUnknown ResourceType = iota
	ResourceTypeSeriesCollection
	ResourceTypeSeries
	ResourceTypeOccurrenceCollection
	ResourceTypeOccurrenceSeries
	ResourceTypePartition
	ResourceTypeOccurrence
)

// String returns the string representation of the ResourceType
func (rt ResourceType) String() string {
	switch rt {
	case ResourceTypeSeriesCollection:
		return "series-collection"
	case ResourceTypeSeries:
		return "series"
	case ResourceTypeOccurrenceCollection:
		return "occurrence-collection"
	case ResourceTypeOccurrenceSeries:
		return "occurrence-series"
	case ResourceTypePartition:
		return "partition"
	case ResourceTypeOccurrence:
		return "occurrence"
	default:
		return "unknown"
	}
}

// ResourcePath represents a parsed store path
type ResourcePath struct {
	Type         ResourceType
	CalendarID   string
	SeriesID     string
	Year         int
	Month        time.Month
	OccurrenceID string
}

// String returns the string representation of the ResourcePath
func (rp *ResourcePath) String() string {
	switch rp.Type {
	case ResourceTypeSeriesCollection:
		return SeriesRoot(rp.CalendarID)
	case ResourceTypeSeries:
		return SeriesPath(rp.CalendarID, rp.SeriesID)
	case ResourceTypeOccurrenceCollection:
		return OccurrenceRoot(rp.CalendarID)
	case ResourceTypeOccurrenceSeries:
		return OccurrenceSeriesRoot(rp.CalendarID, rp.SeriesID)
	case ResourceTypePartition:
		return PartitionPath(rp.CalendarID, rp.SeriesID, rp.Year, rp.Month)
	case ResourceTypeOccurrence:
		p, _ := OccurrencePath(rp.CalendarID, rp.SeriesID, rp.OccurrenceID)
		return p
	default:
		return ""
	}
}

// SeriesRoot returns the subtree holding every series of a calendar.
func SeriesRoot(calendarID string) string {
	return SeriesPrefix + "/" + calendarID
}

// SeriesPath returns the leaf path of one series record.
func SeriesPath(calendarID, seriesID string) string {
	return SeriesRoot(calendarID) + "/" + seriesID
}

// OccurrenceRoot returns the subtree holding every materialized occurrence of a calendar.
func OccurrenceRoot(calendarID string) string {
	return OccurrencePrefix + "/" + calendarID
}

// OccurrenceSeriesRoot returns the subtree holding every partition of one series.
func OccurrenceSeriesRoot(calendarID, seriesID string) string {
	return OccurrenceRoot(calendarID) + "/" + seriesID
}

// PartitionPath returns the year/month partition of one series.
func PartitionPath(calendarID, seriesID string, year int, month time.Month) string {
	return fmt.Sprintf("%s/%04d/%02d", OccurrenceSeriesRoot(calendarID, seriesID), year, int(month))
}

// OccurrencePath returns the leaf path of one occurrence. The partition is
// derived from the occurrence id, so a moved occurrence stays where its
// generated start put it.
func OccurrencePath(calendarID, seriesID, occurrenceID string) (string, error) {
	at, err := series.ParseKey(occurrenceID)
	if err != nil {
		return "", invalidInput("occurrence id %q: %v", occurrenceID, err)
	}
	return PartitionPath(calendarID, seriesID, at.Year(), at.Month()) + "/" + series.Key(at), nil
}

// ValidatePath rejects empty paths and empty segments.
func ValidatePath(path string) error {
	if path == "" {
		return invalidInput("empty path")
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			return invalidInput("empty segment in path %q", path)
		}
	}
	return nil
}

// IsWithin reports whether path equals root or lies below it.
func IsWithin(path, root string) bool {
	return path == root || strings.HasPrefix(path, root+"/")
}

// Related reports whether a and b are the same node or one contains the other.
func Related(a, b string) bool {
	return IsWithin(a, b) || IsWithin(b, a)
}

// Ancestors returns the proper ancestors of path, nearest last.
func Ancestors(path string) []string {
	var out []string
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			out = append(out, path[:i])
		}
	}
	return out
}

// CheckOverlap rejects a set of paths where one is an ancestor of another.
func CheckOverlap(paths []string) error {
	set := make(map[string]bool, len(paths))
	for _, p := range paths {
		set[p] = true
	}
	for _, p := range paths {
		for _, a := range Ancestors(p) {
			if set[a] {
				return invalidInput("paths %q and %q overlap in one write", a, p)
			}
		}
	}
	return nil
}

// ParsePath parses a store path into its components
func ParsePath(path string) (*ResourcePath, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	parts := strings.Split(path, "/")

	switch parts[0] {
	case SeriesPrefix:
		switch len(parts) {
		case 2:
			return &ResourcePath{Type: ResourceTypeSeriesCollection, CalendarID: parts[1]}, nil
		case 3:
			return &ResourcePath{Type: ResourceTypeSeries, CalendarID: parts[1], SeriesID: parts[2]}, nil
		}
	case OccurrencePrefix:
		rp := &ResourcePath{CalendarID: safeIndex(parts, 1), SeriesID: safeIndex(parts, 2)}
		switch len(parts) {
		case 2:
			rp.Type = ResourceTypeOccurrenceCollection
			return rp, nil
		case 3:
			rp.Type = ResourceTypeOccurrenceSeries
			return rp, nil
		case 5, 6:
			year, err := strconv.Atoi(parts[3])
			if err != nil {
				return nil, invalidInput("invalid partition year in %q", path)
			}
			month, err := strconv.Atoi(parts[4])
			if err != nil || month < 1 || month > 12 {
				return nil, invalidInput("invalid partition month in %q", path)
			}
			rp.Year, rp.Month = year, time.Month(month)
			rp.Type = ResourceTypePartition
			if len(parts) == 6 {
				rp.OccurrenceID = parts[5]
				rp.Type = ResourceTypeOccurrence
			}
			return rp, nil
		}
	}

	return nil, invalidInput("unrecognized path %q", path)
}

func safeIndex(parts []string, i int) string {
	if i < len(parts) {
		return parts[i]
	}
	return ""
}
