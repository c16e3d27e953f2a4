package recurrence

import (
	"time"

	"github.com/fieldsvc/schedule/scheduler/series"
)

// Window is an inclusive range of floating wall-clock instants.
type Window struct {
	From time.Time
	To   time.Time
}

// NewWindow builds a window from the wall clocks of from and to.
func NewWindow(from, to time.Time) Window {
	return Window{From: series.Floating(from), To: series.Floating(to)}
}

// RollingWindow returns [startOfDay(now - monthsBack), endOfDay(now + monthsAhead)].
// Month arithmetic clamps to the end of shorter months.
func RollingWindow(now time.Time, monthsBack, monthsAhead int) Window {
	n := series.Floating(now)
	return Window{
		From: startOfDay(addMonths(n, -monthsBack)),
		To:   endOfDay(addMonths(n, monthsAhead)),
	}
}

// Contains reports whether t lies inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && !t.After(w.To)
}

// Intersects reports whether [start, end] overlaps the window.
func (w Window) Intersects(start, end time.Time) bool {
	if end.Before(start) {
		end = start
	}
	return !start.After(w.To) && !end.Before(w.From)
}

// Month identifies one year/month storage partition.
type Month struct {
	Year  int
	Month time.Month
}

// Months lists the partitions touched by the window, in order.
func (w Window) Months() []Month {
	if w.To.Before(w.From) {
		return nil
	}
	var out []Month
	cur := time.Date(w.From.Year(), w.From.Month(), 1, 0, 0, 0, 0, time.UTC)
	for !cur.After(w.To) {
		out = append(out, Month{Year: cur.Year(), Month: cur.Month()})
		cur = cur.AddDate(0, 1, 0)
	}
	return out
}

func (w Window) String() string {
	return "[" + w.From.Format(time.DateTime) + ", " + w.To.Format(time.DateTime) + "]"
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func endOfDay(t time.Time) time.Time {
	return startOfDay(t).AddDate(0, 0, 1).Add(-time.Nanosecond)
}

// addMonths moves t by n months keeping the day when possible and clamping to
// the last day of the target month otherwise.
func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	d = min(d, daysIn(first.Year(), first.Month()))
	hh, mm, ss := t.Clock()
	return time.Date(first.Year(), first.Month(), d, hh, mm, ss, t.Nanosecond(), time.UTC)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
