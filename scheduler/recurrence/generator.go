package recurrence

import (
	"slices"
	"time"

	"github.com/fieldsvc/schedule/scheduler/series"
)

// DefaultMaxPeriods caps how many rule periods a single expansion walks.
const DefaultMaxPeriods = 50000

// Candidates returns the generated starts of rule anchored at anchor that fall
// inside [from, to], in chronological order. Exclusions are not applied.
//
// The anchor is always the first occurrence and counts toward Count, even when
// it does not match ByWeekday or ByMonthDay: MONTHLY on day -1 anchored on
// Jan 15 yields Jan 15, then Jan 31 and the last day of every later month. A
// nil rule yields the anchor alone. An invalid rule yields nothing.
func Candidates(anchor time.Time, rule *series.Rule, from, to time.Time) []time.Time {
	out, _ := candidates(anchor, rule, series.Floating(from), series.Floating(to), DefaultMaxPeriods)
	return out
}

// Generate returns the starts of s inside w with its exclusions removed.
// Overridden ids are kept even when excluded, since an override wins.
func Generate(s *series.Series, w Window) []time.Time {
	var out []time.Time
	for _, t := range Candidates(s.Start.Time, s.Rule, w.From, w.To) {
		if s.Exclusions.Has(t) {
			if _, ok := s.Overrides.Get(t); !ok {
				continue
			}
		}
		out = append(out, t)
	}
	return out
}

func candidates(anchor time.Time, rule *series.Rule, from, to time.Time, maxPeriods int) ([]time.Time, bool) {
	var out []time.Time
	capped := walk(anchor, rule, to, maxPeriods, func(t time.Time) bool {
		if !t.Before(from) {
			out = append(out, t)
		}
		return true
	})
	return out, capped
}

// walk yields every generated start up to and including limit, honoring
// until and count. It reports whether it stopped because maxPeriods ran out.
func walk(anchor time.Time, rule *series.Rule, limit time.Time, maxPeriods int, yield func(time.Time) bool) bool {
	anchor = series.Floating(anchor)
	limit = series.Floating(limit)

	if rule == nil {
		if !anchor.After(limit) {
			yield(anchor)
		}
		return false
	}
	if !rule.Freq.Valid() || rule.Interval < 0 {
		return false
	}

	until, hasUntil := rule.Until.Get()
	until = series.Floating(until)
	count, hasCount := rule.Count.Get()
	if hasCount && count <= 0 {
		return false
	}

	emitted := 0
	emit := func(t time.Time) bool {
		if hasUntil && t.After(until) {
			return false
		}
		if t.After(limit) {
			return false
		}
		emitted++
		if !yield(t) {
			return false
		}
		return !hasCount || emitted < count
	}

	if !emit(anchor) {
		return false
	}

	step := rule.Step()
	for p := 0; p < maxPeriods; p++ {
		start, dates := period(anchor, rule, p*step)
		if start.After(limit) || (hasUntil && start.After(until)) {
			return false
		}
		for _, t := range dates {
			if !t.After(anchor) {
				continue
			}
			if !emit(t) {
				return false
			}
		}
	}
	return true
}

// period returns the start of the offset-th period after the anchor's own and
// the sorted candidate starts inside it.
func period(anchor time.Time, rule *series.Rule, offset int) (time.Time, []time.Time) {
	switch rule.Freq {
	case series.Daily:
		d := anchor.AddDate(0, 0, offset)
		return startOfDay(d), []time.Time{d}
	case series.Weekly:
		return weeklyPeriod(anchor, rule, offset)
	case series.Monthly:
		return monthlyPeriod(anchor, rule, offset)
	case series.Yearly:
		y := anchor.Year() + offset
		d := min(anchor.Day(), daysIn(y, anchor.Month()))
		return time.Date(y, time.January, 1, 0, 0, 0, 0, time.UTC), []time.Time{at(anchor, y, anchor.Month(), d)}
	}
	return anchor, nil
}

func weeklyPeriod(anchor time.Time, rule *series.Rule, offset int) (time.Time, []time.Time) {
	// Buckets start on Monday.
	monday := startOfDay(anchor).AddDate(0, 0, -mondayOffset(anchor.Weekday())+7*offset)

	days := weekdays(rule.ByWeekday)
	if len(days) == 0 {
		days = []time.Weekday{anchor.Weekday()}
	}
	offsets := make([]int, 0, len(days))
	for _, wd := range days {
		offsets = append(offsets, mondayOffset(wd))
	}
	slices.Sort(offsets)
	offsets = slices.Compact(offsets)

	out := make([]time.Time, 0, len(offsets))
	for _, off := range offsets {
		d := monday.AddDate(0, 0, off)
		out = append(out, at(anchor, d.Year(), d.Month(), d.Day()))
	}
	return monday, out
}

func monthlyPeriod(anchor time.Time, rule *series.Rule, offset int) (time.Time, []time.Time) {
	first := time.Date(anchor.Year(), anchor.Month()+time.Month(offset), 1, 0, 0, 0, 0, time.UTC)
	y, m := first.Year(), first.Month()
	n := daysIn(y, m)

	if days := weekdays(rule.ByWeekday); len(days) > 0 {
		var matches []time.Time
		for d := 1; d <= n; d++ {
			if slices.Contains(days, time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Weekday()) {
				matches = append(matches, at(anchor, y, m, d))
			}
		}
		pos := rule.BySetPosition
		switch {
		case pos == 0:
			return first, matches
		case pos > 0 && pos <= len(matches):
			return first, matches[pos-1 : pos]
		case pos < 0 && -pos <= len(matches):
			i := len(matches) + pos
			return first, matches[i : i+1]
		default:
			return first, nil
		}
	}

	day := rule.ByMonthDay
	if day == 0 {
		day = anchor.Day()
	}
	if day < 0 {
		day = max(n+1+day, 1)
	}
	day = min(day, n)
	return first, []time.Time{at(anchor, y, m, day)}
}

// at places the anchor's time of day on the given date.
func at(anchor time.Time, y int, m time.Month, d int) time.Time {
	hh, mm, ss := anchor.Clock()
	return time.Date(y, m, d, hh, mm, ss, anchor.Nanosecond(), time.UTC)
}

func mondayOffset(wd time.Weekday) int {
	return (int(wd) + 6) % 7
}

func weekdays(codes []series.Weekday) []time.Weekday {
	out := make([]time.Weekday, 0, len(codes))
	for _, c := range codes {
		if wd, ok := c.Time(); ok {
			out = append(out, wd)
		}
	}
	return out
}
