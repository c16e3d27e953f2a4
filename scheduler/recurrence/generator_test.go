package recurrence

import (
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsvc/schedule/scheduler/series"
)

func date(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func newSeries(start time.Time, dur time.Duration, rule *series.Rule) *series.Series {
	return &series.Series{
		ID:         "s1",
		CalendarID: "cal",
		Payload:    series.Payload{Title: "Pool cleaning"},
		Start:      series.At(start, "Europe/Paris"),
		End:        series.At(start.Add(dur), "Europe/Paris"),
		Rule:       rule,
		UpdatedAt:  date(2024, 1, 1, 0, 0),
	}
}

func days(ts []time.Time) []int {
	out := make([]int, len(ts))
	for i, t := range ts {
		out[i] = t.Day()
	}
	return out
}

func TestCandidates_MonthlyClampsToMonthLength(t *testing.T) {
	anchor := date(2024, 1, 31, 9, 0)
	rule := &series.Rule{Freq: series.Monthly, ByMonthDay: 31}

	got := Candidates(anchor, rule, date(2024, 1, 1, 0, 0), date(2024, 4, 30, 23, 59))

	require.Len(t, got, 4)
	assert.Equal(t, []time.Time{
		date(2024, 1, 31, 9, 0),
		date(2024, 2, 29, 9, 0),
		date(2024, 3, 31, 9, 0),
		date(2024, 4, 30, 9, 0),
	}, got)
}

func TestCandidates_MonthlyLastDayAcrossLeapYear(t *testing.T) {
	anchor := date(2023, 1, 31, 8, 0)
	rule := &series.Rule{Freq: series.Monthly, ByMonthDay: -1}

	got := Candidates(anchor, rule, date(2023, 1, 1, 0, 0), date(2024, 12, 31, 23, 59))

	require.Len(t, got, 24)
	for _, ts := range got {
		assert.Equal(t, daysIn(ts.Year(), ts.Month()), ts.Day(), "expected last day of %s", ts.Format("2006-01"))
	}
	assert.Equal(t, date(2023, 2, 28, 8, 0), got[1])
	assert.Equal(t, date(2024, 2, 29, 8, 0), got[13])
}

func TestCandidates_MonthlyPositiveDayClamps(t *testing.T) {
	anchor := date(2024, 1, 30, 10, 0)
	rule := &series.Rule{Freq: series.Monthly, ByMonthDay: 30}

	got := Candidates(anchor, rule, date(2024, 1, 1, 0, 0), date(2024, 3, 31, 23, 59))

	assert.Equal(t, []int{30, 29, 30}, days(got))
}

func TestCandidates_Weekly(t *testing.T) {
	// 2024-01-01 is a Monday.
	anchor := date(2024, 1, 1, 7, 30)

	tests := []struct {
		name string
		rule *series.Rule
		to   time.Time
		want int
	}{
		{
			name: "mon wed fri over four weeks",
			rule: &series.Rule{Freq: series.Weekly, ByWeekday: []series.Weekday{series.Monday, series.Wednesday, series.Friday}},
			to:   date(2024, 1, 28, 23, 59),
			want: 12,
		},
		{
			name: "mondays in january",
			rule: &series.Rule{Freq: series.Weekly, ByWeekday: []series.Weekday{series.Monday}},
			to:   date(2024, 1, 31, 23, 59),
			want: 5,
		},
		{
			name: "anchor weekday when none given",
			rule: &series.Rule{Freq: series.Weekly},
			to:   date(2024, 1, 31, 23, 59),
			want: 5,
		},
		{
			name: "every other week",
			rule: &series.Rule{Freq: series.Weekly, Interval: 2, ByWeekday: []series.Weekday{series.Tuesday, series.Thursday}},
			to:   date(2024, 1, 28, 23, 59),
			// anchor + Jan 2, 4, 16, 18
			want: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Candidates(anchor, tt.rule, anchor, tt.to)
			assert.Len(t, got, tt.want)
			for i := 1; i < len(got); i++ {
				assert.True(t, got[i].After(got[i-1]), "candidates must be strictly increasing")
			}
		})
	}
}

func TestCandidates_WeeklyBucketsStartOnMonday(t *testing.T) {
	// Sunday anchor, interval 2: the anchor's bucket is Mon Jan 1 - Sun Jan 7.
	anchor := date(2024, 1, 7, 9, 0)
	rule := &series.Rule{Freq: series.Weekly, Interval: 2, ByWeekday: []series.Weekday{series.Monday, series.Sunday}}

	got := Candidates(anchor, rule, anchor, date(2024, 1, 31, 23, 59))

	assert.Equal(t, []time.Time{
		date(2024, 1, 7, 9, 0),
		date(2024, 1, 15, 9, 0),
		date(2024, 1, 21, 9, 0),
		date(2024, 1, 29, 9, 0),
	}, got)
}

func TestCandidates_MonthlySetPosition(t *testing.T) {
	tests := []struct {
		name   string
		anchor time.Time
		rule   *series.Rule
		want   []int
	}{
		{
			name:   "second tuesday",
			anchor: date(2024, 1, 9, 9, 0),
			rule:   &series.Rule{Freq: series.Monthly, ByWeekday: []series.Weekday{series.Tuesday}, BySetPosition: 2},
			want:   []int{9, 13, 12},
		},
		{
			name:   "last friday",
			anchor: date(2024, 1, 26, 9, 0),
			rule:   &series.Rule{Freq: series.Monthly, ByWeekday: []series.Weekday{series.Friday}, BySetPosition: -1},
			want:   []int{26, 23, 29},
		},
		{
			name:   "fifth monday skips short months",
			anchor: date(2024, 1, 29, 9, 0),
			rule:   &series.Rule{Freq: series.Monthly, ByWeekday: []series.Weekday{series.Monday}, BySetPosition: 5},
			// February and March 2024 have four Mondays.
			want: []int{29},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Candidates(tt.anchor, tt.rule, date(2024, 1, 1, 0, 0), date(2024, 3, 31, 23, 59))
			assert.Equal(t, tt.want, days(got))
		})
	}
}

func TestCandidates_AnchorOffRuleIsKept(t *testing.T) {
	tests := []struct {
		name   string
		anchor time.Time
		rule   *series.Rule
		to     time.Time
		want   []time.Time
	}{
		{
			name:   "monthly last day anchored mid-month",
			anchor: date(2024, 1, 15, 9, 0),
			rule:   &series.Rule{Freq: series.Monthly, ByMonthDay: -1},
			to:     date(2024, 3, 31, 23, 59),
			want:   []time.Time{date(2024, 1, 15, 9, 0), date(2024, 1, 31, 9, 0), date(2024, 2, 29, 9, 0), date(2024, 3, 31, 9, 0)},
		},
		{
			name:   "monthly last day with count",
			anchor: date(2024, 1, 15, 9, 0),
			rule:   &series.Rule{Freq: series.Monthly, ByMonthDay: -1, Count: mo.Some(2)},
			to:     date(2024, 3, 31, 23, 59),
			want:   []time.Time{date(2024, 1, 15, 9, 0), date(2024, 1, 31, 9, 0)},
		},
		{
			name:   "weekly mondays anchored on a tuesday",
			anchor: date(2024, 1, 2, 9, 0),
			rule:   &series.Rule{Freq: series.Weekly, ByWeekday: []series.Weekday{series.Monday}},
			to:     date(2024, 1, 22, 23, 59),
			want:   []time.Time{date(2024, 1, 2, 9, 0), date(2024, 1, 8, 9, 0), date(2024, 1, 15, 9, 0), date(2024, 1, 22, 9, 0)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Candidates(tt.anchor, tt.rule, tt.anchor, tt.to))
		})
	}
}

func TestCandidates_YearlyLeapDayClampsToFebruary28(t *testing.T) {
	anchor := date(2024, 2, 29, 12, 0)
	rule := &series.Rule{Freq: series.Yearly}

	got := Candidates(anchor, rule, anchor, date(2028, 12, 31, 0, 0))

	assert.Equal(t, []time.Time{
		date(2024, 2, 29, 12, 0),
		date(2025, 2, 28, 12, 0),
		date(2026, 2, 28, 12, 0),
		date(2027, 2, 28, 12, 0),
		date(2028, 2, 29, 12, 0),
	}, got)
}

func TestCandidates_Termination(t *testing.T) {
	anchor := date(2024, 1, 1, 9, 0)
	wide := date(2025, 1, 1, 0, 0)

	t.Run("count includes the anchor", func(t *testing.T) {
		rule := &series.Rule{Freq: series.Daily, Count: mo.Some(5)}
		got := Candidates(anchor, rule, anchor, wide)
		require.Len(t, got, 5)
		assert.Equal(t, date(2024, 1, 5, 9, 0), got[4])
	})

	t.Run("until is inclusive", func(t *testing.T) {
		rule := &series.Rule{Freq: series.Daily, Until: mo.Some(date(2024, 1, 3, 9, 0))}
		got := Candidates(anchor, rule, anchor, wide)
		assert.Equal(t, []int{1, 2, 3}, days(got))
	})

	t.Run("count is consumed before the window", func(t *testing.T) {
		rule := &series.Rule{Freq: series.Daily, Count: mo.Some(5)}
		got := Candidates(anchor, rule, date(2024, 1, 4, 0, 0), wide)
		assert.Equal(t, []int{4, 5}, days(got))
	})

	t.Run("first limit wins when both are set", func(t *testing.T) {
		rule := &series.Rule{Freq: series.Daily, Count: mo.Some(10), Until: mo.Some(date(2024, 1, 2, 9, 0))}
		got := Candidates(anchor, rule, anchor, wide)
		assert.Len(t, got, 2)
	})
}

func TestCandidates_InvalidRuleYieldsNothing(t *testing.T) {
	anchor := date(2024, 1, 1, 9, 0)
	to := date(2024, 2, 1, 0, 0)

	assert.Empty(t, Candidates(anchor, &series.Rule{Freq: "HOURLY"}, anchor, to))
	assert.Empty(t, Candidates(anchor, &series.Rule{Freq: series.Daily, Interval: -1}, anchor, to))
	assert.Empty(t, Candidates(anchor, &series.Rule{Freq: series.Daily, Count: mo.Some(0)}, anchor, to))
}

func TestCandidates_InterpretsWallClock(t *testing.T) {
	paris, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		t.Skip("tzdata not available")
	}
	// Across the 2024-03-31 DST change the wall clock stays at 09:00.
	anchor := time.Date(2024, 3, 30, 9, 0, 0, 0, paris)
	rule := &series.Rule{Freq: series.Daily}

	got := Candidates(anchor, rule, anchor, time.Date(2024, 4, 1, 23, 0, 0, 0, paris))

	require.Len(t, got, 3)
	for _, ts := range got {
		assert.Equal(t, 9, ts.Hour())
	}
}

func TestGenerate_SkipsExclusionsUnlessOverridden(t *testing.T) {
	s := newSeries(date(2024, 1, 1, 9, 0), time.Hour, &series.Rule{Freq: series.Daily})
	s.Exclusions.Add(date(2024, 1, 2, 9, 0))
	s.Exclusions.Add(date(2024, 1, 3, 9, 0))
	s.Overrides.Set(date(2024, 1, 3, 9, 0), series.Override{Status: series.StatusCompleted})

	got := Generate(s, NewWindow(date(2024, 1, 1, 0, 0), date(2024, 1, 4, 23, 59)))

	assert.Equal(t, []int{1, 3, 4}, days(got))
}

func TestRollingWindow(t *testing.T) {
	w := RollingWindow(date(2024, 3, 31, 10, 15), 1, 6)

	assert.Equal(t, date(2024, 2, 29, 0, 0), w.From)
	assert.Equal(t, time.Date(2024, 9, 30, 23, 59, 59, 999999999, time.UTC), w.To)
	assert.Len(t, w.Months(), 8)
	assert.Equal(t, Month{Year: 2024, Month: time.February}, w.Months()[0])
}

func TestWindow_Intersects(t *testing.T) {
	w := NewWindow(date(2024, 1, 10, 0, 0), date(2024, 1, 20, 0, 0))

	assert.True(t, w.Intersects(date(2024, 1, 9, 23, 0), date(2024, 1, 10, 1, 0)))
	assert.True(t, w.Intersects(date(2024, 1, 20, 0, 0), date(2024, 1, 20, 1, 0)))
	assert.False(t, w.Intersects(date(2024, 1, 8, 0, 0), date(2024, 1, 9, 0, 0)))
	assert.False(t, w.Intersects(date(2024, 1, 21, 0, 0), date(2024, 1, 21, 1, 0)))
}
