package series

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExclusions_AddIsIdempotent(t *testing.T) {
	var ex Exclusions
	at := time.Date(2024, 3, 4, 9, 30, 0, 0, time.UTC)

	assert.True(t, ex.Add(at))
	assert.False(t, ex.Add(at))
	// Sub-minute precision collapses to the same key.
	assert.False(t, ex.Add(at.Add(42*time.Second+15*time.Millisecond)))

	assert.Len(t, ex, 1)
	assert.True(t, ex.Has(at))
	assert.Equal(t, []string{"2024-03-04T09:30"}, ex.Keys())
}

func TestExclusions_NormalizeCollapsesPrecision(t *testing.T) {
	ex := Exclusions{
		"2024-03-04T09:30:00":           true,
		"2024-03-04T09:30:59.123456789": true,
		"2024-03-05T09:30":              true,
		"garbage":                       true,
	}

	bad := ex.Normalize()

	assert.Equal(t, []string{"garbage"}, bad)
	assert.Equal(t, []string{"2024-03-04T09:30", "2024-03-05T09:30"}, ex.Keys())
}

func TestExceptions_PruneFrom(t *testing.T) {
	ex := Exclusions{}
	ov := Overrides{}
	for d := 1; d <= 5; d++ {
		at := time.Date(2024, 1, d, 8, 0, 0, 0, time.UTC)
		ex.Add(at)
		ov.Set(at, Override{Status: StatusCompleted})
	}

	cut := time.Date(2024, 1, 3, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, 3, ex.PruneFrom(cut))
	assert.Equal(t, 3, ov.PruneFrom(cut))
	assert.Equal(t, []string{"2024-01-01T08:00", "2024-01-02T08:00"}, ex.Keys())
	assert.Equal(t, []string{"2024-01-01T08:00", "2024-01-02T08:00"}, ov.Keys())
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want time.Time
	}{
		{"canonical", "2024-01-31T10:15", time.Date(2024, 1, 31, 10, 15, 0, 0, time.UTC)},
		{"seconds", "2024-01-31T10:15:59", time.Date(2024, 1, 31, 10, 15, 0, 0, time.UTC)},
		{"rfc3339 keeps wall clock", "2024-01-31T10:15:00+09:00", time.Date(2024, 1, 31, 10, 15, 0, 0, time.UTC)},
		{"ical basic", "20240131T101500", time.Date(2024, 1, 31, 10, 15, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseKey(tt.id)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v", got)
		})
	}

	_, err := ParseKey("yesterday")
	assert.ErrorIs(t, err, ErrInvalidOccurrenceID)
}

func TestKey_IgnoresLocationOffset(t *testing.T) {
	seoul := time.FixedZone("KST", 9*3600)
	a := time.Date(2024, 5, 1, 7, 0, 0, 0, seoul)
	b := time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC)
	assert.Equal(t, Key(a), Key(b))
}

func TestRule_Validate(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
		want error
	}{
		{"valid weekly", Rule{Freq: Weekly, ByWeekday: []Weekday{Monday, Friday}}, nil},
		{"unknown frequency", Rule{Freq: "HOURLY"}, ErrInvalidFrequency},
		{"negative interval", Rule{Freq: Daily, Interval: -2}, ErrInvalidInterval},
		{"unset interval", Rule{Freq: Daily, Interval: 0}, nil},
		{"until and count", Rule{Freq: Daily, Until: mo.Some(time.Now()), Count: mo.Some(3)}, ErrUntilAndCount},
		{"zero count", Rule{Freq: Daily, Count: mo.Some(0)}, ErrInvalidCount},
		{"bad weekday", Rule{Freq: Weekly, ByWeekday: []Weekday{"XX"}}, ErrInvalidWeekday},
		{"month day range", Rule{Freq: Monthly, ByMonthDay: 32}, ErrInvalidMonthDay},
		{"position without weekday", Rule{Freq: Monthly, BySetPosition: 2}, ErrSetPositionNoWeekday},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRule_Step(t *testing.T) {
	assert.Equal(t, 1, (&Rule{Freq: Daily}).Step())
	assert.Equal(t, 3, (&Rule{Freq: Daily, Interval: 3}).Step())
}

func TestSeries_ValidateJoinsErrors(t *testing.T) {
	s := &Series{
		Start: At(time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC), "UTC"),
		End:   At(time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC), "UTC"),
		Rule:  &Rule{Freq: Daily, Until: mo.Some(time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC))},
	}

	err := s.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingCalendar))
	assert.True(t, errors.Is(err, ErrEndBeforeStart))
	assert.True(t, errors.Is(err, ErrUntilBeforeStart))
}

func TestPayload_Apply(t *testing.T) {
	base := Payload{Title: "Pool cleaning", Attributes: map[string]any{"price": "80.00", "notes": "gate code 1234"}}
	title := "Pool cleaning + filter"

	got := base.Apply(&PayloadPatch{Title: &title, Attributes: map[string]any{"price": "95.00", "notes": nil}})

	assert.Equal(t, "Pool cleaning + filter", got.Title)
	assert.Equal(t, map[string]any{"price": "95.00"}, got.Attributes)
	// The base payload is untouched.
	assert.Equal(t, "80.00", base.Attributes["price"])
	assert.Equal(t, "gate code 1234", base.Attributes["notes"])
}

func TestSeries_CloneIsDeep(t *testing.T) {
	s := &Series{
		ID:         "s1",
		Payload:    Payload{Title: "Lawn", Attributes: map[string]any{"client": "c-1"}},
		Rule:       &Rule{Freq: Weekly, ByWeekday: []Weekday{Tuesday}},
		Exclusions: Exclusions{"2024-01-02T09:00": true},
	}
	start := At(time.Date(2024, 1, 9, 10, 0, 0, 0, time.UTC), "")
	s.Overrides.Set(time.Date(2024, 1, 9, 9, 0, 0, 0, time.UTC), Override{Start: &start})

	c := s.Clone()
	c.Payload.Attributes["client"] = "c-2"
	c.Rule.ByWeekday[0] = Friday
	c.Exclusions["2024-01-16T09:00"] = true
	c.Overrides["2024-01-09T09:00"].Start.Time = time.Time{}

	assert.Equal(t, "c-1", s.Payload.Attributes["client"])
	assert.Equal(t, Tuesday, s.Rule.ByWeekday[0])
	assert.Len(t, s.Exclusions, 1)
	assert.False(t, s.Overrides["2024-01-09T09:00"].Start.Time.IsZero())
}

func TestSeries_JSONKeepsOptionalTermination(t *testing.T) {
	until := time.Date(2024, 6, 30, 23, 59, 0, 0, time.UTC)
	s := Series{
		ID:         "s1",
		CalendarID: "cal",
		Start:      At(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC), "Europe/Berlin"),
		End:        At(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), "Europe/Berlin"),
		Rule:       &Rule{Freq: Monthly, ByMonthDay: -1, Until: mo.Some(until)},
	}

	raw, err := json.Marshal(s)
	require.NoError(t, err)

	var got Series
	require.NoError(t, json.Unmarshal(raw, &got))
	require.NotNil(t, got.Rule)
	gotUntil, ok := got.Rule.Until.Get()
	require.True(t, ok)
	assert.True(t, until.Equal(gotUntil))
	assert.False(t, got.Rule.Count.IsPresent())
	assert.Equal(t, "Europe/Berlin", got.Start.Zone)
}
