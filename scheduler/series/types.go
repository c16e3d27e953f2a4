package series

import (
	"maps"
	"slices"
	"time"

	"github.com/samber/mo"
)

// Frequency is the recurrence period of a Rule.
type Frequency string

const (
	Daily   Frequency = "DAILY"
	Weekly  Frequency = "WEEKLY"
	Monthly Frequency = "MONTHLY"
	Yearly  Frequency = "YEARLY"
)

// Valid reports whether f is one of the supported frequencies.
func (f Frequency) Valid() bool {
	switch f {
	case Daily, Weekly, Monthly, Yearly:
		return true
	default:
		return false
	}
}

// Weekday is a two-letter weekday code as used in RRULE BYDAY values.
type Weekday string

const (
	Monday    Weekday = "MO"
	Tuesday   Weekday = "TU"
	Wednesday Weekday = "WE"
	Thursday  Weekday = "TH"
	Friday    Weekday = "FR"
	Saturday  Weekday = "SA"
	Sunday    Weekday = "SU"
)

var weekdayCodes = map[Weekday]time.Weekday{
	Monday:    time.Monday,
	Tuesday:   time.Tuesday,
	Wednesday: time.Wednesday,
	Thursday:  time.Thursday,
	Friday:    time.Friday,
	Saturday:  time.Saturday,
	Sunday:    time.Sunday,
}

// Time converts the code to a time.Weekday.
func (w Weekday) Time() (time.Weekday, bool) {
	wd, ok := weekdayCodes[w]
	return wd, ok
}

// WeekdayOf returns the code for a time.Weekday.
func WeekdayOf(wd time.Weekday) Weekday {
	for code, v := range weekdayCodes {
		if v == wd {
			return code
		}
	}
	return ""
}

// Rule is the recurrence grammar of a Series.
//
// Interval 0 means "unset" and behaves as 1, so Validate only rejects negative
// intervals; a stored rule omits the field when it is 1. ByMonthDay 0 and
// BySetPosition 0 are unset as well. At most one of Until and Count may be
// present.
type Rule struct {
	Freq          Frequency            `json:"freq"`
	Interval      int                  `json:"interval,omitempty"`
	ByWeekday     []Weekday            `json:"byWeekday,omitempty"`
	ByMonthDay    int                  `json:"byMonthDay,omitempty"`
	BySetPosition int                  `json:"bySetPosition,omitempty"`
	Until         mo.Option[time.Time] `json:"until"`
	Count         mo.Option[int]       `json:"count"`
}

// Step returns the effective interval.
func (r *Rule) Step() int {
	if r.Interval == 0 {
		return 1
	}
	return r.Interval
}

// Clone returns a deep copy of the rule. A nil rule clones to nil.
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	c := *r
	c.ByWeekday = slices.Clone(r.ByWeekday)
	return &c
}

// Timestamp is a floating wall-clock instant plus the zone tag it was authored in.
// The tag is carried verbatim; no conversion is ever applied.
type Timestamp struct {
	Time time.Time `json:"timestamp"`
	Zone string    `json:"zoneTag,omitempty"`
}

// At builds a Timestamp from the wall clock of t.
func At(t time.Time, zone string) Timestamp {
	return Timestamp{Time: Floating(t), Zone: zone}
}

// Floating re-expresses the wall clock of t in UTC so that arithmetic and
// comparisons never depend on a location's offset rules.
func Floating(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()
	return time.Date(y, m, d, hh, mm, ss, t.Nanosecond(), time.UTC)
}

// Payload is the domain part of a series: a title plus opaque attributes
// (address, client, price, notes...) that the engine never interprets.
type Payload struct {
	Title      string         `json:"title"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Clone returns a copy with its own attribute map.
func (p Payload) Clone() Payload {
	p.Attributes = maps.Clone(p.Attributes)
	return p
}

// PayloadPatch is a partial payload update. Attributes are merged key by key;
// a nil attribute value removes the key.
type PayloadPatch struct {
	Title      *string        `json:"title,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Apply returns p with the patch merged on top of it.
func (p Payload) Apply(patch *PayloadPatch) Payload {
	out := p.Clone()
	if patch == nil {
		return out
	}
	if patch.Title != nil {
		out.Title = *patch.Title
	}
	for k, v := range patch.Attributes {
		if v == nil {
			delete(out.Attributes, k)
			continue
		}
		if out.Attributes == nil {
			out.Attributes = make(map[string]any)
		}
		out.Attributes[k] = v
	}
	return out
}

// Status is the lifecycle state of a single occurrence.
type Status string

const (
	StatusScheduled   Status = "scheduled"
	StatusRescheduled Status = "rescheduled"
	StatusCompleted   Status = "completed"
	StatusCanceled    Status = "canceled"
)

// Override is a per-occurrence patch superseding generated fields.
type Override struct {
	Start   *Timestamp    `json:"start,omitempty"`
	End     *Timestamp    `json:"end,omitempty"`
	Payload *PayloadPatch `json:"payload,omitempty"`
	Status  Status        `json:"status,omitempty"`
}

// Series is a recurring-event definition: an anchor occurrence, an optional rule
// and the per-occurrence exceptions keyed by occurrence id.
type Series struct {
	ID         string     `json:"id"`
	CalendarID string     `json:"calendarId"`
	Payload    Payload    `json:"payload"`
	Start      Timestamp  `json:"start"`
	End        Timestamp  `json:"end"`
	Rule       *Rule      `json:"rule"`
	Exclusions Exclusions `json:"exclusions,omitempty"`
	Overrides  Overrides  `json:"overrides,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Recurring reports whether the series carries a rule.
func (s *Series) Recurring() bool { return s.Rule != nil }

// Duration is the length of every generated occurrence.
func (s *Series) Duration() time.Duration { return s.End.Time.Sub(s.Start.Time) }

// Clone returns a deep copy of the series.
func (s *Series) Clone() *Series {
	c := *s
	c.Payload = s.Payload.Clone()
	c.Rule = s.Rule.Clone()
	c.Exclusions = maps.Clone(s.Exclusions)
	if s.Overrides != nil {
		c.Overrides = make(Overrides, len(s.Overrides))
		for k, o := range s.Overrides {
			c.Overrides[k] = o.Clone()
		}
	}
	return &c
}

// Clone returns a deep copy of the override.
func (o Override) Clone() Override {
	if o.Start != nil {
		v := *o.Start
		o.Start = &v
	}
	if o.End != nil {
		v := *o.End
		o.End = &v
	}
	if o.Payload != nil {
		p := *o.Payload
		p.Attributes = maps.Clone(o.Payload.Attributes)
		if o.Payload.Title != nil {
			t := *o.Payload.Title
			p.Title = &t
		}
		o.Payload = &p
	}
	return o
}

// Occurrence is one materialized instance of a Series. It is a derived record:
// recomputing it from the series and a window always yields the same value.
type Occurrence struct {
	ID         string    `json:"occurrenceId"`
	SeriesID   string    `json:"seriesId"`
	CalendarID string    `json:"calendarId"`
	Start      Timestamp `json:"start"`
	End        Timestamp `json:"end"`
	Status     Status    `json:"status"`
	Payload    Payload   `json:"payload"`
	// SeriesVersion is the series' UpdatedAt at generation time.
	SeriesVersion time.Time `json:"seriesVersion"`
}
