package ical

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	goical "github.com/emersion/go-ical"

	"github.com/fieldsvc/schedule/scheduler/recurrence"
	"github.com/fieldsvc/schedule/scheduler/series"
)

var (
	ErrMissingUID       = errors.New("event has no UID")
	ErrDuplicateUID     = errors.New("duplicate master event")
	ErrDetachedInstance = errors.New("RECURRENCE-ID instance without master event")
)

// Import decodes an iCalendar stream into series. A non-empty calendarID
// overrides the calendar recorded in the stream.
func Import(r io.Reader, calendarID string) ([]*series.Series, error) {
	cal, err := goical.NewDecoder(r).Decode()
	if err != nil {
		return nil, fmt.Errorf("failed to decode calendar: %w", err)
	}
	return Decode(cal, calendarID)
}

// ImportString is Import from a string.
func ImportString(ics, calendarID string) ([]*series.Series, error) {
	return Import(strings.NewReader(ics), calendarID)
}

// Decode converts the VEVENTs of cal into validated series, in document order.
func Decode(cal *goical.Calendar, calendarID string) ([]*series.Series, error) {
	masters := make(map[string]*series.Series)
	var order []string
	var detached []goical.Event

	for _, ev := range cal.Events() {
		if ev.Props.Get(goical.PropRecurrenceID) != nil {
			detached = append(detached, ev)
			continue
		}
		s, err := decodeMaster(ev.Component, calendarID)
		if err != nil {
			return nil, err
		}
		if _, dup := masters[s.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateUID, s.ID)
		}
		masters[s.ID] = s
		order = append(order, s.ID)
	}

	for _, ev := range detached {
		uid, err := ev.Props.Text(goical.PropUID)
		if err != nil || uid == "" {
			return nil, ErrMissingUID
		}
		s, ok := masters[uid]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrDetachedInstance, uid)
		}
		if err := applyDetached(s, ev.Component); err != nil {
			return nil, fmt.Errorf("event %s: %w", uid, err)
		}
	}

	out := make([]*series.Series, 0, len(order))
	for _, id := range order {
		s := masters[id]
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("event %s: %w", id, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func decodeMaster(comp *goical.Component, calendarID string) (*series.Series, error) {
	uid, err := comp.Props.Text(goical.PropUID)
	if err != nil || uid == "" {
		return nil, ErrMissingUID
	}

	s := &series.Series{ID: uid, CalendarID: calendarID}
	if s.CalendarID == "" {
		s.CalendarID, _ = comp.Props.Text(propCalendar)
	}
	s.Payload.Title, _ = comp.Props.Text(goical.PropSummary)
	if s.Payload.Attributes, err = attributes(comp); err != nil {
		return nil, fmt.Errorf("event %s: %w", uid, err)
	}

	prop := comp.Props.Get(goical.PropDateTimeStart)
	if prop == nil {
		return nil, fmt.Errorf("event %s: %w", uid, series.ErrMissingStart)
	}
	if s.Start, err = wallClock(prop.Value, prop.Params.Get("TZID")); err != nil {
		return nil, fmt.Errorf("event %s: invalid DTSTART: %w", uid, err)
	}
	if s.End, err = endOf(comp, s.Start); err != nil {
		return nil, fmt.Errorf("event %s: %w", uid, err)
	}

	if prop := comp.Props.Get(goical.PropRecurrenceRule); prop != nil && prop.Value != "" {
		if s.Rule, err = recurrence.ParseRRule(prop.Value); err != nil {
			return nil, fmt.Errorf("event %s: %w", uid, err)
		}
	}

	for _, prop := range comp.Props[goical.PropExceptionDates] {
		for _, v := range strings.Split(prop.Value, ",") {
			if v = strings.TrimSpace(v); v == "" {
				continue
			}
			ts, err := wallClock(v, "")
			if err != nil {
				return nil, fmt.Errorf("event %s: invalid EXDATE %q: %w", uid, v, err)
			}
			s.Exclusions.Add(ts.Time)
		}
	}

	if comp.Props.Get(goical.PropCreated) != nil {
		s.CreatedAt, _ = comp.Props.DateTime(goical.PropCreated, time.UTC)
	}
	switch {
	case comp.Props.Get(goical.PropLastModified) != nil:
		s.UpdatedAt, _ = comp.Props.DateTime(goical.PropLastModified, time.UTC)
	case comp.Props.Get(goical.PropDateTimeStamp) != nil:
		s.UpdatedAt, _ = comp.Props.DateTime(goical.PropDateTimeStamp, time.UTC)
	}
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return s, nil
}

// applyDetached records a RECURRENCE-ID instance as an override of s. Only
// fields that differ from the generated occurrence are kept.
func applyDetached(s *series.Series, comp *goical.Component) error {
	prop := comp.Props.Get(goical.PropRecurrenceID)
	rid, err := wallClock(prop.Value, prop.Params.Get("TZID"))
	if err != nil {
		return fmt.Errorf("invalid RECURRENCE-ID: %w", err)
	}
	gen := rid.Time

	start := series.Timestamp{Time: gen, Zone: s.Start.Zone}
	if prop := comp.Props.Get(goical.PropDateTimeStart); prop != nil {
		if start, err = wallClock(prop.Value, zoneOr(prop.Params.Get("TZID"), s.Start.Zone)); err != nil {
			return fmt.Errorf("invalid DTSTART: %w", err)
		}
	}
	end, err := endOf(comp, series.Timestamp{Time: start.Time.Add(s.Duration()), Zone: s.End.Zone})
	if err != nil {
		return err
	}

	var ov series.Override
	if !start.Time.Equal(gen) {
		ov.Start = &start
	}
	if !end.Time.Equal(start.Time.Add(s.Duration())) {
		ov.End = &end
	}

	var patch series.PayloadPatch
	if title, _ := comp.Props.Text(goical.PropSummary); comp.Props.Get(goical.PropSummary) != nil && title != s.Payload.Title {
		patch.Title = &title
	}
	if patch.Attributes, err = attributes(comp); err != nil {
		return err
	}
	if patch.Title != nil || len(patch.Attributes) > 0 {
		ov.Payload = &patch
	}

	if status, _ := comp.Props.Text(propStatus); status != "" {
		ov.Status = series.Status(status)
	} else if status, _ := comp.Props.Text(goical.PropStatus); strings.EqualFold(status, "CANCELLED") {
		ov.Status = series.StatusCanceled
	}

	s.Overrides.Set(gen, ov)
	return nil
}

// endOf reads DTEND or DURATION; fallback is used when neither is present.
func endOf(comp *goical.Component, fallback series.Timestamp) (series.Timestamp, error) {
	if prop := comp.Props.Get(goical.PropDateTimeEnd); prop != nil {
		ts, err := wallClock(prop.Value, zoneOr(prop.Params.Get("TZID"), fallback.Zone))
		if err != nil {
			return ts, fmt.Errorf("invalid DTEND: %w", err)
		}
		return ts, nil
	}
	if prop := comp.Props.Get(goical.PropDuration); prop != nil {
		d, err := prop.Duration()
		if err != nil {
			return fallback, fmt.Errorf("invalid DURATION: %w", err)
		}
		start := comp.Props.Get(goical.PropDateTimeStart)
		if start == nil {
			return fallback, nil
		}
		ts, err := wallClock(start.Value, zoneOr(start.Params.Get("TZID"), fallback.Zone))
		if err != nil {
			return fallback, err
		}
		return series.Timestamp{Time: ts.Time.Add(d), Zone: ts.Zone}, nil
	}
	return fallback, nil
}

// wallClock parses a DATE or DATE-TIME value as floating time. UTC values keep
// their wall clock and are tagged "UTC" when no zone is given.
func wallClock(value, zone string) (series.Timestamp, error) {
	value = strings.TrimSpace(value)
	var t time.Time
	var err error
	switch {
	case strings.HasSuffix(value, "Z"):
		t, err = time.Parse(utcLayout, value)
		zone = zoneOr(zone, "UTC")
	case len(value) == len(dateLayout):
		t, err = time.Parse(dateLayout, value)
	default:
		t, err = time.Parse(localLayout, value)
	}
	if err != nil {
		return series.Timestamp{}, err
	}
	return series.At(t, zone), nil
}

func attributes(comp *goical.Component) (map[string]any, error) {
	raw, _ := comp.Props.Text(propAttributes)
	if raw == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", propAttributes, err)
	}
	return out, nil
}

func zoneOr(zone, fallback string) string {
	if zone != "" {
		return zone
	}
	return fallback
}
