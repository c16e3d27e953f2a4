// Package ical converts series to and from iCalendar (RFC 5545) and renders
// materialized occurrences as xCal (RFC 6321).
//
// A series becomes one master VEVENT carrying DTSTART/DTEND, RRULE and EXDATE,
// plus one VEVENT per override identified by RECURRENCE-ID. Wall-clock times
// are written without a UTC designator; the zone tag travels as TZID and is
// never used for conversion.
package ical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	goical "github.com/emersion/go-ical"

	"github.com/fieldsvc/schedule/scheduler/recurrence"
	"github.com/fieldsvc/schedule/scheduler/series"
)

const (
	productID = "-//fieldsvc//Schedule//EN"

	localLayout = "20060102T150405"
	utcLayout   = "20060102T150405Z"
	dateLayout  = "20060102"

	propCalendar   = "X-SCHEDULER-CALENDAR"
	propAttributes = "X-SCHEDULER-ATTRIBUTES"
	propStatus     = "X-SCHEDULER-STATUS"
)

// Encode builds a VCALENDAR holding every series in list.
func Encode(list ...*series.Series) (*goical.Calendar, error) {
	cal := goical.NewCalendar()
	cal.Props.SetText(goical.PropVersion, "2.0")
	cal.Props.SetText(goical.PropProductID, productID)

	for _, s := range list {
		comps, err := seriesComponents(s)
		if err != nil {
			return nil, fmt.Errorf("failed to encode series %s: %w", s.ID, err)
		}
		cal.Children = append(cal.Children, comps...)
	}
	return cal, nil
}

// Export writes list as an iCalendar stream.
func Export(w io.Writer, list ...*series.Series) error {
	cal, err := Encode(list...)
	if err != nil {
		return err
	}
	if err := goical.NewEncoder(w).Encode(cal); err != nil {
		return fmt.Errorf("failed to encode calendar: %w", err)
	}
	return nil
}

// ExportString is Export into a string.
func ExportString(list ...*series.Series) (string, error) {
	var buf bytes.Buffer
	if err := Export(&buf, list...); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func seriesComponents(s *series.Series) ([]*goical.Component, error) {
	master := goical.NewEvent()
	setCommon(master.Component, s)
	master.Props.SetText(goical.PropSummary, s.Payload.Title)
	setWallClock(master.Component, goical.PropDateTimeStart, s.Start)
	setWallClock(master.Component, goical.PropDateTimeEnd, s.End)
	if err := setAttributes(master.Component, s.Payload.Attributes); err != nil {
		return nil, err
	}
	if !s.CreatedAt.IsZero() {
		master.Props.SetDateTime(goical.PropCreated, s.CreatedAt.UTC())
	}
	if !s.UpdatedAt.IsZero() {
		master.Props.SetDateTime(goical.PropLastModified, s.UpdatedAt.UTC())
	}

	if s.Recurring() {
		rule, err := recurrence.FormatRRule(s.Rule)
		if err != nil {
			return nil, err
		}
		prop := goical.NewProp(goical.PropRecurrenceRule)
		prop.Value = rule
		master.Props.Set(prop)
	}

	if keys := s.Exclusions.Keys(); len(keys) > 0 {
		values := make([]string, 0, len(keys))
		for _, k := range keys {
			t, err := series.ParseKey(k)
			if err != nil {
				return nil, err
			}
			values = append(values, t.Format(localLayout))
		}
		prop := goical.NewProp(goical.PropExceptionDates)
		prop.Value = strings.Join(values, ",")
		if s.Start.Zone != "" {
			prop.Params = goical.Params{"TZID": []string{s.Start.Zone}}
		}
		master.Props.Set(prop)
	}

	out := []*goical.Component{master.Component}
	for _, k := range s.Overrides.Keys() {
		gen, err := series.ParseKey(k)
		if err != nil {
			return nil, err
		}
		comp, err := overrideComponent(s, gen, s.Overrides[k])
		if err != nil {
			return nil, err
		}
		out = append(out, comp)
	}
	return out, nil
}

// overrideComponent renders the resolved occurrence at gen as a detached
// instance of the master event.
func overrideComponent(s *series.Series, gen time.Time, ov series.Override) (*goical.Component, error) {
	occ, _ := recurrence.Resolve(s, gen)

	event := goical.NewEvent()
	setCommon(event.Component, s)
	setWallClock(event.Component, goical.PropRecurrenceID, series.Timestamp{Time: gen, Zone: s.Start.Zone})
	setWallClock(event.Component, goical.PropDateTimeStart, occ.Start)
	setWallClock(event.Component, goical.PropDateTimeEnd, occ.End)
	event.Props.SetText(goical.PropSummary, occ.Payload.Title)
	if ov.Payload != nil {
		if err := setAttributes(event.Component, ov.Payload.Attributes); err != nil {
			return nil, err
		}
	}
	if ov.Status != "" {
		event.Props.SetText(propStatus, string(ov.Status))
		if ov.Status == series.StatusCanceled {
			event.Props.SetText(goical.PropStatus, "CANCELLED")
		}
	}
	return event.Component, nil
}

func setCommon(comp *goical.Component, s *series.Series) {
	comp.Props.SetText(goical.PropUID, s.ID)
	comp.Props.SetText(propCalendar, s.CalendarID)
	stamp := s.UpdatedAt
	if stamp.IsZero() {
		stamp = time.Now()
	}
	comp.Props.SetDateTime(goical.PropDateTimeStamp, stamp.UTC())
}

func setWallClock(comp *goical.Component, name string, ts series.Timestamp) {
	prop := goical.NewProp(name)
	prop.Value = series.Floating(ts.Time).Format(localLayout)
	if ts.Zone != "" {
		prop.Params = goical.Params{"TZID": []string{ts.Zone}}
	}
	comp.Props.Set(prop)
}

func setAttributes(comp *goical.Component, attrs map[string]any) error {
	if len(attrs) == 0 {
		return nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}
	comp.Props.SetText(propAttributes, string(data))
	return nil
}
