package ical

import (
	"fmt"
	"io"
	"strings"

	"github.com/beevik/etree"

	"github.com/fieldsvc/schedule/scheduler/series"
)

// XCalNamespace is the RFC 6321 namespace.
const XCalNamespace = "urn:ietf:params:xml:ns:icalendar-2.0"

const xcalLayout = "2006-01-02T15:04:05"

// EncodeXCal renders occurrences as an xCal document, one VEVENT per
// occurrence identified by its series UID and RECURRENCE-ID.
func EncodeXCal(occs []series.Occurrence) *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)

	root := doc.CreateElement("icalendar")
	root.CreateAttr("xmlns", XCalNamespace)
	vcal := root.CreateElement("vcalendar")
	props := vcal.CreateElement("properties")
	textProp(props, "version", "2.0")
	textProp(props, "prodid", productID)

	comps := vcal.CreateElement("components")
	for _, o := range occs {
		ev := comps.CreateElement("vevent").CreateElement("properties")
		textProp(ev, "uid", o.SeriesID)
		textProp(ev, "x-scheduler-calendar", o.CalendarID)
		textProp(ev, "x-scheduler-occurrence", o.ID)
		if gen, err := series.ParseKey(o.ID); err == nil {
			dateTimeProp(ev, "recurrence-id", series.Timestamp{Time: gen, Zone: o.Start.Zone})
		}
		dateTimeProp(ev, "dtstart", o.Start)
		dateTimeProp(ev, "dtend", o.End)
		textProp(ev, "summary", o.Payload.Title)
		if o.Status != "" {
			textProp(ev, "x-scheduler-status", string(o.Status))
		}
		if o.Status == series.StatusCanceled {
			textProp(ev, "status", "CANCELLED")
		}
	}
	return doc
}

// WriteXCal writes occurrences as an indented xCal document.
func WriteXCal(w io.Writer, occs []series.Occurrence) error {
	doc := EncodeXCal(occs)
	doc.Indent(2)
	if _, err := doc.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write xCal: %w", err)
	}
	return nil
}

// XCalString renders occurrences as an xCal string.
func XCalString(occs []series.Occurrence) (string, error) {
	var b strings.Builder
	if err := WriteXCal(&b, occs); err != nil {
		return "", err
	}
	return b.String(), nil
}

func textProp(parent *etree.Element, name, value string) {
	parent.CreateElement(name).CreateElement("text").SetText(value)
}

func dateTimeProp(parent *etree.Element, name string, ts series.Timestamp) {
	el := parent.CreateElement(name)
	if ts.Zone != "" {
		el.CreateElement("parameters").CreateElement("tzid").CreateElement("text").SetText(ts.Zone)
	}
	el.CreateElement("date-time").SetText(series.Floating(ts.Time).Format(xcalLayout))
}
