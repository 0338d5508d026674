// Package ics converts between the calendar's occurrences and iCalendar
// documents: an export feed for calendar apps and an importer that turns a
// .ics file into events.
package ics

import (
	"time"

	ical "github.com/arran4/golang-ical"

	"coursecal/internal/model"
)

const productID = "-//coursecal//calendar feed//EN"

// Export renders occurrences as a VCALENDAR with one VEVENT per occurrence.
// Recurring series are flattened: the feed mirrors what the console shows,
// exceptions included.
func Export(occ []model.Occurrence, name string, stamp time.Time) string {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	if name != "" {
		cal.SetName(name)
		cal.SetXWRCalName(name)
	}

	for _, o := range occ {
		if o.Original == nil {
			continue
		}
		ev := o.Original

		ve := cal.AddEvent(uid(o))
		ve.SetDtStampTime(stamp.UTC())
		ve.SetStartAt(o.StartTime.UTC())
		ve.SetEndAt(o.EndTime.UTC())
		ve.SetSummary(ev.Title)
		if ev.Description != "" {
			ve.SetDescription(ev.Description)
		}
		if ev.Location != "" {
			ve.SetLocation(ev.Location)
		}
		if ev.MeetingLink != "" {
			ve.SetURL(ev.MeetingLink)
		}
	}

	return cal.Serialize()
}

// uid is stable across exports so calendar apps update instead of
// duplicating.
func uid(o model.Occurrence) string {
	return o.InstanceKey() + "@coursecal"
}
