package ics

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"coursecal/internal/auth"
	"coursecal/internal/dateutil"
	"coursecal/internal/events"
	appLog "coursecal/internal/log"
	"coursecal/internal/model"
)

// Imported is one VEVENT turned into an event form. ExDates are the original
// starts of occurrences the calendar excluded; they become exceptions once the
// event exists.
type Imported struct {
	UID     string
	Form    events.Form
	ExDates []time.Time
}

// Parse reads an ICS payload. Events without a time, recurrence overrides
// (RECURRENCE-ID) and rules coarser than the four supported frequencies are
// skipped with a log line. defaultZone is used when DTSTART has no TZID.
func Parse(body []byte, defaultZone string) ([]Imported, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err)
		return nil, err
	}

	out := make([]Imported, 0)
	for _, ve := range cal.Events() {
		item, perr := parseVEvent(ve, defaultZone)
		if perr != nil {
			appLog.Warn("ics vevent skipped", "reason", perr.Error())
			continue
		}
		out = append(out, item)
	}

	appLog.Info("ics parse completed", "event_count", len(out))
	return out, nil
}

func parseVEvent(ve *ical.VEvent, defaultZone string) (Imported, error) {
	var out Imported

	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		out.UID = p.Value
	}
	if ve.GetProperty("RECURRENCE-ID") != nil {
		return out, errors.New("recurrence override " + out.UID)
	}

	zone := defaultZone
	allDay := false
	if p := ve.GetProperty(ical.ComponentPropertyDtStart); p != nil {
		if tz := p.ICalParameters["TZID"]; len(tz) > 0 && tz[0] != "" {
			zone = tz[0]
		}
		if vs := p.ICalParameters["VALUE"]; len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
			allDay = true
		}
		if !strings.Contains(p.Value, "T") {
			allDay = true
		}
	}
	loc := dateutil.LoadLocation(zone)

	start, err := ve.GetStartAt()
	if err != nil {
		return out, errors.New("missing DTSTART " + out.UID)
	}
	end, err := ve.GetEndAt()
	if err != nil || !end.After(start) {
		if allDay {
			end = start.AddDate(0, 0, 1)
		} else {
			end = start.Add(time.Hour)
		}
	}

	f := events.Form{
		Start:    dateutil.UTC(start).Format(time.RFC3339),
		End:      dateutil.UTC(end).Format(time.RFC3339),
		TimeZone: zone,
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		f.Title = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		f.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		f.Location = p.Value
	}
	if p := ve.GetProperty("URL"); p != nil {
		f.MeetingLink = p.Value
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil && p.Value != "" {
		opt, err := rrule.StrToROptionInLocation(p.Value, loc)
		if err != nil {
			return out, err
		}
		freq, ok := frequencyOf(opt.Freq)
		if !ok {
			return out, errors.New("unsupported RRULE frequency " + out.UID)
		}
		f.IsRecurring = true
		f.Frequency = string(freq)
		f.Interval = opt.Interval
		if f.Interval <= 0 {
			f.Interval = 1
		}
		f.Count = opt.Count
		if !opt.Until.IsZero() {
			f.RecurrenceEnd = dateutil.UTC(opt.Until).Format(time.RFC3339)
		}
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			if t, err := parseICSTime(part, loc); err == nil {
				out.ExDates = append(out.ExDates, dateutil.UTC(t))
			}
		}
	}

	out.Form = f
	return out, nil
}

func frequencyOf(f rrule.Frequency) (model.Frequency, bool) {
	switch f {
	case rrule.DAILY:
		return model.Daily, true
	case rrule.WEEKLY:
		return model.Weekly, true
	case rrule.MONTHLY:
		return model.Monthly, true
	case rrule.YEARLY:
		return model.Yearly, true
	}
	return "", false
}

// parseICSTime handles the basic DATE / DATE-TIME / UTC forms of EXDATE.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, dateutil.ErrEmptyTime
	}
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, loc)
	}
	return time.ParseInLocation("20060102", v, loc)
}

// Creator is the part of the event manager an import needs.
type Creator interface {
	CreateEvent(ctx context.Context, f events.Form, courseID string, role auth.Role) (model.Event, error)
	DeleteOccurrence(ctx context.Context, id string, at time.Time, role auth.Role) error
}

// Result counts what an import did.
type Result struct {
	Created    int
	Exceptions int
	Failed     int
}

// Import creates every item through c and records its EXDATEs as deleted
// occurrences. It keeps going after a failed item; the returned error is the
// first failure.
func Import(ctx context.Context, c Creator, items []Imported, courseID string, role auth.Role) (Result, error) {
	var res Result
	var first error

	for _, it := range items {
		ev, err := c.CreateEvent(ctx, it.Form, courseID, role)
		if err != nil {
			res.Failed++
			appLog.Error("ics import: create failed", err, "uid", it.UID, "title", it.Form.Title)
			if first == nil {
				first = err
			}
			if events.KindOf(err) == events.KindPermission {
				return res, err
			}
			continue
		}
		res.Created++

		for _, at := range it.ExDates {
			if err := c.DeleteOccurrence(ctx, ev.ID, at, role); err != nil {
				appLog.Error("ics import: exception failed", err, "event_id", ev.ID, "at", at)
				if first == nil {
					first = err
				}
				continue
			}
			res.Exceptions++
		}
	}

	appLog.Info("ics import done", "created", res.Created, "exceptions", res.Exceptions, "failed", res.Failed)
	return res, first
}
