package api

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"coursecal/internal/dateutil"
	appLog "coursecal/internal/log"
	"coursecal/internal/model"
)

// The backend is loose about field names (id/_id, courseId/course_id,
// course objects vs ids, camelCase vs snake_case). This file is the only place
// that knows about those variants.

var (
	ErrMissingID   = errors.New("event has no id")
	ErrMissingTime = errors.New("event has no start/end time")
)

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// courseRef is either an id or an object carrying one.
type courseRef string

func (c *courseRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '{' {
		var obj struct {
			ID      flexString `json:"id"`
			MongoID flexString `json:"_id"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		*c = courseRef(firstNonEmpty(string(obj.ID), string(obj.MongoID)))
		return nil
	}
	var s flexString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	*c = courseRef(s)
	return nil
}

type wireRule struct {
	Frequency string     `json:"frequency"`
	Interval  flexString `json:"interval"`
	EndDate   string     `json:"endDate"`
	EndDateS  string     `json:"end_date"`
	Count     flexString `json:"count"`
}

type wireSpan struct {
	StartTime  string `json:"startTime"`
	StartTimeS string `json:"start_time"`
	EndTime    string `json:"endTime"`
	EndTimeS   string `json:"end_time"`
}

type wireEvent struct {
	ID      flexString `json:"id"`
	MongoID flexString `json:"_id"`

	Title       string `json:"title"`
	Description string `json:"description"`

	StartTime  string `json:"startTime"`
	StartTimeS string `json:"start_time"`
	EndTime    string `json:"endTime"`
	EndTimeS   string `json:"end_time"`

	TimeZone  string `json:"timeZone"`
	TimeZoneS string `json:"time_zone"`

	Location     string `json:"location"`
	MeetingLink  string `json:"meetingLink"`
	MeetingLinkS string `json:"meeting_link"`

	IsRecurring  *bool     `json:"isRecurring"`
	IsRecurringS *bool     `json:"is_recurring"`
	Rule         *wireRule `json:"recurrenceRule"`
	RuleS        *wireRule `json:"recurrence_rule"`

	Occurrences []wireSpan `json:"occurrences"`

	CourseID  courseRef `json:"courseId"`
	CourseIDS courseRef `json:"course_id"`
	Course    courseRef `json:"course"`
}

type wireException struct {
	ID             flexString `json:"id"`
	MongoID        flexString `json:"_id"`
	EventID        flexString `json:"eventId"`
	EventIDS       flexString `json:"event_id"`
	OccurrenceDate string     `json:"occurrenceDate"`
	OccurrenceDtS  string     `json:"occurrence_date"`
	IsRestored     bool       `json:"isRestored"`
}

type exceptionPayload struct {
	OccurrenceDate string `json:"occurrenceDate"`
}

// RulePayload is the recurrence rule as the backend expects it.
type RulePayload struct {
	Frequency string `json:"frequency"`
	Interval  int    `json:"interval"`
	EndDate   string `json:"endDate,omitempty"`
	Count     int    `json:"count,omitempty"`
}

// EventPayload is the body of create and update requests. Timestamps are
// ISO-8601 UTC.
type EventPayload struct {
	Title          string       `json:"title"`
	Description    string       `json:"description"`
	StartTime      string       `json:"startTime"`
	EndTime        string       `json:"endTime"`
	TimeZone       string       `json:"timeZone,omitempty"`
	Location       string       `json:"location"`
	MeetingLink    string       `json:"meetingLink"`
	IsRecurring    bool         `json:"isRecurring"`
	RecurrenceRule *RulePayload `json:"recurrenceRule,omitempty"`
	CourseID       string       `json:"courseId,omitempty"`
}

func (w wireEvent) toModel() (model.Event, error) {
	ev := model.Event{
		ID:          firstNonEmpty(string(w.ID), string(w.MongoID)),
		Title:       strings.TrimSpace(w.Title),
		Description: w.Description,
		TimeZone:    firstNonEmpty(w.TimeZone, w.TimeZoneS),
		Location:    w.Location,
		MeetingLink: firstNonEmpty(w.MeetingLink, w.MeetingLinkS),
		CourseID:    firstNonEmpty(string(w.CourseID), string(w.CourseIDS), string(w.Course)),
	}
	if ev.ID == "" {
		return model.Event{}, ErrMissingID
	}

	start, err := parseWireTime(firstNonEmpty(w.StartTime, w.StartTimeS))
	if err != nil {
		return model.Event{}, errors.Wrapf(ErrMissingTime, "event %s: start", ev.ID)
	}
	end, err := parseWireTime(firstNonEmpty(w.EndTime, w.EndTimeS))
	if err != nil {
		return model.Event{}, errors.Wrapf(ErrMissingTime, "event %s: end", ev.ID)
	}
	ev.StartTime, ev.EndTime = start, end

	rule := w.Rule
	if rule == nil {
		rule = w.RuleS
	}
	switch {
	case w.IsRecurring != nil:
		ev.IsRecurring = *w.IsRecurring
	case w.IsRecurringS != nil:
		ev.IsRecurring = *w.IsRecurringS
	default:
		ev.IsRecurring = rule != nil
	}

	if rule != nil {
		r := &model.RecurrenceRule{
			Frequency: model.ParseFrequency(rule.Frequency),
			Interval:  atoiOr(string(rule.Interval), 1),
			Count:     atoiOr(string(rule.Count), 0),
		}
		if s := firstNonEmpty(rule.EndDate, rule.EndDateS); s != "" {
			if t, err := parseWireTime(s); err == nil {
				r.EndDate = &t
			} else {
				appLog.Warn("api: ignoring unparsable recurrence end date", "event_id", ev.ID, "value", s)
			}
		}
		ev.RecurrenceRule = r
	}

	for _, sp := range w.Occurrences {
		s, serr := parseWireTime(firstNonEmpty(sp.StartTime, sp.StartTimeS))
		e, eerr := parseWireTime(firstNonEmpty(sp.EndTime, sp.EndTimeS))
		if serr != nil || eerr != nil {
			appLog.Warn("api: skipping malformed occurrence", "event_id", ev.ID)
			continue
		}
		ev.Occurrences = append(ev.Occurrences, model.OccurrenceSpan{StartTime: s, EndTime: e})
	}

	return ev, nil
}

// decodeEvents maps a list, dropping (and logging) entries that cannot be
// understood.
func decodeEvents(raw []wireEvent) []model.Event {
	out := make([]model.Event, 0, len(raw))
	for i, w := range raw {
		ev, err := w.toModel()
		if err != nil {
			appLog.Error("api: rejecting unrecognized event shape", err, "index", i)
			continue
		}
		out = append(out, ev)
	}
	return out
}

func decodeExceptions(eventID string, raw []wireException) []model.RecurrenceException {
	out := make([]model.RecurrenceException, 0, len(raw))
	for i, w := range raw {
		at, err := parseWireTime(firstNonEmpty(w.OccurrenceDate, w.OccurrenceDtS))
		if err != nil {
			appLog.Error("api: rejecting exception without occurrence date", err, "event_id", eventID, "index", i)
			continue
		}
		out = append(out, model.RecurrenceException{
			ID:             firstNonEmpty(string(w.ID), string(w.MongoID)),
			EventID:        firstNonEmpty(string(w.EventID), string(w.EventIDS), eventID),
			OccurrenceDate: at,
			Restored:       w.IsRestored,
		})
	}
	return out
}

func parseWireTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, dateutil.ErrEmptyTime
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z0700", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return dateutil.UTC(t), nil
		}
	}
	return time.Time{}, errors.Errorf("unrecognized timestamp %q", s)
}

func atoiOr(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return n
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
