package model

import (
	"strings"
	"time"
)

// Frequency is the unit a recurrence rule steps by.
type Frequency string

const (
	Daily   Frequency = "DAILY"
	Weekly  Frequency = "WEEKLY"
	Monthly Frequency = "MONTHLY"
	Yearly  Frequency = "YEARLY"
)

// ParseFrequency is case-insensitive. Unknown values come back as-is so the
// expander can apply its daily fallback.
func ParseFrequency(s string) Frequency {
	return Frequency(strings.ToUpper(strings.TrimSpace(s)))
}

// Valid reports whether f is one of the four supported frequencies.
func (f Frequency) Valid() bool {
	switch f {
	case Daily, Weekly, Monthly, Yearly:
		return true
	}
	return false
}

// RecurrenceRule governs generation for a recurring Event. EndDate and Count
// are independent stop conditions; whichever is reached first wins.
type RecurrenceRule struct {
	Frequency Frequency
	Interval  int
	EndDate   *time.Time
	Count     int
}

// OccurrenceSpan is one server-materialized occurrence.
type OccurrenceSpan struct {
	StartTime time.Time
	EndTime   time.Time
}

// Event is a schedulable calendar item as known by the LMS backend.
// StartTime/EndTime are UTC and define the base occurrence.
type Event struct {
	ID          string
	Title       string
	Description string

	StartTime time.Time
	EndTime   time.Time

	// TimeZone is used for display formatting only.
	TimeZone string

	Location    string
	MeetingLink string

	IsRecurring    bool
	RecurrenceRule *RecurrenceRule

	// Occurrences, when non-empty, take precedence over rule-based generation.
	Occurrences []OccurrenceSpan

	CourseID string
}

func (e *Event) Duration() time.Duration {
	return e.EndTime.Sub(e.StartTime)
}

// Saved reports whether the backend has assigned an id.
func (e *Event) Saved() bool {
	return e.ID != ""
}

// Occurrence is a concrete instance of an Event, computed on read.
type Occurrence struct {
	StartTime time.Time
	EndTime   time.Time

	// IsOccurrence is false when the occurrence is a non-recurring event itself.
	IsOccurrence bool

	// Display is StartTime formatted in the event's zone.
	Display string

	// Original points back at the event this occurrence was generated from.
	// It is for edit/delete routing and must not be mutated.
	Original *Event
}

// InstanceKey identifies one occurrence of one event.
func (o Occurrence) InstanceKey() string {
	id := ""
	if o.Original != nil {
		id = o.Original.ID
	}
	return id + "@" + o.StartTime.UTC().Format(time.RFC3339)
}

// RecurrenceException marks one occurrence (by its original start) as deleted.
type RecurrenceException struct {
	ID             string
	EventID        string
	OccurrenceDate time.Time
	Restored       bool
}

// Window is a half-open [Start, End) time range.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Overlaps reports whether [start, end) intersects the window.
func (w Window) Overlaps(start, end time.Time) bool {
	return start.Before(w.End) && end.After(w.Start)
}
