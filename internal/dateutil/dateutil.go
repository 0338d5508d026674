// Package dateutil holds the small time helpers shared by the expander, the
// event forms and the console views. Recurrence math is done in UTC; zones
// only matter for parsing form input and for display.
package dateutil

import (
	"errors"
	"strings"
	"time"

	appLog "coursecal/internal/log"
)

// DisplayLayout is the human-readable format attached to occurrences.
const DisplayLayout = "Mon, Jan 2, 2006 3:04 PM MST"

// localLayouts are the accepted shapes of form date-time input.
var localLayouts = []string{
	"2006-01-02T15:04",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
}

var ErrEmptyTime = errors.New("empty time value")

// UTC strips the location and monotonic reading from t.
func UTC(t time.Time) time.Time {
	return t.UTC().Round(0)
}

// LoadLocation resolves an IANA zone name. Empty or unknown names fall back to
// UTC; unknown names are logged.
func LoadLocation(name string) *time.Location {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Error("unknown timezone; falling back to UTC", err, "name", name)
		return time.UTC
	}
	return loc
}

// ParseLocal parses a form value in the given zone and returns it in UTC.
// RFC3339 input carries its own offset and ignores zone.
func ParseLocal(value, zone string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, ErrEmptyTime
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return UTC(t), nil
	}

	loc := LoadLocation(zone)
	var lastErr error
	for _, layout := range localLayouts {
		t, err := time.ParseInLocation(layout, value, loc)
		if err == nil {
			return UTC(t), nil
		}
		lastErr = err
	}

	// Date only: midnight in the zone.
	if t, err := time.ParseInLocation("2006-01-02", value, loc); err == nil {
		return UTC(t), nil
	}
	return time.Time{}, lastErr
}

// DaysIn returns the number of days of month m in year y.
func DaysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// AddMonthsClamped moves t by n calendar months keeping the day of month,
// clamped to the length of the target month (Jan 31 + 1 month = Feb 28/29).
func AddMonthsClamped(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m, 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	first = first.AddDate(0, n, 0)
	if max := DaysIn(first.Year(), first.Month()); d > max {
		d = max
	}
	return first.AddDate(0, 0, d-1)
}

// AddYearsClamped is AddMonthsClamped by 12·n months (Feb 29 + 1 year = Feb 28).
func AddYearsClamped(t time.Time, n int) time.Time {
	return AddMonthsClamped(t, 12*n)
}

// DefaultRecurrenceEnd is the end date used when recurrence is enabled without
// an explicit end date.
func DefaultRecurrenceEnd(start time.Time) time.Time {
	return AddYearsClamped(UTC(start), 1)
}

// FormatDisplay renders t in zone for UI labels.
func FormatDisplay(t time.Time, zone string) string {
	return t.In(LoadLocation(zone)).Format(DisplayLayout)
}

// ISO is the wire format for timestamps sent to the backend.
func ISO(t time.Time) string {
	return UTC(t).Format("2006-01-02T15:04:05.000Z")
}
