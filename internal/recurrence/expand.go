// Package recurrence turns an event definition plus its exception list into
// concrete occurrences. Everything here is pure: no clock reads, no I/O, no
// retained iterator state.
package recurrence

import (
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	"coursecal/internal/dateutil"
	appLog "coursecal/internal/log"
	"coursecal/internal/model"
)

// DefaultMaxOccurrences bounds generation for "upcoming" views.
//
// A rule with neither Count nor EndDate never terminates on its own; this cap
// is the only thing that stops it, and that is intended.
const DefaultMaxOccurrences = 30

// MaxSeriesOccurrences is the ceiling on any generated series. An explicit
// Count overrides maxOccurrences but never this.
const MaxSeriesOccurrences = 1000

// ExceptionSet holds the original start timestamps of deleted occurrences.
type ExceptionSet map[int64]struct{}

func exceptionKey(t time.Time) int64 {
	return t.UTC().Truncate(time.Millisecond).UnixMilli()
}

// NewExceptionSet builds a set from backend exception records. Records that
// are flagged as restored do not exclude anything.
func NewExceptionSet(excs []model.RecurrenceException) ExceptionSet {
	set := make(ExceptionSet, len(excs))
	for _, ex := range excs {
		if ex.Restored {
			continue
		}
		set.Add(ex.OccurrenceDate)
	}
	return set
}

func (s ExceptionSet) Add(t time.Time) {
	s[exceptionKey(t)] = struct{}{}
}

func (s ExceptionSet) Remove(t time.Time) {
	delete(s, exceptionKey(t))
}

func (s ExceptionSet) Clone() ExceptionSet {
	out := make(ExceptionSet, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

func (s ExceptionSet) Has(t time.Time) bool {
	if s == nil {
		return false
	}
	_, ok := s[exceptionKey(t)]
	return ok
}

// Expand returns the occurrences of ev that start at or after referenceTime,
// in start order, skipping those whose original start is in exceptions.
//
//   - non-recurring: the event itself, or nothing if it already started
//   - recurring with server occurrences: those, verbatim
//   - recurring otherwise: generated from the rule; a rule without Count
//     stops after maxOccurrences candidates counted from the series start
//
// maxOccurrences <= 0 means DefaultMaxOccurrences.
func Expand(ev model.Event, exceptions ExceptionSet, maxOccurrences int, referenceTime time.Time) []model.Occurrence {
	if maxOccurrences <= 0 {
		maxOccurrences = DefaultMaxOccurrences
	}

	loc := dateutil.LoadLocation(ev.TimeZone)
	if !ev.IsRecurring {
		if ev.StartTime.Before(referenceTime) {
			return nil
		}
		return []model.Occurrence{makeOccurrence(&ev, loc, ev.StartTime, ev.EndTime, false)}
	}

	spans := candidates(ev, maxOccurrences)

	out := make([]model.Occurrence, 0, len(spans))
	for _, sp := range spans {
		if exceptions.Has(sp.StartTime) {
			continue
		}
		if sp.StartTime.Before(referenceTime) {
			continue
		}
		out = append(out, makeOccurrence(&ev, loc, sp.StartTime, sp.EndTime, true))
	}
	return out
}

// Between returns the occurrences of ev overlapping window, for calendar
// grids. Unlike Expand the cap applies to the window, not to the series, so a
// month far from the series start is still filled.
func Between(ev model.Event, exceptions ExceptionSet, window model.Window, maxOccurrences int) []model.Occurrence {
	if maxOccurrences <= 0 {
		maxOccurrences = DefaultMaxOccurrences
	}

	loc := dateutil.LoadLocation(ev.TimeZone)
	if !ev.IsRecurring {
		if !window.Overlaps(ev.StartTime, ev.EndTime) {
			return nil
		}
		return []model.Occurrence{makeOccurrence(&ev, loc, ev.StartTime, ev.EndTime, false)}
	}

	var spans []model.OccurrenceSpan
	if len(ev.Occurrences) > 0 {
		spans = sortedSpans(ev.Occurrences)
	} else {
		sr, err := buildRule(ev, 0)
		if err != nil {
			appLog.Error("recurrence: invalid rule", err, "event_id", ev.ID)
			return nil
		}
		dur := ev.Duration()
		// An occurrence that started before the window may still overlap it.
		for _, start := range sr.between(window.Start.Add(-dur), window.End) {
			spans = append(spans, model.OccurrenceSpan{StartTime: start, EndTime: start.Add(dur)})
		}
	}

	out := make([]model.Occurrence, 0)
	for _, sp := range spans {
		if exceptions.Has(sp.StartTime) || !window.Overlaps(sp.StartTime, sp.EndTime) {
			continue
		}
		if len(out) == maxOccurrences {
			appLog.Warn("recurrence: window truncated at cap", "event_id", ev.ID, "cap", maxOccurrences)
			break
		}
		out = append(out, makeOccurrence(&ev, loc, sp.StartTime, sp.EndTime, true))
	}
	return out
}

// ExpandAll expands every event and merges the results by start time.
// exceptions is keyed by event id.
func ExpandAll(events []model.Event, exceptions map[string]ExceptionSet, maxOccurrences int, referenceTime time.Time) []model.Occurrence {
	all := make([]model.Occurrence, 0)
	for _, ev := range events {
		all = append(all, Expand(ev, exceptions[ev.ID], maxOccurrences, referenceTime)...)
	}
	sortOccurrences(all)
	return all
}

// BetweenAll is ExpandAll for a window.
func BetweenAll(events []model.Event, exceptions map[string]ExceptionSet, window model.Window, maxOccurrences int) []model.Occurrence {
	all := make([]model.Occurrence, 0)
	for _, ev := range events {
		all = append(all, Between(ev, exceptions[ev.ID], window, maxOccurrences)...)
	}
	sortOccurrences(all)
	return all
}

// candidates lists the recurring event's occurrence spans before exception
// and reference-time filtering.
func candidates(ev model.Event, maxOccurrences int) []model.OccurrenceSpan {
	if len(ev.Occurrences) > 0 {
		return sortedSpans(ev.Occurrences)
	}

	sr, err := buildRule(ev, maxOccurrences)
	if err != nil {
		appLog.Error("recurrence: invalid rule", err, "event_id", ev.ID)
		return nil
	}

	dur := ev.Duration()
	starts := sr.all()
	out := make([]model.OccurrenceSpan, 0, len(starts))
	for _, start := range starts {
		out = append(out, model.OccurrenceSpan{StartTime: start, EndTime: start.Add(dur)})
	}
	return out
}

// series is an RRULE plus the sub-second part of the event start, which
// rrule-go drops from DTSTART. Generated starts get it added back so they
// match the backend's original start exactly.
type series struct {
	rule  *rrule.RRule
	frac  time.Duration
	until *time.Time
}

func (s series) shift(in []time.Time) []time.Time {
	out := make([]time.Time, 0, len(in))
	for _, t := range in {
		t = t.Add(s.frac)
		if s.until != nil && t.After(*s.until) {
			break
		}
		out = append(out, t)
	}
	return out
}

func (s series) all() []time.Time {
	return s.shift(s.rule.All())
}

// between returns starts in [after, before], inclusive.
func (s series) between(after, before time.Time) []time.Time {
	return s.shift(s.rule.Between(after.Add(-s.frac), before.Add(-s.frac), true))
}

// buildRule maps the event's rule onto an RRULE anchored at the event start in
// UTC. limit > 0 becomes the COUNT of a rule that has none; an explicit Count
// always wins, up to MaxSeriesOccurrences. limit == 0 keeps the rule's own
// stop conditions only.
func buildRule(ev model.Event, limit int) (series, error) {
	start := dateutil.UTC(ev.StartTime)
	whole := start.Truncate(time.Second)

	var rule model.RecurrenceRule
	if ev.RecurrenceRule != nil {
		rule = *ev.RecurrenceRule
	}

	interval := rule.Interval
	if interval <= 0 {
		interval = 1
	}

	opt := rrule.ROption{
		Freq:     frequency(rule.Frequency),
		Dtstart:  whole,
		Interval: interval,
		Count:    rule.Count,
	}
	if limit > 0 && opt.Count <= 0 {
		opt.Count = limit
	}
	if opt.Count > MaxSeriesOccurrences {
		appLog.Warn("recurrence: count above ceiling", "event_id", ev.ID, "count", opt.Count, "ceiling", MaxSeriesOccurrences)
		opt.Count = MaxSeriesOccurrences
	}

	sr := series{frac: start.Sub(whole)}
	if rule.EndDate != nil {
		until := dateutil.UTC(*rule.EndDate)
		opt.Until = until
		sr.until = &until
	}

	// RRULE skips months that lack the start day; pick the last day instead.
	// BYMONTHDAY=d,-1 with BYSETPOS=1 yields d when it exists, else month end.
	if day := start.Day(); day > 28 {
		switch opt.Freq {
		case rrule.MONTHLY:
			opt.Bymonthday = []int{day, -1}
			opt.Bysetpos = []int{1}
		case rrule.YEARLY:
			opt.Bymonth = []int{int(start.Month())}
			opt.Bymonthday = []int{day, -1}
			opt.Bysetpos = []int{1}
		}
	}

	r, err := rrule.NewRRule(opt)
	if err != nil {
		return series{}, err
	}
	sr.rule = r
	return sr, nil
}

func frequency(f model.Frequency) rrule.Frequency {
	switch f {
	case model.Weekly:
		return rrule.WEEKLY
	case model.Monthly:
		return rrule.MONTHLY
	case model.Yearly:
		return rrule.YEARLY
	default:
		return rrule.DAILY
	}
}

func sortedSpans(in []model.OccurrenceSpan) []model.OccurrenceSpan {
	out := make([]model.OccurrenceSpan, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

func sortOccurrences(occ []model.Occurrence) {
	sort.SliceStable(occ, func(i, j int) bool {
		return occ[i].StartTime.Before(occ[j].StartTime)
	})
}

// makeOccurrence takes the event's zone already resolved.
func makeOccurrence(ev *model.Event, loc *time.Location, start, end time.Time, isOcc bool) model.Occurrence {
	return model.Occurrence{
		StartTime:    start.UTC(),
		EndTime:      end.UTC(),
		IsOccurrence: isOcc,
		Display:      start.In(loc).Format(dateutil.DisplayLayout),
		Original:     ev,
	}
}
