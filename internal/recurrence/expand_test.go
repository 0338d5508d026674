package recurrence

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appLog "coursecal/internal/log"
	"coursecal/internal/model"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts
}

func recurring(t *testing.T, start string, dur time.Duration, rule model.RecurrenceRule) model.Event {
	st := mustTime(t, start)
	return model.Event{
		ID:             "ev-1",
		Title:          "Standup",
		StartTime:      st,
		EndTime:        st.Add(dur),
		IsRecurring:    true,
		RecurrenceRule: &rule,
	}
}

func starts(occ []model.Occurrence) []string {
	out := make([]string, 0, len(occ))
	for _, o := range occ {
		out = append(out, o.StartTime.Format(time.RFC3339))
	}
	return out
}

func TestExpand_NonRecurring(t *testing.T) {
	start := mustTime(t, "2024-03-10T10:00:00Z")
	ev := model.Event{ID: "single", Title: "Exam", StartTime: start, EndTime: start.Add(2 * time.Hour), TimeZone: "UTC"}

	got := Expand(ev, nil, 0, start.Add(-time.Hour))
	require.Len(t, got, 1)
	assert.False(t, got[0].IsOccurrence)
	assert.Equal(t, ev.StartTime, got[0].StartTime)
	assert.Equal(t, ev.EndTime, got[0].EndTime)
	require.NotNil(t, got[0].Original)
	assert.Equal(t, "single", got[0].Original.ID)

	// Starting exactly at the reference time still counts as upcoming.
	assert.Len(t, Expand(ev, nil, 0, start), 1)

	assert.Empty(t, Expand(ev, nil, 0, start.Add(time.Minute)))
}

func TestExpand_StandupScenario(t *testing.T) {
	ev := recurring(t, "2024-01-01T09:00:00Z", 15*time.Minute, model.RecurrenceRule{
		Frequency: model.Daily, Interval: 1, Count: 3,
	})

	got := Expand(ev, nil, 30, mustTime(t, "2024-01-01T00:00:00Z"))
	assert.Equal(t, []string{
		"2024-01-01T09:00:00Z",
		"2024-01-02T09:00:00Z",
		"2024-01-03T09:00:00Z",
	}, starts(got))
	for _, o := range got {
		assert.True(t, o.IsOccurrence)
		assert.Equal(t, 15*time.Minute, o.EndTime.Sub(o.StartTime))
	}
}

func TestExpand_DailyWithoutStopHitsCap(t *testing.T) {
	ev := recurring(t, "2024-01-01T09:00:00Z", time.Hour, model.RecurrenceRule{Frequency: model.Daily, Interval: 1})

	got := Expand(ev, nil, 30, mustTime(t, "2023-12-31T00:00:00Z"))
	require.Len(t, got, 30)
	for i := 1; i < len(got); i++ {
		assert.Equal(t, 24*time.Hour, got[i].StartTime.Sub(got[i-1].StartTime))
		assert.Equal(t, time.Hour, got[i].EndTime.Sub(got[i].StartTime))
	}
}

func TestExpand_DefaultCap(t *testing.T) {
	ev := recurring(t, "2024-01-01T09:00:00Z", time.Hour, model.RecurrenceRule{Frequency: model.Weekly, Interval: 1})
	assert.Len(t, Expand(ev, nil, 0, time.Time{}), DefaultMaxOccurrences)
}

func TestExpand_WeeklyCountIgnoresCap(t *testing.T) {
	ev := recurring(t, "2024-01-01T09:00:00Z", time.Hour, model.RecurrenceRule{
		Frequency: model.Weekly, Interval: 1, Count: 5,
	})

	for _, max := range []int{1, 3, 5, 30, 100} {
		got := Expand(ev, nil, max, time.Time{})
		require.Len(t, got, 5, "max=%d", max)
		assert.Equal(t, 7*24*time.Hour, got[1].StartTime.Sub(got[0].StartTime))
	}
}

func TestExpand_Interval(t *testing.T) {
	ev := recurring(t, "2024-01-01T09:00:00Z", time.Hour, model.RecurrenceRule{
		Frequency: model.Weekly, Interval: 2, Count: 3,
	})
	assert.Equal(t, []string{
		"2024-01-01T09:00:00Z",
		"2024-01-15T09:00:00Z",
		"2024-01-29T09:00:00Z",
	}, starts(Expand(ev, nil, 0, time.Time{})))
}

func TestExpand_NonPositiveIntervalIsOne(t *testing.T) {
	for _, interval := range []int{0, -3} {
		ev := recurring(t, "2024-01-01T09:00:00Z", time.Hour, model.RecurrenceRule{
			Frequency: model.Daily, Interval: interval, Count: 2,
		})
		assert.Equal(t, []string{
			"2024-01-01T09:00:00Z",
			"2024-01-02T09:00:00Z",
		}, starts(Expand(ev, nil, 0, time.Time{})), "interval=%d", interval)
	}
}

func TestExpand_UnknownFrequencyFallsBackToDaily(t *testing.T) {
	ev := recurring(t, "2024-01-01T09:00:00Z", time.Hour, model.RecurrenceRule{
		Frequency: model.Frequency("FORTNIGHTLY"), Interval: 1, Count: 2,
	})
	assert.Equal(t, []string{
		"2024-01-01T09:00:00Z",
		"2024-01-02T09:00:00Z",
	}, starts(Expand(ev, nil, 0, time.Time{})))
}

func TestExpand_MonthlyClampsToMonthEnd(t *testing.T) {
	ev := recurring(t, "2024-01-31T09:00:00Z", time.Hour, model.RecurrenceRule{
		Frequency: model.Monthly, Interval: 1, Count: 4,
	})
	assert.Equal(t, []string{
		"2024-01-31T09:00:00Z",
		"2024-02-29T09:00:00Z",
		"2024-03-31T09:00:00Z",
		"2024-04-30T09:00:00Z",
	}, starts(Expand(ev, nil, 0, time.Time{})))
}

func TestExpand_MonthlyMidMonth(t *testing.T) {
	ev := recurring(t, "2024-01-15T09:00:00Z", time.Hour, model.RecurrenceRule{
		Frequency: model.Monthly, Interval: 3, Count: 3,
	})
	assert.Equal(t, []string{
		"2024-01-15T09:00:00Z",
		"2024-04-15T09:00:00Z",
		"2024-07-15T09:00:00Z",
	}, starts(Expand(ev, nil, 0, time.Time{})))
}

func TestExpand_YearlyLeapDay(t *testing.T) {
	ev := recurring(t, "2024-02-29T09:00:00Z", time.Hour, model.RecurrenceRule{
		Frequency: model.Yearly, Interval: 1, Count: 3,
	})
	assert.Equal(t, []string{
		"2024-02-29T09:00:00Z",
		"2025-02-28T09:00:00Z",
		"2026-02-28T09:00:00Z",
	}, starts(Expand(ev, nil, 0, time.Time{})))
}

func TestExpand_EndDateInclusive(t *testing.T) {
	end := mustTime(t, "2024-01-03T09:00:00Z")
	ev := recurring(t, "2024-01-01T09:00:00Z", time.Hour, model.RecurrenceRule{
		Frequency: model.Daily, Interval: 1, EndDate: &end,
	})
	assert.Equal(t, []string{
		"2024-01-01T09:00:00Z",
		"2024-01-02T09:00:00Z",
		"2024-01-03T09:00:00Z",
	}, starts(Expand(ev, nil, 30, time.Time{})))
}

func TestExpand_CountAndEndDateFirstWins(t *testing.T) {
	end := mustTime(t, "2024-01-10T09:00:00Z")
	ev := recurring(t, "2024-01-01T09:00:00Z", time.Hour, model.RecurrenceRule{
		Frequency: model.Daily, Interval: 1, EndDate: &end, Count: 2,
	})
	assert.Len(t, Expand(ev, nil, 30, time.Time{}), 2)

	earlier := mustTime(t, "2024-01-02T09:00:00Z")
	ev.RecurrenceRule.EndDate = &earlier
	ev.RecurrenceRule.Count = 20
	assert.Len(t, Expand(ev, nil, 30, time.Time{}), 2)
}

func TestExpand_ExceptionRemovesOnlyThatOccurrence(t *testing.T) {
	ev := recurring(t, "2024-01-01T09:00:00Z", time.Hour, model.RecurrenceRule{
		Frequency: model.Daily, Interval: 1, Count: 4,
	})
	excs := NewExceptionSet([]model.RecurrenceException{
		{EventID: ev.ID, OccurrenceDate: mustTime(t, "2024-01-03T09:00:00Z")},
		{EventID: ev.ID, OccurrenceDate: mustTime(t, "2024-01-02T09:00:00Z"), Restored: true},
	})

	assert.Equal(t, []string{
		"2024-01-01T09:00:00Z",
		"2024-01-02T09:00:00Z",
		"2024-01-04T09:00:00Z",
	}, starts(Expand(ev, excs, 0, time.Time{})))
}

func TestExpand_DropsPastOccurrences(t *testing.T) {
	ev := recurring(t, "2024-01-01T09:00:00Z", time.Hour, model.RecurrenceRule{
		Frequency: model.Daily, Interval: 1, Count: 5,
	})
	got := Expand(ev, nil, 0, mustTime(t, "2024-01-03T08:00:00Z"))
	assert.Equal(t, []string{
		"2024-01-03T09:00:00Z",
		"2024-01-04T09:00:00Z",
		"2024-01-05T09:00:00Z",
	}, starts(got))
}

func TestExpand_ServerOccurrencesTakePrecedence(t *testing.T) {
	ev := recurring(t, "2024-01-01T09:00:00Z", time.Hour, model.RecurrenceRule{
		Frequency: model.Daily, Interval: 1, Count: 10,
	})
	a := mustTime(t, "2024-02-05T14:00:00Z")
	b := mustTime(t, "2024-02-01T14:00:00Z")
	ev.Occurrences = []model.OccurrenceSpan{
		{StartTime: a, EndTime: a.Add(30 * time.Minute)},
		{StartTime: b, EndTime: b.Add(30 * time.Minute)},
	}

	got := Expand(ev, nil, 0, time.Time{})
	assert.Equal(t, []string{"2024-02-01T14:00:00Z", "2024-02-05T14:00:00Z"}, starts(got))
	assert.Equal(t, 30*time.Minute, got[0].EndTime.Sub(got[0].StartTime))
}

func TestExpand_IsRestartable(t *testing.T) {
	ev := recurring(t, "2024-01-01T09:00:00Z", time.Hour, model.RecurrenceRule{Frequency: model.Weekly, Interval: 1})
	ref := mustTime(t, "2024-01-01T00:00:00Z")
	assert.Equal(t, starts(Expand(ev, nil, 10, ref)), starts(Expand(ev, nil, 10, ref)))
}

func TestExpand_DisplayUsesEventZone(t *testing.T) {
	ev := recurring(t, "2024-01-01T09:00:00Z", time.Hour, model.RecurrenceRule{Frequency: model.Daily, Count: 1})
	ev.TimeZone = "America/New_York"
	got := Expand(ev, nil, 0, time.Time{})
	require.Len(t, got, 1)
	assert.Equal(t, "Mon, Jan 1, 2024 4:00 AM EST", got[0].Display)
}

func TestBetween_WindowFarFromStart(t *testing.T) {
	ev := recurring(t, "2024-01-01T09:00:00Z", time.Hour, model.RecurrenceRule{Frequency: model.Daily, Interval: 1})
	w := model.Window{
		Start: mustTime(t, "2025-06-01T00:00:00Z"),
		End:   mustTime(t, "2025-06-04T00:00:00Z"),
	}
	assert.Equal(t, []string{
		"2025-06-01T09:00:00Z",
		"2025-06-02T09:00:00Z",
		"2025-06-03T09:00:00Z",
	}, starts(Between(ev, nil, w, 30)))
}

func TestBetween_IncludesOverlappingStart(t *testing.T) {
	ev := recurring(t, "2024-01-01T23:00:00Z", 2*time.Hour, model.RecurrenceRule{Frequency: model.Daily, Count: 3})
	w := model.Window{
		Start: mustTime(t, "2024-01-02T00:00:00Z"),
		End:   mustTime(t, "2024-01-02T12:00:00Z"),
	}
	assert.Equal(t, []string{"2024-01-01T23:00:00Z"}, starts(Between(ev, nil, w, 30)))
}

func TestExpandAll_MergesByStart(t *testing.T) {
	a := recurring(t, "2024-01-01T09:00:00Z", time.Hour, model.RecurrenceRule{Frequency: model.Daily, Count: 2})
	b := model.Event{ID: "ev-2", StartTime: mustTime(t, "2024-01-01T12:00:00Z"), EndTime: mustTime(t, "2024-01-01T13:00:00Z")}

	got := ExpandAll([]model.Event{a, b}, map[string]ExceptionSet{}, 0, time.Time{})
	assert.Equal(t, []string{
		"2024-01-01T09:00:00Z",
		"2024-01-01T12:00:00Z",
		"2024-01-02T09:00:00Z",
	}, starts(got))
	assert.Equal(t, "ev-2", got[1].Original.ID)
}

func TestExpand_SubSecondStartKeepsExactTimes(t *testing.T) {
	start := time.Date(2024, 1, 1, 9, 0, 0, 500_000_000, time.UTC)
	ev := model.Event{
		ID:             "ms",
		StartTime:      start,
		EndTime:        start.Add(15 * time.Minute),
		IsRecurring:    true,
		RecurrenceRule: &model.RecurrenceRule{Frequency: model.Daily, Interval: 1, Count: 3},
	}

	got := Expand(ev, nil, 0, start)
	require.Len(t, got, 3)
	for i, o := range got {
		assert.Equal(t, start.AddDate(0, 0, i), o.StartTime)
		assert.Equal(t, 15*time.Minute, o.EndTime.Sub(o.StartTime))
	}

	exc := ExceptionSet{}
	exc.Add(start)
	got = Expand(ev, exc, 0, start)
	require.Len(t, got, 2)
	assert.Equal(t, start.AddDate(0, 0, 1), got[0].StartTime)

	win := model.Window{Start: start.AddDate(0, 0, 1), End: start.AddDate(0, 0, 2)}
	between := Between(ev, nil, win, 0)
	require.Len(t, between, 1)
	assert.Equal(t, start.AddDate(0, 0, 1), between[0].StartTime)
}

func TestExpand_EndDateWithSubSecondStart(t *testing.T) {
	start := time.Date(2024, 1, 1, 9, 0, 0, 750_000_000, time.UTC)
	until := time.Date(2024, 1, 3, 9, 0, 0, 500_000_000, time.UTC)
	ev := model.Event{
		ID:             "ms",
		StartTime:      start,
		EndTime:        start.Add(time.Hour),
		IsRecurring:    true,
		RecurrenceRule: &model.RecurrenceRule{Frequency: model.Daily, Interval: 1, EndDate: &until},
	}

	// the Jan 3 candidate is 250ms past the end date
	got := Expand(ev, nil, 0, start)
	assert.Len(t, got, 2)
}

func TestExpand_CountHasCeiling(t *testing.T) {
	ev := recurring(t, "2024-01-01T09:00:00Z", time.Hour, model.RecurrenceRule{
		Frequency: model.Daily,
		Interval:  1,
		Count:     100000,
	})

	got := Expand(ev, nil, 30, ev.StartTime)
	assert.Len(t, got, MaxSeriesOccurrences)

	ev.RecurrenceRule.Count = 40
	assert.Len(t, Expand(ev, nil, 30, ev.StartTime), 40, "a count below the ceiling still overrides the cap")
}

func TestExpand_UnknownZoneResolvedOncePerEvent(t *testing.T) {
	var buf bytes.Buffer
	appLog.SetOutput(&buf)
	defer appLog.SetOutput(os.Stderr)

	ev := recurring(t, "2024-01-01T09:00:00Z", time.Hour, model.RecurrenceRule{
		Frequency: model.Daily,
		Interval:  1,
		Count:     5,
	})
	ev.TimeZone = "Mars/Olympus_Mons"

	got := Expand(ev, nil, 0, ev.StartTime)
	require.Len(t, got, 5)
	assert.Equal(t, "Mon, Jan 1, 2024 9:00 AM UTC", got[0].Display)
	assert.Equal(t, 1, strings.Count(buf.String(), "unknown timezone"))
}
