package dateutil

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLocal(t *testing.T) {
	got, err := ParseLocal("2024-01-01T09:00", "Asia/Seoul")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), got)
	assert.Equal(t, time.UTC, got.Location())

	got, err = ParseLocal("2024-01-01T09:00:00+02:00", "Asia/Seoul")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 7, 0, 0, 0, time.UTC), got)

	got, err = ParseLocal("2024-06-01", "")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), got)

	_, err = ParseLocal("  ", "UTC")
	assert.ErrorIs(t, err, ErrEmptyTime)

	_, err = ParseLocal("next tuesday", "UTC")
	assert.Error(t, err)
}

func TestAddMonthsClamped(t *testing.T) {
	jan31 := time.Date(2023, 1, 31, 9, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2023, 2, 28, 9, 30, 0, 0, time.UTC), AddMonthsClamped(jan31, 1))
	assert.Equal(t, time.Date(2023, 3, 31, 9, 30, 0, 0, time.UTC), AddMonthsClamped(jan31, 2))
	assert.Equal(t, time.Date(2023, 4, 30, 9, 30, 0, 0, time.UTC), AddMonthsClamped(jan31, 3))
	assert.Equal(t, time.Date(2022, 12, 31, 9, 30, 0, 0, time.UTC), AddMonthsClamped(jan31, -1))
}

func TestDefaultRecurrenceEnd(t *testing.T) {
	leap := time.Date(2024, 2, 29, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 2, 28, 8, 0, 0, 0, time.UTC), DefaultRecurrenceEnd(leap))
}

func TestDaysIn(t *testing.T) {
	assert.Equal(t, 29, DaysIn(2024, time.February))
	assert.Equal(t, 28, DaysIn(2023, time.February))
	assert.Equal(t, 30, DaysIn(2023, time.September))
}

func TestLoadLocationFallback(t *testing.T) {
	assert.Equal(t, time.UTC, LoadLocation("Nowhere/Special"))
	assert.Equal(t, "Europe/Paris", LoadLocation("Europe/Paris").String())
}

func TestISO(t *testing.T) {
	loc := LoadLocation("Europe/Paris")
	assert.Equal(t, "2024-07-01T08:00:00.000Z", ISO(time.Date(2024, 7, 1, 10, 0, 0, 0, loc)))
}
