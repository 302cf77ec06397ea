package scheduler

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botfleet/orchestrator/internal/domain"
)

func compiledCalendar(t *testing.T, c BusinessCalendar) *BusinessCalendar {
	t.Helper()
	require.NoError(t, c.Compile())
	return &c
}

func TestCalendarDefaultsMondayToFriday(t *testing.T) {
	c := compiledCalendar(t, BusinessCalendar{ID: "default"})

	// Wednesday noon.
	ok, _ := c.CanExecute(time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC))
	assert.True(t, ok)

	// Saturday.
	ok, reason := c.CanExecute(time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC))
	assert.False(t, ok)
	assert.Equal(t, "weekday", reason)
}

func TestCalendarWorkingHours(t *testing.T) {
	c := compiledCalendar(t, BusinessCalendar{
		ID:        "office",
		WorkStart: "09:00",
		WorkEnd:   "17:30",
	})

	ok, _ := c.CanExecute(time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC))
	assert.True(t, ok)

	ok, reason := c.CanExecute(time.Date(2026, 3, 4, 8, 59, 0, 0, time.UTC))
	assert.False(t, ok)
	assert.Equal(t, "hours", reason)

	// End is exclusive.
	ok, reason = c.CanExecute(time.Date(2026, 3, 4, 17, 30, 0, 0, time.UTC))
	assert.False(t, ok)
	assert.Equal(t, "hours", reason)
}

func TestCalendarHolidays(t *testing.T) {
	c := compiledCalendar(t, BusinessCalendar{
		ID:               "hol",
		Holidays:         []string{"2026-12-25"},
		CustomNonWorking: []string{"2026-03-05"},
	})

	ok, reason := c.CanExecute(time.Date(2026, 12, 25, 12, 0, 0, 0, time.UTC))
	assert.False(t, ok)
	assert.Equal(t, "holiday", reason)

	ok, reason = c.CanExecute(time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC))
	assert.False(t, ok)
	assert.Equal(t, "holiday", reason)
}

func TestCalendarBlackoutPrecedesOtherChecks(t *testing.T) {
	c := compiledCalendar(t, BusinessCalendar{
		ID: "maint",
		Blackouts: []BlackoutWindow{{
			Start: time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC),
		}},
	})

	ok, reason := c.CanExecute(time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC))
	assert.False(t, ok)
	assert.Equal(t, "blackout", reason)

	// End is exclusive; Friday after the window is working again.
	ok, _ = c.CanExecute(time.Date(2026, 3, 6, 12, 0, 0, 0, time.UTC))
	assert.True(t, ok)
}

func TestCalendarNextWorkingTime(t *testing.T) {
	c := compiledCalendar(t, BusinessCalendar{
		ID:        "office",
		WorkStart: "09:00",
		WorkEnd:   "17:00",
	})

	// Saturday afternoon rolls to Monday 09:00.
	got := c.NextWorkingTime(time.Date(2026, 3, 7, 15, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC), got.UTC())

	// Early morning same day rolls forward to 09:00.
	got = c.NextWorkingTime(time.Date(2026, 3, 4, 6, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC), got.UTC())

	// Already working time returns the input.
	in := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, in, c.NextWorkingTime(in).UTC())
}

func TestCalendarNextWorkingTimeSkipsBlackout(t *testing.T) {
	c := compiledCalendar(t, BusinessCalendar{
		ID: "maint",
		Blackouts: []BlackoutWindow{{
			Start: time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2026, 3, 4, 14, 0, 0, 0, time.UTC),
		}},
	})
	got := c.NextWorkingTime(time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 3, 4, 14, 0, 0, 0, time.UTC), got.UTC())
}

func TestCalendarCompileErrors(t *testing.T) {
	bad := BusinessCalendar{Timezone: "Mars/Olympus"}
	assert.ErrorIs(t, bad.Compile(), domain.ErrInvalidArgument)

	bad = BusinessCalendar{WorkingDays: []string{"noday"}}
	assert.ErrorIs(t, bad.Compile(), domain.ErrInvalidArgument)

	bad = BusinessCalendar{Holidays: []string{"25/12/2026"}}
	assert.ErrorIs(t, bad.Compile(), domain.ErrInvalidArgument)

	bad = BusinessCalendar{WorkStart: "17:00", WorkEnd: "09:00"}
	assert.ErrorIs(t, bad.Compile(), domain.ErrInvalidArgument)
}

func TestLoadCalendars(t *testing.T) {
	dir := t.TempDir()
	cal := `
id: finance
timezone: UTC
working_days: [Mon, Tue, Wed, Thu, Fri]
work_start: "08:00"
work_end: "18:00"
holidays: ["2026-01-01"]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "finance.yaml"), []byte(cal), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	cals, err := LoadCalendars(dir)
	require.NoError(t, err)
	require.Len(t, cals, 1)
	require.Contains(t, cals, "finance")

	ok, _ := cals["finance"].CanExecute(time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC))
	assert.True(t, ok)

	// Missing directory is not an error.
	cals, err = LoadCalendars(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Empty(t, cals)
}
