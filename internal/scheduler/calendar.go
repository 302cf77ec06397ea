package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/botfleet/orchestrator/internal/domain"
)

// BlackoutWindow is an absolute non-working interval, end exclusive.
type BlackoutWindow struct {
	Start time.Time `yaml:"start"`
	End   time.Time `yaml:"end"`
}

// BusinessCalendar constrains when schedules may fire. Dates (holidays,
// custom non-working days) are calendar dates in the calendar's timezone.
type BusinessCalendar struct {
	ID               string           `yaml:"id"`
	Timezone         string           `yaml:"timezone"`
	WorkingDays      []string         `yaml:"working_days"`
	WorkStart        string           `yaml:"work_start"`
	WorkEnd          string           `yaml:"work_end"`
	Holidays         []string         `yaml:"holidays"`
	CustomNonWorking []string         `yaml:"custom_non_working"`
	Blackouts        []BlackoutWindow `yaml:"blackouts"`

	loc          *time.Location
	workingDays  map[time.Weekday]bool
	nonWorking   map[string]bool
	startMinutes int
	endMinutes   int
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday,
	"wed": time.Wednesday, "thu": time.Thursday, "fri": time.Friday,
	"sat": time.Saturday,
}

// Compile resolves the timezone and parses day and hour fields. It must be
// called before CanExecute.
func (c *BusinessCalendar) Compile() error {
	loc := time.UTC
	if c.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(c.Timezone)
		if err != nil {
			return fmt.Errorf("op=calendar.compile: timezone %q: %w", c.Timezone, domain.ErrInvalidArgument)
		}
	}
	c.loc = loc

	c.workingDays = make(map[time.Weekday]bool)
	if len(c.WorkingDays) == 0 {
		for d := time.Monday; d <= time.Friday; d++ {
			c.workingDays[d] = true
		}
	}
	for _, name := range c.WorkingDays {
		key := strings.ToLower(strings.TrimSpace(name))
		if len(key) > 3 {
			key = key[:3]
		}
		wd, ok := weekdayNames[key]
		if !ok {
			return fmt.Errorf("op=calendar.compile: weekday %q: %w", name, domain.ErrInvalidArgument)
		}
		c.workingDays[wd] = true
	}

	c.nonWorking = make(map[string]bool, len(c.Holidays)+len(c.CustomNonWorking))
	for _, d := range append(append([]string(nil), c.Holidays...), c.CustomNonWorking...) {
		if _, err := time.ParseInLocation("2006-01-02", d, loc); err != nil {
			return fmt.Errorf("op=calendar.compile: date %q: %w", d, domain.ErrInvalidArgument)
		}
		c.nonWorking[d] = true
	}

	var err error
	if c.startMinutes, err = parseClock(c.WorkStart, 0); err != nil {
		return fmt.Errorf("op=calendar.compile: work_start: %w", err)
	}
	if c.endMinutes, err = parseClock(c.WorkEnd, 24*60); err != nil {
		return fmt.Errorf("op=calendar.compile: work_end: %w", err)
	}
	if c.endMinutes <= c.startMinutes {
		return fmt.Errorf("op=calendar.compile: work_end before work_start: %w", domain.ErrInvalidArgument)
	}
	return nil
}

// parseClock parses "HH:MM" into minutes since midnight; empty uses def.
func parseClock(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("clock %q: %w", s, domain.ErrInvalidArgument)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// CanExecute reports whether t is a working moment. The reason names the
// first constraint violated: weekday, holiday, hours, or blackout.
func (c *BusinessCalendar) CanExecute(t time.Time) (bool, string) {
	local := t.In(c.loc)
	for _, b := range c.Blackouts {
		if !t.Before(b.Start) && t.Before(b.End) {
			return false, "blackout"
		}
	}
	if !c.workingDays[local.Weekday()] {
		return false, "weekday"
	}
	if c.nonWorking[local.Format("2006-01-02")] {
		return false, "holiday"
	}
	minutes := local.Hour()*60 + local.Minute()
	if minutes < c.startMinutes || minutes >= c.endMinutes {
		return false, "hours"
	}
	return true, ""
}

// NextWorkingTime returns the earliest working moment at or after t, or a
// zero time when none exists within a year.
func (c *BusinessCalendar) NextWorkingTime(t time.Time) time.Time {
	local := t.In(c.loc)
	for i := 0; i < 366*2; i++ {
		if ok, reason := c.CanExecute(local); ok {
			return local
		} else if reason == "blackout" {
			local = c.blackoutEnd(local)
			continue
		}
		minutes := local.Hour()*60 + local.Minute()
		switch {
		case minutes < c.startMinutes && c.isWorkingDay(local):
			local = c.dayStart(local)
		default:
			local = c.dayStart(local.AddDate(0, 0, 1))
		}
	}
	return time.Time{}
}

func (c *BusinessCalendar) isWorkingDay(t time.Time) bool {
	return c.workingDays[t.Weekday()] && !c.nonWorking[t.Format("2006-01-02")]
}

func (c *BusinessCalendar) dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), c.startMinutes/60, c.startMinutes%60, 0, 0, c.loc)
}

func (c *BusinessCalendar) blackoutEnd(t time.Time) time.Time {
	out := t
	for _, b := range c.Blackouts {
		if !t.Before(b.Start) && t.Before(b.End) && b.End.In(c.loc).After(out) {
			out = b.End.In(c.loc)
		}
	}
	if !out.After(t) {
		out = t.Add(time.Minute)
	}
	return out
}

// LoadCalendars reads every *.yml/*.yaml calendar in dir, keyed by id.
func LoadCalendars(dir string) (map[string]*BusinessCalendar, error) {
	out := make(map[string]*BusinessCalendar)
	if dir == "" {
		return out, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("op=calendar.load: %w", err)
	}
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yml" && ext != ".yaml") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("op=calendar.load: %s: %w", e.Name(), err)
		}
		var cal BusinessCalendar
		if err := yaml.Unmarshal(raw, &cal); err != nil {
			return nil, fmt.Errorf("op=calendar.load: %s: %w", e.Name(), err)
		}
		if cal.ID == "" {
			cal.ID = strings.TrimSuffix(e.Name(), ext)
		}
		if err := cal.Compile(); err != nil {
			return nil, fmt.Errorf("op=calendar.load: %s: %w", e.Name(), err)
		}
		out[cal.ID] = &cal
	}
	return out, nil
}
