// Package schedule parses "every N hours" style schedules and runs jobs on
// them. Ticks are aligned to wall-clock boundaries in the schedule's time
// zone, so "every 12 hours" in America/Chicago fires at 00:00 and 12:00 local
// time regardless of when the process started.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed periodic schedule.
type Schedule struct {
	spec     string
	every    int
	unit     time.Duration
	location *time.Location
}

// Parse parses spec ("every [N] (minute|hour|day)[s]") in the named IANA time
// zone. An empty zone means UTC.
func Parse(spec, zone string) (Schedule, error) {
	loc := time.UTC
	if zone != "" {
		l, err := time.LoadLocation(zone)
		if err != nil {
			return Schedule{}, fmt.Errorf("schedule: time zone %q: %w", zone, err)
		}
		loc = l
	}

	fields := strings.Fields(strings.ToLower(spec))
	if len(fields) < 2 || len(fields) > 3 || fields[0] != "every" {
		return Schedule{}, fmt.Errorf("schedule: %q: want \"every [N] minutes|hours|days\"", spec)
	}

	n := 1
	unitField := fields[1]
	if len(fields) == 3 {
		v, err := strconv.Atoi(fields[1])
		if err != nil || v <= 0 {
			return Schedule{}, fmt.Errorf("schedule: %q: interval must be a positive integer", spec)
		}
		n = v
		unitField = fields[2]
	}

	var unit time.Duration
	switch strings.TrimSuffix(unitField, "s") {
	case "minute", "min":
		unit = time.Minute
	case "hour":
		unit = time.Hour
	case "day":
		unit = 24 * time.Hour
	default:
		return Schedule{}, fmt.Errorf("schedule: %q: unknown unit %q", spec, unitField)
	}

	if unit < 24*time.Hour && time.Duration(n)*unit > 24*time.Hour {
		return Schedule{}, fmt.Errorf("schedule: %q: use days for intervals longer than a day", spec)
	}

	return Schedule{spec: strings.TrimSpace(spec), every: n, unit: unit, location: loc}, nil
}

// MustParse is like Parse but panics on error.
func MustParse(spec, zone string) Schedule {
	s, err := Parse(spec, zone)
	if err != nil {
		panic(err)
	}
	return s
}

func (s Schedule) String() string {
	return s.spec + " (" + s.location.String() + ")"
}

// Interval returns the nominal period between two ticks.
func (s Schedule) Interval() time.Duration {
	return time.Duration(s.every) * s.unit
}

// Next returns the first tick strictly after t.
//
// Sub-daily schedules restart at every local midnight: "every 5 hours" fires
// at 00:00, 05:00, 10:00, 15:00 and 20:00. Daily schedules fire at local
// midnight on days whose number since 1970-01-01 is divisible by N.
func (s Schedule) Next(t time.Time) time.Time {
	local := t.In(s.location)
	y, m, d := local.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, s.location)

	if s.unit == 24*time.Hour {
		next := midnight.AddDate(0, 0, 1)
		for epochDay(next)%s.every != 0 {
			next = next.AddDate(0, 0, 1)
		}
		return next
	}

	step := s.Interval()
	tomorrow := midnight.AddDate(0, 0, 1)
	elapsed := local.Sub(midnight)
	next := midnight.Add((elapsed/step + 1) * step)
	if !next.Before(tomorrow) {
		return tomorrow
	}
	return next
}

func epochDay(t time.Time) int {
	y, m, d := t.Date()
	return int(time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400)
}
