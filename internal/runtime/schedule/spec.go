// Package schedule turns interval, timestamp and crontab specs into triggers
// and runs one timer loop per scheduled job.
package schedule

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/drblury/flotilla/internal/runtime/crontab"
	errspkg "github.com/drblury/flotilla/internal/runtime/errors"
)

// Trigger computes fire times.
type Trigger interface {
	// Next returns the first fire time strictly after `after`. It returns
	// crontab.ErrNoNextOccurrence when the trigger never fires again.
	Next(after time.Time) (time.Time, error)
}

// Spec is the user-facing schedule description. Exactly one of Interval,
// Every and Timestamp must be set.
type Spec struct {
	// Interval is a keyword ("hourly", "every 5 minutes", "monday"), a
	// number of seconds, a Go duration ("90s") or a crontab expression.
	Interval string
	// Every is a fixed interval.
	Every time.Duration
	// Timestamp is a wall-clock time: "HH:MM", "HH:MM:SS" or "monday 08:30".
	Timestamp string
	// Timezone is an IANA zone name. Defaults to UTC.
	Timezone string
	// Immediately fires once at start in addition to the schedule.
	Immediately bool
}

var keywordCrontabs = map[string]string{
	"minutely":  "@minutely",
	"hourly":    "@hourly",
	"daily":     "@daily",
	"midnight":  "@midnight",
	"weekly":    "@weekly",
	"monthly":   "@monthly",
	"quarterly": "0 0 1 1,4,7,10 *",
	"yearly":    "@yearly",
	"annually":  "@annually",
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

var units = map[string]time.Duration{
	"second": time.Second, "seconds": time.Second,
	"minute": time.Minute, "minutes": time.Minute,
	"hour": time.Hour, "hours": time.Hour,
	"day": 24 * time.Hour, "days": 24 * time.Hour,
	"week": 7 * 24 * time.Hour, "weeks": 7 * 24 * time.Hour,
}

var everyPattern = regexp.MustCompile(`^(?:every\s+)?(\d+)?\s*([a-z]+)$`)

// Compile resolves the spec into a Trigger and proves it can fire by
// computing a trial fire time.
func (s Spec) Compile() (Trigger, error) {
	trigger, err := s.compile()
	if err != nil {
		return nil, err
	}
	if _, err := trigger.Next(time.Now()); err != nil && !errors.Is(err, crontab.ErrNoNextOccurrence) {
		return nil, fmt.Errorf("%w: %v", errspkg.ErrInvalidSchedule, err)
	}
	return trigger, nil
}

func (s Spec) compile() (Trigger, error) {
	set := 0
	for _, present := range []bool{s.Interval != "", s.Every != 0, s.Timestamp != ""} {
		if present {
			set++
		}
	}
	if set != 1 {
		return nil, fmt.Errorf("%w: exactly one of interval, every or timestamp is required", errspkg.ErrInvalidSchedule)
	}

	loc := time.UTC
	if s.Timezone != "" {
		l, err := time.LoadLocation(s.Timezone)
		if err != nil {
			return nil, fmt.Errorf("%w: timezone %q: %v", errspkg.ErrInvalidSchedule, s.Timezone, err)
		}
		loc = l
	}

	switch {
	case s.Every != 0:
		return newIntervalTrigger(s.Every)
	case s.Timestamp != "":
		return parseTimestamp(s.Timestamp, loc)
	default:
		return parseInterval(s.Interval, loc)
	}
}

func parseInterval(raw string, loc *time.Location) (Trigger, error) {
	value := strings.ToLower(strings.TrimSpace(raw))

	if n, err := strconv.Atoi(value); err == nil {
		return newIntervalTrigger(time.Duration(n) * time.Second)
	}
	if d, err := time.ParseDuration(value); err == nil {
		return newIntervalTrigger(d)
	}
	if expr, ok := keywordCrontabs[value]; ok {
		return newCrontabTrigger(expr, loc)
	}
	if day, ok := parseWeekday(strings.TrimPrefix(value, "every ")); ok {
		return newCrontabTrigger(fmt.Sprintf("0 0 * * %d", day), loc)
	}
	if m := everyPattern.FindStringSubmatch(value); m != nil {
		if unit, ok := units[m[2]]; ok {
			n := 1
			if m[1] != "" {
				n, _ = strconv.Atoi(m[1])
			}
			return newIntervalTrigger(time.Duration(n) * unit)
		}
	}
	return newCrontabTrigger(value, loc)
}

func parseWeekday(value string) (time.Weekday, bool) {
	day, ok := weekdays[strings.TrimSuffix(value, "s")]
	return day, ok
}

func parseTimestamp(raw string, loc *time.Location) (Trigger, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	t := &timestampTrigger{loc: loc, weekday: -1}

	parts := strings.Fields(value)
	switch len(parts) {
	case 1:
	case 2:
		day, ok := parseWeekday(parts[0])
		if !ok {
			return nil, fmt.Errorf("%w: unknown weekday in timestamp %q", errspkg.ErrInvalidSchedule, raw)
		}
		t.weekday = int(day)
		value = parts[1]
	default:
		return nil, fmt.Errorf("%w: bad timestamp %q", errspkg.ErrInvalidSchedule, raw)
	}

	layout := "15:04"
	if strings.Count(value, ":") == 2 {
		layout = "15:04:05"
	}
	clock, err := time.Parse(layout, value)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp %q: %v", errspkg.ErrInvalidSchedule, raw, err)
	}
	t.hour, t.minute, t.second = clock.Hour(), clock.Minute(), clock.Second()
	return t, nil
}

type crontabTrigger struct {
	schedule *crontab.Schedule
	loc      *time.Location
}

func newCrontabTrigger(expr string, loc *time.Location) (Trigger, error) {
	s, err := crontab.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errspkg.ErrInvalidSchedule, err)
	}
	return &crontabTrigger{schedule: s, loc: loc}, nil
}

func (c *crontabTrigger) Next(after time.Time) (time.Time, error) {
	return c.schedule.NextIn(after, c.loc)
}

// intervalTrigger fires on multiples of the interval since the Unix epoch,
// so instances agree on fire times.
type intervalTrigger struct {
	every time.Duration
}

func newIntervalTrigger(d time.Duration) (Trigger, error) {
	if d <= 0 {
		return nil, fmt.Errorf("%w: interval must be positive, got %s", errspkg.ErrInvalidSchedule, d)
	}
	return &intervalTrigger{every: d}, nil
}

func (i *intervalTrigger) Next(after time.Time) (time.Time, error) {
	n := after.UnixNano()
	step := int64(i.every)
	next := (n/step + 1) * step
	return time.Unix(0, next).In(after.Location()), nil
}

type timestampTrigger struct {
	loc                  *time.Location
	weekday              int // -1 for every day
	hour, minute, second int
}

func (t *timestampTrigger) Next(after time.Time) (time.Time, error) {
	local := after.In(t.loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), t.hour, t.minute, t.second, 0, t.loc)
	for i := 0; i < 8; i++ {
		if candidate.After(after) && (t.weekday < 0 || int(candidate.Weekday()) == t.weekday) {
			return candidate, nil
		}
		candidate = time.Date(candidate.Year(), candidate.Month(), candidate.Day()+1, t.hour, t.minute, t.second, 0, t.loc)
	}
	return time.Time{}, crontab.ErrNoNextOccurrence
}

// Validate reports whether the spec compiles and yields a trial fire time.
func (s Spec) Validate() error {
	_, err := s.Compile()
	return err
}
