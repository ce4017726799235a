// Package crontab evaluates cron expressions: five fields (minute, hour,
// day-of-month, month, weekday) plus an optional year, with names, ranges,
// steps, lists, @aliases and the L (last) modifier.
package crontab

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidCrontab reports a spec that can never be valid.
	ErrInvalidCrontab = errors.New("crontab: invalid expression")
	// ErrNoNextOccurrence reports a well-formed spec without a match inside
	// the search horizon.
	ErrNoNextOccurrence = errors.New("crontab: no next occurrence")
)

// Horizon is how many years past the reference Next searches.
const Horizon = 80

const (
	minYear = 1970
	maxYear = 2199
)

var aliases = map[string]string{
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
	"@monthly":  "0 0 1 * *",
	"@weekly":   "0 0 * * 0",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@hourly":   "0 * * * *",
	"@minutely": "* * * * *",
}

var monthNames = map[string]int{
	"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
	"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
}

var weekdayNames = map[string]int{
	"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
}

// longest month lengths, February counted as leap.
var maxMonthDays = [13]int{0, 31, 29, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}

type bounds struct {
	name     string
	min, max int
	names    map[string]int
}

var (
	minuteBounds  = bounds{name: "minute", min: 0, max: 59}
	hourBounds    = bounds{name: "hour", min: 0, max: 23}
	domBounds     = bounds{name: "day of month", min: 1, max: 31}
	monthBounds   = bounds{name: "month", min: 1, max: 12, names: monthNames}
	weekdayBounds = bounds{name: "weekday", min: 0, max: 7, names: weekdayNames}
	yearBounds    = bounds{name: "year", min: minYear, max: maxYear}
)

// Schedule is a parsed crontab expression.
type Schedule struct {
	expr string

	minutes  map[int]bool
	hours    map[int]bool
	doms     map[int]bool
	months   map[int]bool
	weekdays map[int]bool
	years    map[int]bool // nil matches any year

	lastDOM      bool
	lastWeekdays map[int]bool

	domRestricted     bool
	weekdayRestricted bool
}

// Parse validates expr eagerly, including day/month combinations that can
// never occur such as `* * 30 2 *`.
func Parse(expr string) (*Schedule, error) {
	normalized := strings.ToLower(strings.TrimSpace(expr))
	if alias, ok := aliases[normalized]; ok {
		normalized = alias
	}

	fields := strings.Fields(normalized)
	if len(fields) != 5 && len(fields) != 6 {
		return nil, fmt.Errorf("%w: %q needs 5 or 6 fields, got %d", ErrInvalidCrontab, expr, len(fields))
	}

	s := &Schedule{expr: expr, lastWeekdays: map[int]bool{}}
	var err error
	if s.minutes, err = parseField(fields[0], minuteBounds); err != nil {
		return nil, err
	}
	if s.hours, err = parseField(fields[1], hourBounds); err != nil {
		return nil, err
	}
	if err = s.parseDOM(fields[2]); err != nil {
		return nil, err
	}
	if s.months, err = parseField(fields[3], monthBounds); err != nil {
		return nil, err
	}
	if err = s.parseWeekdays(fields[4]); err != nil {
		return nil, err
	}
	if len(fields) == 6 && fields[5] != "*" {
		if s.years, err = parseField(fields[5], yearBounds); err != nil {
			return nil, err
		}
	}

	if err := s.checkPossible(); err != nil {
		return nil, err
	}
	return s, nil
}

// MustParse is Parse for static expressions.
func MustParse(expr string) *Schedule {
	s, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Schedule) String() string { return s.expr }

func (s *Schedule) parseDOM(field string) error {
	s.domRestricted = !strings.HasPrefix(field, "*")
	s.doms = map[int]bool{}
	for _, item := range strings.Split(field, ",") {
		if item == "l" {
			s.lastDOM = true
			continue
		}
		values, err := parseItem(item, domBounds)
		if err != nil {
			return err
		}
		for v := range values {
			s.doms[v] = true
		}
	}
	return nil
}

func (s *Schedule) parseWeekdays(field string) error {
	s.weekdayRestricted = !strings.HasPrefix(field, "*")
	s.weekdays = map[int]bool{}
	for _, item := range strings.Split(field, ",") {
		if day, ok, err := parseLastWeekday(item); ok || err != nil {
			if err != nil {
				return err
			}
			s.lastWeekdays[day] = true
			continue
		}
		values, err := parseItem(item, weekdayBounds)
		if err != nil {
			return err
		}
		for v := range values {
			s.weekdays[v%7] = true
		}
	}
	return nil
}

// parseLastWeekday accepts "Ltue", "L2" and "2L" forms.
func parseLastWeekday(item string) (int, bool, error) {
	var token string
	switch {
	case len(item) > 1 && strings.HasPrefix(item, "l"):
		token = item[1:]
	case len(item) > 1 && strings.HasSuffix(item, "l"):
		token = item[:len(item)-1]
	default:
		return 0, false, nil
	}
	day, err := parseValue(token, weekdayBounds)
	if err != nil {
		return 0, true, err
	}
	return day % 7, true, nil
}

func parseField(field string, b bounds) (map[int]bool, error) {
	out := map[int]bool{}
	for _, item := range strings.Split(field, ",") {
		values, err := parseItem(item, b)
		if err != nil {
			return nil, err
		}
		for v := range values {
			out[v] = true
		}
	}
	return out, nil
}

func parseItem(item string, b bounds) (map[int]bool, error) {
	if item == "" {
		return nil, fmt.Errorf("%w: empty %s value", ErrInvalidCrontab, b.name)
	}

	rangePart, step := item, 1
	if idx := strings.Index(item, "/"); idx >= 0 {
		rangePart = item[:idx]
		n, err := strconv.Atoi(item[idx+1:])
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: bad %s step in %q", ErrInvalidCrontab, b.name, item)
		}
		step = n
	}

	lo, hi := b.min, b.max
	switch {
	case rangePart == "*":
	case strings.Contains(rangePart, "-"):
		parts := strings.SplitN(rangePart, "-", 2)
		var err error
		if lo, err = parseValue(parts[0], b); err != nil {
			return nil, err
		}
		if hi, err = parseValue(parts[1], b); err != nil {
			return nil, err
		}
		if lo > hi {
			return nil, fmt.Errorf("%w: %s range %q is reversed", ErrInvalidCrontab, b.name, rangePart)
		}
	default:
		v, err := parseValue(rangePart, b)
		if err != nil {
			return nil, err
		}
		lo = v
		if step == 1 {
			hi = v
		}
	}

	out := map[int]bool{}
	for v := lo; v <= hi; v += step {
		out[v] = true
	}
	return out, nil
}

func parseValue(token string, b bounds) (int, error) {
	if v, ok := b.names[token]; ok {
		return v, nil
	}
	v, err := strconv.Atoi(token)
	if err != nil {
		return 0, fmt.Errorf("%w: bad %s value %q", ErrInvalidCrontab, b.name, token)
	}
	if v < b.min || v > b.max {
		return 0, fmt.Errorf("%w: %s value %d outside %d-%d", ErrInvalidCrontab, b.name, v, b.min, b.max)
	}
	return v, nil
}

// checkPossible rejects day-of-month constraints no selected month can
// satisfy. A restricted weekday field can still fire, so it is left alone.
func (s *Schedule) checkPossible() error {
	if !s.domRestricted || s.weekdayRestricted || s.lastDOM {
		return nil
	}
	for month := range s.months {
		for day := range s.doms {
			if day <= maxMonthDays[month] {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %q can never match a calendar day", ErrInvalidCrontab, s.expr)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func (s *Schedule) dayMatches(t time.Time) bool {
	day := t.Day()
	last := daysIn(t.Year(), t.Month())
	wd := int(t.Weekday())

	domMatch := s.doms[day] || (s.lastDOM && day == last)
	weekdayMatch := s.weekdays[wd] || (s.lastWeekdays[wd] && day+7 > last)

	switch {
	case s.domRestricted && s.weekdayRestricted:
		return domMatch || weekdayMatch
	case s.domRestricted:
		return domMatch
	case s.weekdayRestricted:
		return weekdayMatch
	default:
		return true
	}
}

// Next returns the first matching minute strictly after `after`, in
// after's location.
func (s *Schedule) Next(after time.Time) (time.Time, error) {
	loc := after.Location()
	// Truncate works on absolute time, which keeps t after `after` even when
	// the wall clock repeats an hour.
	t := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.Year() + Horizon

	for t.Year() <= limit {
		prev := t
		switch {
		case s.years != nil && !s.years[t.Year()]:
			t = time.Date(t.Year()+1, time.January, 1, 0, 0, 0, 0, loc)
		case !s.months[int(t.Month())]:
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, loc)
		case !s.dayMatches(t):
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
		case !s.hours[t.Hour()]:
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, loc)
		case !s.minutes[t.Minute()]:
			t = t.Add(time.Minute)
		default:
			return t, nil
		}
		if !t.After(prev) {
			// Wall-clock arithmetic went backwards across a DST change.
			t = prev.Add(time.Minute)
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q after %s", ErrNoNextOccurrence, s.expr, after.Format(time.RFC3339))
}

// NextIn evaluates the schedule in loc instead of after's location.
func (s *Schedule) NextIn(after time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		return s.Next(after)
	}
	return s.Next(after.In(loc))
}
