package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidWindow = errors.New("invalid schedule window")

// ParseWindow parses a "HH:MM-HH:MM" window. Only the first two
// dash-separated fields are read; anything after a second dash is ignored.
func ParseWindow(s string) (ScheduleWindow, error) {
	fields := strings.Split(s, "-")
	if len(fields) < 2 {
		return ScheduleWindow{}, fmt.Errorf("%w: %q", ErrInvalidWindow, s)
	}
	startStr, endStr := fields[0], fields[1]

	start, err := parseTimeOfDay(startStr)
	if err != nil {
		return ScheduleWindow{}, fmt.Errorf("%w: %q: %v", ErrInvalidWindow, s, err)
	}
	end, err := parseTimeOfDay(endStr)
	if err != nil {
		return ScheduleWindow{}, fmt.Errorf("%w: %q: %v", ErrInvalidWindow, s, err)
	}

	return ScheduleWindow{Start: start, End: end}, nil
}

// parseTimeOfDay parses HH:mm format, without surrounding whitespace
func parseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, err
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// On places the time of day on t's calendar date, in t's location
func (d TimeOfDay) On(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), d.Hour, d.Minute, 0, 0, t.Location())
}

// Contains reports whether t lies strictly between the window bounds on
// t's own date. Windows ending before they start never match.
func (w ScheduleWindow) Contains(t time.Time) bool {
	start := w.Start.On(t)
	end := w.End.On(t)
	return start.Before(t) && t.Before(end)
}

// IsWithinSchedule checks whether now falls inside one of today's windows.
// An unparsable window fails the whole lookup closed.
func IsWithinSchedule(schedule WeeklySchedule, now time.Time) bool {
	windows := schedule.Windows(now.Weekday())
	if len(windows) == 0 {
		return false
	}

	for _, raw := range windows {
		w, err := ParseWindow(raw)
		if err != nil {
			return false
		}
		if w.Contains(now) {
			return true
		}
	}
	return false
}

// Lint returns an error for every window that will never parse
func (s WeeklySchedule) Lint() []error {
	var errs []error
	for day := time.Sunday; day <= time.Saturday; day++ {
		for _, raw := range s[day] {
			if _, err := ParseWindow(raw); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", strings.ToLower(day.String()), err))
			}
		}
	}
	return errs
}

// ParseWeekday maps a lowercase English weekday name to time.Weekday
func ParseWeekday(name string) (time.Weekday, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for day := time.Sunday; day <= time.Saturday; day++ {
		if strings.ToLower(day.String()) == name {
			return day, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", name)
}
