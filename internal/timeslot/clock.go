package timeslot

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const MinutesPerDay = 24 * 60

// ParseClock converts an "HH:MM" wall-clock string to minutes from midnight.
func ParseClock(s string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	return h*60 + m, nil
}

// FormatClock renders minutes from midnight as "HH:MM".
func FormatClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// ParseDate parses a civil date in "YYYY-MM-DD" form to a UTC midnight instant.
func ParseDate(s string) (time.Time, error) {
	return time.Parse("2006-01-02", strings.TrimSpace(s))
}

func FormatDate(d time.Time) string {
	return d.Format("2006-01-02")
}

// Overlaps reports whether the half-open minute intervals [aStart, aEnd) and
// [bStart, bEnd) intersect. Touching endpoints do not overlap: a booking
// ending at 19:00 does not conflict with one starting at 19:00.
func Overlaps(aStart, aEnd, bStart, bEnd int) bool {
	return aStart < bEnd && aEnd > bStart
}

// Range enumerates slot start minutes from start (inclusive) to end
// (exclusive) at the given step.
func Range(start, end, step int) []int {
	if step <= 0 || end <= start {
		return nil
	}
	slots := make([]int, 0, (end-start)/step)
	for m := start; m < end; m += step {
		slots = append(slots, m)
	}
	return slots
}

// WithinRange reports whether date falls inside [start, end], inclusive on
// both ends. Nil bounds are open.
func WithinRange(date time.Time, start, end *time.Time) bool {
	if start != nil && date.Before(*start) {
		return false
	}
	if end != nil && date.After(*end) {
		return false
	}
	return true
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// ParseWeekday maps a short lowercase weekday name ("mon".."sun") to its
// time.Weekday value.
func ParseWeekday(name string) (time.Weekday, error) {
	wd, ok := weekdayNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("invalid weekday %q", name)
	}
	return wd, nil
}

func WeekdayName(wd time.Weekday) string {
	return strings.ToLower(wd.String()[:3])
}
