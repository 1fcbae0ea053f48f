package timeutils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// minLeadTime is the smallest acceptable gap between "now" and a scheduled
// optimization run. Anything closer is pushed out by one interval.
const minLeadTime = 10 * time.Second

// NextRunTime returns the instant at which the next optimization run should
// start. The run is aligned to the next interval boundary and brought forward
// by the average solver runtime, so that the response typically arrives just
// after the boundary.
func NextRunTime(now time.Time, avgRuntime, interval time.Duration) time.Time {
	boundary := now.Truncate(interval).Add(interval)
	next := boundary.Add(-avgRuntime)
	if !next.After(now.Add(minLeadTime)) {
		next = next.Add(interval)
	}
	return next
}

// StartOfDay returns midnight of the day containing t, in t's location.
func StartOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// ParseHourMinute parses a "HH:MM" string into a duration.
func ParseHourMinute(s string) (time.Duration, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("parse hours of %q: %w", s, err)
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("parse minutes of %q: %w", s, err)
	}
	if hours < 0 || minutes < 0 || minutes > 59 {
		return 0, fmt.Errorf("out of range duration %q", s)
	}
	return time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute, nil
}

// FormatHourMinute renders a duration as "HH:MM", rounded down to the minute.
func FormatHourMinute(d time.Duration) string {
	minutes := int(d.Minutes())
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}
