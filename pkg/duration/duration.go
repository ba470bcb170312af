// Package duration provides human-readable duration parsing.
// It extends Go's standard time.ParseDuration with support for days and weeks.
//
// Supported units (case-insensitive, singular/plural):
//   - ms, s/sec/second(s), m/min/minute(s), h/hr/hour(s): as in time.ParseDuration
//   - d, day(s): days (24 hours)
//   - w, wk, week(s): weeks (7 days)
//
// Examples:
//   - "30d" = 30 days
//   - "2 weeks" = 2 weeks
//   - "1w2d12h" = 1 week, 2 days, 12 hours
//   - "720h" = 720 hours (standard Go format)
package duration

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// Day represents 24 hours.
	Day = 24 * time.Hour
	// Week represents 7 days.
	Week = 7 * Day
)

// extendedUnits maps day/week unit spellings to their hour multiplier.
var extendedUnits = map[string]int64{
	"w":     7 * 24,
	"wk":    7 * 24,
	"wks":   7 * 24,
	"week":  7 * 24,
	"weeks": 7 * 24,
	"d":     24,
	"day":   24,
	"days":  24,
}

// wordUnits maps spelled-out standard units to time.ParseDuration suffixes.
var wordUnits = map[string]string{
	"hour": "h", "hours": "h", "hr": "h", "hrs": "h",
	"minute": "m", "minutes": "m", "min": "m", "mins": "m",
	"second": "s", "seconds": "s", "sec": "s", "secs": "s",
	"millisecond": "ms", "milliseconds": "ms",
}

var (
	extendedPattern = regexp.MustCompile(`(?i)(\d+)\s*(weeks?|wks?|w|days?|d)`)
	wordPattern     = regexp.MustCompile(`(?i)(\d+)\s*(hours?|hrs?|minutes?|mins?|seconds?|secs?|milliseconds?)`)
)

// Parse parses a human-readable duration string. Day and week units are
// converted to hours before delegating to time.ParseDuration, so mixed
// strings like "1w2d12h30m" work. Whitespace between number and unit is
// accepted.
func Parse(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("duration: empty string")
	}

	s = strings.TrimSpace(s)

	negative := strings.HasPrefix(s, "-")
	if negative {
		s = strings.TrimSpace(strings.TrimPrefix(s, "-"))
	}

	var hours int64
	remaining := extendedPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := extendedPattern.FindStringSubmatch(match)
		if len(parts) == 3 {
			n, _ := strconv.ParseInt(parts[1], 10, 64)
			if mult, ok := extendedUnits[strings.ToLower(parts[2])]; ok {
				hours += n * mult
			}
		}
		return ""
	})

	remaining = wordPattern.ReplaceAllStringFunc(remaining, func(match string) string {
		parts := wordPattern.FindStringSubmatch(match)
		if len(parts) == 3 {
			if suffix, ok := wordUnits[strings.ToLower(parts[2])]; ok {
				return parts[1] + suffix
			}
		}
		return match
	})

	// time.ParseDuration rejects whitespace between components.
	remaining = strings.Join(strings.Fields(strings.TrimSpace(remaining)), "")

	var durationStr string
	if hours > 0 {
		durationStr = fmt.Sprintf("%dh", hours)
	}
	durationStr += remaining
	if durationStr == "" {
		durationStr = "0s"
	}

	d, err := time.ParseDuration(durationStr)
	if err != nil {
		return 0, fmt.Errorf("duration: %w", err)
	}
	if negative {
		d = -d
	}
	return d, nil
}

// MustParse is like Parse but panics if the string cannot be parsed.
// Use only for compile-time constants.
func MustParse(s string) time.Duration {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Format converts a duration to a human-readable string using the largest
// applicable units. Zero components are omitted: 26h becomes "1d2h".
func Format(d time.Duration) string {
	if d == 0 {
		return "0s"
	}

	negative := d < 0
	if negative {
		d = -d
	}

	var b strings.Builder

	weeks := d / Week
	d -= weeks * Week
	days := d / Day
	d -= days * Day
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second
	d -= seconds * time.Second

	if weeks > 0 {
		fmt.Fprintf(&b, "%dw", weeks)
	}
	if days > 0 {
		fmt.Fprintf(&b, "%dd", days)
	}
	if hours > 0 {
		fmt.Fprintf(&b, "%dh", hours)
	}
	if minutes > 0 {
		fmt.Fprintf(&b, "%dm", minutes)
	}
	if seconds > 0 {
		fmt.Fprintf(&b, "%ds", seconds)
	}
	if d >= time.Millisecond {
		fmt.Fprintf(&b, "%dms", d/time.Millisecond)
		d -= (d / time.Millisecond) * time.Millisecond
	}
	if d > 0 {
		fmt.Fprintf(&b, "%dns", d)
	}

	if b.Len() == 0 {
		return "0s"
	}
	if negative {
		return "-" + b.String()
	}
	return b.String()
}
