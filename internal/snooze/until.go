package snooze

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Default wake times for relative expressions.
const (
	morningHour = 9
	eveningHour = 18
	weekendHour = 10
)

var relativePattern = regexp.MustCompile(`^(\d+)\s*([hd])$`)

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

var literalLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseUntil resolves a human snooze expression against now. Unrecognized
// input falls back to 24 hours from now.
func ParseUntil(expr string, now time.Time) time.Time {
	s := strings.ToLower(strings.TrimSpace(expr))
	loc := now.Location()

	switch s {
	case "tomorrow", "tmrw":
		return atHour(now.AddDate(0, 0, 1), morningHour)
	case "evening":
		evening := atHour(now, eveningHour)
		if now.After(evening) {
			return now
		}
		return evening
	case "morning":
		morning := atHour(now, morningHour)
		if !morning.After(now) {
			morning = atHour(now.AddDate(0, 0, 1), morningHour)
		}
		return morning
	case "weekend":
		return atHour(now.AddDate(0, 0, daysUntil(now.Weekday(), time.Saturday)), weekendHour)
	}

	if day, ok := weekdays[s]; ok {
		return atHour(now.AddDate(0, 0, daysUntil(now.Weekday(), day)), morningHour)
	}

	if m := relativePattern.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			if m[2] == "h" {
				return now.Add(time.Duration(n) * time.Hour)
			}
			return atHour(now.AddDate(0, 0, n), morningHour)
		}
	}

	if t, err := time.Parse(time.RFC3339, strings.TrimSpace(expr)); err == nil {
		return t
	}
	for _, layout := range literalLayouts {
		if t, err := time.ParseInLocation(layout, strings.TrimSpace(expr), loc); err == nil {
			return t
		}
	}

	return now.Add(24 * time.Hour)
}

func atHour(day time.Time, hour int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), hour, 0, 0, 0, day.Location())
}

// daysUntil is strictly positive: the same weekday means next week.
func daysUntil(from, to time.Weekday) int {
	d := (int(to) - int(from) + 7) % 7
	if d == 0 {
		d = 7
	}
	return d
}
