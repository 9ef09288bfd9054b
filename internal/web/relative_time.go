package web

import (
	"fmt"
	"time"
)

const (
	secondsPerMinute = 60
	secondsPerHour   = 60 * secondsPerMinute
	secondsPerDay    = 24 * secondsPerHour
	secondsPerMonth  = 30 * secondsPerDay
	secondsPerYear   = 365 * secondsPerDay
)

// RelativeTime renders t relative to now the way GitHub/Gitea timestamps do:
// "5 minutes ago", "in 3 days", collapsing anything under 3 seconds either
// way to "just now".
func RelativeTime(t, now time.Time) string {
	diff := t.Sub(now)

	absSeconds := int64(diff.Seconds())
	future := absSeconds > 0

	if absSeconds < 0 {
		absSeconds = -absSeconds
	}

	if absSeconds < 3 {
		return "just now"
	}

	var n int64

	var unit string

	switch {
	case absSeconds < secondsPerMinute:
		n, unit = absSeconds, "second"
	case absSeconds < secondsPerHour:
		n, unit = absSeconds/secondsPerMinute, "minute"
	case absSeconds < secondsPerDay:
		n, unit = absSeconds/secondsPerHour, "hour"
	case absSeconds < secondsPerMonth:
		n, unit = absSeconds/secondsPerDay, "day"
	case absSeconds < secondsPerYear:
		n, unit = absSeconds/secondsPerMonth, "month"
	default:
		n, unit = absSeconds/secondsPerYear, "year"
	}

	text := pluralize(int(n), unit)
	if future {
		return "in " + text
	}

	return text + " ago"
}

func pluralize(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}

	return fmt.Sprintf("%d %ss", n, unit)
}
