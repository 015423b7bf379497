package utils

import (
	"strings"
	"time"
)

// Backoff returns the delay before the given retry attempt (1-based): initial
// doubled for every previous attempt and capped at max.
func Backoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt < 1 || initial <= 0 {
		return 0
	}

	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}

	if max > 0 && d > max {
		return max
	}

	return d
}

// TruncateForLog shortens the provided string to the specified limit, appending an ellipsis when truncated.
func TruncateForLog(s string, limit int) string {
	s = strings.TrimSpace(s)
	if limit <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
