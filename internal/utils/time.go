package utils

import (
	"time"
)

// SecondsUntil returns whole seconds from now to end, never negative.
func SecondsUntil(end, now time.Time) int64 {
	if !now.Before(end) {
		return 0
	}
	return int64(end.Sub(now) / time.Second)
}
