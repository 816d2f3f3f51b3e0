package thread

import "time"

const (
	DefaultTTLHours   = 24
	MinTTLHours       = 1
	MaxTTLHours       = 168
	DefaultMaxMembers = 20
	MinMaxMembers     = 2
	MaxMaxMembers     = 20
)

// ClampTTL maps 0 to the default and clamps everything else into [1,168].
func ClampTTL(hours, def int) int {
	if hours == 0 {
		hours = def
	}
	return clamp(hours, MinTTLHours, MaxTTLHours)
}

// ClampMaxMembers maps 0 to the default and clamps everything else into [2,20].
func ClampMaxMembers(n, def int) int {
	if n == 0 {
		n = def
	}
	return clamp(n, MinMaxMembers, MaxMaxMembers)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// NextArchiveAt returns now + ttlHours, never earlier than prev.
func NextArchiveAt(now time.Time, ttlHours int, prev *time.Time) time.Time {
	next := now.Add(time.Duration(ttlHours) * time.Hour).UTC()
	if prev != nil && prev.After(next) {
		return prev.UTC()
	}
	return next
}
