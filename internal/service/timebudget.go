package service

import "time"

// Clock returns the current time. Tests inject a fixed clock.
type Clock func() time.Time

// RemainingSeconds is the delivery window left from max(start, now) to finish,
// in whole seconds. A result <= 0 means no budget.
func RemainingSeconds(start, finish, now time.Time) int64 {
	from := start
	if now.After(from) {
		from = now
	}
	return int64(finish.Sub(from) / time.Second)
}

// SoftBudget is RemainingSeconds as a duration, clamped at zero.
func SoftBudget(start, finish, now time.Time) time.Duration {
	s := RemainingSeconds(start, finish, now)
	if s <= 0 {
		return 0
	}
	return time.Duration(s) * time.Second
}
