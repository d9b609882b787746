// Package ratelimit locks out repeated failed sign-ins per email and client
// address.
package ratelimit

import (
	"time"
)

// Lockout tracks failed sign-ins for one email and address pair.
type Lockout struct {
	Key           string     `json:"key"`
	FailureCount  int        `json:"failure_count"`
	WindowStart   time.Time  `json:"window_start"`
	LastFailureAt time.Time  `json:"last_failure_at"`
	LockedUntil   *time.Time `json:"locked_until,omitempty"`
}

// IsLockedAt reports whether the lock is still in force at now.
func (l *Lockout) IsLockedAt(now time.Time) bool {
	return l.LockedUntil != nil && now.Before(*l.LockedUntil)
}

// Config bounds sign-in attempts.
type Config struct {
	// AttemptsPerWindow failures inside Window trigger a lock.
	AttemptsPerWindow int
	Window            time.Duration
	LockDuration      time.Duration
}

func DefaultConfig() Config {
	return Config{
		AttemptsPerWindow: 5,
		Window:            15 * time.Minute,
		LockDuration:      15 * time.Minute,
	}
}

// Result is the outcome of a pre-sign-in check.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Key composes the lockout key. The email is expected to be normalised.
func Key(identifier, ip string) string {
	return identifier + "|" + ip
}
