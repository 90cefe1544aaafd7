package ratelimit

import "time"

// Clock abstracts time for deterministic rate-limiter tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock backed by time.Now.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
