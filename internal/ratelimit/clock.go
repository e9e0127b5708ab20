package ratelimit

import "time"

// Clock abstracts time.Now so rate limiting and backoff logic can be tested
// deterministically.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
