package session

import "time"

// Clock supplies the current time. The engine never reads the system clock
// directly; tests inject fixed clocks and deployments control the time
// zone used for calendar-day bucketing.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real system time.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock always returns the same instant.
type FixedClock struct {
	T time.Time
}

func (c FixedClock) Now() time.Time { return c.T }
