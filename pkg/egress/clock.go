package egress

import "time"

// SystemClock is the production Clock: wall-clock milliseconds since
// process start, masked to the wraparound-tolerant 31-bit tick space
// every caller already assumes.
type SystemClock struct {
	start time.Time
}

// NewSystemClock builds a SystemClock anchored to the current time.
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

func (c *SystemClock) TickMillis() int32 {
	return int32(time.Since(c.start).Milliseconds() & 0x7FFFFFFF)
}
