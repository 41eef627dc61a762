package core

import "time"

// Clock is the time source for every delay in the pipeline. Tests substitute a
// manual clock so delays cost nothing.
type Clock interface {
	// Millis returns milliseconds since an arbitrary origin; it wraps
	Millis() uint32
	Sleep(d time.Duration)
}

// SystemClock is a Clock backed by the runtime timer
type SystemClock struct {
	start time.Time
}

// NewSystemClock creates a clock whose origin is now
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

func (c *SystemClock) Millis() uint32 {
	return uint32(time.Since(c.start).Milliseconds())
}

func (c *SystemClock) Sleep(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

// elapsed reports whether deadline (in Millis units) has passed, tolerating wrap
func elapsed(now, deadline uint32) bool {
	return int32(now-deadline) >= 0
}
