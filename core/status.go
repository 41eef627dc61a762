package core

import (
	"sync/atomic"
	"time"
)

// StatusReporter throttles status notifications. A notification is due when
// forced, or when the minimum interval has passed and free space changed since
// the last one. Force may be called from any goroutine; Due belongs to the
// consumer.
type StatusReporter struct {
	clock       Clock
	minInterval uint32 // ms

	forced   uint32 // atomic bool
	sent     bool
	lastFree uint16
	lastAt   uint32
}

// NewStatusReporter creates a reporter with the given throttle window
func NewStatusReporter(clock Clock, minInterval time.Duration) *StatusReporter {
	return &StatusReporter{
		clock:       clock,
		minInterval: uint32(minInterval / time.Millisecond),
	}
}

// Force makes the next Due call report regardless of the throttle
func (s *StatusReporter) Force() {
	atomic.StoreUint32(&s.forced, 1)
}

// Due reports whether a notification for free should go out now, and if so
// records it as sent
func (s *StatusReporter) Due(free uint16) bool {
	now := s.clock.Millis()
	if atomic.SwapUint32(&s.forced, 0) == 0 {
		if s.sent && now-s.lastAt < s.minInterval {
			return false
		}
		if s.sent && free == s.lastFree {
			return false
		}
	}
	s.sent = true
	s.lastFree = free
	s.lastAt = now
	return true
}
