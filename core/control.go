package core

import (
	"sync"
	"sync/atomic"
)

// ControlPlane holds pause/resume/abort requests until the consumer applies
// them at the top of its next iteration. Requests are never applied on the
// write path: a pause taking effect while a writer waits for room would leave
// nothing able to make room, including the resume meant to release it.
type ControlPlane struct {
	mu             sync.Mutex
	pausePending   bool
	pauseTarget    bool
	abortRequested bool

	paused uint32 // applied state, atomic bool
}

// RequestPause asks for the paused state to become paused
func (c *ControlPlane) RequestPause(paused bool) {
	c.mu.Lock()
	c.pausePending = true
	c.pauseTarget = paused
	c.mu.Unlock()
}

// RequestAbort asks for all buffered text to be discarded
func (c *ControlPlane) RequestAbort() {
	c.mu.Lock()
	c.abortRequested = true
	c.mu.Unlock()
}

// Take clears pending requests and applies the pause target. It is called only
// by the consumer.
func (c *ControlPlane) Take() (pauseChanged, abort bool) {
	c.mu.Lock()
	pending, target := c.pausePending, c.pauseTarget
	abort = c.abortRequested
	c.pausePending = false
	c.abortRequested = false
	c.mu.Unlock()

	if pending {
		var v uint32
		if target {
			v = 1
		}
		pauseChanged = atomic.SwapUint32(&c.paused, v) != v
	}
	return pauseChanged, abort
}

// Paused returns the applied paused state
func (c *ControlPlane) Paused() bool {
	return atomic.LoadUint32(&c.paused) != 0
}
