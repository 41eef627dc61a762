//go:build !tinygo

package core

import "sync"

// State mirrors the saved interrupt mask of the firmware build
type State uintptr

// criticalMu stands in for interrupt masking: off target the mailbox is shared
// between goroutines
var criticalMu sync.Mutex

func disableInterrupts() State {
	criticalMu.Lock()
	return 0
}

func restoreInterrupts(State) {
	criticalMu.Unlock()
}
