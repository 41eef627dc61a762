//go:build tinygo

package core

import "runtime/interrupt"

// State is the interrupt mask saved while the mailbox is locked
type State = interrupt.State

// disableInterrupts keeps the SoftDevice callbacks out of the mailbox
func disableInterrupts() State {
	return interrupt.Disable()
}

func restoreInterrupts(state State) {
	interrupt.Restore(state)
}
