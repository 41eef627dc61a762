package core

import "byteflusher/protocol"

// KeySink is the keystroke output device (a USB HID keyboard on hardware)
type KeySink interface {
	// Ready reports whether the host has mounted the device and can take reports
	Ready() bool
	Press(modifier, keycode uint8) error
	Release() error
}

// Emitter turns taps into timed press/release reports and logs them. Its
// config is a snapshot refreshed by the pipeline before each step.
//
// Readiness is checked before every report. Once the sink is not ready, or a
// report fails, the emitter halts: the remaining taps of the step are skipped
// until Arm.
type Emitter struct {
	sink  KeySink
	clock Clock
	log   *KeyLog
	cfg   Config

	taps    uint32
	halted  bool
	dropped uint32
}

// NewEmitter creates an emitter writing to sink
func NewEmitter(sink KeySink, clock Clock, log *KeyLog) *Emitter {
	return &Emitter{sink: sink, clock: clock, log: log, cfg: DefaultConfig()}
}

// SetConfig replaces the timing snapshot
func (e *Emitter) SetConfig(cfg Config) {
	e.cfg = cfg
}

// Arm clears a halt so the next step emits again
func (e *Emitter) Arm() {
	e.halted = false
}

// Halted reports whether taps are being skipped
func (e *Emitter) Halted() bool {
	return e.halted
}

// Tap presses and releases one key, holding each edge for the key press delay
// and then waiting the typing delay. It reports whether the key went out.
func (e *Emitter) Tap(t KeyTap, event, arg uint8) bool {
	if !e.press(t) {
		return false
	}
	e.clock.Sleep(msDuration(e.cfg.TypingDelayMs))
	e.record(t, event, arg)
	return true
}

// Toggle taps the configured mode switch binding and waits for the host IME
// to settle. It reports whether the toggle went out; a skipped toggle leaves
// the host IME where it was.
func (e *Emitter) Toggle(korean bool) bool {
	t := ToggleTap(e.cfg.Toggle)
	if !e.press(t) {
		return false
	}
	e.clock.Sleep(msDuration(e.cfg.ModeSwitchDelayMs))

	var arg uint8
	if korean {
		arg = 1
	}
	e.record(t, protocol.EventToggle, arg)
	return true
}

// Taps returns the number of taps emitted so far
func (e *Emitter) Taps() uint32 {
	return e.taps
}

// Dropped returns the number of taps skipped by a halt
func (e *Emitter) Dropped() uint32 {
	return e.dropped
}

func (e *Emitter) press(t KeyTap) bool {
	if e.halted {
		e.dropped++
		return false
	}
	if !e.sink.Ready() {
		e.halt(t)
		return false
	}

	hold := msDuration(e.cfg.KeyPressDelayMs)
	if err := e.sink.Press(t.Modifier, t.Keycode); err != nil {
		_ = e.sink.Release()
		e.halt(t)
		return false
	}
	e.clock.Sleep(hold)
	if err := e.sink.Release(); err != nil {
		e.halt(t)
		return false
	}
	e.clock.Sleep(hold)
	e.taps++
	return true
}

func (e *Emitter) halt(t KeyTap) {
	e.halted = true
	e.dropped++
	RecordEvent(EvtKeyDropped, 0, e.clock.Millis(), uint32(t.Modifier)<<8|uint32(t.Keycode), 0)
}

func (e *Emitter) record(t KeyTap, event, arg uint8) {
	if e.log == nil {
		return
	}
	e.log.Add(protocol.KeyLogRecord{
		Event:       event,
		Modifier:    t.Modifier,
		Keycode:     t.Keycode,
		Arg:         arg,
		TimestampMs: e.clock.Millis(),
	})
}
