//go:build nrf52840

package main

import (
	"machine/usb/hid/keyboard"
	"time"

	"byteflusher/core"
)

// TinyGo keyboard codes: 0xE000|bit is a modifier, 0xF000|usage a key
const (
	modifierCode = 0xE000
	usageCode    = 0xF000
)

type hidKeyboard interface {
	Down(c keyboard.Keycode) error
	Release() error
}

// HIDSink presses keys on the USB HID keyboard
type HIDSink struct {
	kb       hidKeyboard
	failing  uint32
	lastFail time.Time
}

const (
	maxHIDFailures = 10
	hidRetryPeriod = time.Second
)

// NewHIDSink registers the HID keyboard interface. TinyGo enumerates it next
// to the CDC serial port as a composite device.
func NewHIDSink() *HIDSink {
	return &HIDSink{kb: keyboard.Port()}
}

// Ready reports whether the host has enumerated the keyboard. TinyGo does not
// expose the configured state, so a run of failed reports marks the keyboard
// unmounted and one probe is allowed per hidRetryPeriod.
func (s *HIDSink) Ready() bool {
	return s.failing < maxHIDFailures || time.Since(s.lastFail) > hidRetryPeriod
}

func (s *HIDSink) Press(mod, key uint8) error {
	for bit := uint8(1); bit != 0; bit <<= 1 {
		if mod&bit != 0 {
			if err := s.kb.Down(keyboard.Keycode(modifierCode | uint16(bit))); err != nil {
				return s.fail(err)
			}
		}
	}
	if key != 0 {
		if err := s.kb.Down(keyboard.Keycode(usageCode | uint16(key))); err != nil {
			return s.fail(err)
		}
	}
	s.failing = 0
	return nil
}

func (s *HIDSink) Release() error {
	if err := s.kb.Release(); err != nil {
		return s.fail(err)
	}
	return nil
}

func (s *HIDSink) fail(err error) error {
	s.failing++
	s.lastFail = time.Now()
	if s.failing == maxHIDFailures {
		core.DebugAsync("hid: keyboard not responding")
	}
	return err
}
