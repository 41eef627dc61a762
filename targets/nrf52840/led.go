//go:build nrf52840

package main

import (
	"image/color"
	"machine"

	"tinygo.org/x/drivers/ws2812"
)

// LEDState is what the status pixel shows
type LEDState uint8

const (
	LEDDisconnected LEDState = iota
	LEDIdle
	LEDTyping
	LEDPaused
)

var ledColors = [...]color.RGBA{
	LEDDisconnected: {R: 0x10, G: 0x00, B: 0x00},
	LEDIdle:         {R: 0x00, G: 0x20, B: 0x00},
	LEDTyping:       {R: 0x00, G: 0x00, B: 0x30},
	LEDPaused:       {R: 0x30, G: 0x18, B: 0x00},
}

// StatusLED drives the on-board NeoPixel. Writes happen only on state changes
// since each one disables interrupts for the bit-banged transfer.
type StatusLED struct {
	dev     ws2812.Device
	current LEDState
	valid   bool
}

// NewStatusLED configures the WS2812 data pin (P0.16 on the Feather)
func NewStatusLED() *StatusLED {
	pin := machine.WS2812
	pin.Configure(machine.PinConfig{Mode: machine.PinOutput})
	return &StatusLED{dev: ws2812.NewWS2812(pin)}
}

// Show sets the pixel for state
func (l *StatusLED) Show(state LEDState) {
	if l.valid && state == l.current {
		return
	}
	if err := l.dev.WriteColors([]color.RGBA{ledColors[state]}); err != nil {
		return
	}
	l.current = state
	l.valid = true
}

// ledStateFor maps connection and pipeline state to the LED
func ledStateFor(connected, paused, busy bool) LEDState {
	switch {
	case !connected:
		return LEDDisconnected
	case paused:
		return LEDPaused
	case busy:
		return LEDTyping
	default:
		return LEDIdle
	}
}
