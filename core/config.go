package core

import (
	"time"

	"byteflusher/protocol"
)

// Firmware sizing and timing
const (
	ChannelCapacity   = 4096 // ingest ring size (one slot stays empty)
	StashCapacity     = 1024
	MacroCapacity     = 512
	KeyLogCapacity    = 64
	StatusMinInterval = 200 * time.Millisecond
	MaxWriteStall     = 1500 * time.Millisecond
	PushRetryDelay    = 2 * time.Millisecond
	IdleDelay         = time.Millisecond
)

// Limits applied to config channel writes
const (
	MaxTypingDelayMs     = 1000
	MaxModeSwitchDelayMs = 3000
	MaxKeyPressDelayMs   = 300
)

const (
	DefaultTypingDelayMs     = 30
	DefaultModeSwitchDelayMs = 100
	DefaultKeyPressDelayMs   = 10
)

// ToggleKey selects the key tapped to flip the host IME between Korean and English
type ToggleKey uint8

const (
	ToggleRightAlt ToggleKey = iota
	ToggleLeftAlt
	ToggleRightCtrl
	ToggleLeftCtrl
	ToggleRightGUI
	ToggleLeftGUI
	ToggleCapsLock

	toggleKeyCount
)

var toggleKeyNames = [toggleKeyCount]string{
	"rightAlt", "leftAlt", "rightCtrl", "leftCtrl", "rightGui", "leftGui", "capsLock",
}

// Valid reports whether k names one of the supported bindings
func (k ToggleKey) Valid() bool {
	return k < toggleKeyCount
}

func (k ToggleKey) String() string {
	if !k.Valid() {
		return "unknown"
	}
	return toggleKeyNames[k]
}

// ParseToggleKey maps a binding name (as printed by String) back to its selector
func ParseToggleKey(name string) (ToggleKey, bool) {
	for i, n := range toggleKeyNames {
		if n == name {
			return ToggleKey(i), true
		}
	}
	return 0, false
}

// Config is the runtime typing configuration
type Config struct {
	TypingDelayMs     uint16
	ModeSwitchDelayMs uint16
	KeyPressDelayMs   uint16
	Toggle            ToggleKey
}

// DefaultConfig returns the configuration used until the host sends one
func DefaultConfig() Config {
	return Config{
		TypingDelayMs:     DefaultTypingDelayMs,
		ModeSwitchDelayMs: DefaultModeSwitchDelayMs,
		KeyPressDelayMs:   DefaultKeyPressDelayMs,
		Toggle:            ToggleRightAlt,
	}
}

// Clamp limits every delay to its accepted range and resets an unknown toggle
func (c Config) Clamp() Config {
	if c.TypingDelayMs > MaxTypingDelayMs {
		c.TypingDelayMs = MaxTypingDelayMs
	}
	if c.ModeSwitchDelayMs > MaxModeSwitchDelayMs {
		c.ModeSwitchDelayMs = MaxModeSwitchDelayMs
	}
	if c.KeyPressDelayMs > MaxKeyPressDelayMs {
		c.KeyPressDelayMs = MaxKeyPressDelayMs
	}
	if !c.Toggle.Valid() {
		c.Toggle = ToggleRightAlt
	}
	return c
}

// Apply merges a config channel write. Delays are clamped; a missing or out of
// range toggle selector keeps the current binding.
func (c Config) Apply(p protocol.ConfigPacket) Config {
	c.TypingDelayMs = p.TypingDelayMs
	c.ModeSwitchDelayMs = p.ModeSwitchDelayMs
	c.KeyPressDelayMs = p.KeyPressDelayMs
	if p.HasToggleKey && ToggleKey(p.ToggleKey).Valid() {
		c.Toggle = ToggleKey(p.ToggleKey)
	}
	return c.Clamp()
}

// Packet builds the config channel write carrying c and the given flags
func (c Config) Packet(flags uint8) protocol.ConfigPacket {
	return protocol.ConfigPacket{
		TypingDelayMs:     c.TypingDelayMs,
		ModeSwitchDelayMs: c.ModeSwitchDelayMs,
		KeyPressDelayMs:   c.KeyPressDelayMs,
		ToggleKey:         uint8(c.Toggle),
		HasToggleKey:      true,
		Flags:             flags,
		HasFlags:          true,
	}
}

func msDuration(ms uint16) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
