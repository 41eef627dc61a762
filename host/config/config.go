// Package config loads the host profile: how to reach the device and how to
// pace and type a job
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"byteflusher/core"
)

// Transports
const (
	TransportBLE    = "ble"
	TransportSerial = "serial"
)

// Limits, matching the web client's input ranges
const (
	MinChunkSize      = 1
	MaxChunkSize      = 200
	MaxChunkDelayMs   = 200
	MaxRetryDelayMs   = 5000
	MaxReplacementLen = 16

	DefaultReplacement = "[?]"
)

// Profile is the persisted host configuration
type Profile struct {
	// Transport is "ble" or "serial"
	Transport string `yaml:"transport"`

	// Device is the BLE local name or serial port path; empty picks the only
	// ByteFlusher found
	Device string `yaml:"device,omitempty"`

	ChunkSize    int `yaml:"chunk_size"`
	ChunkDelayMs int `yaml:"chunk_delay_ms"`
	RetryDelayMs int `yaml:"retry_delay_ms"`

	TypingDelayMs     uint16 `yaml:"typing_delay_ms"`
	ModeSwitchDelayMs uint16 `yaml:"mode_switch_delay_ms"`
	KeyPressDelayMs   uint16 `yaml:"key_press_delay_ms"`
	ToggleKey         string `yaml:"toggle_key"`

	Replacement           string `yaml:"replacement"`
	TrimLeadingWhitespace bool   `yaml:"trim_leading_whitespace"`
}

// Default returns the built-in profile
func Default() Profile {
	return Profile{
		Transport:         TransportBLE,
		ChunkSize:         20,
		ChunkDelayMs:      30,
		RetryDelayMs:      300,
		TypingDelayMs:     core.DefaultTypingDelayMs,
		ModeSwitchDelayMs: core.DefaultModeSwitchDelayMs,
		KeyPressDelayMs:   core.DefaultKeyPressDelayMs,
		ToggleKey:         core.ToggleRightAlt.String(),
		Replacement:       DefaultReplacement,
	}
}

// DefaultPath returns $XDG_CONFIG_HOME/byteflusher/config.yaml (or the
// platform equivalent)
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate config directory: %w", err)
	}
	return filepath.Join(dir, "byteflusher", "config.yaml"), nil
}

// Load reads a profile. A missing file yields the defaults; fields absent from
// the file keep their default values.
func Load(path string) (Profile, error) {
	p := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &p); err != nil {
		return Default(), fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Default(), fmt.Errorf("invalid config %s: %w", path, err)
	}
	return p.Normalize(), nil
}

// Save writes the profile, creating the directory if needed
func Save(path string, p Profile) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(p.Normalize())
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate rejects values that cannot be clamped into meaning
func (p Profile) Validate() error {
	switch p.Transport {
	case TransportBLE, TransportSerial:
	default:
		return fmt.Errorf("unknown transport %q (want %q or %q)", p.Transport, TransportBLE, TransportSerial)
	}
	if _, ok := core.ParseToggleKey(p.ToggleKey); !ok {
		return fmt.Errorf("unknown toggle key %q", p.ToggleKey)
	}
	return nil
}

// Normalize clamps numeric fields into their accepted ranges
func (p Profile) Normalize() Profile {
	p.ChunkSize = clamp(p.ChunkSize, MinChunkSize, MaxChunkSize)
	p.ChunkDelayMs = clamp(p.ChunkDelayMs, 0, MaxChunkDelayMs)
	p.RetryDelayMs = clamp(p.RetryDelayMs, 0, MaxRetryDelayMs)

	cfg := p.DeviceConfig()
	p.TypingDelayMs = cfg.TypingDelayMs
	p.ModeSwitchDelayMs = cfg.ModeSwitchDelayMs
	p.KeyPressDelayMs = cfg.KeyPressDelayMs

	p.Replacement = NormalizeReplacement(p.Replacement)
	return p
}

// NormalizeReplacement trims s and limits it to MaxReplacementLen runes; an
// empty result becomes DefaultReplacement
func NormalizeReplacement(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultReplacement
	}
	if r := []rune(s); len(r) > MaxReplacementLen {
		s = string(r[:MaxReplacementLen])
	}
	return s
}

// DeviceConfig returns the runtime config to write to the device
func (p Profile) DeviceConfig() core.Config {
	toggle, ok := core.ParseToggleKey(p.ToggleKey)
	if !ok {
		toggle = core.ToggleRightAlt
	}
	return core.Config{
		TypingDelayMs:     p.TypingDelayMs,
		ModeSwitchDelayMs: p.ModeSwitchDelayMs,
		KeyPressDelayMs:   p.KeyPressDelayMs,
		Toggle:            toggle,
	}.Clamp()
}

// ChunkDelay returns the pause between chunks
func (p Profile) ChunkDelay() time.Duration {
	return time.Duration(p.ChunkDelayMs) * time.Millisecond
}

// RetryDelay returns the pause before resending a failed chunk
func (p Profile) RetryDelay() time.Duration {
	return time.Duration(p.RetryDelayMs) * time.Millisecond
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
