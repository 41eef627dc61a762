package main

import (
	"github.com/spf13/pflag"

	"byteflusher/host/config"
)

// overrides are profile fields settable from the command line. Only flags
// given explicitly replace profile values.
type overrides struct {
	transport string
	device    string

	chunkSize    int
	chunkDelayMs int
	retryDelayMs int

	typingDelayMs     uint16
	modeSwitchDelayMs uint16
	keyPressDelayMs   uint16
	toggleKey         string

	replacement string
	trim        bool
}

func (o *overrides) register(flags *pflag.FlagSet) {
	d := config.Default()
	flags.StringVarP(&o.transport, "transport", "t", d.Transport, "transport: ble or serial")
	flags.StringVarP(&o.device, "device", "d", "", "BLE name or serial port (default: the only ByteFlusher found)")

	flags.IntVar(&o.chunkSize, "chunk-size", d.ChunkSize, "bytes per text chunk (1-200)")
	flags.IntVar(&o.chunkDelayMs, "chunk-delay", d.ChunkDelayMs, "ms between chunks (0-200)")
	flags.IntVar(&o.retryDelayMs, "retry-delay", d.RetryDelayMs, "ms before resending a refused chunk (0-5000)")

	flags.Uint16Var(&o.typingDelayMs, "typing-delay", d.TypingDelayMs, "device ms after each key (0-1000)")
	flags.Uint16Var(&o.modeSwitchDelayMs, "mode-switch-delay", d.ModeSwitchDelayMs, "device ms after a Korean/English switch (0-3000)")
	flags.Uint16Var(&o.keyPressDelayMs, "key-press-delay", d.KeyPressDelayMs, "device ms each key is held (0-300)")
	flags.StringVar(&o.toggleKey, "toggle-key", d.ToggleKey, "IME toggle: rightAlt, leftAlt, rightCtrl, leftCtrl, rightGui, leftGui, capsLock")

	flags.StringVar(&o.replacement, "replacement", d.Replacement, "text typed in place of unsupported characters")
	flags.BoolVar(&o.trim, "trim", false, "drop leading tabs and spaces from every line")
}

func (o *overrides) apply(flags *pflag.FlagSet, p config.Profile) (config.Profile, error) {
	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	set("transport", func() { p.Transport = o.transport })
	set("device", func() { p.Device = o.device })
	set("chunk-size", func() { p.ChunkSize = o.chunkSize })
	set("chunk-delay", func() { p.ChunkDelayMs = o.chunkDelayMs })
	set("retry-delay", func() { p.RetryDelayMs = o.retryDelayMs })
	set("typing-delay", func() { p.TypingDelayMs = o.typingDelayMs })
	set("mode-switch-delay", func() { p.ModeSwitchDelayMs = o.modeSwitchDelayMs })
	set("key-press-delay", func() { p.KeyPressDelayMs = o.keyPressDelayMs })
	set("toggle-key", func() { p.ToggleKey = o.toggleKey })
	set("replacement", func() { p.Replacement = o.replacement })
	set("trim", func() { p.TrimLeadingWhitespace = o.trim })

	if err := p.Validate(); err != nil {
		return p, err
	}
	return p.Normalize(), nil
}
