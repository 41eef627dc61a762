// Package devicetest provides an in-memory ByteFlusher for host tests: the
// firmware pipeline running against a recording keyboard
package devicetest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"byteflusher/core"
	"byteflusher/protocol"
	"byteflusher/settings"
)

// ErrInjected is returned by writes failed with FailWrites
var ErrInjected = errors.New("injected write failure")

// Options returns pipeline options with zero typing delays, so tests run at
// full speed
func Options() core.Options {
	opts := core.DefaultOptions()
	opts.Config = core.Config{}
	opts.StatusInterval = 10 * time.Millisecond
	return opts
}

// Emulator implements device.Device on top of core.Pipeline
type Emulator struct {
	Pipeline *core.Pipeline
	Registry *core.ChannelRegistry
	Keyboard *Keyboard

	mu          sync.Mutex
	handler     protocol.NotifyHandler
	nickname    string
	bootloader  int
	failWrites  map[protocol.Channel]int
	dropWrites  map[protocol.Channel]int
	writeCounts map[protocol.Channel]int

	cancel context.CancelFunc
	done   chan struct{}
}

// New starts an emulator. The consumer loop runs until Close.
func New(opts core.Options) *Emulator {
	e := &Emulator{
		Registry:    core.NewChannelRegistry(),
		Keyboard:    &Keyboard{},
		failWrites:  make(map[protocol.Channel]int),
		dropWrites:  make(map[protocol.Channel]int),
		writeCounts: make(map[protocol.Channel]int),
		done:        make(chan struct{}),
	}
	e.Pipeline = core.NewPipeline(e.Keyboard, core.NewSystemClock(), core.NotifierFunc(e.notify), opts)
	e.Pipeline.RegisterChannels(e.Registry)

	e.Registry.Register(protocol.ChannelNickname, func(data []byte) error {
		e.mu.Lock()
		e.nickname = settings.SanitizeNickname(data)
		e.mu.Unlock()
		return nil
	})
	e.Registry.RegisterReader(protocol.ChannelNickname, func() []byte {
		e.mu.Lock()
		defer e.mu.Unlock()
		return []byte(e.nickname)
	})
	e.Registry.Register(protocol.ChannelBootloader, func(data []byte) error {
		if len(data) == 1 && data[0] == 0x01 {
			e.mu.Lock()
			e.bootloader++
			e.mu.Unlock()
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go func() {
		defer close(e.done)
		_ = e.Pipeline.Run(ctx)
	}()
	return e
}

func (e *Emulator) notify(ch protocol.Channel, payload []byte) {
	e.mu.Lock()
	handler := e.handler
	e.mu.Unlock()
	if handler != nil {
		handler(ch, append([]byte(nil), payload...))
	}
}

// Write dispatches a channel write the way the firmware's transports do
func (e *Emulator) Write(ctx context.Context, ch protocol.Channel, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	e.writeCounts[ch]++
	if e.failWrites[ch] > 0 {
		e.failWrites[ch]--
		e.mu.Unlock()
		return ErrInjected
	}
	if e.dropWrites[ch] > 0 {
		e.dropWrites[ch]--
		e.mu.Unlock()
		e.Pipeline.ForceStatus()
		return nil
	}
	e.mu.Unlock()

	return e.Registry.Dispatch(ch, append([]byte(nil), payload...))
}

// Read returns a readable channel's value
func (e *Emulator) Read(ctx context.Context, ch protocol.Channel) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.Registry.Read(ch)
}

func (e *Emulator) OnNotify(handler protocol.NotifyHandler) {
	e.mu.Lock()
	e.handler = handler
	e.mu.Unlock()
}

func (e *Emulator) Name() string {
	return "emulator"
}

// Close stops the consumer loop
func (e *Emulator) Close() error {
	e.cancel()
	<-e.done
	return nil
}

// FailWrites makes the next n writes on ch fail without reaching the device
func (e *Emulator) FailWrites(ch protocol.Channel, n int) {
	e.mu.Lock()
	e.failWrites[ch] = n
	e.mu.Unlock()
}

// DropWrites makes the next n writes on ch succeed without reaching the
// pipeline, like a radio that acknowledged a packet its mailbox had no room
// for. Each drop forces a status notification, as the firmware does.
func (e *Emulator) DropWrites(ch protocol.Channel, n int) {
	e.mu.Lock()
	e.dropWrites[ch] = n
	e.mu.Unlock()
}

// Writes returns how many writes were attempted on ch
func (e *Emulator) Writes(ch protocol.Channel) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writeCounts[ch]
}

// BootloaderRequests returns how many times DFU entry was requested
func (e *Emulator) BootloaderRequests() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bootloader
}

// WaitIdle waits until everything queued has been typed
func (e *Emulator) WaitIdle(ctx context.Context) error {
	for {
		for e.Pipeline.Busy() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
		// Step waits for a step still typing the last rune
		if !e.Pipeline.Step() && !e.Pipeline.Busy() {
			return nil
		}
	}
}

type report struct {
	modifier, keycode uint8
}

// Keyboard records HID reports
type Keyboard struct {
	mu       sync.Mutex
	presses  []report
	notReady bool
}

func (k *Keyboard) Ready() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return !k.notReady
}

// SetReady simulates the USB host mounting or dropping the keyboard
func (k *Keyboard) SetReady(ready bool) {
	k.mu.Lock()
	k.notReady = !ready
	k.mu.Unlock()
}

func (k *Keyboard) Press(modifier, keycode uint8) error {
	k.mu.Lock()
	k.presses = append(k.presses, report{modifier, keycode})
	k.mu.Unlock()
	return nil
}

func (k *Keyboard) Release() error { return nil }

// Presses returns the number of key presses
func (k *Keyboard) Presses() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.presses)
}

var reverseKeys = func() map[report]byte {
	m := make(map[report]byte)
	for c := 0; c < 128; c++ {
		if t, ok := core.LookupASCII(byte(c)); ok {
			m[report{t.Modifier, t.Keycode}] = byte(c)
		}
	}
	m[report{0, core.KeyEnter}] = '\n'
	return m
}()

// Typed renders the key presses as the characters they produce on a US
// layout. Mode toggles show as [T]; the GUI+R chord as [RUN]; Escape as [ESC].
func (k *Keyboard) Typed() string {
	k.mu.Lock()
	defer k.mu.Unlock()

	var b strings.Builder
	for _, r := range k.presses {
		switch {
		case r.modifier == core.ModLeftGUI && r.keycode == core.KeyR:
			b.WriteString("[RUN]")
		case r.modifier == 0 && r.keycode == core.KeyEscape:
			b.WriteString("[ESC]")
		case r.keycode == 0 || r.keycode == core.KeyCapsLock:
			b.WriteString("[T]")
		default:
			if c, ok := reverseKeys[r]; ok {
				b.WriteByte(c)
			} else {
				b.WriteString("[?]")
			}
		}
	}
	return b.String()
}
