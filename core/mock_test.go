package core

import (
	"strings"
	"sync"
	"time"

	"byteflusher/protocol"
)

// mockClock advances only when slept on
type mockClock struct {
	mu    sync.Mutex
	ms    uint32
	slept time.Duration
}

func (c *mockClock) Millis() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ms
}

func (c *mockClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ms += uint32(d / time.Millisecond)
	c.slept += d
}

func (c *mockClock) Advance(d time.Duration) {
	c.Sleep(d)
}

type report struct {
	modifier, keycode uint8
}

// MockKeySink records every report it is sent
type MockKeySink struct {
	mu       sync.Mutex
	notReady bool
	readyFor int // Ready calls left before the sink drops; 0 means no limit
	pressErr error
	presses  []report
	releases int
}

func (s *MockKeySink) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readyFor > 0 {
		s.readyFor--
		if s.readyFor == 0 {
			s.notReady = true
		}
		return true
	}
	return !s.notReady
}

func (s *MockKeySink) SetReady(ready bool) {
	s.mu.Lock()
	s.notReady = !ready
	s.readyFor = 0
	s.mu.Unlock()
}

// DropAfter keeps the sink ready for n more checks, then unmounts it
func (s *MockKeySink) DropAfter(n int) {
	s.mu.Lock()
	s.notReady = false
	s.readyFor = n
	s.mu.Unlock()
}

// FailPresses makes every press return err
func (s *MockKeySink) FailPresses(err error) {
	s.mu.Lock()
	s.pressErr = err
	s.mu.Unlock()
}

func (s *MockKeySink) Press(modifier, keycode uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pressErr != nil {
		return s.pressErr
	}
	s.presses = append(s.presses, report{modifier, keycode})
	return nil
}

func (s *MockKeySink) Release() error {
	s.mu.Lock()
	s.releases++
	s.mu.Unlock()
	return nil
}

func (s *MockKeySink) Presses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.presses)
}

var reverseKeys = func() map[report]byte {
	m := make(map[report]byte)
	for c := 0; c < 128; c++ {
		if t, ok := LookupASCII(byte(c)); ok {
			m[report{t.Modifier, t.Keycode}] = byte(c)
		}
	}
	m[report{0, KeyEnter}] = '\n'
	return m
}()

// Typed renders the presses as text; toggle taps show as [T], other keys as [?]
func (s *MockKeySink) Typed() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	for _, r := range s.presses {
		if c, ok := reverseKeys[r]; ok {
			b.WriteByte(c)
			continue
		}
		if r.keycode == 0 || r.keycode == KeyCapsLock {
			b.WriteString("[T]")
			continue
		}
		b.WriteString("[?]")
	}
	return b.String()
}

// tapRecorder is a KeyEmitter that records taps as text
type tapRecorder struct {
	out     strings.Builder
	toggles int
	taps    int
}

func (r *tapRecorder) Tap(t KeyTap, event, arg uint8) bool {
	r.taps++
	if t.Keycode == KeyEnter {
		r.out.WriteString("⏎")
		return true
	}
	r.out.WriteByte(t.Char)
	return true
}

func (r *tapRecorder) Toggle(korean bool) bool {
	r.toggles++
	if korean {
		r.out.WriteString("<ko>")
	} else {
		r.out.WriteString("<en>")
	}
	return true
}

type notification struct {
	ch      protocol.Channel
	payload []byte
}

// mockNotifier keeps a copy of every notification
type mockNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *mockNotifier) Notify(ch protocol.Channel, payload []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{ch, append([]byte(nil), payload...)})
}

func (n *mockNotifier) On(ch protocol.Channel) [][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out [][]byte
	for _, s := range n.sent {
		if s.ch == ch {
			out = append(out, s.payload)
		}
	}
	return out
}

type testRig struct {
	p        *Pipeline
	sink     *MockKeySink
	clock    *mockClock
	notifier *mockNotifier
}

func newRig(mod func(*Options)) *testRig {
	opts := DefaultOptions()
	if mod != nil {
		mod(&opts)
	}
	r := &testRig{
		sink:     &MockKeySink{},
		clock:    &mockClock{},
		notifier: &mockNotifier{},
	}
	r.p = NewPipeline(r.sink, r.clock, r.notifier, opts)
	return r
}

func (r *testRig) drain() {
	for i := 0; i < 1_000_000 && r.p.Step(); i++ {
	}
}

func (r *testRig) text(session, seq uint16, s string) error {
	return r.p.WriteText(protocol.EncodeTextChunk(session, seq, []byte(s)))
}

func (r *testRig) flags(flags uint8) error {
	return r.p.WriteConfig(r.p.Config().Packet(flags).Encode())
}

func (r *testRig) macro(op protocol.Opcode, payload []byte) error {
	rec, err := protocol.EncodeMacro(op, payload)
	if err != nil {
		return err
	}
	return r.p.WriteMacro(rec)
}
