package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"byteflusher/protocol"
)

func zeroDelays(o *Options) {
	o.Config = Config{}
}

func TestPipelineTypesInOrder(t *testing.T) {
	r := newRig(nil)
	r.text(1, 0, "Hello, ")
	r.text(1, 1, "world!\n")
	r.drain()

	if got := r.sink.Typed(); got != "Hello, world!\n" {
		t.Errorf("typed %q", got)
	}
}

func TestPipelineDeterministicAcrossChunking(t *testing.T) {
	text := "Hi 한글\r\nline2 é\tend"

	whole := newRig(zeroDelays)
	whole.text(9, 0, text)
	whole.drain()

	bytewise := newRig(zeroDelays)
	for i := 0; i < len(text); i++ {
		bytewise.text(9, uint16(i), text[i:i+1])
		if i%3 == 0 {
			bytewise.p.Step()
		}
	}
	bytewise.drain()

	if whole.sink.Typed() != bytewise.sink.Typed() {
		t.Errorf("chunking changed output:\n%q\n%q", whole.sink.Typed(), bytewise.sink.Typed())
	}
	if want := "Hi [T]gksrmf[T]\nline2 ?\tend"; whole.sink.Typed() != want {
		t.Errorf("typed %q, want %q", whole.sink.Typed(), want)
	}
}

func TestPipelineDuplicateChunkIgnored(t *testing.T) {
	r := newRig(zeroDelays)
	r.text(5, 0, "ab")
	r.text(5, 1, "c")
	r.drain()
	presses := r.sink.Presses()

	r.text(5, 1, "c")
	r.text(5, 0, "ab")
	r.drain()

	if r.sink.Presses() != presses {
		t.Errorf("resent chunks typed %d extra keys", r.sink.Presses()-presses)
	}
	if got := r.sink.Typed(); got != "abc" {
		t.Errorf("typed %q", got)
	}
}

func TestPipelineGapDropped(t *testing.T) {
	r := newRig(zeroDelays)
	r.text(5, 0, "a")
	r.text(5, 2, "c")
	r.drain()
	if got := r.sink.Typed(); got != "a" {
		t.Fatalf("gap chunk applied: %q", got)
	}

	r.text(5, 1, "b")
	r.text(5, 2, "c")
	r.drain()
	if got := r.sink.Typed(); got != "abc" {
		t.Errorf("typed %q", got)
	}
}

func TestPipelineNewSessionReplacesBufferedText(t *testing.T) {
	r := newRig(zeroDelays)
	r.text(1, 0, "abc")
	r.text(2, 5, "zz") // new session must start at seq 0
	r.text(2, 0, "xy")
	r.drain()

	if got := r.sink.Typed(); got != "xy" {
		t.Errorf("typed %q, want xy", got)
	}
	if id, expected, _ := r.p.Session(); id != 2 || expected != 1 {
		t.Errorf("session = %d/%d", id, expected)
	}
}

func TestPipelineNewSessionResetsDecoder(t *testing.T) {
	r := newRig(zeroDelays)
	r.text(1, 0, "\xEA\xB0") // first two bytes of 가
	r.drain()

	// Without a reset the stray continuation byte would complete the syllable
	r.p.WriteText(protocol.EncodeTextChunk(2, 0, []byte{0x80, 'a'}))
	r.drain()

	if got := r.sink.Typed(); got != "a" {
		t.Errorf("typed %q, want a", got)
	}
}

func TestPipelineSyllableSplitAcrossChunks(t *testing.T) {
	r := newRig(zeroDelays)
	r.text(1, 0, "\xEA")
	r.drain()
	r.text(1, 1, "\xB0\x80")
	r.drain()

	if got := r.sink.Typed(); got != "[T]rk" {
		t.Errorf("typed %q", got)
	}
}

func TestPipelineShortPacketsIgnored(t *testing.T) {
	r := newRig(nil)
	before := r.p.Config()

	if err := r.p.WriteText([]byte{1, 0, 0}); err != nil {
		t.Errorf("WriteText: %v", err)
	}
	if err := r.p.WriteConfig([]byte{1, 2, 3, 4, 5}); err != nil {
		t.Errorf("WriteConfig: %v", err)
	}
	if _, _, active := r.p.Session(); active {
		t.Error("short text packet started a session")
	}
	if r.p.Config() != before {
		t.Error("short config packet changed config")
	}
}

func TestPipelineProducerPumpsWhenFull(t *testing.T) {
	r := newRig(func(o *Options) {
		zeroDelays(o)
		o.ChannelSize = 8
	})
	if err := r.text(1, 0, "abcdefg"); err != nil {
		t.Fatal(err)
	}

	// No consumer step runs: the writer must type to make room
	if err := r.text(1, 1, "12345"); err != nil {
		t.Fatalf("write with full channel: %v", err)
	}
	if got := r.sink.Typed(); got != "abcde" {
		t.Errorf("pumped %q, want abcde", got)
	}

	r.drain()
	if got := r.sink.Typed(); got != "abcdefg12345" {
		t.Errorf("typed %q", got)
	}
}

func TestPipelineStallsWhenSinkNotReady(t *testing.T) {
	r := newRig(func(o *Options) {
		zeroDelays(o)
		o.ChannelSize = 8
	})
	r.sink.SetReady(false)

	r.text(1, 0, "abcdefg")
	if r.p.Step() {
		t.Error("step worked with sink not ready")
	}

	start := r.clock.Millis()
	err := r.text(1, 1, "h")
	if !errors.Is(err, ErrStalled) {
		t.Fatalf("err = %v, want ErrStalled", err)
	}
	if waited := r.clock.Millis() - start; waited < uint32(MaxWriteStall/time.Millisecond) {
		t.Errorf("gave up after %dms", waited)
	}
	if _, expected, _ := r.p.Session(); expected != 1 {
		t.Errorf("stalled chunk committed: expected = %d", expected)
	}

	// Control is still applied while the sink is away
	r.flags(protocol.FlagPaused)
	r.p.Step()
	if !r.p.Paused() {
		t.Error("pause not applied while sink not ready")
	}
	if r.sink.Presses() != 0 {
		t.Errorf("%d keys typed while not ready", r.sink.Presses())
	}

	r.flags(0)
	r.sink.SetReady(true)
	if err := r.text(1, 1, "h"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	r.drain()
	if got := r.sink.Typed(); got != "abcdefgh" {
		t.Errorf("typed %q", got)
	}
}

func TestPipelinePauseIsDeferred(t *testing.T) {
	r := newRig(zeroDelays)
	r.text(1, 0, "abc")
	r.flags(protocol.FlagPaused)
	if r.p.Paused() {
		t.Fatal("pause applied on the write path")
	}

	r.p.Step()
	if !r.p.Paused() {
		t.Fatal("pause not applied by the consumer")
	}
	for i := 0; i < 10; i++ {
		r.p.Step()
	}
	if r.sink.Presses() != 0 {
		t.Errorf("typed %q while paused", r.sink.Typed())
	}

	r.flags(0)
	r.drain()
	if got := r.sink.Typed(); got != "abc" {
		t.Errorf("typed %q after resume", got)
	}
}

func TestPipelinePausedFullChannelResumes(t *testing.T) {
	r := newRig(func(o *Options) {
		o.ChannelSize = 16 // 15 usable
		o.StashSize = 4    // 3 usable
	})

	r.flags(protocol.FlagPaused)
	r.p.Step()

	if err := r.text(1, 0, "abcdefghijklmno"); err != nil {
		t.Fatal(err)
	}
	r.p.Step()

	// Channel full and stash too small for the next chunk
	err := r.text(1, 1, "pqrst")
	if !errors.Is(err, ErrStalled) {
		t.Fatalf("err = %v, want ErrStalled", err)
	}
	if r.sink.Presses() != 0 {
		t.Fatalf("typed %q while paused", r.sink.Typed())
	}

	// Resume is accepted while the text writer is stuck and applied by
	// the next iteration
	if err := r.flags(0); err != nil {
		t.Fatal(err)
	}
	r.p.Step()
	if r.p.Paused() {
		t.Fatal("resume not applied within one iteration")
	}
	if r.sink.Presses() != 1 {
		t.Errorf("presses = %d after resume step, want 1", r.sink.Presses())
	}

	if err := r.text(1, 1, "pqrst"); err != nil {
		t.Fatalf("retry after resume: %v", err)
	}
	r.drain()
	if got := r.sink.Typed(); got != "abcdefghijklmnopqrst" {
		t.Errorf("typed %q", got)
	}
}

func TestPipelinePauseResumeWithBlockedWriter(t *testing.T) {
	sink := &MockKeySink{}
	opts := DefaultOptions()
	zeroDelays(&opts)
	opts.ChannelSize = 16
	opts.StashSize = 4
	p := NewPipeline(sink, NewSystemClock(), nil, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			cancel()
			<-done
		})
	}
	defer stop()

	p.WriteConfig(Config{}.Packet(protocol.FlagPaused).Encode())
	waitFor(t, "pause", p.Paused)

	if err := p.WriteText(protocol.EncodeTextChunk(1, 0, []byte("abcdefghijklmno"))); err != nil {
		t.Fatal(err)
	}

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- p.WriteText(protocol.EncodeTextChunk(1, 1, []byte("pqrst")))
	}()
	time.Sleep(20 * time.Millisecond)
	if sink.Presses() != 0 {
		t.Fatalf("typed while paused")
	}

	p.WriteConfig(Config{}.Packet(0).Encode())

	select {
	case err := <-writeErr:
		if err != nil {
			t.Fatalf("blocked write: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("blocked write never returned")
	}

	waitFor(t, "drain", func() bool { return !p.Busy() })
	stop()

	if got := sink.Typed(); got != "abcdefghijklmnopqrst" {
		t.Errorf("typed %q", got)
	}
}

func TestPipelineAbort(t *testing.T) {
	r := newRig(zeroDelays)
	r.text(1, 0, "hello")
	r.p.Step()

	r.flags(protocol.FlagAbort)
	presses := r.sink.Presses()
	r.p.Step()

	if r.sink.Presses() != presses {
		t.Errorf("abort step typed %d keys", r.sink.Presses()-presses)
	}
	if r.p.Buffered() != 0 {
		t.Errorf("buffered = %d after abort", r.p.Buffered())
	}
	if id, expected, active := r.p.Session(); !active || id != 1 || expected != 1 {
		t.Errorf("session = %d/%d/%v, want kept", id, expected, active)
	}

	r.text(1, 1, "z")
	r.drain()
	if got := r.sink.Typed(); got != "hz" {
		t.Errorf("typed %q", got)
	}
}

func TestPipelineAbortResetsTypist(t *testing.T) {
	r := newRig(zeroDelays)
	r.text(1, 0, "가\xEA\xB0")
	r.drain()

	r.flags(protocol.FlagAbort)
	r.p.Step()

	r.p.WriteText(protocol.EncodeTextChunk(1, 1, []byte{0x80, 'a'}))
	r.drain()

	// The stray continuation byte is dropped and 'a' typed with no mode switch
	if got := r.sink.Typed(); got != "[T]rka" {
		t.Errorf("typed %q", got)
	}
}

func TestPipelineConfigAppliesImmediately(t *testing.T) {
	r := newRig(nil)
	r.p.WriteConfig(protocol.ConfigPacket{
		TypingDelayMs:     0,
		ModeSwitchDelayMs: 50,
		KeyPressDelayMs:   5,
	}.Encode())

	if c := r.p.Config(); c.KeyPressDelayMs != 5 || c.ModeSwitchDelayMs != 50 {
		t.Fatalf("config = %+v", c)
	}

	r.text(1, 0, "a")
	r.drain()
	if r.clock.slept != 10*time.Millisecond {
		t.Errorf("slept %v, want 10ms", r.clock.slept)
	}
}

func TestPipelineKeyTiming(t *testing.T) {
	r := newRig(nil) // 30ms typing, 100ms mode switch, 10ms press
	r.text(1, 0, "a")
	r.drain()
	if r.clock.slept != 50*time.Millisecond {
		t.Errorf("ascii key took %v, want 50ms", r.clock.slept)
	}

	r.clock.slept = 0
	r.text(1, 1, "가")
	r.drain()
	// toggle: 2*10 + 100, then two keys at 50 each
	if r.clock.slept != 220*time.Millisecond {
		t.Errorf("syllable took %v, want 220ms", r.clock.slept)
	}
}

func TestPipelineOversizedChunk(t *testing.T) {
	r := newRig(func(o *Options) { o.ChannelSize = 8 })
	if err := r.text(1, 0, "0123456789"); !errors.Is(err, protocol.ErrOversized) {
		t.Errorf("err = %v, want ErrOversized", err)
	}
}

func TestPipelineStatusThrottled(t *testing.T) {
	r := newRig(zeroDelays)

	r.p.Step()
	if n := len(r.notifier.On(protocol.ChannelStatus)); n != 1 {
		t.Fatalf("initial status notifications = %d, want 1", n)
	}

	r.text(1, 0, "ab") // new session forces a report
	r.p.Step()
	r.p.Step()
	if n := len(r.notifier.On(protocol.ChannelStatus)); n != 2 {
		t.Fatalf("notifications = %d, want 2", n)
	}

	r.clock.Advance(StatusMinInterval)
	r.p.Step()
	statuses := r.notifier.On(protocol.ChannelStatus)
	if len(statuses) != 3 {
		t.Fatalf("notifications = %d, want 3", len(statuses))
	}
	st, _ := protocol.DecodeStatus(statuses[2])
	if st.Free != st.Capacity || st.Capacity != ChannelCapacity-1 {
		t.Errorf("status = %+v", st)
	}

	r.clock.Advance(3 * StatusMinInterval)
	r.p.Step()
	if n := len(r.notifier.On(protocol.ChannelStatus)); n != 3 {
		t.Errorf("unchanged status reported again (%d)", n)
	}
}

func TestPipelineKeyLogNotifications(t *testing.T) {
	r := newRig(zeroDelays)
	r.text(1, 0, "a가")
	r.drain()

	logs := r.notifier.On(protocol.ChannelKeyLog)
	if len(logs) != 4 { // a, toggle, r, k
		t.Fatalf("key log records = %d, want 4", len(logs))
	}
	first, _ := protocol.DecodeKeyLogRecord(logs[0])
	if first.Event != protocol.EventKey || first.Keycode != KeyA || first.Arg != 'a' {
		t.Errorf("first record = %+v", first)
	}
	toggle, _ := protocol.DecodeKeyLogRecord(logs[1])
	if toggle.Event != protocol.EventToggle || toggle.Modifier != ModRightAlt || toggle.Arg != 1 {
		t.Errorf("toggle record = %+v", toggle)
	}
}

func TestPipelineDisconnectClearsKeyLog(t *testing.T) {
	sink := &MockKeySink{}
	opts := DefaultOptions()
	zeroDelays(&opts)
	p := NewPipeline(sink, &mockClock{}, nil, opts)

	p.WriteText(protocol.EncodeTextChunk(1, 0, []byte("abc")))
	for p.Step() {
	}
	if p.KeyLog().Len() != 3 {
		t.Fatalf("key log len = %d", p.KeyLog().Len())
	}
	p.Disconnected()
	if p.KeyLog().Len() != 0 {
		t.Errorf("key log len = %d after disconnect", p.KeyLog().Len())
	}
}

func TestPipelineMacroSleep(t *testing.T) {
	r := newRig(zeroDelays)
	r.text(1, 0, "x")
	r.macro(protocol.OpSleepMs, protocol.SleepPayload(500))
	r.macro(protocol.OpEnter, nil)

	before := r.clock.Millis()
	r.p.Step()
	if r.sink.Presses() != 0 {
		t.Fatalf("sleep step typed %q", r.sink.Typed())
	}
	if slept := r.clock.Millis() - before; slept != 500 {
		t.Errorf("slept %dms, want 500", slept)
	}
	if _, expected, _ := r.p.Session(); expected != 1 {
		t.Errorf("sleep changed session state: expected = %d", expected)
	}

	r.drain()
	if got := r.sink.Typed(); got != "\nx" {
		t.Errorf("typed %q, want macro before text", got)
	}
}

func TestPipelineMacroScript(t *testing.T) {
	r := newRig(zeroDelays)
	r.text(1, 0, "가")
	r.drain()

	r.macro(protocol.OpEscape, nil)
	r.macro(protocol.OpOpenRun, nil)
	r.macro(protocol.OpTypeASCII, []byte("notepad"))
	r.macro(protocol.OpEnter, nil)
	r.drain()

	if got := r.sink.Typed(); got != "[T]rk[?][?][T]notepad\n" {
		t.Errorf("typed %q", got)
	}
}

func TestPipelinePauseGatesMacros(t *testing.T) {
	r := newRig(zeroDelays)
	r.flags(protocol.FlagPaused)
	r.p.Step()
	r.macro(protocol.OpEnter, nil)
	r.p.Step()
	if r.sink.Presses() != 0 {
		t.Error("macro ran while paused")
	}
	r.flags(0)
	r.drain()
	if r.sink.Presses() != 1 {
		t.Errorf("presses = %d after resume", r.sink.Presses())
	}
}

func TestPipelineMacroStall(t *testing.T) {
	r := newRig(func(o *Options) { o.MacroSize = 8 })
	if err := r.p.WriteMacro([]byte{byte(protocol.OpEnter), 0, byte(protocol.OpEnter), 0}); err != nil {
		t.Fatal(err)
	}
	err := r.p.WriteMacro([]byte{byte(protocol.OpEnter), 0, byte(protocol.OpEnter), 0})
	if !errors.Is(err, ErrStalled) {
		t.Errorf("err = %v, want ErrStalled", err)
	}
	if r.p.MacroPending() != 4 {
		t.Errorf("pending = %d, want 4", r.p.MacroPending())
	}
}

func TestPipelineConcurrentProducer(t *testing.T) {
	text := strings.Repeat("The quick 갈색 fox.\r\n", 40)

	// Reference run, single goroutine
	ref := newRig(zeroDelays)
	ref.text(3, 0, text)
	ref.drain()

	sink := &MockKeySink{}
	opts := DefaultOptions()
	zeroDelays(&opts)
	opts.ChannelSize = 64
	p := NewPipeline(sink, NewSystemClock(), nil, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	data := []byte(text)
	seq := uint16(0)
	for off := 0; off < len(data); off += 20 {
		end := off + 20
		if end > len(data) {
			end = len(data)
		}
		for {
			err := p.WriteText(protocol.EncodeTextChunk(3, seq, data[off:end]))
			if err == nil {
				break
			}
			if !errors.Is(err, ErrStalled) {
				t.Fatalf("chunk %d: %v", seq, err)
			}
		}
		seq++
	}

	waitFor(t, "drain", func() bool { return !p.Busy() })
	cancel()
	<-done

	if sink.Typed() != ref.sink.Typed() {
		t.Errorf("concurrent output differs from reference")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
