package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"byteflusher/protocol"
)

// ErrStalled is returned by a write that could not get room within
// MaxWriteStall. Nothing from the write was applied; the sender should retry it.
var ErrStalled = errors.New("write stalled waiting for room")

// Notifier delivers status and key log notifications to the connected host.
// Delivery is best effort.
type Notifier interface {
	Notify(ch protocol.Channel, payload []byte)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(ch protocol.Channel, payload []byte)

func (f NotifierFunc) Notify(ch protocol.Channel, payload []byte) { f(ch, payload) }

// Options sizes the pipeline
type Options struct {
	ChannelSize    int
	StashSize      int
	MacroSize      int
	KeyLogSize     int
	StatusInterval time.Duration
	MaxWriteStall  time.Duration
	Config         Config

	// OnConfig, if set, is called after every config write with the result
	OnConfig func(Config)
}

// DefaultOptions returns the firmware sizing
func DefaultOptions() Options {
	return Options{
		ChannelSize:    ChannelCapacity,
		StashSize:      StashCapacity,
		MacroSize:      MacroCapacity,
		KeyLogSize:     KeyLogCapacity,
		StatusInterval: StatusMinInterval,
		MaxWriteStall:  MaxWriteStall,
		Config:         DefaultConfig(),
	}
}

// maxKeyLogBurst bounds key log notifications sent per step
const maxKeyLogBurst = 8

// Pipeline owns all text, macro and control state between the transport
// handlers and the key sink.
//
// Writers (WriteText, WriteConfig, WriteMacro) may run on any goroutine. The
// consumer state (decoder, typist, emitter) is touched only while drainMu is
// held: by Step, or by a text writer pumping the consumer to make room.
type Pipeline struct {
	clock    Clock
	sink     KeySink
	notifier Notifier
	maxStall uint32 // ms
	onConfig func(Config)

	ingest  *Ingest
	macros  *MacroQueue
	control ControlPlane
	status  *StatusReporter
	keylog  *KeyLog

	writeMu sync.Mutex // serialises text writes, guards session
	session SessionValidator

	cfgMu sync.Mutex
	cfg   Config

	drainMu sync.Mutex
	emitter *Emitter
	decoder DecoderState
	typist  TypistState
	seenGen uint32
}

// NewPipeline creates a pipeline emitting to sink. notifier may be nil.
func NewPipeline(sink KeySink, clock Clock, notifier Notifier, opts Options) *Pipeline {
	keylog := NewKeyLog(opts.KeyLogSize)
	p := &Pipeline{
		clock:    clock,
		sink:     sink,
		notifier: notifier,
		maxStall: uint32(opts.MaxWriteStall / time.Millisecond),
		onConfig: opts.OnConfig,
		ingest:   NewIngest(opts.ChannelSize, opts.StashSize),
		macros:   NewMacroQueue(opts.MacroSize),
		status:   NewStatusReporter(clock, opts.StatusInterval),
		keylog:   keylog,
		cfg:      opts.Config.Clamp(),
		emitter:  NewEmitter(sink, clock, keylog),
	}
	p.status.Force()
	return p
}

// RegisterChannels installs the pipeline's channel handlers
func (p *Pipeline) RegisterChannels(reg *ChannelRegistry) {
	reg.Register(protocol.ChannelText, p.WriteText)
	reg.Register(protocol.ChannelConfig, p.WriteConfig)
	reg.Register(protocol.ChannelMacro, p.WriteMacro)
	reg.RegisterReader(protocol.ChannelStatus, func() []byte {
		return p.Status().Encode()
	})
}

// WriteText handles a text channel write. Short packets and chunks rejected by
// the session rules are ignored. An accepted chunk is queued whole: the write
// waits for room, typing buffered text itself when not paused and moving it to
// the stash when paused. If room does not appear within the stall bound it
// returns ErrStalled and the chunk stays unapplied.
func (p *Pipeline) WriteText(packet []byte) error {
	chunk, err := protocol.DecodeTextChunk(packet)
	if err != nil {
		return nil
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	now := p.clock.Millis()
	switch p.session.Check(chunk.SessionID, chunk.Seq) {
	case Reject:
		RecordEvent(EvtChunkRejected, uint8(protocol.ChannelText), now, uint32(chunk.SessionID), uint32(chunk.Seq))
		return nil
	case AcceptNewSession:
		p.ingest.Clear()
		p.session.Begin(chunk.SessionID)
		p.status.Force()
		RecordEvent(EvtSessionStart, uint8(protocol.ChannelText), now, uint32(chunk.SessionID), 0)
	}

	if len(chunk.Payload) > p.ingest.Capacity() {
		return protocol.ErrOversized
	}
	if err := p.waitRoom(len(chunk.Payload)); err != nil {
		return err
	}

	p.ingest.Push(chunk.Payload)
	p.session.Commit(chunk.Seq)
	RecordEvent(EvtChunkAccepted, uint8(protocol.ChannelText), now, uint32(chunk.SessionID), uint32(chunk.Seq))
	return nil
}

// waitRoom blocks until the channel can take n bytes
func (p *Pipeline) waitRoom(n int) error {
	deadline := p.clock.Millis() + p.maxStall
	for {
		free := p.ingest.Free()
		if free >= n {
			return nil
		}
		if elapsed(p.clock.Millis(), deadline) {
			RecordEvent(EvtWriteStalled, uint8(protocol.ChannelText), p.clock.Millis(), uint32(n), uint32(free))
			return ErrStalled
		}

		var progress bool
		if p.control.Paused() {
			progress = p.ingest.Evict()
		} else {
			progress = p.pump()
		}
		if !progress {
			p.clock.Sleep(PushRetryDelay)
		}
	}
}

// pump types one buffered byte on the writer's goroutine. It gives up at once
// if the consumer is busy, output is paused, or the sink is not ready.
func (p *Pipeline) pump() bool {
	if !p.drainMu.TryLock() {
		return false
	}
	defer p.drainMu.Unlock()

	if p.control.Paused() || !p.sink.Ready() {
		return false
	}
	p.emitter.SetConfig(p.Config())
	p.emitter.Arm()
	return p.drainOne()
}

// WriteConfig handles a config channel write. Timing and toggle take effect
// for the next emitted key; pause and abort flags are queued for the consumer.
func (p *Pipeline) WriteConfig(packet []byte) error {
	c, err := protocol.DecodeConfig(packet)
	if err != nil {
		return nil
	}

	p.cfgMu.Lock()
	p.cfg = p.cfg.Apply(c)
	cfg := p.cfg
	p.cfgMu.Unlock()

	if c.HasFlags {
		p.control.RequestPause(c.Paused())
		if c.Abort() {
			p.control.RequestAbort()
		}
	}
	if p.onConfig != nil {
		p.onConfig(cfg)
	}
	return nil
}

// WriteMacro handles a macro channel write. The packet is queued whole; if
// there is no room within the stall bound it returns ErrStalled.
func (p *Pipeline) WriteMacro(packet []byte) error {
	if len(packet) == 0 {
		return nil
	}
	if len(packet) > p.macros.Capacity() {
		return protocol.ErrOversized
	}

	deadline := p.clock.Millis() + p.maxStall
	for !p.macros.Append(packet) {
		if elapsed(p.clock.Millis(), deadline) {
			RecordEvent(EvtWriteStalled, uint8(protocol.ChannelMacro), p.clock.Millis(), uint32(len(packet)), uint32(p.macros.Free()))
			return ErrStalled
		}
		p.clock.Sleep(PushRetryDelay)
	}
	return nil
}

// Step runs one consumer iteration: apply pending control requests, then run
// one macro record or type one text byte, then report status and key log.
// It returns whether any work was done.
func (p *Pipeline) Step() bool {
	p.drainMu.Lock()
	defer p.drainMu.Unlock()

	p.applyControl()
	p.emitter.SetConfig(p.Config())
	p.emitter.Arm()

	worked := false
	if !p.control.Paused() && p.sink.Ready() {
		worked = p.runMacro() || p.drainOne()
	}

	p.reportStatus()
	p.flushKeyLog()
	return worked
}

// Run calls Step until ctx is done, idling briefly when there is no work
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if !p.safeStep() {
			p.clock.Sleep(IdleDelay)
		}
	}
}

func (p *Pipeline) safeStep() (worked bool) {
	defer func() {
		if r := recover(); r != nil {
			DebugAsync("pipeline step panicked")
			worked = false
		}
	}()
	return p.Step()
}

func (p *Pipeline) applyControl() {
	pauseChanged, abort := p.control.Take()
	now := p.clock.Millis()
	if pauseChanged {
		var v uint32
		if p.control.Paused() {
			v = 1
		}
		RecordEvent(EvtPauseApplied, uint8(protocol.ChannelConfig), now, v, 0)
		p.status.Force()
	}
	if abort {
		discarded := p.ingest.Buffered()
		p.resetTypist(p.ingest.Clear())
		p.status.Force()
		RecordEvent(EvtAbortApplied, uint8(protocol.ChannelConfig), now, uint32(discarded), 0)
	}
}

func (p *Pipeline) runMacro() bool {
	op, payload, ok := p.macros.Next()
	if !ok {
		return false
	}
	RecordEvent(EvtMacroRun, uint8(protocol.ChannelMacro), p.clock.Millis(), uint32(op), uint32(len(payload)))
	p.typist = RunMacro(p.typist, op, payload, p.emitter, p.clock)
	return true
}

func (p *Pipeline) drainOne() bool {
	b, gen, ok := p.ingest.Pop()
	if !ok {
		return false
	}
	if gen != p.seenGen {
		p.resetTypist(gen)
	}

	var r rune
	var done bool
	p.decoder, r, done = Decode(p.decoder, b)
	if done {
		p.typist = TypeRune(p.typist, r, p.emitter)
	}
	return true
}

func (p *Pipeline) resetTypist(gen uint32) {
	p.decoder = DecoderState{}
	p.typist = TypistState{}
	p.seenGen = gen
}

func (p *Pipeline) reportStatus() {
	if p.notifier == nil {
		return
	}
	st := p.Status()
	if p.status.Due(st.Free) {
		p.notifier.Notify(protocol.ChannelStatus, st.Encode())
	}
}

func (p *Pipeline) flushKeyLog() {
	if p.notifier == nil {
		return
	}
	var buf [protocol.KeyLogRecordSize]byte
	for i := 0; i < maxKeyLogBurst; i++ {
		rec, ok := p.keylog.Pop()
		if !ok {
			return
		}
		rec.Put(buf[:])
		p.notifier.Notify(protocol.ChannelKeyLog, buf[:])
	}
}

// ForceStatus has the next step send a status notification whatever the
// throttle. It is safe to call from interrupt context.
func (p *Pipeline) ForceStatus() {
	p.status.Force()
}

// Disconnected clears the key log and arranges for the next subscriber to get
// a status notification straight away
func (p *Pipeline) Disconnected() {
	p.keylog.Clear()
	p.status.Force()
}

// Status returns the current channel occupancy
func (p *Pipeline) Status() protocol.Status {
	return protocol.Status{
		Capacity: uint16(p.ingest.Capacity()),
		Free:     uint16(p.ingest.Free()),
	}
}

// Config returns the current runtime config
func (p *Pipeline) Config() Config {
	p.cfgMu.Lock()
	defer p.cfgMu.Unlock()
	return p.cfg
}

// Paused returns the applied paused state
func (p *Pipeline) Paused() bool {
	return p.control.Paused()
}

// Session returns the active session id and next expected seq
func (p *Pipeline) Session() (sessionID, expected uint16, active bool) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.session.State()
}

// Buffered returns the number of text bytes not yet typed
func (p *Pipeline) Buffered() int {
	return p.ingest.Buffered()
}

// MacroPending returns the number of macro bytes not yet run
func (p *Pipeline) MacroPending() int {
	return p.macros.Pending()
}

// Busy reports whether text or macros are waiting to be emitted
func (p *Pipeline) Busy() bool {
	return p.ingest.Buffered() > 0 || p.macros.Pending() > 0
}

// KeyLog returns the key log, for transports that poll it
func (p *Pipeline) KeyLog() *KeyLog {
	return p.keylog
}
