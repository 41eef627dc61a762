package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"byteflusher/core"
	"byteflusher/host/config"
	"byteflusher/host/device"
	"byteflusher/protocol"
)

var (
	ErrAborted = errors.New("job aborted")
	// ErrUndelivered means the device acknowledged text it never queued
	ErrUndelivered = errors.New("text lost on the device")
)

// Pacing of the room wait, matching the web client
const (
	statusStaleAfter = 800 * time.Millisecond
	roomPollStep     = 120 * time.Millisecond
	roomPollSlowStep = 200 * time.Millisecond
	roomPollSlowAt   = 2 * time.Second
	pausePollStep    = 120 * time.Millisecond
	minBacklog       = 32
)

// Reconnect pacing, matching the web client
const (
	reconnectAfter   = 3 // consecutive refused writes before the link counts as lost
	reconnectStep    = 250 * time.Millisecond
	reconnectMaxWait = 5 * time.Second
)

// lastSeq is the final seq of a session; the next chunk starts a new one
const lastSeq = 0xFFFF

// Options configures a Runner
type Options struct {
	ChunkSize  int
	ChunkDelay time.Duration
	RetryDelay time.Duration

	// Device is the timing written before every job and with every pause,
	// resume or abort
	Device core.Config

	Logger *slog.Logger

	// OnProgress is called after every accepted chunk
	OnProgress func(Progress)
	// OnKeyLog receives the device's key log notifications
	OnKeyLog func(protocol.KeyLogRecord)

	// Reconnect, if set, opens the device again after the link is lost. The
	// job resumes on the new device with the same session and seq.
	Reconnect func(ctx context.Context) (device.Device, error)
}

// OptionsFrom builds runner options from a host profile
func OptionsFrom(p config.Profile) Options {
	p = p.Normalize()
	return Options{
		ChunkSize:  p.ChunkSize,
		ChunkDelay: p.ChunkDelay(),
		RetryDelay: p.RetryDelay(),
		Device:     p.DeviceConfig(),
	}
}

// Progress reports how far a job has got
type Progress struct {
	JobID   string
	Session uint16
	Seq     uint16 // next seq to send
	Sent    int
	Total   int
}

// Result summarises a finished job
type Result struct {
	JobID      string
	Session    uint16
	Bytes      int
	Chunks     int
	Retries    int
	Reconnects int
	Elapsed    time.Duration
}

// Runner streams text to a device as one sequenced session at a time.
// Pause, Resume and Abort may be called from other goroutines while Send runs.
type Runner struct {
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	dev      device.Device
	active   core.Config // timing last written, kept across pause and reconnect
	status   protocol.Status
	statusAt time.Time
	updated  chan struct{} // closed and replaced on every status update

	lastSession uint16

	paused  atomic.Bool
	aborted atomic.Bool
	abortMu sync.Mutex // held by Abort until the device has the abort flag

	// startAt, when set, picks the session and seq a job starts at instead
	// of a fresh session at seq 0
	startAt func() (session, seq uint16)
}

// NewRunner takes over dev's notifications
func NewRunner(dev device.Device, opts Options) *Runner {
	if opts.ChunkSize < config.MinChunkSize || opts.ChunkSize > config.MaxChunkSize {
		opts.ChunkSize = config.Default().ChunkSize
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	r := &Runner{
		dev:     dev,
		active:  opts.Device,
		opts:    opts,
		log:     log.With("device", dev.Name()),
		updated: make(chan struct{}),
	}
	dev.OnNotify(r.handleNotify)
	return r
}

func (r *Runner) handleNotify(ch protocol.Channel, payload []byte) {
	switch ch {
	case protocol.ChannelStatus:
		st, err := protocol.DecodeStatus(payload)
		if err != nil {
			return
		}
		r.setStatus(st)
	case protocol.ChannelKeyLog:
		if r.opts.OnKeyLog == nil {
			return
		}
		if rec, err := protocol.DecodeKeyLogRecord(payload); err == nil {
			r.opts.OnKeyLog(rec)
		}
	}
}

func (r *Runner) device() device.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dev
}

func (r *Runner) control() core.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// applyConfig writes cfg as the job timing, keeping the pause state
func (r *Runner) applyConfig(ctx context.Context, cfg core.Config) error {
	r.mu.Lock()
	r.active = cfg
	r.mu.Unlock()

	var flags uint8
	if r.paused.Load() {
		flags = protocol.FlagPaused
	}
	return WriteControl(ctx, r.device(), cfg, flags)
}

func (r *Runner) setStatus(st protocol.Status) {
	r.mu.Lock()
	r.status = st
	r.statusAt = time.Now()
	close(r.updated)
	r.updated = make(chan struct{})
	r.mu.Unlock()
}

// LastStatus returns the most recent status and when it arrived
func (r *Runner) LastStatus() (protocol.Status, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.statusAt
}

// Status reads the device status
func (r *Runner) Status(ctx context.Context) (protocol.Status, error) {
	st, err := device.ReadStatus(ctx, r.device())
	if err != nil {
		return st, err
	}
	r.setStatus(st)
	return st, nil
}

// Pause stops the device typing and holds the job before its next chunk
func (r *Runner) Pause(ctx context.Context) error {
	r.paused.Store(true)
	r.log.Info("pausing")
	return WriteControl(ctx, r.device(), r.control(), protocol.FlagPaused)
}

// Resume undoes Pause
func (r *Runner) Resume(ctx context.Context) error {
	r.paused.Store(false)
	r.log.Info("resuming")
	return WriteControl(ctx, r.device(), r.control(), 0)
}

// Abort ends the running job and has the device drop everything buffered
func (r *Runner) Abort(ctx context.Context) error {
	r.abortMu.Lock()
	defer r.abortMu.Unlock()
	r.aborted.Store(true)
	r.paused.Store(false)
	r.log.Info("aborting")
	return WriteControl(ctx, r.device(), r.control(), protocol.FlagAbort)
}

// Close closes the runner's current device, which after a reconnect is not
// the one it was created with
func (r *Runner) Close() error {
	return r.device().Close()
}

// Paused reports whether the runner is holding the job
func (r *Runner) Paused() bool {
	return r.paused.Load()
}

// WriteControl writes cfg with the given flag bits to the config channel
func WriteControl(ctx context.Context, dev device.Device, cfg core.Config, flags uint8) error {
	packet := protocol.ConfigPacket{
		TypingDelayMs:     cfg.TypingDelayMs,
		ModeSwitchDelayMs: cfg.ModeSwitchDelayMs,
		KeyPressDelayMs:   cfg.KeyPressDelayMs,
		ToggleKey:         uint8(cfg.Toggle),
		HasToggleKey:      true,
		Flags:             flags,
		HasFlags:          true,
	}
	if err := dev.Write(ctx, protocol.ChannelConfig, packet.Encode()); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// NewSessionID derives a non-zero session id from a job id
func NewSessionID(jobID uuid.UUID) uint16 {
	id := uint16(jobID[0])<<8 | uint16(jobID[1])
	if id == 0 {
		id = 1
	}
	return id
}

// Send streams data as a new session. Each chunk waits for device room and is
// resent with the same seq until the device takes it. Send returns ErrAborted
// after Abort, or the context error when ctx ends. ErrUndelivered means the
// device acknowledged chunks it then lost.
func (r *Runner) Send(ctx context.Context, data []byte) (res Result, err error) {
	r.aborted.Store(false)

	s := r.newStream(uuid.New())
	start := time.Now()
	defer func() {
		res = s.res
		res.Elapsed = time.Since(start)
	}()

	s.log.Info("starting job", "bytes", len(data), "chunk", r.opts.ChunkSize)

	// Timing goes first; a device that refuses it still types with its own
	if err := r.applyConfig(ctx, r.opts.Device); err != nil {
		s.log.Warn("config not applied", "error", err)
	}

	if err := s.write(ctx, data); err != nil {
		return res, err
	}
	if err := s.verify(ctx); err != nil {
		s.log.Error("job incomplete", "error", err)
		return res, err
	}
	s.log.Info("job sent", "chunks", s.res.Chunks, "retries", s.res.Retries)
	return res, nil
}

// stream is one text session fed by one or more writes. Send uses one per
// job; the file job keeps one across all its PowerShell lines.
type stream struct {
	r   *Runner
	res Result
	log *slog.Logger

	session uint16
	seq     uint16
	rolling bool // seq space used up, next chunk needs a new session

	lastLen int // bytes in the last accepted chunk
	lastAt  time.Time
}

func (r *Runner) newStream(jobID uuid.UUID) *stream {
	s := &stream{r: r, res: Result{JobID: jobID.String()}}
	if r.startAt != nil {
		s.session, s.seq = r.startAt()
		r.mu.Lock()
		r.lastSession = s.session
		r.mu.Unlock()
	} else {
		s.session = r.newSession(jobID)
	}
	s.res.Session = s.session
	s.log = r.log.With("job", s.res.JobID, "session", s.session)
	return s
}

func (s *stream) write(ctx context.Context, data []byte) error {
	r := s.r
	s.res.Bytes += len(data)

	failures := 0
	offset := 0
	for offset < len(data) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.aborted.Load() {
			s.log.Info("job aborted", "offset", offset)
			return ErrAborted
		}
		if r.paused.Load() {
			if err := sleep(ctx, pausePollStep); err != nil {
				return err
			}
			continue
		}
		if s.rolling {
			if err := s.roll(ctx); err != nil {
				return err
			}
			continue
		}

		end := min(offset+r.opts.ChunkSize, len(data))
		if s.seq == lastSeq {
			// the next session starts with a cleared decoder
			end = runeEnd(data, offset, end)
		}
		chunk := data[offset:end]
		if err := r.waitRoom(ctx, len(chunk), max(minBacklog, r.opts.ChunkSize)); err != nil {
			return err
		}
		if r.paused.Load() || r.aborted.Load() {
			continue
		}

		sentAt := time.Now()
		err := r.device().Write(ctx, protocol.ChannelText, protocol.EncodeTextChunk(s.session, s.seq, chunk))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.res.Retries++
			failures++
			s.log.Warn("chunk not accepted, retrying", "seq", s.seq, "offset", offset, "error", err)
			if r.linkLost(err, failures) {
				if err := r.reconnect(ctx, s.log); err != nil {
					return err
				}
				s.res.Reconnects++
				failures = 0
				continue
			}
			if err := sleep(ctx, r.opts.RetryDelay); err != nil {
				return err
			}
			continue
		}

		failures = 0
		r.consumed(len(chunk))
		offset = end
		s.res.Chunks++
		s.lastLen, s.lastAt = len(chunk), sentAt
		s.log.Debug("chunk sent", "seq", s.seq, "offset", offset)

		s.seq++
		s.rolling = s.seq == 0

		if r.opts.OnProgress != nil {
			r.opts.OnProgress(Progress{JobID: s.res.JobID, Session: s.session, Seq: s.seq, Sent: offset, Total: len(data)})
		}
		if offset < len(data) {
			if err := sleep(ctx, r.opts.ChunkDelay); err != nil {
				return err
			}
		}
	}
	return nil
}

// roll moves the stream to a fresh session once seq space runs out. The
// device clears its buffer and resets its typist to English on a new session,
// so the old session is typed out first and the host IME is forced to English
// to match. A pause or abort while draining leaves the stream rolling.
func (s *stream) roll(ctx context.Context) error {
	r := s.r
	if err := r.waitRoom(ctx, 0, 0); err != nil {
		return err
	}
	if r.paused.Load() || r.aborted.Load() {
		return nil
	}
	rec, err := protocol.EncodeMacro(protocol.OpForceEnglish, nil)
	if err != nil {
		return err
	}
	if err := r.macro(ctx, [][]byte{rec}); err != nil {
		return err
	}

	s.session = r.newSession(uuid.New())
	s.seq = 0
	s.rolling = false
	s.res.Session = s.session
	s.log = r.log.With("job", s.res.JobID, "session", s.session)
	s.log.Info("sequence wrapped, new session")
	return nil
}

// runeEnd moves a chunk end back to the start of the code point it splits,
// or forward past that code point when nothing else fits in the chunk
func runeEnd(data []byte, start, end int) int {
	cut := end
	for cut > start && cut < len(data) && !utf8.RuneStart(data[cut]) {
		cut--
	}
	if cut > start {
		return cut
	}
	for end < len(data) && !utf8.RuneStart(data[end]) {
		end++
	}
	return end
}

// verify checks, after the last chunk, that the device still holds what it
// cannot have typed yet. A chunk the radio acknowledged but the device never
// queued leaves it short, and the device then refuses every later seq as a
// gap. The check needs the device timing to bound typing, so it is skipped
// when all delays are zero.
func (s *stream) verify(ctx context.Context) error {
	if s.lastLen == 0 {
		return nil
	}
	cfg := s.r.control()
	tap := time.Duration(2*int(cfg.KeyPressDelayMs)+int(cfg.TypingDelayMs)) * time.Millisecond
	if tap <= 0 {
		return nil
	}

	st, err := s.r.Status(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn("delivery not checked", "error", err)
		return nil
	}

	// every tap takes at least one code point off the buffer
	typed := utf8.UTFMax * (int(time.Since(s.lastAt)/tap) + 1)
	if want := s.lastLen - typed; st.Used() < want {
		return fmt.Errorf("%w: device holds %d bytes, expected at least %d", ErrUndelivered, st.Used(), want)
	}
	return nil
}

// linkLost reports whether a failed write should trigger a reconnect
func (r *Runner) linkLost(err error, failures int) bool {
	if r.opts.Reconnect == nil {
		return false
	}
	return failures >= reconnectAfter || errors.Is(err, protocol.ErrLinkClosed)
}

// reconnect replaces a lost device, backing off between attempts like the
// web client, until it succeeds, the job is aborted or ctx ends
func (r *Runner) reconnect(ctx context.Context, log *slog.Logger) error {
	if err := r.device().Close(); err != nil {
		log.Debug("close of lost device failed", "error", err)
	}
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.aborted.Load() {
			return ErrAborted
		}

		log.Warn("link lost, reconnecting", "attempt", attempt)
		dev, err := r.opts.Reconnect(ctx)
		if err == nil {
			r.attach(dev)
			if err := r.applyConfig(ctx, r.control()); err != nil {
				log.Warn("config not applied", "error", err)
			}
			log.Info("reconnected", "device", dev.Name(), "attempt", attempt)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("reconnect failed", "attempt", attempt, "error", err)
		if err := sleep(ctx, reconnectDelay(attempt)); err != nil {
			return err
		}
	}
}

func reconnectDelay(attempt int) time.Duration {
	return min(reconnectMaxWait, reconnectStep*time.Duration(attempt+1))
}

// attach makes dev the runner's device. The old device's status is stale.
func (r *Runner) attach(dev device.Device) {
	r.mu.Lock()
	r.dev = dev
	r.statusAt = time.Time{}
	r.mu.Unlock()
	dev.OnNotify(r.handleNotify)
}

// newSession picks the session id for a job, never the previous job's: the
// device would take seq 0 of a repeated id for a duplicate
func (r *Runner) newSession(jobID uuid.UUID) uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := NewSessionID(jobID)
	if id == r.lastSession {
		id = nextSession(id)
	}
	r.lastSession = id
	return id
}

func nextSession(id uint16) uint16 {
	id++
	if id == 0 {
		id = 1
	}
	return id
}

// consumed accounts for an accepted chunk until the device reports again
func (r *Runner) consumed(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(r.status.Free) >= n {
		r.status.Free -= uint16(n)
	} else {
		r.status.Free = 0
	}
}

// waitRoom waits until the device has room for need bytes and no more than
// maxBacklog bytes queued. Notifications can be lost, so a status older than
// statusStaleAfter is read back. It returns early when the job is paused or
// aborted.
func (r *Runner) waitRoom(ctx context.Context, need, maxBacklog int) error {
	start := time.Now()
	for {
		if r.paused.Load() || r.aborted.Load() {
			return nil
		}

		r.mu.Lock()
		st, at, updated := r.status, r.statusAt, r.updated
		r.mu.Unlock()

		if !at.IsZero() && int(st.Free) >= need && st.Used() <= maxBacklog {
			return nil
		}
		if time.Since(at) > statusStaleAfter {
			if _, err := r.Status(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if errors.Is(err, device.ErrNoChannel) {
					// no status channel: send blind like the web client
					return nil
				}
				r.log.Debug("status read failed", "error", err)
			} else {
				continue
			}
		}

		step := roomPollStep
		if time.Since(start) >= roomPollSlowAt {
			step = roomPollSlowStep
		}
		timer := time.NewTimer(step)
		select {
		case <-updated:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		timer.Stop()
	}
}

// Macro writes macro records in order. Like text chunks, a record the device
// does not take is resent after RetryDelay; records wait while paused.
func (r *Runner) Macro(ctx context.Context, records [][]byte) error {
	r.aborted.Store(false)
	if err := r.macro(ctx, records); err != nil {
		return err
	}
	r.log.Info("macro sent", "records", len(records))
	return nil
}

func (r *Runner) macro(ctx context.Context, records [][]byte) error {
	failures := 0
	for i := 0; i < len(records); {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.aborted.Load() {
			return ErrAborted
		}
		if r.paused.Load() {
			if err := sleep(ctx, pausePollStep); err != nil {
				return err
			}
			continue
		}

		if err := r.device().Write(ctx, protocol.ChannelMacro, records[i]); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, protocol.ErrOversized) {
				return fmt.Errorf("macro record %d: %w", i, err)
			}
			failures++
			r.log.Warn("macro record not accepted, retrying", "record", i, "error", err)
			if r.linkLost(err, failures) {
				if err := r.reconnect(ctx, r.log); err != nil {
					return err
				}
				failures = 0
				continue
			}
			if err := sleep(ctx, r.opts.RetryDelay); err != nil {
				return err
			}
			continue
		}
		failures = 0
		i++
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
