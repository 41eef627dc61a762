package protocol

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrNak means the device received the frame but its handler refused it
	// (typically a stalled ingest channel). The same frame may be sent again.
	ErrNak = errors.New("frame refused by device")

	// ErrLinkClosed is returned once Close has been called
	ErrLinkClosed = errors.New("link closed")

	errSeqMismatch = errors.New("sequence mismatch")
)

// DefaultAckTimeout bounds how long Send waits for the device. It exceeds the
// device's own write stall bound so a refused frame comes back as ErrNak.
const DefaultAckTimeout = 3 * time.Second

// NotifyHandler receives channel payloads the device sends unprompted
type NotifyHandler func(channel Channel, payload []byte)

// HostLink is the host side of the wired bench link. It sends one channel
// write at a time and waits for the device's ACK before returning.
type HostLink struct {
	port    io.ReadWriteCloser
	scanner frameScanner
	input   *RingBuffer

	sendMu sync.Mutex // one outstanding frame at a time
	seq    atomic.Uint32
	synced atomic.Bool
	acks   chan uint8

	notifyMu sync.RWMutex
	notify   NotifyHandler

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewHostLink starts a link over port. The link owns port from here on.
func NewHostLink(port io.ReadWriteCloser) *HostLink {
	h := &HostLink{
		port:  port,
		input: NewRingBuffer(1024),
		acks:  make(chan uint8, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	h.seq.Store(MessageDest)
	go h.readLoop()
	return h
}

// Send writes one channel packet and waits for the ACK
func (h *HostLink) Send(ch Channel, payload []byte) error {
	return h.SendWithTimeout(ch, payload, DefaultAckTimeout)
}

// SendWithTimeout writes one channel packet with a custom ACK timeout. A
// timed-out frame may still have been applied; resending it is safe because the
// device only acts on the sequence it expects.
func (h *HostLink) SendWithTimeout(ch Channel, payload []byte, timeout time.Duration) error {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	if h.closed() {
		return ErrLinkClosed
	}
	if !h.synced.Load() {
		if err := h.syncLocked(timeout); err != nil {
			return err
		}
	}

	// A mismatch means the device ignored the frame, so it goes out once more
	// with the sequence the device named
	var err error
	for range 2 {
		seq := h.CurrentSequence()
		var frame []byte
		if frame, err = BuildFrame(seq, ch, payload); err != nil {
			return err
		}
		h.drainAcks()
		if err = h.write(frame); err != nil {
			return err
		}
		if err = h.waitAck(seq, timeout); !errors.Is(err, errSeqMismatch) {
			return err
		}
	}
	return err
}

// Sync asks the device for the sequence it expects next and adopts it. Send
// does this once on first use, so a host restarting against a running device
// does not have its first frame taken for a duplicate.
func (h *HostLink) Sync(timeout time.Duration) error {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	return h.syncLocked(timeout)
}

func (h *HostLink) syncLocked(timeout time.Duration) error {
	h.drainAcks()
	if err := h.write(appendFrame(nil, h.CurrentSequence(), nil)); err != nil {
		return fmt.Errorf("failed to write sync probe: %w", err)
	}

	ack, err := h.nextAck(timeout)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	h.seq.Store(uint32(ack))
	h.synced.Store(true)
	return nil
}

// waitAck reads the device's expected sequence after sending sent. The next
// sequence means applied; sent itself means refused. Anything else means the
// device lost track, so its value is adopted.
func (h *HostLink) waitAck(sent uint8, timeout time.Duration) error {
	ack, err := h.nextAck(timeout)
	if err != nil {
		return err
	}
	switch ack {
	case nextSeq(sent):
		h.seq.Store(uint32(ack))
		return nil
	case sent:
		return ErrNak
	default:
		h.seq.Store(uint32(ack))
		return fmt.Errorf("%w: sent 0x%02x, device expects 0x%02x", errSeqMismatch, sent, ack)
	}
}

func (h *HostLink) nextAck(timeout time.Duration) (uint8, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ack := <-h.acks:
		return ack, nil
	case <-timer.C:
		return 0, fmt.Errorf("ACK timeout after %v", timeout)
	case <-h.stop:
		return 0, ErrLinkClosed
	}
}

// drainAcks drops ACKs left over from an earlier timed-out send
func (h *HostLink) drainAcks() {
	for {
		select {
		case <-h.acks:
		default:
			return
		}
	}
}

func (h *HostLink) write(frame []byte) error {
	n, err := h.port.Write(frame)
	if err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	if n != len(frame) {
		return fmt.Errorf("incomplete write: %d/%d bytes", n, len(frame))
	}
	return nil
}

// SetNotifyHandler sets the callback for device notifications
func (h *HostLink) SetNotifyHandler(handler NotifyHandler) {
	h.notifyMu.Lock()
	h.notify = handler
	h.notifyMu.Unlock()
}

func (h *HostLink) readLoop() {
	defer close(h.done)

	buf := make([]byte, 256)
	for !h.closed() {
		n, err := h.port.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if n > 0 {
			h.input.Write(buf[:n])
			h.receive()
		}
	}
}

func (h *HostLink) receive() {
	data := h.input.Data()
	for {
		seq, body, rest, ok := h.scanner.next(data, nil)
		data = rest
		if !ok {
			break
		}
		h.handleFrame(seq, body)
	}
	h.input.Pop(h.input.Available() - len(data))
}

// handleFrame routes ACKs to the waiting sender and notifications to the
// handler
func (h *HostLink) handleFrame(seq uint8, body []byte) {
	if len(body) == 0 {
		// keep only the newest ACK
		h.drainAcks()
		h.acks <- seq
		return
	}

	ch, err := DecodeVLQUint(&body)
	if err != nil {
		return
	}
	h.notifyMu.RLock()
	handler := h.notify
	h.notifyMu.RUnlock()
	if handler != nil {
		handler(Channel(ch), append([]byte(nil), body...))
	}
}

func (h *HostLink) closed() bool {
	select {
	case <-h.stop:
		return true
	default:
		return false
	}
}

// Close stops the reader and closes the port
func (h *HostLink) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.stop)
		err = h.port.Close()
		<-h.done
	})
	return err
}

// CurrentSequence returns the sequence the next frame will carry
func (h *HostLink) CurrentSequence() uint8 {
	return uint8(h.seq.Load())
}
