package protocol

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	errSyncProbe    = errors.New("sync probe")
	errHandlerPanic = errors.New("panic in channel handler")
)

// FrameHandler receives one channel write from the bench link. Returning an
// error leaves the expected sequence unchanged, so the ACK doubles as a NAK and
// the host resends the same frame later.
type FrameHandler func(channel Channel, data []byte) error

// Link is the device side of the wired bench link. It carries the same channel
// writes as the BLE service. Writes are acknowledged only after the handler
// returns, which is what makes a stalled ingest channel stall the host.
type Link struct {
	scanner  frameScanner
	expected atomic.Uint32 // seq of the next frame to apply

	mu      sync.Mutex // orders ACKs and notifications in output
	output  OutputBuffer
	handler FrameHandler
	writer  func([]byte) error
	onReset func()

	accepted atomic.Uint32
	refused  atomic.Uint32
}

// NewLink creates a Link writing its replies into output
func NewLink(output OutputBuffer, handler FrameHandler) *Link {
	l := &Link{output: output, handler: handler}
	l.expected.Store(MessageDest)
	return l
}

// Receive handles every complete frame in input and leaves a trailing partial
// frame for the next call
func (l *Link) Receive(input InputBuffer) {
	data := input.Data()
	for {
		seq, body, rest, ok := l.scanner.next(data, l.ack)
		data = rest
		if !ok {
			break
		}

		// A repeated frame is only re-acknowledged; a restarted host adopts
		// the sequence from that ACK
		if uint32(seq) == l.expected.Load() {
			if err := l.dispatch(body); err == nil {
				l.expected.Store(uint32(nextSeq(seq)))
				l.accepted.Add(1)
			} else if err != errSyncProbe {
				l.refused.Add(1)
			}
		}
		l.ack()
	}
	input.Pop(input.Available() - len(data))
}

func (l *Link) dispatch(body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.scanner.lost.Store(true)
			err = errHandlerPanic
		}
	}()

	if len(body) == 0 {
		return errSyncProbe
	}
	ch, err := DecodeVLQUint(&body)
	if err != nil {
		return err
	}
	if l.handler == nil {
		return nil
	}
	return l.handler(Channel(ch), body)
}

// ack reports the expected sequence to the host
func (l *Link) ack() {
	var buf [MessageLengthMin]byte
	frame := appendFrame(buf[:0], uint8(l.expected.Load()), nil)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Output(frame)
	l.flushLocked()
}

// Notify sends an unsolicited channel payload (status, key log, read replies).
// Notifications carry the expected sequence like ACKs and differ from them by
// their non-empty body. Payloads too large for a frame are dropped.
func (l *Link) Notify(ch Channel, payload []byte) {
	if len(payload) > MaxFramePayload {
		return
	}
	var body, buf [MessageLengthMax]byte
	b := append(AppendVLQUint(body[:0], uint32(ch)), payload...)
	frame := appendFrame(buf[:0], uint8(l.expected.Load()), b)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Output(frame)
	l.flushLocked()
}

// Flush pushes buffered output through the writer
func (l *Link) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flushLocked()
}

func (l *Link) flushLocked() {
	if l.writer == nil {
		return
	}
	out, ok := l.output.(interface {
		Result() []byte
		Reset()
	})
	if !ok {
		return
	}
	if data := out.Result(); len(data) > 0 {
		if err := l.writer(data); err == nil {
			out.Reset()
		}
	}
}

// Reset forgets the sequence, e.g. after the host port was reopened
func (l *Link) Reset() {
	l.scanner.reset()
	l.expected.Store(MessageDest)
	if l.onReset != nil {
		l.onReset()
	}
}

// SetResetCallback sets a callback run by Reset
func (l *Link) SetResetCallback(callback func()) {
	l.onReset = callback
}

// SetWriter sets the function that transmits encoded output. Without a writer
// output accumulates until the caller drains it.
func (l *Link) SetWriter(writer func([]byte) error) {
	l.mu.Lock()
	l.writer = writer
	l.mu.Unlock()
}

// Stats returns the number of frames applied and refused by the handler
func (l *Link) Stats() (accepted, refused uint32) {
	return l.accepted.Load(), l.refused.Load()
}
