package device

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"byteflusher/host/serial"
	"byteflusher/protocol"
)

// Wired is a device on the bench link
type Wired struct {
	name string
	link *protocol.HostLink

	mu      sync.Mutex
	waiters map[protocol.Channel]chan []byte
	handler protocol.NotifyHandler
}

// OpenWired opens the serial port at path. An empty path picks the only
// ByteFlusher port.
func OpenWired(path string) (*Wired, error) {
	if path == "" {
		found, err := serial.FindDevice()
		if err != nil {
			return nil, err
		}
		path = found
	}

	port, err := serial.Open(path)
	if err != nil {
		return nil, err
	}
	// Drop anything a previous session left in the driver buffers
	_ = port.Flush()

	return NewWired(path, port), nil
}

// NewWired runs the bench link over port
func NewWired(name string, port io.ReadWriteCloser) *Wired {
	w := &Wired{
		name:    name,
		link:    protocol.NewHostLink(port),
		waiters: make(map[protocol.Channel]chan []byte),
	}
	w.link.SetNotifyHandler(w.dispatch)
	return w
}

// Write sends one channel packet. A refused write (device channel stalled)
// returns protocol.ErrNak and may be retried as is.
func (w *Wired) Write(ctx context.Context, ch protocol.Channel, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return w.link.SendWithTimeout(ch, payload, ackTimeout(ctx))
}

// Read sends an empty packet on a readable channel; the device answers with a
// notification carrying the value before it ACKs
func (w *Wired) Read(ctx context.Context, ch protocol.Channel) ([]byte, error) {
	reply := make(chan []byte, 1)

	w.mu.Lock()
	w.waiters[ch] = reply
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		if w.waiters[ch] == reply {
			delete(w.waiters, ch)
		}
		w.mu.Unlock()
	}()

	if err := w.Write(ctx, ch, nil); err != nil {
		return nil, err
	}

	timer := time.NewTimer(ackTimeout(ctx))
	defer timer.Stop()
	select {
	case value := <-reply:
		return value, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: channel %s", ErrReadTimeout, ch)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *Wired) dispatch(ch protocol.Channel, payload []byte) {
	w.mu.Lock()
	waiter := w.waiters[ch]
	delete(w.waiters, ch)
	handler := w.handler
	w.mu.Unlock()

	if waiter != nil {
		waiter <- payload
	}
	if handler != nil {
		handler(ch, payload)
	}
}

// OnNotify sets the notification handler
func (w *Wired) OnNotify(handler protocol.NotifyHandler) {
	w.mu.Lock()
	w.handler = handler
	w.mu.Unlock()
}

func (w *Wired) Name() string {
	return w.name
}

// Close closes the link and the port
func (w *Wired) Close() error {
	return w.link.Close()
}

// ackTimeout bounds a link round trip by the context deadline
func ackTimeout(ctx context.Context) time.Duration {
	timeout := protocol.DefaultAckTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	return timeout
}
