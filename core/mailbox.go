package core

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"byteflusher/protocol"
)

var (
	ErrMailboxFull = errors.New("mailbox full")
	ErrClosed      = errors.New("pipeline closed")
)

// Packet is one channel write copied out of the radio stack
type Packet struct {
	Channel protocol.Channel
	Len     uint8
	Data    [protocol.MaxPacketSize]byte
}

// Bytes returns the packet payload
func (p *Packet) Bytes() []byte {
	return p.Data[:p.Len]
}

// Mailbox hands channel writes from the radio callback, which may run in
// interrupt context and must not block, to a goroutine that may. Post copies
// into a preallocated slot inside a critical section and never allocates.
type Mailbox struct {
	slots []Packet
	head  int
	count int

	dropped uint32
	onFull  func()
}

// NewMailbox creates a mailbox with the given number of packet slots
func NewMailbox(slots int) *Mailbox {
	if slots < 1 {
		slots = 1
	}
	return &Mailbox{slots: make([]Packet, slots)}
}

// SetFullHandler sets a function called by Post each time a write is dropped.
// It runs in the poster's context and must not block. Call it before the
// first Post.
func (m *Mailbox) SetFullHandler(fn func()) {
	m.onFull = fn
}

// Post queues a write. When every slot is taken the write is dropped,
// the full handler is called and ErrMailboxFull returned.
func (m *Mailbox) Post(ch protocol.Channel, data []byte) error {
	if len(data) > protocol.MaxPacketSize {
		return protocol.ErrOversized
	}

	state := disableInterrupts()
	if m.count == len(m.slots) {
		restoreInterrupts(state)
		atomic.AddUint32(&m.dropped, 1)
		if m.onFull != nil {
			m.onFull()
		}
		return ErrMailboxFull
	}
	slot := &m.slots[(m.head+m.count)%len(m.slots)]
	slot.Channel = ch
	slot.Len = uint8(copy(slot.Data[:], data))
	m.count++
	restoreInterrupts(state)
	return nil
}

// Take copies the oldest packet into out and frees its slot
func (m *Mailbox) Take(out *Packet) bool {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	if m.count == 0 {
		return false
	}
	*out = m.slots[m.head]
	m.head = (m.head + 1) % len(m.slots)
	m.count--
	return true
}

// Len returns the number of queued packets
func (m *Mailbox) Len() int {
	state := disableInterrupts()
	defer restoreInterrupts(state)
	return m.count
}

// Dropped returns the number of packets lost to a full mailbox
func (m *Mailbox) Dropped() uint32 {
	return atomic.LoadUint32(&m.dropped)
}

// Serve dispatches queued packets through reg until ctx is done. A write
// refused with ErrStalled is retried until it is taken: radio writes are
// acknowledged by the stack before they reach here, so refusing one would
// lose it.
func (m *Mailbox) Serve(ctx context.Context, reg *ChannelRegistry, clock Clock) error {
	var pkt Packet
	reported := m.Dropped()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if d := m.Dropped(); d != reported {
			RecordEvent(EvtMailboxDrop, 0, clock.Millis(), d-reported, 0)
			DebugAsync("mailbox dropped " + utoa(d-reported) + " packets")
			reported = d
		}

		if !m.Take(&pkt) {
			clock.Sleep(time.Millisecond)
			continue
		}

		for {
			err := reg.Dispatch(pkt.Channel, pkt.Bytes())
			if !errors.Is(err, ErrStalled) {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
	}
}
