package core

import (
	"errors"
	"sort"
	"sync"

	"byteflusher/protocol"
)

var ErrUnknownChannel = errors.New("unknown channel")

// ChannelHandler handles a write to one channel. Returning an error makes an
// acknowledged transport refuse the write so the sender retries it.
type ChannelHandler func(data []byte) error

// ChannelReader produces the current value of a readable channel
type ChannelReader func() []byte

// ChannelRegistry maps channel ids to their handlers. Both radio and bench
// link dispatch through it.
type ChannelRegistry struct {
	mu      sync.RWMutex
	writers map[protocol.Channel]ChannelHandler
	readers map[protocol.Channel]ChannelReader
}

// NewChannelRegistry creates an empty registry
func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{
		writers: make(map[protocol.Channel]ChannelHandler),
		readers: make(map[protocol.Channel]ChannelReader),
	}
}

// Register sets the write handler for a channel, replacing any previous one
func (r *ChannelRegistry) Register(ch protocol.Channel, handler ChannelHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writers[ch] = handler
}

// RegisterReader sets the read handler for a channel
func (r *ChannelRegistry) RegisterReader(ch protocol.Channel, reader ChannelReader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readers[ch] = reader
}

// Dispatch calls the write handler for ch
func (r *ChannelRegistry) Dispatch(ch protocol.Channel, data []byte) error {
	r.mu.RLock()
	handler, ok := r.writers[ch]
	r.mu.RUnlock()
	if !ok {
		DebugPrintln("write to unknown channel " + itoa(int(ch)))
		return ErrUnknownChannel
	}
	return handler(data)
}

// Read returns the current value of a readable channel
func (r *ChannelRegistry) Read(ch protocol.Channel) ([]byte, error) {
	r.mu.RLock()
	reader, ok := r.readers[ch]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownChannel
	}
	return reader(), nil
}

// Channels returns every channel with a write or read handler, in id order
func (r *ChannelRegistry) Channels() []protocol.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[protocol.Channel]bool, len(r.writers)+len(r.readers))
	for ch := range r.writers {
		seen[ch] = true
	}
	for ch := range r.readers {
		seen[ch] = true
	}
	out := make([]protocol.Channel, 0, len(seen))
	for ch := range seen {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// LinkHandler adapts the registry to the bench link. A frame with no packet
// bytes on a readable channel is a read request, answered with a
// notification on the same channel.
func (r *ChannelRegistry) LinkHandler(notify func(ch protocol.Channel, payload []byte)) protocol.FrameHandler {
	return func(ch protocol.Channel, data []byte) error {
		if len(data) == 0 {
			if value, err := r.Read(ch); err == nil {
				notify(ch, value)
				return nil
			}
		}
		return r.Dispatch(ch, data)
	}
}
