package core

import (
	"sync"

	"byteflusher/protocol"
)

// Ingest is the text byte queue: the main channel plus the pause stash.
//
// Bytes in the stash are always older than bytes in the channel, so Pop drains
// the stash first. Every Clear starts a new generation; the consumer compares
// the generation of each popped byte with the last one it saw and resets its
// decoder and typist state when they differ.
type Ingest struct {
	mu      sync.Mutex
	channel *protocol.RingBuffer
	stash   *protocol.RingBuffer
	gen     uint32
}

// NewIngest creates the queue. Sizes are ring sizes; usable capacity is one less.
func NewIngest(channelSize, stashSize int) *Ingest {
	return &Ingest{
		channel: protocol.NewRingBuffer(channelSize),
		stash:   protocol.NewRingBuffer(stashSize),
	}
}

// Push appends as much of data as fits in the channel and returns the count
func (q *Ingest) Push(data []byte) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.channel.Write(data)
}

// Pop removes the oldest byte along with the generation it belongs to
func (q *Ingest) Pop() (byte, uint32, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if b, ok := q.stash.PopByte(); ok {
		return b, q.gen, true
	}
	b, ok := q.channel.PopByte()
	return b, q.gen, ok
}

// Evict moves the oldest channel byte into the stash. It reports false when
// the channel is empty or the stash is full.
func (q *Ingest) Evict() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stash.IsFull() {
		return false
	}
	b, ok := q.channel.PopByte()
	if !ok {
		return false
	}
	q.stash.PushByte(b)
	return true
}

// Clear empties channel and stash and returns the new generation
func (q *Ingest) Clear() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.channel.Reset()
	q.stash.Reset()
	q.gen++
	return q.gen
}

// Free returns the free space in the channel (the figure reported as status)
func (q *Ingest) Free() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.channel.Free()
}

// Capacity returns the usable channel capacity
func (q *Ingest) Capacity() int {
	return q.channel.Capacity()
}

// Buffered returns the number of bytes waiting in channel and stash
func (q *Ingest) Buffered() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.channel.Available() + q.stash.Available()
}

// Stashed returns the number of bytes waiting in the stash
func (q *Ingest) Stashed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stash.Available()
}

// Generation returns the current generation
func (q *Ingest) Generation() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.gen
}
