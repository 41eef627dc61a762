package core

import (
	"sync"

	"byteflusher/protocol"
)

// KeyLog is a fixed-capacity ring of emitted taps. When full the oldest record
// is overwritten.
type KeyLog struct {
	mu      sync.Mutex
	records []protocol.KeyLogRecord
	head    int // oldest record
	count   int
	dropped uint32
}

// NewKeyLog creates a key log holding up to capacity records
func NewKeyLog(capacity int) *KeyLog {
	if capacity < 1 {
		capacity = 1
	}
	return &KeyLog{records: make([]protocol.KeyLogRecord, capacity)}
}

// Add appends a record, overwriting the oldest one when full
func (l *KeyLog) Add(r protocol.KeyLogRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := (l.head + l.count) % len(l.records)
	l.records[idx] = r
	if l.count == len(l.records) {
		l.head = (l.head + 1) % len(l.records)
		l.dropped++
		return
	}
	l.count++
}

// Pop removes and returns the oldest record
func (l *KeyLog) Pop() (protocol.KeyLogRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.count == 0 {
		return protocol.KeyLogRecord{}, false
	}
	r := l.records[l.head]
	l.head = (l.head + 1) % len(l.records)
	l.count--
	return r, true
}

// Len returns the number of stored records
func (l *KeyLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Dropped returns how many records were overwritten before being read
func (l *KeyLog) Dropped() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Clear discards every record
func (l *KeyLog) Clear() {
	l.mu.Lock()
	l.head = 0
	l.count = 0
	l.mu.Unlock()
}
