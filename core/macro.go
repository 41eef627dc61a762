package core

import (
	"encoding/binary"
	"sync"

	"byteflusher/protocol"
)

// MacroQueue buffers macro channel writes as a byte stream of
// {opcode, length, payload} records
type MacroQueue struct {
	mu  sync.Mutex
	buf *protocol.RingBuffer

	record [protocol.MacroHeaderSize + protocol.MacroMaxPayload]byte
}

// NewMacroQueue creates a queue backed by a ring of the given size
func NewMacroQueue(size int) *MacroQueue {
	return &MacroQueue{buf: protocol.NewRingBuffer(size)}
}

// Append stores data whole, or not at all when it does not fit
func (m *MacroQueue) Append(data []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.buf.Free() < len(data) {
		return false
	}
	m.buf.Write(data)
	return true
}

// Free returns the free space in bytes
func (m *MacroQueue) Free() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.Free()
}

// Capacity returns the usable capacity in bytes
func (m *MacroQueue) Capacity() int {
	return m.buf.Capacity()
}

// Pending returns the number of buffered bytes
func (m *MacroQueue) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.Available()
}

// Clear discards every buffered record
func (m *MacroQueue) Clear() {
	m.mu.Lock()
	m.buf.Reset()
	m.mu.Unlock()
}

// Next removes one complete record. A record whose payload has not fully
// arrived is left in place. The payload slice is valid until the next call.
func (m *MacroQueue) Next() (protocol.Opcode, []byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.buf.Available() < protocol.MacroHeaderSize {
		return 0, nil, false
	}
	length, _ := m.buf.PeekAt(1)
	total := protocol.MacroHeaderSize + int(length)
	if m.buf.Available() < total {
		return 0, nil, false
	}
	m.buf.Read(m.record[:total])
	return protocol.Opcode(m.record[0]), m.record[protocol.MacroHeaderSize:total], true
}

// RunMacro executes one record and returns the typist state after it.
// Unknown opcodes are consumed without effect.
func RunMacro(st TypistState, op protocol.Opcode, payload []byte, e KeyEmitter, clock Clock) TypistState {
	arg := uint8(op)
	switch op {
	case protocol.OpOpenRun:
		e.Tap(KeyTap{Modifier: ModLeftGUI, Keycode: KeyR, Char: 'r'}, protocol.EventMacro, arg)
	case protocol.OpEnter:
		e.Tap(KeyTap{Keycode: KeyEnter, Char: '\n'}, protocol.EventMacro, arg)
	case protocol.OpEscape:
		e.Tap(KeyTap{Keycode: KeyEscape}, protocol.EventMacro, arg)
	case protocol.OpTypeASCII:
		return TypeASCII(st, payload, e)
	case protocol.OpSleepMs:
		if len(payload) >= 2 {
			clock.Sleep(msDuration(binary.LittleEndian.Uint16(payload)))
		}
		return st
	case protocol.OpForceEnglish:
		return ForceEnglish(st, e)
	default:
		return st
	}
	st.PrevCR = false
	return st
}
