package core

import "sync"

// TraceEvent is one pipeline event kept for post-mortem dumps
type TraceEvent struct {
	Kind    EventKind
	Channel uint8
	Millis  uint32
	Value1  uint32
	Value2  uint32
}

// EventKind tells trace events apart. The zero value marks an empty slot.
type EventKind uint8

const (
	EvtChunkAccepted EventKind = iota + 1 // v1=session, v2=seq
	EvtChunkRejected                      // v1=session, v2=seq
	EvtSessionStart                       // v1=session
	EvtPauseApplied                       // v1=1 paused, 0 resumed
	EvtAbortApplied                       // v1=bytes discarded
	EvtWriteStalled                       // v1=bytes wanted, v2=free
	EvtMacroRun                           // v1=opcode, v2=payload length
	EvtMailboxDrop                        // v1=packets lost
	EvtKeyDropped                         // v1=modifier<<8|keycode
)

var eventNames = [...]string{
	EvtChunkAccepted: "CHUNK_OK",
	EvtChunkRejected: "CHUNK_DROP",
	EvtSessionStart:  "SESSION",
	EvtPauseApplied:  "PAUSE",
	EvtAbortApplied:  "ABORT",
	EvtWriteStalled:  "STALL!",
	EvtMacroRun:      "MACRO",
	EvtMailboxDrop:   "MBOX_DROP!",
	EvtKeyDropped:    "KEY_DROP!",
}

func (k EventKind) String() string {
	if int(k) < len(eventNames) && eventNames[k] != "" {
		return eventNames[k]
	}
	return "UNKNOWN"
}

// TraceRingSize is how many recent events survive for a dump
const TraceRingSize = 32

var trace struct {
	sync.Mutex
	events [TraceRingSize]TraceEvent
	next   int
}

// RecordEvent stores an event, overwriting the oldest once the ring is full
func RecordEvent(kind EventKind, channel uint8, millis, value1, value2 uint32) {
	trace.Lock()
	trace.events[trace.next] = TraceEvent{kind, channel, millis, value1, value2}
	trace.next = (trace.next + 1) % TraceRingSize
	trace.Unlock()
}

// TraceEvents returns the recorded events, oldest first
func TraceEvents() []TraceEvent {
	trace.Lock()
	defer trace.Unlock()

	out := make([]TraceEvent, 0, TraceRingSize)
	for i := range TraceRingSize {
		evt := trace.events[(trace.next+i)%TraceRingSize]
		if evt.Kind != 0 {
			out = append(out, evt)
		}
	}
	return out
}

// DumpTraceRing writes the trace to the debug writer, regardless of whether
// debug output is enabled. The firmware calls it after recovering a panic.
func DumpTraceRing() {
	debugWrite("[TRACE] dump")
	for _, evt := range TraceEvents() {
		debugWrite("[TRACE] " + evt.Kind.String() +
			" ch=" + utoa(uint32(evt.Channel)) +
			" ms=" + utoa(evt.Millis) +
			" v1=" + utoa(evt.Value1) +
			" v2=" + utoa(evt.Value2))
	}
	debugWrite("[TRACE] end")
}

func ClearTraceRing() {
	trace.Lock()
	trace.events = [TraceRingSize]TraceEvent{}
	trace.next = 0
	trace.Unlock()
}
