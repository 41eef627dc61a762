package core

import (
	"strings"
	"testing"
)

func TestTraceRingKeepsNewest(t *testing.T) {
	ClearTraceRing()
	defer ClearTraceRing()

	for i := range TraceRingSize + 3 {
		RecordEvent(EvtChunkAccepted, 1, uint32(i), 7, uint32(i))
	}

	events := TraceEvents()
	if len(events) != TraceRingSize {
		t.Fatalf("got %d events, want %d", len(events), TraceRingSize)
	}
	if events[0].Value2 != 3 || events[TraceRingSize-1].Value2 != TraceRingSize+2 {
		t.Errorf("oldest seq %d, newest %d", events[0].Value2, events[TraceRingSize-1].Value2)
	}
}

func TestDumpTraceRing(t *testing.T) {
	ClearTraceRing()
	defer ClearTraceRing()

	var lines []string
	SetDebugWriter(func(s string) { lines = append(lines, s) })
	defer SetDebugWriter(nil)

	RecordEvent(EvtWriteStalled, 1, 1500, 20, 4)
	RecordEvent(EventKind(99), 0, 0, 0, 0)
	DumpTraceRing()

	want := []string{
		"[TRACE] dump",
		"[TRACE] STALL! ch=1 ms=1500 v1=20 v2=4",
		"[TRACE] UNKNOWN ch=0 ms=0 v1=0 v2=0",
		"[TRACE] end",
	}
	if strings.Join(lines, "\n") != strings.Join(want, "\n") {
		t.Errorf("dump:\n%s\nwant:\n%s", strings.Join(lines, "\n"), strings.Join(want, "\n"))
	}
}
