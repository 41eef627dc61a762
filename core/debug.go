package core

// DebugWriter receives one line of debug output
type DebugWriter func(string)

var (
	debugWrite   DebugWriter = func(string) {}
	debugEnabled bool
	debugQueue   chan string
)

// SetDebugWriter routes debug output, e.g. to the board's UART
func SetDebugWriter(w DebugWriter) {
	if w == nil {
		w = func(string) {}
	}
	debugWrite = w
}

func SetDebugEnabled(enabled bool) {
	debugEnabled = enabled
}

// InitAsyncDebug starts the goroutine behind DebugAsync. Call it once, after
// SetDebugWriter.
func InitAsyncDebug() {
	debugQueue = make(chan string, 16)
	go func() {
		for msg := range debugQueue {
			debugWrite(msg)
		}
	}()
}

// DebugPrintln writes msg synchronously when debug output is enabled
func DebugPrintln(msg string) {
	if debugEnabled {
		debugWrite(msg)
	}
}

// DebugAsync queues msg without blocking. Messages are dropped when the queue
// is full or InitAsyncDebug was never called; write handlers use this.
func DebugAsync(msg string) {
	select {
	case debugQueue <- msg:
	default:
	}
}
