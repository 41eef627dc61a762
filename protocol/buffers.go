package protocol

// InputBuffer is received link data waiting to be framed
type InputBuffer interface {
	Data() []byte
	Available() int
	// Pop consumes n bytes from the front
	Pop(n int)
}

// OutputBuffer accumulates outgoing frames
type OutputBuffer interface {
	Output(data []byte)
}

// FrameInput is an InputBuffer over bytes already in memory
type FrameInput struct {
	data []byte
}

func NewFrameInput(data []byte) *FrameInput {
	return &FrameInput{data: data}
}

func (in *FrameInput) Data() []byte   { return in.data }
func (in *FrameInput) Available() int { return len(in.data) }

func (in *FrameInput) Pop(n int) {
	in.data = in.data[min(n, len(in.data)):]
}

// ScratchOutput is a fixed OutputBuffer holding one link flush worth of frames
type ScratchOutput struct {
	buf [MessageMax]byte
	pos int
}

func NewScratchOutput() *ScratchOutput {
	return &ScratchOutput{}
}

// Output appends data, truncating at the scratch size
func (s *ScratchOutput) Output(data []byte) {
	s.pos += copy(s.buf[s.pos:], data)
}

// Len is the number of bytes written since the last Reset
func (s *ScratchOutput) Len() int { return s.pos }

// Result returns the frames written since the last Reset
func (s *ScratchOutput) Result() []byte { return s.buf[:s.pos] }

func (s *ScratchOutput) Reset() { s.pos = 0 }

// RingBuffer is a bounded circular byte queue. One slot is kept free so a full
// ring differs from an empty one: a ring of size n holds n-1 bytes. It does no
// locking; owners guard compound updates such as Reset.
type RingBuffer struct {
	buf  []byte
	head int // next byte to pop
	tail int // next slot to fill
}

// NewRingBuffer creates a ring of the given declared size (at least 2)
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{buf: make([]byte, max(size, 2))}
}

func (r *RingBuffer) wrap(i int) int {
	if i >= len(r.buf) {
		return i - len(r.buf)
	}
	return i
}

// PushByte enqueues b, reporting false when the ring is full
func (r *RingBuffer) PushByte(b byte) bool {
	next := r.wrap(r.tail + 1)
	if next == r.head {
		return false
	}
	r.buf[r.tail] = b
	r.tail = next
	return true
}

// PopByte dequeues the oldest byte
func (r *RingBuffer) PopByte() (byte, bool) {
	if r.head == r.tail {
		return 0, false
	}
	b := r.buf[r.head]
	r.head = r.wrap(r.head + 1)
	return b, true
}

// PeekAt returns the i-th oldest byte without consuming it
func (r *RingBuffer) PeekAt(i int) (byte, bool) {
	if i < 0 || i >= r.Available() {
		return 0, false
	}
	return r.buf[r.wrap(r.head+i)], true
}

// Write enqueues as much of data as fits and returns the count
func (r *RingBuffer) Write(data []byte) int {
	for i, b := range data {
		if !r.PushByte(b) {
			return i
		}
	}
	return len(data)
}

// Read dequeues up to len(data) bytes
func (r *RingBuffer) Read(data []byte) int {
	for i := range data {
		b, ok := r.PopByte()
		if !ok {
			return i
		}
		data[i] = b
	}
	return len(data)
}

// Available is the number of queued bytes
func (r *RingBuffer) Available() int {
	n := r.tail - r.head
	if n < 0 {
		n += len(r.buf)
	}
	return n
}

func (r *RingBuffer) Free() int     { return r.Capacity() - r.Available() }
func (r *RingBuffer) Capacity() int { return len(r.buf) - 1 }
func (r *RingBuffer) IsEmpty() bool { return r.head == r.tail }
func (r *RingBuffer) IsFull() bool  { return r.wrap(r.tail+1) == r.head }

// Data returns the queued bytes in order. A wrapped ring is copied out.
func (r *RingBuffer) Data() []byte {
	if r.head <= r.tail {
		return r.buf[r.head:r.tail]
	}
	out := make([]byte, 0, r.Available())
	out = append(out, r.buf[r.head:]...)
	return append(out, r.buf[:r.tail]...)
}

// Pop discards up to n queued bytes
func (r *RingBuffer) Pop(n int) {
	r.head = r.wrap(r.head + min(n, r.Available()))
}

// Reset empties the ring by moving head onto tail
func (r *RingBuffer) Reset() {
	r.head = r.tail
}
