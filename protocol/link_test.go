package protocol

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

func TestBuildFrameLayout(t *testing.T) {
	frame, err := BuildFrame(0x13, ChannelConfig, []byte{0xAA, 0xBB})
	if err != nil {
		t.Fatalf("BuildFrame: %v", err)
	}
	if len(frame) != 8 {
		t.Fatalf("len = %d, want 8", len(frame))
	}
	if frame[0] != 8 || frame[1] != 0x13 || frame[2] != byte(ChannelConfig) {
		t.Errorf("bad header: % x", frame[:3])
	}
	if frame[len(frame)-1] != MessageValueSync {
		t.Errorf("missing sync byte")
	}
	crc := CRC16(frame[:5])
	if frame[5] != byte(crc>>8) || frame[6] != byte(crc) {
		t.Errorf("bad crc")
	}
}

func TestBuildFrameTooLong(t *testing.T) {
	if _, err := BuildFrame(MessageDest, ChannelText, make([]byte, MaxFramePayload)); err != nil {
		t.Fatalf("max payload rejected: %v", err)
	}
	_, err := BuildFrame(MessageDest, ChannelText, make([]byte, MaxFramePayload+1))
	if !errors.Is(err, ErrFrameTooLong) {
		t.Errorf("err = %v, want ErrFrameTooLong", err)
	}
}

func lastAckSeq(t *testing.T, out *ScratchOutput) uint8 {
	t.Helper()
	res := out.Result()
	if len(res) < MessageLengthMin {
		t.Fatalf("no ack written")
	}
	ack := res[len(res)-MessageLengthMin:]
	if ack[0] != MessageLengthMin || ack[4] != MessageValueSync {
		t.Fatalf("last frame is not an ack: % x", ack)
	}
	return ack[MessagePositionSeq]
}

func TestLinkAcksAfterHandler(t *testing.T) {
	out := NewScratchOutput()
	var calls int
	var got []byte
	link := NewLink(out, func(ch Channel, data []byte) error {
		calls++
		if ch != ChannelText {
			t.Errorf("channel = %v, want text", ch)
		}
		got = append(got, data...)
		return nil
	})

	frame, _ := BuildFrame(MessageDest, ChannelText, []byte("hi"))
	link.Receive(NewFrameInput(frame))

	if calls != 1 || string(got) != "hi" {
		t.Fatalf("calls=%d got=%q", calls, got)
	}
	if seq := lastAckSeq(t, out); seq != 0x11 {
		t.Errorf("ack seq = 0x%02x, want 0x11", seq)
	}

	// Same frame again is a duplicate
	link.Receive(NewFrameInput(frame))
	if calls != 1 {
		t.Errorf("duplicate frame dispatched again")
	}
	if seq := lastAckSeq(t, out); seq != 0x11 {
		t.Errorf("duplicate ack seq = 0x%02x, want 0x11", seq)
	}
}

func TestLinkRefusalKeepsSequence(t *testing.T) {
	out := NewScratchOutput()
	refuse := true
	link := NewLink(out, func(ch Channel, data []byte) error {
		if refuse {
			return errors.New("stalled")
		}
		return nil
	})

	frame, _ := BuildFrame(MessageDest, ChannelText, []byte{1})
	link.Receive(NewFrameInput(frame))
	if seq := lastAckSeq(t, out); seq != MessageDest {
		t.Errorf("refused ack seq = 0x%02x, want 0x10", seq)
	}

	refuse = false
	link.Receive(NewFrameInput(frame))
	if seq := lastAckSeq(t, out); seq != 0x11 {
		t.Errorf("retry ack seq = 0x%02x, want 0x11", seq)
	}
	accepted, rejected := link.Stats()
	if accepted != 1 || rejected != 1 {
		t.Errorf("stats = %d/%d, want 1/1", accepted, rejected)
	}
}

func TestLinkSequenceWraps(t *testing.T) {
	out := NewScratchOutput()
	link := NewLink(out, func(Channel, []byte) error { return nil })
	link.SetWriter(func([]byte) error { return nil })

	seq := uint8(MessageDest)
	for i := 0; i < 17; i++ {
		frame, _ := BuildFrame(seq, ChannelMacro, []byte{byte(i)})
		link.Receive(NewFrameInput(frame))
		seq = ((seq + 1) & MessageSeqMask) | MessageDest
	}
	accepted, _ := link.Stats()
	if accepted != 17 {
		t.Errorf("accepted = %d, want 17", accepted)
	}
}

func TestLinkResyncsAfterGarbage(t *testing.T) {
	out := NewScratchOutput()
	var calls int
	link := NewLink(out, func(Channel, []byte) error { calls++; return nil })

	frame, _ := BuildFrame(MessageDest, ChannelText, []byte("ok"))
	data := append([]byte{0x02, 0xFF, 0x00, MessageValueSync}, frame...)
	link.Receive(NewFrameInput(data))

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestLinkPartialFrameWaits(t *testing.T) {
	out := NewScratchOutput()
	var calls int
	link := NewLink(out, func(Channel, []byte) error { calls++; return nil })

	frame, _ := BuildFrame(MessageDest, ChannelText, []byte("abcdef"))
	in := NewRingBuffer(64)
	in.Write(frame[:6])
	link.Receive(in)
	if calls != 0 || in.Available() != 6 {
		t.Fatalf("partial frame consumed: calls=%d available=%d", calls, in.Available())
	}
	in.Write(frame[6:])
	link.Receive(in)
	if calls != 1 || in.Available() != 0 {
		t.Errorf("calls=%d available=%d", calls, in.Available())
	}
}

func TestLinkNotifyFrame(t *testing.T) {
	out := NewScratchOutput()
	link := NewLink(out, nil)
	link.Notify(ChannelStatus, []byte{1, 2, 3, 4})

	res := out.Result()
	if len(res) != MessageLengthMin+5 {
		t.Fatalf("len = %d", len(res))
	}
	if res[0] != byte(len(res)) || res[2] != byte(ChannelStatus) {
		t.Errorf("bad notify header: % x", res)
	}
	crc := CRC16(res[:len(res)-MessageTrailerSize])
	if res[len(res)-3] != byte(crc>>8) || res[len(res)-2] != byte(crc) {
		t.Errorf("bad crc")
	}
}

// pipePort joins two pipes into the io.ReadWriteCloser a serial port provides
type pipePort struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pipePort) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipePort) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipePort) Close() error {
	p.r.Close()
	return p.w.Close()
}

type benchDevice struct {
	link *Link
	in   *RingBuffer
	port *pipePort
}

func newBenchPair(t *testing.T, handler FrameHandler) (*HostLink, *benchDevice) {
	return newPrimedBenchPair(t, handler, nil)
}

// newPrimedBenchPair lets prime feed the device link before the host connects
func newPrimedBenchPair(t *testing.T, handler FrameHandler, prime func(*Link)) (*HostLink, *benchDevice) {
	t.Helper()
	hostR, devW := io.Pipe()
	devR, hostW := io.Pipe()

	dev := &benchDevice{
		in:   NewRingBuffer(1024),
		port: &pipePort{r: devR, w: devW},
	}
	out := NewScratchOutput()
	dev.link = NewLink(out, handler)
	if prime != nil {
		prime(dev.link)
		out.Reset()
	}
	dev.link.SetWriter(func(b []byte) error {
		_, err := dev.port.Write(b)
		return err
	})
	go func() {
		buf := make([]byte, 64)
		for {
			n, err := dev.port.Read(buf)
			if err != nil {
				return
			}
			dev.in.Write(buf[:n])
			dev.link.Receive(dev.in)
		}
	}()

	host := NewHostLink(&pipePort{r: hostR, w: hostW})
	t.Cleanup(func() {
		host.Close()
		dev.port.Close()
	})
	return host, dev
}

func TestHostLinkSendRoundTrip(t *testing.T) {
	var mu sync.Mutex
	var got [][]byte
	host, _ := newBenchPair(t, func(ch Channel, data []byte) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, append([]byte{byte(ch)}, data...))
		return nil
	})

	if err := host.Send(ChannelText, EncodeTextChunk(7, 0, []byte("abc"))); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := host.Send(ChannelMacro, []byte{byte(OpEnter), 0}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("device saw %d frames, want 2", len(got))
	}
	if got[0][0] != byte(ChannelText) || got[1][0] != byte(ChannelMacro) {
		t.Errorf("channels = %d, %d", got[0][0], got[1][0])
	}
	if host.CurrentSequence() != 0x12 {
		t.Errorf("sequence = 0x%02x, want 0x12", host.CurrentSequence())
	}
}

func TestHostLinkNak(t *testing.T) {
	var mu sync.Mutex
	refuse := true
	host, _ := newBenchPair(t, func(Channel, []byte) error {
		mu.Lock()
		defer mu.Unlock()
		if refuse {
			return errors.New("stalled")
		}
		return nil
	})

	if err := host.Send(ChannelText, []byte{1, 0, 0, 0}); !errors.Is(err, ErrNak) {
		t.Fatalf("err = %v, want ErrNak", err)
	}
	mu.Lock()
	refuse = false
	mu.Unlock()
	if err := host.Send(ChannelText, []byte{1, 0, 0, 0}); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestHostLinkAdoptsRunningDeviceSequence(t *testing.T) {
	var mu sync.Mutex
	var calls int
	handler := func(Channel, []byte) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}
	// Device already consumed a frame from an earlier host session
	host, _ := newPrimedBenchPair(t, handler, func(l *Link) {
		frame, _ := BuildFrame(MessageDest, ChannelMacro, []byte{byte(OpEnter), 0})
		l.Receive(NewFrameInput(frame))
	})

	if err := host.Send(ChannelMacro, []byte{byte(OpEscape), 0}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestHostLinkNotifications(t *testing.T) {
	host, dev := newBenchPair(t, func(Channel, []byte) error { return nil })

	got := make(chan []byte, 1)
	host.SetNotifyHandler(func(ch Channel, payload []byte) {
		if ch == ChannelStatus {
			got <- payload
		}
	})

	dev.link.Notify(ChannelStatus, Status{Capacity: 4095, Free: 100}.Encode())

	select {
	case p := <-got:
		st, err := DecodeStatus(p)
		if err != nil || st.Free != 100 || st.Capacity != 4095 {
			t.Errorf("status = %+v, %v", st, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestHostLinkClosed(t *testing.T) {
	host, _ := newBenchPair(t, func(Channel, []byte) error { return nil })
	if err := host.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := host.Send(ChannelText, []byte{0, 0, 0, 0}); !errors.Is(err, ErrLinkClosed) {
		t.Errorf("err = %v, want ErrLinkClosed", err)
	}
}
