package device_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"byteflusher/host/device"
	"byteflusher/host/device/devicetest"
	"byteflusher/protocol"
)

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

// newBench runs an emulated device behind a bench link and connects to it
func newBench(t *testing.T) (*device.Wired, *devicetest.Emulator) {
	t.Helper()
	hostR, devW := io.Pipe()
	devR, hostW := io.Pipe()
	devPort := &pipePort{r: devR, w: devW}

	emu := devicetest.New(devicetest.Options())
	var link *protocol.Link
	link = protocol.NewLink(protocol.NewScratchOutput(), emu.Registry.LinkHandler(func(ch protocol.Channel, payload []byte) {
		link.Notify(ch, payload)
	}))
	link.SetWriter(func(b []byte) error {
		_, err := devPort.Write(b)
		return err
	})
	emu.OnNotify(link.Notify)

	go func() {
		in := protocol.NewRingBuffer(1024)
		buf := make([]byte, 64)
		for {
			n, err := devPort.Read(buf)
			if err != nil {
				return
			}
			in.Write(buf[:n])
			link.Receive(in)
		}
	}()

	w := device.NewWired("bench", &pipePort{r: hostR, w: hostW})
	t.Cleanup(func() {
		w.Close()
		devPort.Close()
		emu.Close()
	})
	return w, emu
}

func TestWiredTypesText(t *testing.T) {
	w, emu := newBench(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, w.Write(ctx, protocol.ChannelText, protocol.EncodeTextChunk(9, 0, []byte("hello "))))
	require.NoError(t, w.Write(ctx, protocol.ChannelText, protocol.EncodeTextChunk(9, 1, []byte("world"))))
	require.NoError(t, emu.WaitIdle(ctx))

	assert.Equal(t, "hello world", emu.Keyboard.Typed())
	assert.Equal(t, "bench", w.Name())
}

func TestWiredReadStatus(t *testing.T) {
	w, emu := newBench(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := device.ReadStatus(ctx, w)
	require.NoError(t, err)
	assert.Equal(t, emu.Pipeline.Status().Capacity, st.Capacity)
	assert.Equal(t, st.Capacity, st.Free)
}

func TestWiredNickname(t *testing.T) {
	w, _ := newBench(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, device.WriteNickname(ctx, w, "desk 1!"))
	name, err := device.ReadNickname(ctx, w)
	require.NoError(t, err)
	assert.Equal(t, "desk1", name)

	require.NoError(t, device.WriteNickname(ctx, w, ""))
	name, err = device.ReadNickname(ctx, w)
	require.NoError(t, err)
	assert.Empty(t, name)
}

func TestWiredBootloader(t *testing.T) {
	w, emu := newBench(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, device.EnterBootloader(ctx, w))
	assert.Equal(t, 1, emu.BootloaderRequests())
}

func TestWiredNotifications(t *testing.T) {
	w, emu := newBench(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	keys := make(chan protocol.KeyLogRecord, 16)
	w.OnNotify(func(ch protocol.Channel, payload []byte) {
		if ch != protocol.ChannelKeyLog {
			return
		}
		if rec, err := protocol.DecodeKeyLogRecord(payload); err == nil {
			keys <- rec
		}
	})

	require.NoError(t, w.Write(ctx, protocol.ChannelText, protocol.EncodeTextChunk(3, 0, []byte("ab"))))
	require.NoError(t, emu.WaitIdle(ctx))

	var got []byte
	for len(got) < 2 {
		select {
		case rec := <-keys:
			got = append(got, rec.Arg)
		case <-ctx.Done():
			t.Fatalf("key log notifications missing, got %q", got)
		}
	}
	assert.Equal(t, "ab", string(got))
}

func TestWiredReadTimesOutOnClosedContext(t *testing.T) {
	w, _ := newBench(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.Read(ctx, protocol.ChannelStatus)
	assert.ErrorIs(t, err, context.Canceled)
}
