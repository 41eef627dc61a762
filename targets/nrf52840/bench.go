//go:build nrf52840

package main

import (
	"errors"
	"machine"
	"time"

	"byteflusher/core"
	"byteflusher/protocol"
)

var errSerialWrite = errors.New("serial write failed")

// The bench link runs the channel protocol over the USB CDC serial port, for
// testing without a radio
var (
	benchInput  *protocol.RingBuffer
	benchOutput *protocol.ScratchOutput
	benchLink   *protocol.Link

	benchErrors              uint32
	consecutiveWriteFailures uint32
)

// InitBenchLink creates the link and attaches it to the channel registry
func InitBenchLink(reg *core.ChannelRegistry) *protocol.Link {
	if err := machine.Serial.Configure(machine.UARTConfig{}); err != nil {
		return nil
	}

	benchInput = protocol.NewRingBuffer(512)
	benchOutput = protocol.NewScratchOutput()

	benchLink = protocol.NewLink(benchOutput, reg.LinkHandler(func(ch protocol.Channel, payload []byte) {
		benchLink.Notify(ch, payload)
	}))
	benchLink.SetWriter(writeSerial)
	benchLink.SetResetCallback(func() {
		benchInput.Reset()
		benchOutput.Reset()
	})
	return benchLink
}

// benchLoop reads the serial port and feeds frames to the link. Handlers run
// on this goroutine, so a stalled text write holds back the ACK and the host.
func benchLoop() {
	defer func() {
		if r := recover(); r != nil {
			benchErrors++
			benchInput.Reset()
			time.Sleep(100 * time.Millisecond)
			go benchLoop()
		}
	}()

	for {
		progressed := false
		for machine.Serial.Buffered() > 0 && benchInput.Free() > 0 {
			b, err := machine.Serial.ReadByte()
			if err != nil {
				benchErrors++
				break
			}
			benchInput.PushByte(b)
			progressed = true
		}

		if progressed {
			benchLink.Receive(benchInput)
			benchLink.Flush()
		} else if benchInput.IsFull() {
			// A full buffer without a complete frame is garbage
			benchInput.Reset()
		}

		time.Sleep(100 * time.Microsecond)
	}
}

// writeSerial writes encoded link output, handling partial writes
func writeSerial(data []byte) error {
	written := 0
	for written < len(data) {
		n, err := machine.Serial.Write(data[written:])
		if err != nil || n == 0 {
			consecutiveWriteFailures++
			if consecutiveWriteFailures > 10 {
				// Nobody is listening; drop stale output
				consecutiveWriteFailures = 0
				benchOutput.Reset()
			}
			return errSerialWrite
		}
		written += n
	}
	consecutiveWriteFailures = 0
	return nil
}
