package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"sync/atomic"
)

// Bench link framing:
//
//	[len][seq][VLQ channel][packet...][crc16 hi][crc16 lo][0x7E]
//
// len counts the whole frame. seq carries MessageDest in its high nibble and a
// 4-bit counter in the low one. A frame with an empty body is an ACK from the
// device, or a sync probe from the host.
const (
	MessageHeaderSize  = 2
	MessageTrailerSize = 3
	MessageLengthMin   = MessageHeaderSize + MessageTrailerSize
	MessageLengthMax   = 255
	MessagePositionLen = 0
	MessagePositionSeq = 1
	MessageTrailerCRC  = 3
	MessageTrailerSync = 1
	MessageValueSync   = 0x7E
	MessageDest        = 0x10

	// MaxFramePayload is the largest channel packet one frame can carry
	// (one byte is reserved for the channel prefix)
	MaxFramePayload = MessageLengthMax - MessageLengthMin - 1
)

var ErrFrameTooLong = errors.New("frame payload too long")

// nextSeq is the sequence that follows seq
func nextSeq(seq uint8) uint8 {
	return (seq+1)&MessageSeqMask | MessageDest
}

// BuildFrame encodes one channel packet as a complete frame
func BuildFrame(seq uint8, ch Channel, payload []byte) ([]byte, error) {
	if len(payload) > MaxFramePayload {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLong, len(payload), MaxFramePayload)
	}
	body := AppendVLQUint(make([]byte, 0, 1+len(payload)), uint32(ch))
	body = append(body, payload...)
	return appendFrame(make([]byte, 0, MessageLengthMin+len(body)), seq, body), nil
}

// appendFrame frames body, which must fit MessageLengthMax
func appendFrame(dst []byte, seq uint8, body []byte) []byte {
	start := len(dst)
	dst = append(dst, byte(MessageLengthMin+len(body)), seq)
	dst = append(dst, body...)
	crc := CRC16(dst[start:])
	return append(dst, byte(crc>>8), byte(crc), MessageValueSync)
}

// frameScanner cuts frames out of a byte stream. After a bad frame it drops
// input up to the next sync byte.
type frameScanner struct {
	lost atomic.Bool
}

// next returns the first complete frame in data and the bytes after it. When
// there is none, rest holds the bytes to keep for the next call. resynced runs
// each time a sync byte ends a lost stretch.
func (s *frameScanner) next(data []byte, resynced func()) (seq uint8, body, rest []byte, ok bool) {
	for len(data) > 0 {
		if s.lost.Load() {
			i := bytes.IndexByte(data, MessageValueSync)
			if i < 0 {
				return 0, nil, nil, false
			}
			data = data[i+1:]
			s.lost.Store(false)
			if resynced != nil {
				resynced()
			}
			continue
		}

		if data[0] == MessageValueSync {
			data = data[1:]
			continue
		}
		if len(data) < MessageLengthMin {
			break
		}

		n := int(data[MessagePositionLen])
		seq = data[MessagePositionSeq]
		if n < MessageLengthMin || seq&^MessageSeqMask != MessageDest {
			s.lost.Store(true)
			continue
		}
		if len(data) < n {
			break
		}

		crc := uint16(data[n-MessageTrailerCRC])<<8 | uint16(data[n-MessageTrailerCRC+1])
		if data[n-MessageTrailerSync] != MessageValueSync || crc != CRC16(data[:n-MessageTrailerSize]) {
			s.lost.Store(true)
			continue
		}
		return seq, data[MessageHeaderSize : n-MessageTrailerSize], data[n:], true
	}
	return 0, nil, data, false
}

func (s *frameScanner) reset() {
	s.lost.Store(false)
}
