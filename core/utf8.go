package core

// DecoderState carries a partially assembled code point between bytes, and so
// between chunks
type DecoderState struct {
	Pending   uint32
	Remaining uint8
}

// Decode feeds one byte to the UTF-8 decoder. It returns the new state and,
// when a code point completes, that code point with ok set.
//
// A start byte arriving where a continuation byte was expected abandons the
// pending sequence and is decoded afresh. Stray continuation bytes and invalid
// start bytes are skipped.
func Decode(st DecoderState, b byte) (DecoderState, rune, bool) {
	if st.Remaining > 0 {
		if b&0xC0 == 0x80 {
			st.Pending = st.Pending<<6 | uint32(b&0x3F)
			st.Remaining--
			if st.Remaining == 0 {
				return DecoderState{}, rune(st.Pending), true
			}
			return st, 0, false
		}
		st = DecoderState{}
	}

	switch {
	case b < 0x80:
		return st, rune(b), true
	case b&0xE0 == 0xC0:
		return DecoderState{Pending: uint32(b & 0x1F), Remaining: 1}, 0, false
	case b&0xF0 == 0xE0:
		return DecoderState{Pending: uint32(b & 0x0F), Remaining: 2}, 0, false
	case b&0xF8 == 0xF0:
		return DecoderState{Pending: uint32(b & 0x07), Remaining: 3}, 0, false
	}
	return st, 0, false
}
