package core

import "byteflusher/protocol"

// KeyEmitter performs taps on behalf of the typist. Toggle taps the configured
// mode switch binding and waits the mode settle delay. Both report whether the
// key went out.
type KeyEmitter interface {
	Tap(t KeyTap, event, arg uint8) bool
	Toggle(korean bool) bool
}

// TypistState is the output side state that persists between code points
type TypistState struct {
	Korean bool // host IME assumed to be in Korean mode
	PrevCR bool // last code point was '\r'
}

// TypeRune emits the taps for one code point and returns the next state.
//
// CR emits Enter; an LF directly after a CR is swallowed so CRLF yields a
// single Enter. Hangul syllables switch to Korean and type their dubeolsik
// jamo keys; every other code point switches to English. Anything that cannot
// be typed comes out as '?'.
func TypeRune(st TypistState, r rune, e KeyEmitter) TypistState {
	switch r {
	case '\r':
		st = switchMode(st, false, e)
		tapASCII(e, '\r')
		st.PrevCR = true
		return st
	case '\n':
		if st.PrevCR {
			st.PrevCR = false
			return st
		}
		st = switchMode(st, false, e)
		tapASCII(e, '\n')
		return st
	}
	st.PrevCR = false

	switch {
	case r >= 0 && r <= 0x7F:
		st = switchMode(st, false, e)
		tapASCII(e, byte(r))
	case IsHangulSyllable(r):
		st = switchMode(st, true, e)
		cho, jung, jong, _ := DecomposeHangul(r)
	syllable:
		for _, s := range [3]*JamoSeq{&choSeqs[cho], &jungSeqs[jung], &jongSeqs[jong]} {
			for i := uint8(0); i < s.N; i++ {
				if !e.Tap(s.Taps[i], protocol.EventKey, s.Taps[i].Char) {
					break syllable
				}
			}
		}
	default:
		st = switchMode(st, false, e)
		tapASCII(e, '?')
	}
	return st
}

// TypeASCII types raw bytes in English mode without CR/LF collapsing
func TypeASCII(st TypistState, data []byte, e KeyEmitter) TypistState {
	st = switchMode(st, false, e)
	for _, c := range data {
		if !tapASCII(e, c) {
			break
		}
	}
	st.PrevCR = false
	return st
}

// ForceEnglish switches to English mode if needed
func ForceEnglish(st TypistState, e KeyEmitter) TypistState {
	return switchMode(st, false, e)
}

func switchMode(st TypistState, korean bool, e KeyEmitter) TypistState {
	if st.Korean == korean || !e.Toggle(korean) {
		return st
	}
	st.Korean = korean
	return st
}

func tapASCII(e KeyEmitter, c byte) bool {
	t := ASCIITap(c)
	return e.Tap(t, protocol.EventKey, t.Char)
}
