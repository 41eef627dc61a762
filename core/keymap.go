package core

// USB HID boot keyboard modifier bits
const (
	ModLeftCtrl   = 0x01
	ModLeftShift  = 0x02
	ModLeftAlt    = 0x04
	ModLeftGUI    = 0x08
	ModRightCtrl  = 0x10
	ModRightShift = 0x20
	ModRightAlt   = 0x40
	ModRightGUI   = 0x80
)

// USB HID usage ids (keyboard page)
const (
	KeyA            = 0x04
	KeyR            = 0x15
	Key1            = 0x1E
	Key0            = 0x27
	KeyEnter        = 0x28
	KeyEscape       = 0x29
	KeyTab          = 0x2B
	KeySpace        = 0x2C
	KeyMinus        = 0x2D
	KeyEqual        = 0x2E
	KeyBracketLeft  = 0x2F
	KeyBracketRight = 0x30
	KeyBackslash    = 0x31
	KeySemicolon    = 0x33
	KeyApostrophe   = 0x34
	KeyGrave        = 0x35
	KeyComma        = 0x36
	KeyPeriod       = 0x37
	KeySlash        = 0x38
	KeyCapsLock     = 0x39
)

// KeyTap is one key press: modifier bits, usage id, and the ASCII character the
// tap produces on a US layout (kept for the key log)
type KeyTap struct {
	Modifier uint8
	Keycode  uint8
	Char     byte
}

// toggleBindings is indexed by ToggleKey. Modifier-only bindings are sent with
// a zero keycode.
var toggleBindings = [toggleKeyCount]KeyTap{
	ToggleRightAlt:  {Modifier: ModRightAlt},
	ToggleLeftAlt:   {Modifier: ModLeftAlt},
	ToggleRightCtrl: {Modifier: ModRightCtrl},
	ToggleLeftCtrl:  {Modifier: ModLeftCtrl},
	ToggleRightGUI:  {Modifier: ModRightGUI},
	ToggleLeftGUI:   {Modifier: ModLeftGUI},
	ToggleCapsLock:  {Keycode: KeyCapsLock},
}

// ToggleTap returns the tap for a mode switch binding
func ToggleTap(k ToggleKey) KeyTap {
	if !k.Valid() {
		k = ToggleRightAlt
	}
	return toggleBindings[k]
}

var asciiKeys = buildASCIIKeys()

func buildASCIIKeys() (t [128]KeyTap) {
	for c := byte('a'); c <= 'z'; c++ {
		t[c] = KeyTap{Keycode: KeyA + (c - 'a'), Char: c}
		t[c-'a'+'A'] = KeyTap{Modifier: ModLeftShift, Keycode: KeyA + (c - 'a'), Char: c - 'a' + 'A'}
	}
	for c := byte('1'); c <= '9'; c++ {
		t[c] = KeyTap{Keycode: Key1 + (c - '1'), Char: c}
	}
	t['0'] = KeyTap{Keycode: Key0, Char: '0'}

	// Shifted digit row
	for i, c := range []byte("!@#$%^&*()") {
		t[c] = KeyTap{Modifier: ModLeftShift, Keycode: Key1 + uint8(i), Char: c}
	}

	plain := []struct {
		c, shifted byte
		key        uint8
	}{
		{'-', '_', KeyMinus},
		{'=', '+', KeyEqual},
		{'[', '{', KeyBracketLeft},
		{']', '}', KeyBracketRight},
		{'\\', '|', KeyBackslash},
		{';', ':', KeySemicolon},
		{'\'', '"', KeyApostrophe},
		{',', '<', KeyComma},
		{'.', '>', KeyPeriod},
		{'/', '?', KeySlash},
		{'`', '~', KeyGrave},
	}
	for _, p := range plain {
		t[p.c] = KeyTap{Keycode: p.key, Char: p.c}
		t[p.shifted] = KeyTap{Modifier: ModLeftShift, Keycode: p.key, Char: p.shifted}
	}

	t['\n'] = KeyTap{Keycode: KeyEnter, Char: '\n'}
	t['\r'] = KeyTap{Keycode: KeyEnter, Char: '\r'}
	t['\t'] = KeyTap{Keycode: KeyTab, Char: '\t'}
	t[' '] = KeyTap{Keycode: KeySpace, Char: ' '}
	return t
}

// LookupASCII returns the tap for an ASCII character
func LookupASCII(c byte) (KeyTap, bool) {
	if c >= 0x80 {
		return KeyTap{}, false
	}
	t := asciiKeys[c]
	return t, t.Keycode != 0
}

// ASCIITap returns the tap for c, substituting '?' when c has no mapping
func ASCIITap(c byte) KeyTap {
	if t, ok := LookupASCII(c); ok {
		return t
	}
	return asciiKeys['?']
}
