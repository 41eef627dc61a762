package core

import "testing"

func typeString(st TypistState, s string, e KeyEmitter) TypistState {
	for _, r := range s {
		st = TypeRune(st, r, e)
	}
	return st
}

func TestTypeRuneLineEndings(t *testing.T) {
	tests := []struct {
		in     string
		enters int
	}{
		{"\r\n", 1},
		{"\r", 1},
		{"\n", 1},
		{"\n\n", 2},
		{"\r\r\n", 2},
		{"\r\n\r\n", 2},
		{"\n\r", 2},
		{"a\r\nb", 1},
	}

	for _, tt := range tests {
		rec := &tapRecorder{}
		typeString(TypistState{}, tt.in, rec)
		enters := 0
		for _, r := range rec.out.String() {
			if r == '⏎' {
				enters++
			}
		}
		if enters != tt.enters {
			t.Errorf("%q: %d Enter taps, want %d (%q)", tt.in, enters, tt.enters, rec.out.String())
		}
	}
}

func TestTypeRuneLFAfterOtherCharNotSwallowed(t *testing.T) {
	rec := &tapRecorder{}
	st := TypeRune(TypistState{}, '\r', rec)
	st = TypeRune(st, 'x', rec)
	TypeRune(st, '\n', rec)
	if got := rec.out.String(); got != "⏎x⏎" {
		t.Errorf("got %q", got)
	}
}

func TestTypeRuneHangulSyllableWithoutFinal(t *testing.T) {
	rec := &tapRecorder{}
	st := TypeRune(TypistState{}, '가', rec)

	if got := rec.out.String(); got != "<ko>rk" {
		t.Errorf("got %q, want %q", got, "<ko>rk")
	}
	if !st.Korean {
		t.Error("state not in Korean mode")
	}
}

func TestTypeRuneModeSwitchTaps(t *testing.T) {
	tests := []struct {
		name    string
		start   TypistState
		in      string
		toggles int
	}{
		{"english run", TypistState{}, "hello world", 0},
		{"korean run", TypistState{Korean: true}, "한글", 0},
		{"into korean", TypistState{}, "한글", 1},
		{"into english", TypistState{Korean: true}, "ab", 1},
		{"alternating", TypistState{}, "a가b나", 3},
		{"newline is english", TypistState{Korean: true}, "\n", 1},
		{"unmapped is english", TypistState{Korean: true}, "é", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &tapRecorder{}
			typeString(tt.start, tt.in, rec)
			if rec.toggles != tt.toggles {
				t.Errorf("%d toggles, want %d (%q)", rec.toggles, tt.toggles, rec.out.String())
			}
		})
	}
}

func TestTypeRuneUnmappable(t *testing.T) {
	rec := &tapRecorder{}
	typeString(TypistState{}, "é\x01😀", rec)
	if got := rec.out.String(); got != "???" {
		t.Errorf("got %q, want %q", got, "???")
	}
}

func TestTypeASCIIIsLiteral(t *testing.T) {
	rec := &tapRecorder{}
	st := TypeASCII(TypistState{Korean: true, PrevCR: true}, []byte("a\r\nb"), rec)
	if got := rec.out.String(); got != "<en>a⏎⏎b" {
		t.Errorf("got %q", got)
	}
	if st.Korean || st.PrevCR {
		t.Errorf("state = %+v", st)
	}
}

func TestForceEnglishIdempotent(t *testing.T) {
	rec := &tapRecorder{}
	st := ForceEnglish(TypistState{Korean: true}, rec)
	st = ForceEnglish(st, rec)
	if rec.toggles != 1 || st.Korean {
		t.Errorf("toggles = %d, korean = %v", rec.toggles, st.Korean)
	}
}
