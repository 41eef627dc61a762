package core

// Precomposed Hangul syllable block
const (
	HangulFirst = 0xAC00
	HangulLast  = 0xD7A3

	jungCount = 21
	jongCount = 28
)

// JamoSeq is the dubeolsik key sequence for one jamo: at most two taps
type JamoSeq struct {
	N    uint8
	Taps [2]KeyTap
}

func seq(keys string) JamoSeq {
	var s JamoSeq
	for i := 0; i < len(keys) && i < len(s.Taps); i++ {
		s.Taps[i] = ASCIITap(keys[i])
		s.N++
	}
	return s
}

// Index-addressed by the syllable decomposition. Tables are resolved to key
// codes once at start-up.
var (
	choSeqs = [19]JamoSeq{
		seq("r"), seq("R"), seq("s"), seq("e"), seq("E"), seq("f"), seq("a"),
		seq("q"), seq("Q"), seq("t"), seq("T"), seq("d"), seq("w"), seq("W"),
		seq("c"), seq("z"), seq("x"), seq("v"), seq("g"),
	}

	jungSeqs = [jungCount]JamoSeq{
		seq("k"), seq("o"), seq("i"), seq("O"), seq("j"), seq("p"), seq("u"),
		seq("P"), seq("h"), seq("hk"), seq("ho"), seq("hl"), seq("y"), seq("n"),
		seq("nj"), seq("np"), seq("nl"), seq("b"), seq("m"), seq("ml"), seq("l"),
	}

	// index 0 is "no final consonant"
	jongSeqs = [jongCount]JamoSeq{
		{}, seq("r"), seq("R"), seq("rt"), seq("s"), seq("sw"), seq("sg"),
		seq("e"), seq("f"), seq("fr"), seq("fa"), seq("fq"), seq("ft"), seq("fx"),
		seq("fv"), seq("fg"), seq("a"), seq("q"), seq("qt"), seq("t"), seq("T"),
		seq("d"), seq("w"), seq("c"), seq("z"), seq("x"), seq("v"), seq("g"),
	}
)

// IsHangulSyllable reports whether r is a precomposed syllable
func IsHangulSyllable(r rune) bool {
	return r >= HangulFirst && r <= HangulLast
}

// DecomposeHangul splits a precomposed syllable into its initial, medial and
// final jamo indices
func DecomposeHangul(r rune) (cho, jung, jong int, ok bool) {
	if !IsHangulSyllable(r) {
		return 0, 0, 0, false
	}
	code := int(r - HangulFirst)
	cho = code / (jungCount * jongCount)
	jung = (code % (jungCount * jongCount)) / jongCount
	jong = code % jongCount
	return cho, jung, jong, true
}

// HangulTaps appends the dubeolsik taps for syllable r to dst
func HangulTaps(dst []KeyTap, r rune) []KeyTap {
	cho, jung, jong, ok := DecomposeHangul(r)
	if !ok {
		return dst
	}
	for _, s := range [3]*JamoSeq{&choSeqs[cho], &jungSeqs[jung], &jongSeqs[jong]} {
		dst = append(dst, s.Taps[:s.N]...)
	}
	return dst
}
