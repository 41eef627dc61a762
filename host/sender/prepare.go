// Package sender streams text jobs and macros to a ByteFlusher
package sender

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"byteflusher/core"
	"byteflusher/host/config"
)

// Prepared is text ready to be streamed
type Prepared struct {
	Text        string
	Replaced    int // code points swapped for Replacement
	Replacement string
}

// PrepareOptions controls text preparation
type PrepareOptions struct {
	Replacement           string
	TrimLeadingWhitespace bool
}

// PrepareOptionsFrom takes the preparation settings of a profile
func PrepareOptionsFrom(p config.Profile) PrepareOptions {
	return PrepareOptions{
		Replacement:           p.Replacement,
		TrimLeadingWhitespace: p.TrimLeadingWhitespace,
	}
}

var leadingWhitespace = regexp.MustCompile(`(?m)^[\t ]+`)

// Typeable reports whether the device can type r: ASCII and precomposed
// Hangul syllables
func Typeable(r rune) bool {
	return (r >= 0 && r <= 0x7F) || core.IsHangulSyllable(r)
}

// Prepare composes text to NFC so decomposed Hangul becomes syllables, drops
// leading tabs and spaces from every line if asked, and replaces everything
// the device cannot type
func Prepare(text string, opts PrepareOptions) Prepared {
	replacement := config.NormalizeReplacement(opts.Replacement)

	text = norm.NFC.String(text)
	if opts.TrimLeadingWhitespace {
		text = leadingWhitespace.ReplaceAllString(text, "")
	}

	out := Prepared{Replacement: replacement}
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if Typeable(r) {
			b.WriteRune(r)
			continue
		}
		b.WriteString(replacement)
		out.Replaced++
	}
	out.Text = b.String()
	return out
}
