package sender

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"

	"byteflusher/protocol"
)

// Macro limits
const (
	MaxTypeChunk = 200 // bytes per TYPE_ASCII record
	MaxSleepMs   = 60000
)

var ErrScript = errors.New("invalid macro script")

// ParseScript compiles a macro script into macro channel records, one record
// per write. Statements are separated by newlines or ';' and tokenised like a
// shell, so quotes keep spaces and semicolons inside a type argument. '#'
// starts a comment.
//
//	esc | escape            Escape
//	open-run | run          GUI+R (Run dialog)
//	enter                   Enter
//	english | force-english switch the host IME to English
//	type <text...>          type ASCII text (words joined by one space)
//	sleep <ms | duration>   pause, clamped to 60s
func ParseScript(src string) ([][]byte, error) {
	var records [][]byte
	for i, stmt := range splitStatements(src) {
		words, err := shlex.Split(stmt)
		if err != nil {
			return nil, fmt.Errorf("%w: statement %d: %v", ErrScript, i+1, err)
		}
		if len(words) == 0 {
			continue
		}
		recs, err := compile(words)
		if err != nil {
			return nil, fmt.Errorf("%w: statement %d (%s): %v", ErrScript, i+1, words[0], err)
		}
		records = append(records, recs...)
	}
	return records, nil
}

func compile(words []string) ([][]byte, error) {
	cmd, args := strings.ToLower(words[0]), words[1:]

	simple := map[string]protocol.Opcode{
		"esc":           protocol.OpEscape,
		"escape":        protocol.OpEscape,
		"open-run":      protocol.OpOpenRun,
		"run":           protocol.OpOpenRun,
		"enter":         protocol.OpEnter,
		"english":       protocol.OpForceEnglish,
		"force-english": protocol.OpForceEnglish,
	}
	if op, ok := simple[cmd]; ok {
		if len(args) != 0 {
			return nil, fmt.Errorf("takes no arguments")
		}
		rec, err := protocol.EncodeMacro(op, nil)
		return [][]byte{rec}, err
	}

	switch cmd {
	case "type":
		return typeRecords(strings.Join(args, " "))
	case "sleep":
		if len(args) != 1 {
			return nil, fmt.Errorf("want one duration")
		}
		ms, err := parseSleep(args[0])
		if err != nil {
			return nil, err
		}
		rec, err := protocol.EncodeMacro(protocol.OpSleepMs, protocol.SleepPayload(ms))
		return [][]byte{rec}, err
	}
	return nil, fmt.Errorf("unknown command")
}

// typeRecords splits text into TYPE_ASCII records
func typeRecords(text string) ([][]byte, error) {
	for i := 0; i < len(text); i++ {
		if text[i] > 0x7F {
			return nil, fmt.Errorf("non-ASCII text at byte %d", i)
		}
	}

	var out [][]byte
	for off := 0; off < len(text); off += MaxTypeChunk {
		end := min(off+MaxTypeChunk, len(text))
		rec, err := protocol.EncodeMacro(protocol.OpTypeASCII, []byte(text[off:end]))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// parseSleep accepts milliseconds or a Go duration ("1.5s")
func parseSleep(arg string) (uint16, error) {
	var ms int64
	if n, err := strconv.ParseInt(arg, 10, 64); err == nil {
		ms = n
	} else {
		d, err := time.ParseDuration(arg)
		if err != nil {
			return 0, fmt.Errorf("bad duration %q", arg)
		}
		ms = d.Milliseconds()
	}
	return uint16(max(0, min(ms, MaxSleepMs))), nil
}

// splitStatements splits on newlines and ';' outside quotes. Comments run to
// the end of the line.
func splitStatements(src string) []string {
	var out []string
	var cur strings.Builder
	var quote rune
	comment, escaped := false, false

	flush := func() {
		out = append(out, cur.String())
		cur.Reset()
	}

	prev := ' '
	for _, r := range src {
		switch {
		case comment:
			if r == '\n' {
				comment = false
				flush()
			}
		case quote != 0:
			cur.WriteRune(r)
			switch {
			case escaped:
				escaped = false
			case r == '\\' && quote == '"':
				escaped = true
			case r == quote:
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
			cur.WriteRune(r)
		case r == '#' && (prev == ' ' || prev == '\t' || prev == ';' || prev == '\n'):
			comment = true
		case r == ';' || r == '\n':
			flush()
		default:
			cur.WriteRune(r)
		}
		prev = r
	}
	flush()
	return out
}
