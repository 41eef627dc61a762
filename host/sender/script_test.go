package sender

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"byteflusher/protocol"
)

func rec(op protocol.Opcode, payload ...byte) []byte {
	return append([]byte{byte(op), byte(len(payload))}, payload...)
}

func TestParseScript(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want [][]byte
	}{
		{"empty", "", nil},
		{"simple commands", "esc; escape; run; open-run; enter; english; force-english", [][]byte{
			rec(protocol.OpEscape), rec(protocol.OpEscape),
			rec(protocol.OpOpenRun), rec(protocol.OpOpenRun),
			rec(protocol.OpEnter),
			rec(protocol.OpForceEnglish), rec(protocol.OpForceEnglish),
		}},
		{"newlines and case", "ESC\n\nEnter\n", [][]byte{
			rec(protocol.OpEscape), rec(protocol.OpEnter),
		}},
		{"type joins words", "type hello   world", [][]byte{
			rec(protocol.OpTypeASCII, []byte("hello world")...),
		}},
		{"quotes keep separators", `type "a;  b" 'c#d'`, [][]byte{
			rec(protocol.OpTypeASCII, []byte("a;  b c#d")...),
		}},
		{"escaped quote", `type "say \"hi\"; ok"`, [][]byte{
			rec(protocol.OpTypeASCII, []byte(`say "hi"; ok`)...),
		}},
		{"comments", "# open notepad\nrun # dialog\ntype notepad; enter", [][]byte{
			rec(protocol.OpOpenRun),
			rec(protocol.OpTypeASCII, []byte("notepad")...),
			rec(protocol.OpEnter),
		}},
		{"sleep ms", "sleep 400", [][]byte{rec(protocol.OpSleepMs, 0x90, 0x01)}},
		{"sleep duration", "sleep 1.5s", [][]byte{rec(protocol.OpSleepMs, 0xDC, 0x05)}},
		{"sleep clamped high", "sleep 70000", [][]byte{rec(protocol.OpSleepMs, 0x60, 0xEA)}},
		{"sleep clamped low", "sleep -5", [][]byte{rec(protocol.OpSleepMs, 0, 0)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseScript(tt.src)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseScriptChunksLongType(t *testing.T) {
	text := strings.Repeat("abcdefghij", 45)
	got, err := ParseScript("type " + text)
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.Len(t, got[0], protocol.MacroHeaderSize+MaxTypeChunk)
	assert.Len(t, got[1], protocol.MacroHeaderSize+MaxTypeChunk)
	assert.Len(t, got[2], protocol.MacroHeaderSize+50)

	var joined []byte
	for _, r := range got {
		assert.Equal(t, byte(protocol.OpTypeASCII), r[0])
		joined = append(joined, r[protocol.MacroHeaderSize:]...)
	}
	assert.Equal(t, text, string(joined))
}

func TestParseScriptErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"unknown command", "esc; jump"},
		{"argument to esc", "esc now"},
		{"sleep without value", "sleep"},
		{"sleep bad value", "sleep soon"},
		{"non-ascii type", "type 한글"},
		{"unterminated quote", `type "abc`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScript(tt.src)
			assert.ErrorIs(t, err, ErrScript)
		})
	}
}
