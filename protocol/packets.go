package protocol

import (
	"encoding/binary"
	"errors"
)

var (
	ErrShortPacket = errors.New("packet too short")
	ErrOversized   = errors.New("packet exceeds maximum size")
)

// Fixed sizes of the byte-exact channel payloads (all integers little-endian)
const (
	TextHeaderSize   = 4 // sessionId:u16, seq:u16
	ConfigMinSize    = 6 // three u16 delays
	ConfigFullSize   = 8 // + toggleKey:u8 + flags:u8
	StatusSize       = 4 // capacity:u16, free:u16
	KeyLogRecordSize = 8 // event, modifier, keycode, arg, timestampMs:u32
	MacroHeaderSize  = 2 // opcode, length
	MacroMaxPayload  = 255
)

// TextChunk is one sequenced piece of a typing session
type TextChunk struct {
	SessionID uint16
	Seq       uint16
	Payload   []byte
}

// DecodeTextChunk parses a text channel write. The payload aliases p.
func DecodeTextChunk(p []byte) (TextChunk, error) {
	if len(p) < TextHeaderSize {
		return TextChunk{}, ErrShortPacket
	}
	return TextChunk{
		SessionID: binary.LittleEndian.Uint16(p[0:2]),
		Seq:       binary.LittleEndian.Uint16(p[2:4]),
		Payload:   p[TextHeaderSize:],
	}, nil
}

// EncodeTextChunk builds a text channel write
func EncodeTextChunk(sessionID, seq uint16, payload []byte) []byte {
	out := make([]byte, TextHeaderSize+len(payload))
	binary.LittleEndian.PutUint16(out[0:2], sessionID)
	binary.LittleEndian.PutUint16(out[2:4], seq)
	copy(out[TextHeaderSize:], payload)
	return out
}

// Config flag bits
const (
	FlagPaused = 1 << 0
	FlagAbort  = 1 << 1
)

// ConfigPacket is a config channel write. The toggle key and flags bytes are
// optional; Has* report whether they were present.
type ConfigPacket struct {
	TypingDelayMs     uint16
	ModeSwitchDelayMs uint16
	KeyPressDelayMs   uint16
	ToggleKey         uint8
	HasToggleKey      bool
	Flags             uint8
	HasFlags          bool
}

// DecodeConfig parses a config channel write
func DecodeConfig(p []byte) (ConfigPacket, error) {
	if len(p) < ConfigMinSize {
		return ConfigPacket{}, ErrShortPacket
	}
	c := ConfigPacket{
		TypingDelayMs:     binary.LittleEndian.Uint16(p[0:2]),
		ModeSwitchDelayMs: binary.LittleEndian.Uint16(p[2:4]),
		KeyPressDelayMs:   binary.LittleEndian.Uint16(p[4:6]),
	}
	if len(p) > 6 {
		c.ToggleKey = p[6]
		c.HasToggleKey = true
	}
	if len(p) > 7 {
		c.Flags = p[7]
		c.HasFlags = true
	}
	return c, nil
}

// Encode serialises the packet, omitting trailing optional fields that are absent
func (c ConfigPacket) Encode() []byte {
	out := make([]byte, ConfigMinSize, ConfigFullSize)
	binary.LittleEndian.PutUint16(out[0:2], c.TypingDelayMs)
	binary.LittleEndian.PutUint16(out[2:4], c.ModeSwitchDelayMs)
	binary.LittleEndian.PutUint16(out[4:6], c.KeyPressDelayMs)
	if c.HasToggleKey || c.HasFlags {
		out = append(out, c.ToggleKey)
	}
	if c.HasFlags {
		out = append(out, c.Flags)
	}
	return out
}

// Paused reports whether the paused flag is present and set
func (c ConfigPacket) Paused() bool {
	return c.HasFlags && c.Flags&FlagPaused != 0
}

// Abort reports whether the abort flag is present and set
func (c ConfigPacket) Abort() bool {
	return c.HasFlags && c.Flags&FlagAbort != 0
}

// Status is the ingest channel occupancy reported on the status channel
type Status struct {
	Capacity uint16
	Free     uint16
}

// Used returns the number of buffered bytes
func (s Status) Used() int {
	if s.Free > s.Capacity {
		return 0
	}
	return int(s.Capacity - s.Free)
}

// Encode serialises the status payload
func (s Status) Encode() []byte {
	out := make([]byte, StatusSize)
	binary.LittleEndian.PutUint16(out[0:2], s.Capacity)
	binary.LittleEndian.PutUint16(out[2:4], s.Free)
	return out
}

// DecodeStatus parses a status payload
func DecodeStatus(p []byte) (Status, error) {
	if len(p) < StatusSize {
		return Status{}, ErrShortPacket
	}
	return Status{
		Capacity: binary.LittleEndian.Uint16(p[0:2]),
		Free:     binary.LittleEndian.Uint16(p[2:4]),
	}, nil
}

// Key log event types
const (
	EventKey    = 1 // ordinary key tap, arg = ASCII character typed
	EventToggle = 2 // input mode toggle, arg = 1 when switching to Korean
	EventMacro  = 3 // macro chord/key, arg = opcode
)

// KeyLogRecord is one best-effort telemetry entry for an emitted tap
type KeyLogRecord struct {
	Event       uint8
	Modifier    uint8
	Keycode     uint8
	Arg         uint8
	TimestampMs uint32
}

// Encode serialises the record
func (r KeyLogRecord) Encode() []byte {
	out := make([]byte, KeyLogRecordSize)
	r.Put(out)
	return out
}

// Put writes the record into out, which must hold KeyLogRecordSize bytes
func (r KeyLogRecord) Put(out []byte) {
	out[0] = r.Event
	out[1] = r.Modifier
	out[2] = r.Keycode
	out[3] = r.Arg
	binary.LittleEndian.PutUint32(out[4:8], r.TimestampMs)
}

// DecodeKeyLogRecord parses a key log notification
func DecodeKeyLogRecord(p []byte) (KeyLogRecord, error) {
	if len(p) < KeyLogRecordSize {
		return KeyLogRecord{}, ErrShortPacket
	}
	return KeyLogRecord{
		Event:       p[0],
		Modifier:    p[1],
		Keycode:     p[2],
		Arg:         p[3],
		TimestampMs: binary.LittleEndian.Uint32(p[4:8]),
	}, nil
}

// Opcode is a macro record opcode
type Opcode uint8

const (
	OpOpenRun      Opcode = 0x01 // GUI+R chord
	OpEnter        Opcode = 0x02
	OpEscape       Opcode = 0x03
	OpTypeASCII    Opcode = 0x04
	OpSleepMs      Opcode = 0x05
	OpForceEnglish Opcode = 0x06
)

// EncodeMacro builds one macro record
func EncodeMacro(op Opcode, payload []byte) ([]byte, error) {
	if len(payload) > MacroMaxPayload {
		return nil, ErrOversized
	}
	out := make([]byte, MacroHeaderSize+len(payload))
	out[0] = byte(op)
	out[1] = byte(len(payload))
	copy(out[MacroHeaderSize:], payload)
	return out, nil
}

// SleepPayload encodes the SLEEP_MS argument
func SleepPayload(ms uint16) []byte {
	out := make([]byte, 2)
	binary.LittleEndian.PutUint16(out, ms)
	return out
}
