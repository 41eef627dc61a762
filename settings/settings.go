// Package settings persists the device nickname and the last applied typing
// config in the final erase block of the on-chip flash.
package settings

import (
	"encoding/binary"
	"errors"

	"byteflusher/core"
	"byteflusher/protocol"
)

var (
	ErrNoRecord   = errors.New("no settings record")
	ErrCorrupt    = errors.New("settings record corrupt")
	ErrDeviceSize = errors.New("block device too small")
)

// MaxNicknameLen is the longest nickname kept after sanitising
const MaxNicknameLen = 12

// Record layout (little-endian):
//
//	0  'B' 'F'
//	2  version
//	3  nickname length
//	4  nickname, zero padded to MaxNicknameLen
//	16 typingDelayMs:u16, modeSwitchDelayMs:u16, keyPressDelayMs:u16
//	22 toggle key
//	23 reserved
//	24 crc16 over bytes 0..23
const (
	recordVersion = 1
	recordBody    = 24
	RecordSize    = recordBody + 2
)

// BlockDevice is the subset of machine.Flash the store needs
type BlockDevice interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Size() int64
	WriteBlockSize() int64
	EraseBlockSize() int64
	EraseBlocks(start, length int64) error
}

// Settings is the persisted state
type Settings struct {
	Nickname string
	Config   core.Config
}

// Default returns the settings used when nothing valid is stored
func Default() Settings {
	return Settings{Config: core.DefaultConfig()}
}

// Store reads and writes the settings record
type Store struct {
	dev   BlockDevice
	block int64 // erase block index holding the record
}

// NewStore uses the last erase block of dev
func NewStore(dev BlockDevice) (*Store, error) {
	eb := dev.EraseBlockSize()
	if eb <= 0 || dev.Size() < eb || eb < RecordSize {
		return nil, ErrDeviceSize
	}
	return &Store{dev: dev, block: dev.Size()/eb - 1}, nil
}

// Load returns the stored settings. On a blank or corrupt record it returns
// Default() together with ErrNoRecord or ErrCorrupt.
func (s *Store) Load() (Settings, error) {
	buf := make([]byte, RecordSize)
	if _, err := s.dev.ReadAt(buf, s.block*s.dev.EraseBlockSize()); err != nil {
		return Default(), err
	}
	return Decode(buf)
}

// Save erases the record block and writes st
func (s *Store) Save(st Settings) error {
	if err := s.dev.EraseBlocks(s.block, 1); err != nil {
		return err
	}

	rec := Encode(st)

	// Writes must cover whole write blocks
	wb := s.dev.WriteBlockSize()
	if wb > 1 {
		if rem := int64(len(rec)) % wb; rem != 0 {
			pad := make([]byte, wb-rem)
			for i := range pad {
				pad[i] = 0xFF
			}
			rec = append(rec, pad...)
		}
	}

	_, err := s.dev.WriteAt(rec, s.block*s.dev.EraseBlockSize())
	return err
}

// Encode serialises st into a record
func Encode(st Settings) []byte {
	nick := SanitizeNickname([]byte(st.Nickname))
	cfg := st.Config.Clamp()

	rec := make([]byte, RecordSize)
	rec[0], rec[1] = 'B', 'F'
	rec[2] = recordVersion
	rec[3] = byte(len(nick))
	copy(rec[4:4+MaxNicknameLen], nick)
	binary.LittleEndian.PutUint16(rec[16:18], cfg.TypingDelayMs)
	binary.LittleEndian.PutUint16(rec[18:20], cfg.ModeSwitchDelayMs)
	binary.LittleEndian.PutUint16(rec[20:22], cfg.KeyPressDelayMs)
	rec[22] = byte(cfg.Toggle)
	binary.LittleEndian.PutUint16(rec[recordBody:], protocol.CRC16(rec[:recordBody]))
	return rec
}

// Decode parses a record. Values out of range are clamped.
func Decode(rec []byte) (Settings, error) {
	if len(rec) < RecordSize {
		return Default(), ErrCorrupt
	}
	if rec[0] != 'B' || rec[1] != 'F' {
		// Erased flash reads back as 0xFF
		return Default(), ErrNoRecord
	}
	if rec[2] != recordVersion {
		return Default(), ErrCorrupt
	}
	if binary.LittleEndian.Uint16(rec[recordBody:]) != protocol.CRC16(rec[:recordBody]) {
		return Default(), ErrCorrupt
	}
	n := int(rec[3])
	if n > MaxNicknameLen {
		return Default(), ErrCorrupt
	}

	cfg := core.Config{
		TypingDelayMs:     binary.LittleEndian.Uint16(rec[16:18]),
		ModeSwitchDelayMs: binary.LittleEndian.Uint16(rec[18:20]),
		KeyPressDelayMs:   binary.LittleEndian.Uint16(rec[20:22]),
		Toggle:            core.ToggleKey(rec[22]),
	}
	return Settings{
		Nickname: SanitizeNickname(rec[4 : 4+n]),
		Config:   cfg.Clamp(),
	}, nil
}
