package sender

import (
	"strings"
	"time"

	"byteflusher/core"
	"byteflusher/host/config"
)

// Estimate is the expected cost of a text job
type Estimate struct {
	Bytes        int
	Chunks       int
	Keystrokes   int
	ModeSwitches int

	DeviceTime   time.Duration // typing time on the device
	TransferTime time.Duration // chunk delays on the host
	Total        time.Duration // the larger of the two
}

// counter is a KeyEmitter that only counts
type counter struct {
	keys, switches int
}

func (c *counter) Tap(core.KeyTap, uint8, uint8) bool { c.keys++; return true }
func (c *counter) Toggle(bool) bool                   { c.switches++; return true }

// CountKeys returns the keystrokes and input mode switches the device will
// emit for text. CRLF and lone CR are counted as one Enter.
func CountKeys(text string) (keys, switches int) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var c counter
	var st core.TypistState
	for _, r := range text {
		st = core.TypeRune(st, r, &c)
	}
	return c.keys, c.switches
}

// EstimateJob estimates how long typing text takes with profile p. text
// should already be prepared.
func EstimateJob(text string, p config.Profile) Estimate {
	p = p.Normalize()
	keys, switches := CountKeys(text)

	e := Estimate{
		Bytes:        len(text),
		Keystrokes:   keys,
		ModeSwitches: switches,
	}
	if e.Bytes > 0 {
		e.Chunks = (e.Bytes + p.ChunkSize - 1) / p.ChunkSize
	}

	press := 2 * int64(p.KeyPressDelayMs)
	perKey := int64(p.TypingDelayMs) + press
	perSwitch := int64(p.ModeSwitchDelayMs) + press
	e.DeviceTime = time.Duration(int64(keys)*perKey+int64(switches)*perSwitch) * time.Millisecond

	if e.Chunks > 1 {
		e.TransferTime = time.Duration(e.Chunks-1) * p.ChunkDelay()
	}

	e.Total = max(e.DeviceTime, e.TransferTime)
	return e
}
