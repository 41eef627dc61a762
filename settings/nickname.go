package settings

import (
	"strings"

	"byteflusher/protocol"
)

// SanitizeNickname keeps [A-Za-z0-9_-] from a nickname channel write and
// truncates to MaxNicknameLen. A lone 0x00 byte clears the nickname.
func SanitizeNickname(p []byte) string {
	if len(p) == 1 && p[0] == 0 {
		return ""
	}
	out := make([]byte, 0, MaxNicknameLen)
	for _, b := range p {
		if len(out) == MaxNicknameLen {
			break
		}
		if allowedNicknameByte(b) {
			out = append(out, b)
		}
	}
	return string(out)
}

func allowedNicknameByte(b byte) bool {
	switch {
	case b >= 'A' && b <= 'Z', b >= 'a' && b <= 'z', b >= '0' && b <= '9':
		return true
	case b == '_' || b == '-':
		return true
	}
	return false
}

// DisplayName is the advertised local name: the nickname when set, else the
// last four hex digits of the device id
func DisplayName(deviceID []byte, nickname string) string {
	var sb strings.Builder
	sb.WriteString(protocol.DeviceNamePrefix)
	sb.WriteByte('-')
	if nickname != "" {
		sb.WriteString(nickname)
		return sb.String()
	}

	const hexDigits = "0123456789ABCDEF"
	var tail [2]byte
	n := len(deviceID)
	if n >= 2 {
		tail[0], tail[1] = deviceID[n-2], deviceID[n-1]
	} else if n == 1 {
		tail[1] = deviceID[0]
	}
	for _, b := range tail {
		sb.WriteByte(hexDigits[b>>4])
		sb.WriteByte(hexDigits[b&0x0F])
	}
	return sb.String()
}
