// Package protocol implements the ByteFlusher wire formats and the wired bench link
package protocol

// Version represents the ByteFlusher firmware version
const Version = "0.3.0"

const (
	// MessageMax is the size of the link's output scratch buffer
	MessageMax = 512

	// MessageSeqMask selects the frame counter in the seq byte
	MessageSeqMask = 0x0F

	// MaxPacketSize is the largest single channel write accepted (ATT MTU 247 - 3)
	MaxPacketSize = 244
)

// Channel identifies one logical endpoint of the device. On BLE each channel is a
// GATT characteristic; on the bench link it is the first VLQ of every frame.
type Channel uint8

const (
	ChannelText       Channel = 0x01
	ChannelConfig     Channel = 0x02
	ChannelStatus     Channel = 0x03
	ChannelMacro      Channel = 0x04
	ChannelBootloader Channel = 0x05
	ChannelNickname   Channel = 0x06
	ChannelKeyLog     Channel = 0x07
)

// String returns the channel name used in debug output
func (c Channel) String() string {
	switch c {
	case ChannelText:
		return "text"
	case ChannelConfig:
		return "config"
	case ChannelStatus:
		return "status"
	case ChannelMacro:
		return "macro"
	case ChannelBootloader:
		return "bootloader"
	case ChannelNickname:
		return "nickname"
	case ChannelKeyLog:
		return "keylog"
	default:
		return "unknown"
	}
}

// GATT layout. The characteristic UUIDs differ from the service only in the
// fourth byte, which equals the channel id.
const (
	ServiceUUID        = "f3641400-00b0-4240-ba50-05ca45bf8abc"
	TextCharUUID       = "f3641401-00b0-4240-ba50-05ca45bf8abc"
	ConfigCharUUID     = "f3641402-00b0-4240-ba50-05ca45bf8abc"
	StatusCharUUID     = "f3641403-00b0-4240-ba50-05ca45bf8abc"
	MacroCharUUID      = "f3641404-00b0-4240-ba50-05ca45bf8abc"
	BootloaderCharUUID = "f3641405-00b0-4240-ba50-05ca45bf8abc"
	NicknameCharUUID   = "f3641406-00b0-4240-ba50-05ca45bf8abc"
	KeyLogCharUUID     = "f3641407-00b0-4240-ba50-05ca45bf8abc"

	// DeviceNamePrefix is advertised before the nickname or id suffix
	DeviceNamePrefix = "ByteFlusher"
)

// CharUUID returns the characteristic UUID string for a channel
func CharUUID(c Channel) string {
	switch c {
	case ChannelText:
		return TextCharUUID
	case ChannelConfig:
		return ConfigCharUUID
	case ChannelStatus:
		return StatusCharUUID
	case ChannelMacro:
		return MacroCharUUID
	case ChannelBootloader:
		return BootloaderCharUUID
	case ChannelNickname:
		return NicknameCharUUID
	case ChannelKeyLog:
		return KeyLogCharUUID
	default:
		return ""
	}
}
