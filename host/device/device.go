// Package device connects to a ByteFlusher over BLE or the wired bench link
package device

import (
	"context"
	"errors"
	"fmt"

	"byteflusher/protocol"
)

var (
	ErrNotFound    = errors.New("no ByteFlusher found")
	ErrNoChannel   = errors.New("device does not expose channel")
	ErrReadTimeout = errors.New("read timed out")
)

// Device is a connected ByteFlusher. Writes are acknowledged: Write returns
// once the device has taken the packet.
type Device interface {
	Write(ctx context.Context, ch protocol.Channel, payload []byte) error

	// Read returns the current value of a readable channel (status, nickname)
	Read(ctx context.Context, ch protocol.Channel) ([]byte, error)

	// OnNotify sets the handler for status and key log notifications
	OnNotify(handler protocol.NotifyHandler)

	// Name identifies the device (advertised name or port path)
	Name() string

	Close() error
}

// ReadStatus reads and decodes the status channel
func ReadStatus(ctx context.Context, d Device) (protocol.Status, error) {
	value, err := d.Read(ctx, protocol.ChannelStatus)
	if err != nil {
		return protocol.Status{}, fmt.Errorf("failed to read status: %w", err)
	}
	return protocol.DecodeStatus(value)
}

// ReadNickname returns the stored nickname, empty when unset
func ReadNickname(ctx context.Context, d Device) (string, error) {
	value, err := d.Read(ctx, protocol.ChannelNickname)
	if err != nil {
		return "", fmt.Errorf("failed to read nickname: %w", err)
	}
	return string(value), nil
}

// WriteNickname stores a nickname; an empty name clears it
func WriteNickname(ctx context.Context, d Device, name string) error {
	payload := []byte(name)
	if name == "" {
		payload = []byte{0}
	}
	if err := d.Write(ctx, protocol.ChannelNickname, payload); err != nil {
		return fmt.Errorf("failed to write nickname: %w", err)
	}
	return nil
}

// EnterBootloader asks the device to reboot into its UF2 bootloader. The
// device resets straight away, so the connection is lost afterwards.
func EnterBootloader(ctx context.Context, d Device) error {
	if err := d.Write(ctx, protocol.ChannelBootloader, []byte{0x01}); err != nil {
		return fmt.Errorf("failed to request bootloader: %w", err)
	}
	return nil
}
