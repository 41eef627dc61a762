//go:build !linux

package device

import (
	"context"

	"tinygo.org/x/bluetooth"

	"byteflusher/protocol"
)

// ackedWrites uses the bluetooth package's write with response, which the
// macOS and Windows backends provide
type ackedWrites struct{}

func newAckedWrites(bluetooth.Address, map[protocol.Channel]bluetooth.DeviceCharacteristic) (*ackedWrites, error) {
	return &ackedWrites{}, nil
}

func (*ackedWrites) write(_ context.Context, _ protocol.Channel, c bluetooth.DeviceCharacteristic, payload []byte) error {
	_, err := c.Write(payload)
	return err
}
