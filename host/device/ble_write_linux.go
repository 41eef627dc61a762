//go:build linux

package device

import (
	"context"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
	"tinygo.org/x/bluetooth"

	"byteflusher/protocol"
)

const (
	bluezService        = "org.bluez"
	bluezCharacteristic = "org.bluez.GattCharacteristic1"
)

// ackedWrites issues GATT write requests through BlueZ. The bluetooth
// package only offers write commands on Linux, which the peripheral never
// answers, so it would lose the device's backpressure.
type ackedWrites struct {
	conn  *dbus.Conn
	paths map[protocol.Channel]dbus.ObjectPath
}

func newAckedWrites(addr bluetooth.Address, chars map[protocol.Channel]bluetooth.DeviceCharacteristic) (*ackedWrites, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to reach BlueZ: %w", err)
	}
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	err = conn.Object(bluezService, "/").Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&objects)
	if err != nil {
		return nil, fmt.Errorf("failed to list BlueZ objects: %w", err)
	}

	paths := characteristicPaths(objects, addr.String())
	for ch := range chars {
		if _, ok := paths[ch]; !ok {
			return nil, fmt.Errorf("%w: %s has no BlueZ object", ErrNoChannel, ch)
		}
	}
	return &ackedWrites{conn: conn, paths: paths}, nil
}

// characteristicPaths finds the BlueZ object of every known characteristic on
// the device with the given MAC address
func characteristicPaths(objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant, mac string) map[protocol.Channel]dbus.ObjectPath {
	byUUID := make(map[string]protocol.Channel)
	for _, ch := range knownChannels {
		byUUID[protocol.CharUUID(ch)] = ch
	}

	devicePart := "/dev_" + strings.ReplaceAll(strings.ToUpper(mac), ":", "_") + "/"
	paths := make(map[protocol.Channel]dbus.ObjectPath)
	for path, ifaces := range objects {
		if !strings.Contains(string(path), devicePart) {
			continue
		}
		props, ok := ifaces[bluezCharacteristic]
		if !ok {
			continue
		}
		uuid, ok := props["UUID"].Value().(string)
		if !ok {
			continue
		}
		if ch, ok := byUUID[strings.ToLower(uuid)]; ok {
			paths[ch] = path
		}
	}
	return paths
}

// writeRequestOptions asks BlueZ for a write with response
func writeRequestOptions() map[string]dbus.Variant {
	return map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
}

func (w *ackedWrites) write(ctx context.Context, ch protocol.Channel, _ bluetooth.DeviceCharacteristic, payload []byte) error {
	path, ok := w.paths[ch]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoChannel, ch)
	}
	obj := w.conn.Object(bluezService, path)
	return obj.CallWithContext(ctx, bluezCharacteristic+".WriteValue", 0, payload, writeRequestOptions()).Err
}
