package device

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"byteflusher/protocol"
)

// DefaultScanTimeout bounds discovery when the context has no deadline
const DefaultScanTimeout = 10 * time.Second

// Advert is one ByteFlusher seen while scanning
type Advert struct {
	Name    string
	Address bluetooth.Address
	RSSI    int16
}

var enableOnce struct {
	sync.Once
	err error
}

func adapter() (*bluetooth.Adapter, error) {
	a := bluetooth.DefaultAdapter
	enableOnce.Do(func() {
		enableOnce.err = a.Enable()
	})
	if enableOnce.err != nil {
		return nil, fmt.Errorf("failed to enable bluetooth: %w", enableOnce.err)
	}
	return a, nil
}

// Scan collects advertising ByteFlushers until ctx ends or DefaultScanTimeout
// passes. With stopAt set, scanning stops at the first device that matches it.
func Scan(ctx context.Context, stopAt func(Advert) bool) ([]Advert, error) {
	a, err := adapter()
	if err != nil {
		return nil, err
	}
	svc, err := bluetooth.ParseUUID(protocol.ServiceUUID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultScanTimeout)
	defer cancel()

	var mu sync.Mutex
	seen := make(map[string]Advert)
	var order []string

	go func() {
		<-ctx.Done()
		_ = a.StopScan()
	}()

	err = a.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
		name := result.LocalName()
		if !result.HasServiceUUID(svc) && !strings.HasPrefix(name, protocol.DeviceNamePrefix) {
			return
		}
		adv := Advert{Name: name, Address: result.Address, RSSI: result.RSSI}

		mu.Lock()
		key := result.Address.String()
		if _, ok := seen[key]; !ok {
			order = append(order, key)
		}
		seen[key] = adv
		mu.Unlock()

		if stopAt != nil && stopAt(adv) {
			cancel()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	out := make([]Advert, 0, len(order))
	for _, k := range order {
		out = append(out, seen[k])
	}
	return out, nil
}

// knownChannels are the characteristics the host looks for
var knownChannels = []protocol.Channel{
	protocol.ChannelText, protocol.ChannelConfig, protocol.ChannelStatus,
	protocol.ChannelMacro, protocol.ChannelBootloader, protocol.ChannelNickname,
	protocol.ChannelKeyLog,
}

// BLE is a device connected over Bluetooth LE
type BLE struct {
	name   string
	device bluetooth.Device
	chars  map[protocol.Channel]bluetooth.DeviceCharacteristic
	writes *ackedWrites

	mu      sync.Mutex
	handler protocol.NotifyHandler
}

// ConnectBLE connects to the ByteFlusher advertising name. An empty name
// connects to the only ByteFlusher in range.
func ConnectBLE(ctx context.Context, name string) (*BLE, error) {
	var match func(Advert) bool
	if name != "" {
		match = func(a Advert) bool { return a.Name == name }
	}
	adverts, err := Scan(ctx, match)
	if err != nil {
		return nil, err
	}
	target, err := pickAdvert(adverts, name)
	if err != nil {
		return nil, err
	}

	a, err := adapter()
	if err != nil {
		return nil, err
	}
	dev, err := a.Connect(target.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", target.Name, err)
	}

	b := &BLE{name: target.Name, device: dev}
	if err := b.discover(); err != nil {
		_ = dev.Disconnect()
		return nil, err
	}
	b.writes, err = newAckedWrites(target.Address, b.chars)
	if err != nil {
		_ = dev.Disconnect()
		return nil, err
	}
	return b, nil
}

// pickAdvert chooses the device to connect to from a scan
func pickAdvert(adverts []Advert, name string) (Advert, error) {
	if name != "" {
		for _, a := range adverts {
			if a.Name == name {
				return a, nil
			}
		}
		return Advert{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	switch len(adverts) {
	case 0:
		return Advert{}, ErrNotFound
	case 1:
		return adverts[0], nil
	}
	names := make([]string, len(adverts))
	for i, a := range adverts {
		names[i] = a.Name
	}
	return Advert{}, fmt.Errorf("several devices in range, pick one with --device: %s", strings.Join(names, ", "))
}

func (b *BLE) discover() error {
	svc, err := bluetooth.ParseUUID(protocol.ServiceUUID)
	if err != nil {
		return err
	}
	services, err := b.device.DiscoverServices([]bluetooth.UUID{svc})
	if err != nil || len(services) == 0 {
		return fmt.Errorf("ByteFlusher service not found: %v", err)
	}

	byUUID := make(map[string]protocol.Channel, len(knownChannels))
	for _, ch := range knownChannels {
		byUUID[protocol.CharUUID(ch)] = ch
	}

	// Older firmware lacks some characteristics, so discover all and keep
	// what is known
	chars, err := services[0].DiscoverCharacteristics(nil)
	if err != nil {
		return fmt.Errorf("characteristic discovery failed: %w", err)
	}
	b.chars = make(map[protocol.Channel]bluetooth.DeviceCharacteristic, len(chars))
	for _, c := range chars {
		if ch, ok := byUUID[strings.ToLower(c.UUID().String())]; ok {
			b.chars[ch] = c
		}
	}
	if _, ok := b.chars[protocol.ChannelText]; !ok {
		return fmt.Errorf("%w: %s", ErrNoChannel, protocol.ChannelText)
	}

	for _, ch := range []protocol.Channel{protocol.ChannelStatus, protocol.ChannelKeyLog} {
		c, ok := b.chars[ch]
		if !ok {
			continue
		}
		ch := ch
		if err := c.EnableNotifications(func(buf []byte) {
			value := append([]byte(nil), buf...)
			b.mu.Lock()
			handler := b.handler
			b.mu.Unlock()
			if handler != nil {
				handler(ch, value)
			}
		}); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", ch, err)
		}
	}
	return nil
}

// Write performs a write with response, so the call returns after the
// device's GATT server has taken the value. Linux goes through BlueZ
// directly; macOS and Windows use the bluetooth package.
func (b *BLE) Write(ctx context.Context, ch protocol.Channel, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, ok := b.chars[ch]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoChannel, ch)
	}
	if len(payload) > protocol.MaxPacketSize {
		return protocol.ErrOversized
	}
	return b.writes.write(ctx, ch, c, payload)
}

// Read reads a characteristic value
func (b *BLE) Read(ctx context.Context, ch protocol.Channel) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, ok := b.chars[ch]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoChannel, ch)
	}
	buf := make([]byte, protocol.MaxPacketSize)
	n, err := c.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// OnNotify sets the notification handler
func (b *BLE) OnNotify(handler protocol.NotifyHandler) {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()
}

func (b *BLE) Name() string {
	return b.name
}

// Close disconnects
func (b *BLE) Close() error {
	return b.device.Disconnect()
}
