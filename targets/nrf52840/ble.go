//go:build nrf52840

package main

import (
	"context"
	"sync/atomic"

	"tinygo.org/x/bluetooth"

	"byteflusher/core"
	"byteflusher/protocol"
)

// Mailbox depth per class of write. SoftDevice write events must not block,
// so every write is copied into a mailbox and dispatched by its own goroutine.
const (
	controlMailboxSlots = 4
	dataMailboxSlots    = 8
)

// BLEService is the ByteFlusher GATT service
type BLEService struct {
	adapter *bluetooth.Adapter
	adv     *bluetooth.Advertisement

	statusChar   bluetooth.Characteristic
	keylogChar   bluetooth.Characteristic
	nicknameChar bluetooth.Characteristic

	// control carries config, nickname and bootloader writes; data carries
	// text and macros, which may stall waiting for room
	control *core.Mailbox
	data    *core.Mailbox

	connected    uint32 // atomic bool
	onDisconnect func()
}

// NewBLEService enables the radio
func NewBLEService(onDisconnect func()) (*BLEService, error) {
	s := &BLEService{
		adapter:      bluetooth.DefaultAdapter,
		control:      core.NewMailbox(controlMailboxSlots),
		data:         core.NewMailbox(dataMailboxSlots),
		onDisconnect: onDisconnect,
	}
	if err := s.adapter.Enable(); err != nil {
		return nil, err
	}
	s.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			atomic.StoreUint32(&s.connected, 1)
			core.DebugAsync("ble: connected")
			return
		}
		atomic.StoreUint32(&s.connected, 0)
		core.DebugAsync("ble: disconnected")
		if s.onDisconnect != nil {
			s.onDisconnect()
		}
		// The SoftDevice stops advertising once a connection is made
		_ = s.startAdvertising()
	})
	return s, nil
}

// AddService registers the GATT characteristics. nickname is the initial
// value of the nickname characteristic.
func (s *BLEService) AddService(nickname string) error {
	svc, err := bluetooth.ParseUUID(protocol.ServiceUUID)
	if err != nil {
		return err
	}

	writeTo := func(box *core.Mailbox, ch protocol.Channel) func(bluetooth.Connection, int, []byte) {
		return func(_ bluetooth.Connection, offset int, value []byte) {
			if offset != 0 {
				return
			}
			// Drops are counted by the mailbox, reported through its full
			// handler and traced by Serve
			_ = box.Post(ch, value)
		}
	}

	chars := []struct {
		ch     protocol.Channel
		flags  bluetooth.CharacteristicPermissions
		handle *bluetooth.Characteristic
		value  []byte
		box    *core.Mailbox
	}{
		{ch: protocol.ChannelText, flags: bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission, box: s.data},
		{ch: protocol.ChannelConfig, flags: bluetooth.CharacteristicWritePermission, box: s.control},
		{ch: protocol.ChannelStatus, flags: bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicNotifyPermission, handle: &s.statusChar, value: make([]byte, protocol.StatusSize)},
		{ch: protocol.ChannelMacro, flags: bluetooth.CharacteristicWritePermission, box: s.data},
		{ch: protocol.ChannelBootloader, flags: bluetooth.CharacteristicWritePermission, box: s.control},
		{ch: protocol.ChannelNickname, flags: bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicWritePermission, handle: &s.nicknameChar, value: []byte(nickname), box: s.control},
		{ch: protocol.ChannelKeyLog, flags: bluetooth.CharacteristicNotifyPermission, handle: &s.keylogChar, value: make([]byte, protocol.KeyLogRecordSize)},
	}

	configs := make([]bluetooth.CharacteristicConfig, 0, len(chars))
	for _, c := range chars {
		uuid, err := bluetooth.ParseUUID(protocol.CharUUID(c.ch))
		if err != nil {
			return err
		}
		cfg := bluetooth.CharacteristicConfig{
			Handle: c.handle,
			UUID:   uuid,
			Value:  c.value,
			Flags:  c.flags,
		}
		if c.box != nil {
			cfg.WriteEvent = writeTo(c.box, c.ch)
		}
		configs = append(configs, cfg)
	}

	return s.adapter.AddService(&bluetooth.Service{
		UUID:            svc,
		Characteristics: configs,
	})
}

// Advertise starts advertising under name, replacing any previous name
func (s *BLEService) Advertise(name string) error {
	svc, err := bluetooth.ParseUUID(protocol.ServiceUUID)
	if err != nil {
		return err
	}
	if s.adv == nil {
		s.adv = s.adapter.DefaultAdvertisement()
	} else {
		_ = s.adv.Stop()
	}
	err = s.adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    name,
		ServiceUUIDs: []bluetooth.UUID{svc},
	})
	if err != nil {
		return err
	}
	return s.startAdvertising()
}

func (s *BLEService) startAdvertising() error {
	if s.adv == nil {
		return nil
	}
	return s.adv.Start()
}

// Serve starts one dispatcher per mailbox, so a text write stalled on a full
// channel never holds up a pause or abort
func (s *BLEService) Serve(ctx context.Context, reg *core.ChannelRegistry, clock core.Clock) {
	go s.control.Serve(ctx, reg, clock)
	go s.data.Serve(ctx, reg, clock)
}

// SetDropHandler sets the function called from the radio callback whenever a
// write is lost to a full mailbox
func (s *BLEService) SetDropHandler(fn func()) {
	s.control.SetFullHandler(fn)
	s.data.SetFullHandler(fn)
}

// Dropped returns the number of writes lost to full mailboxes
func (s *BLEService) Dropped() uint32 {
	return s.control.Dropped() + s.data.Dropped()
}

// Connected reports whether a central is connected
func (s *BLEService) Connected() bool {
	return atomic.LoadUint32(&s.connected) != 0
}

// Notify implements core.Notifier for the status and key log characteristics
func (s *BLEService) Notify(ch protocol.Channel, payload []byte) {
	var c *bluetooth.Characteristic
	switch ch {
	case protocol.ChannelStatus:
		c = &s.statusChar
	case protocol.ChannelKeyLog:
		if !s.Connected() {
			return
		}
		c = &s.keylogChar
	default:
		return
	}
	// Write updates the readable value and notifies subscribed centrals
	_, _ = c.Write(payload)
}

// SetNickname updates the readable nickname value
func (s *BLEService) SetNickname(nickname string) {
	_, _ = s.nicknameChar.Write([]byte(nickname))
}
