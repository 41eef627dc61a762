//go:build nrf52840

package main

import (
	"machine"
	"sync"
	"time"

	"byteflusher/core"
	"byteflusher/protocol"
	"byteflusher/settings"
)

// bootloaderMagic is the single byte that requests DFU mode
const bootloaderMagic = 0x01

var (
	store         *settings.Store
	settingsMu    sync.Mutex
	savedSettings settings.Settings
	deviceID      []byte
)

// loadSettings reads the persisted record from the end of the flash region
// TinyGo leaves free after the program
func loadSettings() settings.Settings {
	deviceID = machine.DeviceID()

	var err error
	store, err = settings.NewStore(machine.Flash)
	if err != nil {
		core.DebugPrintln("settings: no flash store")
		savedSettings = settings.Default()
		return savedSettings
	}

	savedSettings, err = store.Load()
	if err != nil {
		core.DebugPrintln("settings: using defaults")
	}
	return savedSettings
}

// updateSettings applies change and writes the record if anything differs
func updateSettings(change func(*settings.Settings)) settings.Settings {
	settingsMu.Lock()
	defer settingsMu.Unlock()

	st := savedSettings
	change(&st)
	if st == savedSettings {
		return st
	}
	if store != nil {
		if err := store.Save(st); err != nil {
			core.DebugAsync("settings: save failed")
			return savedSettings
		}
	}
	savedSettings = st
	return st
}

func currentSettings() settings.Settings {
	settingsMu.Lock()
	defer settingsMu.Unlock()
	return savedSettings
}

// persistConfig stores timing changes so they survive a power cycle. Pause
// and abort flags are not persisted.
func persistConfig(cfg core.Config) {
	updateSettings(func(st *settings.Settings) { st.Config = cfg })
}

// handleBootloader reboots into the UF2 bootloader when 0x01 is written.
// machine.EnterBootloader sets GPREGRET to the DFU magic and resets.
func handleBootloader(data []byte) error {
	if len(data) != 1 || data[0] != bootloaderMagic {
		return nil
	}
	core.DebugPrintln("entering bootloader")
	// Let the write response go out first
	time.Sleep(50 * time.Millisecond)
	machine.EnterBootloader()
	return nil
}

// registerBoardChannels installs the nickname and bootloader channels
func registerBoardChannels(reg *core.ChannelRegistry, ble *BLEService) {
	reg.Register(protocol.ChannelBootloader, handleBootloader)

	reg.Register(protocol.ChannelNickname, func(data []byte) error {
		nick := settings.SanitizeNickname(data)
		st := updateSettings(func(st *settings.Settings) { st.Nickname = nick })

		if ble != nil {
			ble.SetNickname(st.Nickname)
			if err := ble.Advertise(settings.DisplayName(deviceID, st.Nickname)); err != nil {
				core.DebugAsync("ble: advertise failed")
			}
		}
		return nil
	})
	reg.RegisterReader(protocol.ChannelNickname, func() []byte {
		return []byte(currentSettings().Nickname)
	})
}
