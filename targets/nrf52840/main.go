//go:build nrf52840

// ByteFlusher firmware for the Adafruit Feather nRF52840: text written over BLE
// (or the USB serial bench link) is typed on the USB HID keyboard.
package main

import (
	"context"
	"time"

	"byteflusher/core"
	"byteflusher/protocol"
	"byteflusher/settings"
)

// notifiers fans pipeline notifications out to every connected transport
type notifiers []core.Notifier

func (n notifiers) Notify(ch protocol.Channel, payload []byte) {
	for _, t := range n {
		t.Notify(ch, payload)
	}
}

var stepErrors uint32

func main() {
	InitDebugUART()

	st := loadSettings()
	clock := core.NewSystemClock()
	sink := NewHIDSink()
	led := NewStatusLED()
	led.Show(LEDDisconnected)

	registry := core.NewChannelRegistry()

	var fanout notifiers
	opts := core.DefaultOptions()
	opts.Config = st.Config
	opts.OnConfig = persistConfig

	var pipeline *core.Pipeline

	ble, err := NewBLEService(func() {
		pipeline.Disconnected()
	})
	if err != nil {
		core.DebugPrintln("ble: enable failed, bench link only")
	} else {
		fanout = append(fanout, ble)
	}

	link := InitBenchLink(registry)
	if link != nil {
		fanout = append(fanout, core.NotifierFunc(link.Notify))
	}

	pipeline = core.NewPipeline(sink, clock, fanout, opts)
	pipeline.RegisterChannels(registry)
	registerBoardChannels(registry, ble)

	ctx := context.Background()
	if ble != nil {
		// A dropped write was already acknowledged over the air; the forced
		// status lets the sender see its data never arrived
		ble.SetDropHandler(pipeline.ForceStatus)
		if err := ble.AddService(st.Nickname); err != nil {
			core.DebugPrintln("ble: add service failed")
		}
		if err := ble.Advertise(settings.DisplayName(deviceID, st.Nickname)); err != nil {
			core.DebugPrintln("ble: advertise failed")
		}
		ble.Serve(ctx, registry, clock)
	}
	if link != nil {
		go benchLoop()
	}

	core.DebugPrintln("ready: " + settings.DisplayName(deviceID, st.Nickname))

	// Main loop: the only place keys are typed apart from producers pumping a
	// full channel
	for {
		worked := func() (worked bool) {
			defer func() {
				if r := recover(); r != nil {
					stepErrors++
					worked = false
					core.DumpTraceRing()
				}
			}()
			return pipeline.Step()
		}()

		// The bench link has no connection state; typing counts as connected
		busy := pipeline.Busy()
		connected := ble != nil && ble.Connected() || busy
		led.Show(ledStateFor(connected, pipeline.Paused(), busy))

		if !worked {
			time.Sleep(core.IdleDelay)
		}
	}
}
