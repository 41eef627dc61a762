//go:build nrf52840

package main

import (
	"machine"

	"byteflusher/core"
	"byteflusher/protocol"
)

var debugUART *machine.UART

// InitDebugUART routes core debug output to the hardware UART (TX/RX pins on
// the Feather header), 115200 baud
func InitDebugUART() {
	debugUART = machine.DefaultUART
	if err := debugUART.Configure(machine.UARTConfig{BaudRate: 115200}); err != nil {
		debugUART = nil
		return
	}

	core.SetDebugWriter(func(msg string) {
		debugUART.Write([]byte(msg))
		debugUART.Write([]byte("\r\n"))
	})
	core.InitAsyncDebug()
	core.SetDebugEnabled(true)

	core.DebugPrintln("=== ByteFlusher " + protocol.Version + " ===")
}
