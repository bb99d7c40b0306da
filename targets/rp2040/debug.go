//go:build rp2040

package main

import (
	"machine"

	"stepkernel/core"
)

var debugUART *machine.UART

// InitDebugUART routes core debug output to UART0, TX=GP16 RX=GP17, 115200
func InitDebugUART() {
	debugUART = machine.UART0
	err := debugUART.Configure(machine.UARTConfig{
		BaudRate: 115200,
		TX:       machine.GPIO16,
		RX:       machine.GPIO17,
	})
	if err != nil {
		return
	}
	core.SetDebugWriter(func(s string) {
		debugUART.Write([]byte(s))
		debugUART.Write([]byte("\r\n"))
	})
	core.SetDebugEnabled(true)
	core.DebugPrintln("stepkernel rp2040")
}
