//go:build rp2040

package main

import (
	"runtime/volatile"
	"unsafe"

	"stepkernel/core"
)

// RP2040 timer peripheral, a 64-bit counter at 1 MHz
const (
	timerBase     = 0x40054000
	timerTIMERAWH = timerBase + 0x08 // raw high word
	timerTIMERAWL = timerBase + 0x0C // raw low word
)

var (
	timerRAWH = (*volatile.Register32)(unsafe.Pointer(uintptr(timerTIMERAWH)))
	timerRAWL = (*volatile.Register32)(unsafe.Pointer(uintptr(timerTIMERAWL)))
)

// InitClock points the core timer helpers at the hardware timer rate
func InitClock() {
	core.SetTimerFreq(core.TimerFreq)
	UpdateSystemTime()
}

// GetHardwareTime returns the low 32 bits of the microsecond counter
func GetHardwareTime() uint32 {
	return timerRAWL.Get()
}

// GetHardwareUptime reads the full 64-bit counter
func GetHardwareUptime() uint64 {
	for {
		high1 := timerRAWH.Get()
		low := timerRAWL.Get()
		high2 := timerRAWH.Get()
		// Retry if the low word rolled over between the reads
		if high1 == high2 {
			return (uint64(high1) << 32) | uint64(low)
		}
	}
}

// UpdateSystemTime latches the hardware time for the scheduler
func UpdateSystemTime() {
	core.SetTime(GetHardwareTime())
}

// hwPulseTimer times step pulse widths off the same counter
type hwPulseTimer struct{}

func (hwPulseTimer) Count() uint32 { return GetHardwareTime() }
