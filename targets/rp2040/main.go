//go:build rp2040

package main

import (
	"errors"
	"machine"
	"time"

	"stepkernel/core"
	"stepkernel/endstop"
	"stepkernel/planner"
	"stepkernel/resonance"
	"stepkernel/stepper"
)

var (
	link    *core.Link
	kernel  *stepper.Stepper
	queue   *planner.Queue
	sampler *resonance.Sampler

	rxBuf [64]byte

	// Debug counters
	messagesReceived uint32
	msgerrors        uint32

	usbWasDisconnected       bool
	consecutiveWriteFailures uint32
)

var errUSBStalled = errors.New("usb write made no progress")

func main() {
	// Clear any watchdog state left over from before the reset
	err := machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 0})
	if err != nil {
		return
	}

	InitUSB()
	InitDebugUART()
	core.InitAsyncDebug()
	InitClock()

	desc := stepper.DefaultDescriptor()
	gpio := NewRPGPIODriver()
	var hw core.GPIODriver = gpio
	if strobe, err := NewPulsePIO(&desc); err == nil {
		hw = &strobingGPIO{RPGPIODriver: gpio, PulsePIO: strobe}
	} else {
		core.DebugPrintln("pio strobe off: " + err.Error())
	}

	timer := core.NewTimerStepTimer(core.DefaultScheduler(), GetHardwareTime)
	queue = planner.NewQueue(planner.DefaultQueueSize, runTimers)
	kernel, err = stepper.New(desc, stepper.HAL{
		GPIO:  hw,
		Timer: timer,
		Pulse: hwPulseTimer{},
		Idle:  runTimers,
	}, queue)
	if err == nil {
		err = kernel.Init()
	}
	if err != nil {
		halt("stepper: " + err.Error())
	}
	kernel.SetHooks(stepper.Hooks{
		SyncFans: func(speeds []uint8) {
			core.DebugAsync("fans: " + itoa(len(speeds)))
		},
	})

	reg := core.NewCommandRegistry()
	kernel.RegisterCommands(reg, blockingSink{queue})
	endstop.NewSet(core.DefaultScheduler(), hw, kernel).RegisterCommands(reg)
	if acc, err := InitAccelerometer(); err == nil {
		sampler = resonance.NewSampler(core.DefaultScheduler(), acc, core.GetTimerFreq(), accelSampleHz)
		sampler.RegisterCommands(reg)
	} else {
		core.DebugPrintln("accelerometer: " + err.Error())
	}

	link = core.NewLink(reg, writeUSB)
	link.OnError(func(err error) {
		msgerrors++
		core.DebugAsync(err.Error())
	})

	timer.Start(kernel.ISR, GetHardwareTime()+core.TimerFromUS(1000))

	for {
		// A panic in a handler must not take the stepper down with it
		func() {
			defer func() {
				if r := recover(); r != nil {
					msgerrors++
					core.DumpTimingRing()
				}
			}()
			poll()
		}()
		time.Sleep(10 * time.Microsecond)
	}
}

// runTimers runs every due timer, the step interrupt included. It is the
// kernel's idle hook, so it must not read the link.
func runTimers() {
	UpdateSystemTime()
	core.ProcessTimers()
}

func poll() {
	runTimers()
	readUSB()
	if sampler != nil {
		sampler.Poll()
	}
}

// blockingSink holds the command (and its ACK) until the queue has room,
// which throttles the host to the stepping rate
type blockingSink struct {
	q *planner.Queue
}

func (s blockingSink) Push(b *stepper.MotionBlock) error {
	for s.q.Push(b) != nil {
		runTimers()
	}
	return nil
}

func readUSB() {
	n := 0
	for n < len(rxBuf) && USBAvailable() > 0 {
		b, err := USBRead()
		if err != nil {
			msgerrors++
			break
		}
		rxBuf[n] = b
		n++
	}
	if n == 0 {
		return
	}
	if usbWasDisconnected {
		// Fresh connection: stop whatever the old host left running
		usbWasDisconnected = false
		consecutiveWriteFailures = 0
		kernel.QuickStop()
		queue.Clear()
	}
	messagesReceived++
	link.Feed(rxBuf[:n])
}

// writeUSB sends one frame, treating repeated failures as a disconnect
func writeUSB(frame []byte) error {
	written := 0
	for written < len(frame) {
		n, err := USBWriteBytes(frame[written:])
		if err == nil && n == 0 {
			err = errUSBStalled
		}
		if err != nil {
			consecutiveWriteFailures++
			if consecutiveWriteFailures > 10 {
				usbWasDisconnected = true
				consecutiveWriteFailures = 0
			}
			return err
		}
		written += n
	}
	consecutiveWriteFailures = 0
	return nil
}

func halt(msg string) {
	for {
		core.DebugPrintln(msg)
		time.Sleep(time.Second)
	}
}

// itoa converts int to string without pulling in strconv
func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}
