//go:build rp2040

package main

import (
	"errors"
	"machine"

	rp2pio "github.com/tinygo-org/pio/rp2-pio"

	"stepkernel/core"
	"stepkernel/stepper"
)

// Step pulse strobe. One FIFO word raises a group of step pins, holds them
// and drops them again, so the CPU never waits out the pulse width.
// Command word, LSB first:
//
//	strobePins bits: pins to raise
//	8 bits:          high time in PIO cycles
//	strobePins bits: zero, drops the pins
//	8 bits:          low time in PIO cycles
func buildStrobeProgram() []uint16 {
	asm := rp2pio.AssemblerV0{SidesetBits: 0}
	return []uint16{
		// .wrap_target
		asm.Pull(false, true).Encode(),                   // 0: pull block
		asm.Out(rp2pio.OutDestPins, strobePins).Encode(), // 1: out pins, n
		asm.Out(rp2pio.OutDestX, 8).Encode(),             // 2: out x, 8
		asm.Jmp(3, rp2pio.JmpXNZeroDec).Encode(),         // 3: jmp x--, 3
		asm.Out(rp2pio.OutDestPins, strobePins).Encode(), // 4: out pins, n
		asm.Out(rp2pio.OutDestY, 8).Encode(),             // 5: out y, 8
		asm.Jmp(6, rp2pio.JmpYNZeroDec).Encode(),         // 6: jmp y--, 6
		// .wrap
	}
}

const (
	strobePins   = 4
	strobeOrigin = 0 // jump targets are absolute
	pioClockDiv  = 25
)

var errStrobeLayout = errors.New("step pins are not one consecutive group")

// PulsePIO implements core.PulseStrober on PIO1 state machine 0
type PulsePIO struct {
	pio  *rp2pio.PIO
	sm   rp2pio.StateMachine
	base core.GPIOPin
	hold uint32
}

// NewPulsePIO claims the step pins of d for the strobe program. It fails
// when the step pins do not fit one group of strobePins with no dir or
// enable pin among them.
func NewPulsePIO(d *stepper.Descriptor) (*PulsePIO, error) {
	base, width, ok := d.StepPinSpan()
	if !ok || width > strobePins || base+strobePins > 30 {
		return nil, errStrobeLayout
	}
	for a := stepper.Axis(0); a < stepper.NumAxes; a++ {
		if d.Axes[a].InvertStep && len(d.Axes[a].Drivers) > 0 {
			return nil, errors.New("strobe drives active-high pulses only")
		}
	}

	p := &PulsePIO{pio: rp2pio.PIO1, base: base}
	p.sm = p.pio.StateMachine(0)
	p.sm.TryClaim()

	program := buildStrobeProgram()
	offset, err := p.pio.AddProgram(program, strobeOrigin)
	if err != nil {
		return nil, err
	}

	pin := machine.Pin(base)
	for i := machine.Pin(0); i < strobePins; i++ {
		(pin + i).Configure(machine.PinConfig{Mode: p.pio.PinMode()})
	}

	cfg := rp2pio.DefaultStateMachineConfig()
	cfg.SetOutPins(pin, strobePins)
	// Shift right, explicit pull, 32-bit threshold
	cfg.SetOutShift(true, false, 32)
	cfg.SetWrap(offset+uint8(len(program))-1, offset)
	cfg.SetClkDivIntFrac(pioClockDiv, 0)

	p.sm.Init(offset, cfg)
	p.sm.SetPindirsConsecutive(pin, strobePins, true)
	p.sm.SetPinsConsecutive(pin, strobePins, false)
	p.sm.SetEnabled(true)

	cycleNS := max(uint32(uint64(pioClockDiv)*1e9/uint64(d.CPUFrequency)), 1)
	p.hold = min(max((d.MinPulseNS+cycleNS-1)/cycleNS, 1), 255)
	return p, nil
}

func (p *PulsePIO) owns(pin core.GPIOPin) bool {
	return pin >= p.base && pin < p.base+strobePins
}

// Strobe pulses the step pins in mask, a GPIO bit mask
func (p *PulsePIO) Strobe(mask uint32) {
	bits := (mask >> p.base) & (1<<strobePins - 1)
	if bits == 0 {
		return
	}
	cmd := bits | p.hold<<strobePins | p.hold<<(2*strobePins+8)
	for p.sm.IsTxFIFOFull() {
	}
	p.sm.TxPut(cmd)
}
