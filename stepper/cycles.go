package stepper

import (
	"errors"
	"fmt"
)

var (
	ErrPulseTooWide   = errors.New("minimum pulse width cannot be met at the configured maximum stepper rate")
	ErrCPUTooSlow     = errors.New("CPU cannot run one step interrupt per second at this configuration")
	ErrTimerTooCoarse = errors.New("step timer rate too low for the sustainable interrupt frequency")
)

// Per-ISR cost estimates in CPU cycles, measured on the reference 8-bit
// and 32-bit targets.
type cycleCosts struct {
	base        uint32
	sCurve      uint32
	laBase      uint32
	loopBase    uint32
	startPin    uint32
	stepPin     uint32
	shapingBase uint32
}

var (
	costs32 = cycleCosts{base: 792, sCurve: 40, laBase: 64, loopBase: 4, startPin: 13, stepPin: 16, shapingBase: 180}
	costs8  = cycleCosts{base: 752, sCurve: 160, laBase: 32, loopBase: 32, startPin: 57, stepPin: 88, shapingBase: 290}
)

// CycleModel estimates the worst-case cost of one step interrupt and the
// interrupt frequencies the CPU can sustain. It is fixed once built.
type CycleModel struct {
	cpu    uint32
	c      cycleCosts
	sCurve bool
	la     bool
	shaped uint32 // number of shaped axes

	minISRStartLoop  uint32 // cycles to raise every step pin once
	minISRLoop       uint32 // cycles to service every step pin once
	minStepperPulse  uint32 // cycles of one full step period (high+low)
	laLoop           uint32
	maxISRFreq       [8]uint32
	minStepISRFreq   uint32
	MinPulseHigh     uint32 // pulse timer ticks a step pin is held high
	MinPulseLow      uint32 // pulse timer ticks between consecutive pulses
	DirDelay         uint32 // pulse timer ticks around a direction change
	stepTimerMargin  uint32 // step timer ticks treated as "already due"
	stepTimerRate    uint32
	multistepLimitSh uint8
}

// NewCycleModel derives the cost model for a descriptor and rejects
// configurations whose pulse timing cannot be met.
func NewCycleModel(d *Descriptor) (*CycleModel, error) {
	m := &CycleModel{
		cpu:           d.CPUFrequency,
		c:             costs8,
		sCurve:        d.SCurve,
		la:            d.LinearAdvance,
		stepTimerRate: d.StepTimerRate,
	}
	if d.CPU32Bit {
		m.c = costs32
	}
	m.multistepLimitSh = shiftOf(d.MultisteppingLimit)

	var drivers uint32
	for a := Axis(0); a < NumAxes; a++ {
		drivers += uint32(len(d.Axes[a].Drivers))
	}
	m.minISRStartLoop = drivers * m.c.startPin
	m.minISRLoop = drivers * m.c.stepPin
	m.shaped = uint32(d.Shaping.Axes.Count())

	if d.MinPulseNS > 0 && uint64(d.MaxStepperRate)*2*uint64(d.MinPulseNS) > 1e9 {
		return nil, fmt.Errorf("%w: %d ns pulses allow at most %d steps/s, configured %d",
			ErrPulseTooWide, d.MinPulseNS, 1e9/(2*uint64(d.MinPulseNS)), d.MaxStepperRate)
	}

	m.minStepperPulse = d.CPUFrequency / d.MaxStepperRate
	if byWidth := uint32(uint64(d.CPUFrequency) * 2 * uint64(d.MinPulseNS) / 1e9); byWidth > m.minStepperPulse {
		m.minStepperPulse = byWidth
	}
	if m.la {
		m.laLoop = max(m.minStepperPulse, m.c.stepPin)
	}

	for r := uint8(0); r < 8; r++ {
		m.maxISRFreq[r] = d.CPUFrequency / m.ISRExecutionCycles(r)
	}
	if m.maxISRFreq[0] == 0 {
		return nil, ErrCPUTooSlow
	}
	m.minStepISRFreq = m.maxISRFreq[0] / 2

	if d.StepTimerRate/m.maxISRFreq[0] < 2 {
		return nil, fmt.Errorf("%w: %d Hz timer, %d Hz interrupts", ErrTimerTooCoarse, d.StepTimerRate, m.maxISRFreq[0])
	}

	m.MinPulseHigh = ticksCeil(d.PulseTimerRate, d.MinPulseNS)
	if m.MinPulseHigh == 0 {
		m.MinPulseHigh = 1
	}
	period := uint32(uint64(m.minStepperPulse) * uint64(d.PulseTimerRate) / uint64(d.CPUFrequency))
	m.MinPulseLow = m.MinPulseHigh
	if period > 2*m.MinPulseHigh {
		m.MinPulseLow = period - m.MinPulseHigh
	}
	m.DirDelay = ticksCeil(d.PulseTimerRate, d.DirDelayNS)
	m.stepTimerMargin = max(d.StepTimerRate/1000000, 1)
	return m, nil
}

func ticksCeil(rate, ns uint32) uint32 {
	return uint32((uint64(rate)*uint64(ns) + 999999999) / 1e9)
}

func shiftOf(v uint8) uint8 {
	s := uint8(0)
	for v > 1 {
		v >>= 1
		s++
	}
	return s
}

// ISRExecutionCycles returns the cycles one interrupt needs to emit 2^r steps
func (m *CycleModel) ISRExecutionCycles(r uint8) uint32 {
	extra := uint32(1)<<r - 1
	loop := (m.c.loopBase+m.minISRLoop+m.minStepperPulse)*extra + max(m.minISRLoop, m.minStepperPulse)
	cycles := m.c.base + loop
	if m.sCurve {
		cycles += m.c.sCurve
	}
	if m.shaped > 0 {
		cycles += m.c.shapingBase + m.shaped*m.c.stepPin*(extra+1)
	}
	if m.la {
		cycles += m.c.laBase + m.laLoop
	}
	return cycles
}

// MaxStepISRFrequency returns interrupts per second sustainable at shift r
func (m *CycleModel) MaxStepISRFrequency(r uint8) uint32 {
	if r >= uint8(len(m.maxISRFreq)) {
		r = uint8(len(m.maxISRFreq)) - 1
	}
	return m.maxISRFreq[r]
}

// MaxStepISRFrequency1x is the step rate ceiling without multistepping
func (m *CycleModel) MaxStepISRFrequency1x() uint32 {
	return m.maxISRFreq[0]
}

// MinStepISRFrequency is the interrupt rate above which multistepping is raised
func (m *CycleModel) MinStepISRFrequency() uint32 {
	return m.minStepISRFreq
}

// MaxStepRate returns steps per second sustainable at shift r
func (m *CycleModel) MaxStepRate(r uint8) uint32 {
	v := uint64(m.MaxStepISRFrequency(r)) << r
	if v > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(v)
}

// MultisteppingLimitShift returns log2 of the multistepping limit
func (m *CycleModel) MultisteppingLimitShift() uint8 {
	return m.multistepLimitSh
}
