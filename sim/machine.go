package sim

// Deterministic machine for running the stepper kernel off hardware.
// A single CPU cycle counter is the master clock; the step timer and the
// pulse timer are derived from it. Pin writes and timer reads cost
// cycles, so busy-waits make progress and interrupt cost is visible to
// the multistepping governor.

import (
	"errors"

	"stepkernel/core"
	"stepkernel/planner"
	"stepkernel/stepper"
)

var ErrTimeout = errors.New("simulation did not go idle in time")

// Options tunes the simulated costs
type Options struct {
	ISRCycles   uint64 // interrupt entry/exit overhead
	WriteCycles uint64 // per GPIO write
	ReadCycles  uint64 // per pulse timer read
	QueueSize   int
	PortWrites  bool // expose grouped port writes to the kernel
	RecordEdges bool // keep the full pin trace
}

// DefaultOptions approximates a 32-bit MCU with direct register access
func DefaultOptions() Options {
	return Options{ISRCycles: 200, WriteCycles: 4, ReadCycles: 2, QueueSize: planner.DefaultQueueSize}
}

// BenchDescriptor is a 120 MHz 32-bit board with X/Y/Z/E on pins 0-7 and
// a shared active-low enable on pin 8. The pulse timer runs at the CPU
// clock so pin trace cycles and pulse ticks coincide.
func BenchDescriptor() stepper.Descriptor {
	d := stepper.Descriptor{
		CPUFrequency:       120000000,
		StepTimerRate:      2000000,
		PulseTimerRate:     120000000,
		CPU32Bit:           true,
		MinPulseNS:         1000,
		DirDelayNS:         500,
		MaxStepperRate:     250000,
		MultisteppingLimit: 16,
	}
	for i, a := range []stepper.Axis{stepper.X, stepper.Y, stepper.Z, stepper.E} {
		d.Axes[a] = stepper.AxisConfig{
			Drivers:      []stepper.Driver{{Step: core.GPIOPin(2 * i), Dir: core.GPIOPin(2*i + 1)}},
			Enable:       8,
			HasEnable:    true,
			InvertEnable: true,
		}
	}
	return d
}

// Machine wires a Stepper to simulated hardware
type Machine struct {
	Desc    stepper.Descriptor
	Stepper *stepper.Stepper
	Queue   *planner.Queue
	GPIO    *GPIO
	Timer   *core.TimerStepTimer

	opts   Options
	sched  *core.Scheduler
	cycles uint64
	rates  []TimedRate
	isrs   []uint64
}

// TimedRate is a rate sample with the cycle it was taken at
type TimedRate struct {
	Cycle uint64
	stepper.RateSample
}

// New builds and initializes a kernel on simulated hardware
func New(desc stepper.Descriptor, opts Options) (*Machine, error) {
	if opts.QueueSize == 0 {
		opts.QueueSize = planner.DefaultQueueSize
	}
	// Busy-waits only terminate if reading the timer takes time
	opts.ReadCycles = max(opts.ReadCycles, 1)
	core.ClearTimingRing()
	m := &Machine{Desc: desc, opts: opts, sched: core.NewScheduler()}
	m.GPIO = newGPIO(m)
	m.Queue = planner.NewQueue(opts.QueueSize, m.step)
	m.Timer = core.NewTimerStepTimer(m.sched, m.stepTicks)

	var gpio core.GPIODriver = m.GPIO
	if opts.PortWrites {
		gpio = &PortGPIO{m.GPIO}
	}
	s, err := stepper.New(desc, stepper.HAL{
		GPIO:  gpio,
		Timer: m.Timer,
		Pulse: pulseTimer{m},
		Idle:  m.step,
	}, m.Queue)
	if err != nil {
		return nil, err
	}
	if err := s.Init(); err != nil {
		return nil, err
	}
	m.Stepper = s
	s.OnRate(func(r stepper.RateSample) {
		m.rates = append(m.rates, TimedRate{Cycle: m.cycles, RateSample: r})
	})
	m.Timer.Start(m.isr, 1)
	return m, nil
}

func (m *Machine) isr() {
	m.isrs = append(m.isrs, m.cycles)
	m.cycles += m.opts.ISRCycles
	m.Stepper.ISR()
}

// Scheduler returns the timer list the step timer runs on. Its clock is the
// step timer.
func (m *Machine) Scheduler() *core.Scheduler { return m.sched }

// Cycles returns the CPU cycle counter
func (m *Machine) Cycles() uint64 { return m.cycles }

func (m *Machine) ticks64(rate uint32) uint64 {
	return m.cycles * uint64(rate) / uint64(m.Desc.CPUFrequency)
}

func (m *Machine) stepTicks() uint32 {
	return uint32(m.ticks64(m.Desc.StepTimerRate))
}

// step runs the next due timer, advancing the clock to it if needed
func (m *Machine) step() {
	wake, ok := m.sched.NextWake()
	if !ok {
		m.cycles += uint64(m.Desc.CPUFrequency / m.Desc.StepTimerRate)
		return
	}
	now := m.ticks64(m.Desc.StepTimerRate)
	ahead := wake - uint32(now)
	if int32(ahead) > 0 {
		target := now + uint64(ahead)
		rate := uint64(m.Desc.StepTimerRate)
		m.cycles = (target*uint64(m.Desc.CPUFrequency) + rate - 1) / rate
	}
	m.sched.Dispatch(wake)
}

// Run advances the simulation by the given number of step timer ticks
func (m *Machine) Run(ticks uint32) {
	end := m.ticks64(m.Desc.StepTimerRate) + uint64(ticks)
	for {
		wake, ok := m.sched.NextWake()
		if !ok {
			break
		}
		now := m.ticks64(m.Desc.StepTimerRate)
		if ahead := int32(wake - uint32(now)); ahead > 0 && now+uint64(ahead) > end {
			break
		}
		m.step()
	}
	rate := uint64(m.Desc.StepTimerRate)
	if c := (end*uint64(m.Desc.CPUFrequency) + rate - 1) / rate; c > m.cycles {
		m.cycles = c
	}
}

// RunUntilIdle runs until every queued block, echo and advance step is
// done, giving up after maxTicks step timer ticks
func (m *Machine) RunUntilIdle(maxTicks uint32) error {
	end := m.ticks64(m.Desc.StepTimerRate) + uint64(maxTicks)
	for !m.Queue.Empty() || m.Stepper.Busy() {
		if m.ticks64(m.Desc.StepTimerRate) > end {
			return ErrTimeout
		}
		m.step()
	}
	return nil
}

// Push queues a block, running the machine while the queue is full
func (m *Machine) Push(b *stepper.MotionBlock) {
	for m.Queue.Push(b) != nil {
		m.step()
	}
}

// Rates returns every rate the block phase computed
func (m *Machine) Rates() []TimedRate { return m.rates }

// ISRTimes returns the cycle of each interrupt entry
func (m *Machine) ISRTimes() []uint64 { return m.isrs }

// SecondsAt converts a cycle count to seconds
func (m *Machine) SecondsAt(cycle uint64) float64 {
	return float64(cycle) / float64(m.Desc.CPUFrequency)
}

type pulseTimer struct{ m *Machine }

func (p pulseTimer) Count() uint32 {
	p.m.cycles += p.m.opts.ReadCycles
	return uint32(p.m.ticks64(p.m.Desc.PulseTimerRate))
}
