package stepper

import (
	"errors"
	"runtime"
	"strconv"
	"sync/atomic"

	"stepkernel/core"
)

var (
	ErrMissingHAL = errors.New("stepper HAL needs GPIO, step timer and pulse timer")
	ErrNoPlanner  = errors.New("stepper needs a planner queue")
)

// Planner is the block queue the kernel consumes. CurrentBlock and
// ReleaseCurrentBlock are called only from the interrupt.
type Planner interface {
	CurrentBlock() *MotionBlock
	ReleaseCurrentBlock()
	Synchronize()
}

// Hooks are collaborators notified from interrupt context. Nil hooks are
// skipped.
type Hooks struct {
	SyncFans       func(speeds []uint8)
	SyncLaser      func(power uint8)
	LaserOff       func()
	BlockCompleted func(b *MotionBlock)
}

// HAL bundles the hardware the kernel drives
type HAL struct {
	GPIO  core.GPIODriver
	Timer core.StepTimer
	Pulse core.PulseTimer
	// Idle is called while waiting for the interrupt to make progress.
	// Polled targets pass the function that services their timers.
	Idle func()
}

// Stats are counters kept by the interrupt
type Stats struct {
	ISRCount    uint32
	Loops       uint32
	MaxLoops    uint32
	CatchUps    uint32
	Blocks      uint32
	SyncBlocks  uint32
	Aborts      uint32
	EchoDrains  uint32
	Events      [numPhases]uint32
	StepsPerISR uint32
}

// RateSample is reported each time the block phase computes a new rate
type RateSample struct {
	Completed   uint32
	Rate        uint32
	Interval    uint32
	Phase       Phase
	StepsPerISR uint32
}

// Stepper is one instance of the pulse generation kernel. One hardware
// timer drives a Bresenham pulse phase and a block phase that evaluates
// the velocity ramp. Input shaping echoes and linear advance run as
// sub-schedulers on the same timer.
type Stepper struct {
	desc    Descriptor
	cost    *CycleModel
	gpio    core.GPIODriver
	port    core.PortWriter
	strober core.PulseStrober
	timer   core.StepTimer
	pulse   core.PulseTimer
	idle    func()
	planner Planner
	hooks   Hooks
	onRate  func(RateSample)

	present  AxisBits
	groups   [NumAxes]AxisBits
	stepMask [NumAxes]uint32
	locked   [NumAxes]uint8

	current atomic.Pointer[MotionBlock]
	abort   atomic.Bool

	// Interrupt-owned state
	block           *MotionBlock
	completed       uint32
	eventCount      uint32
	accelerateUntil uint32
	decelerateAfter uint32
	bres            Bresenham
	lastDirection   AxisBits
	axisDidMove     AxisBits
	countDirection  [NumAxes]int32

	accelTime    uint32
	decelTime    uint32
	accStepRate  uint32
	ticksNominal uint32
	nominalShift uint8
	haveNominal  bool
	curve        Bezier
	bezier2nd    bool
	curveInits   uint32
	phase        Phase
	stepRate     uint32

	ms          Multistepper
	nextMain    uint32
	nextAdvance uint32
	lastExit    uint32
	lastIn      uint32
	lastOut     uint32
	caughtUp    bool

	la       advanceState
	shapers  [NumAxes]*axisShaper
	shapedOn AxisBits

	position  [NumAxes]atomic.Int32
	triggered [NumAxes]atomic.Int32
	enabled   AxisBits
	stats     Stats
}

// New builds a kernel for desc. The descriptor is validated and its
// timing checked against the cycle-cost model.
func New(desc Descriptor, hal HAL, p Planner) (*Stepper, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	cost, err := NewCycleModel(&desc)
	if err != nil {
		return nil, err
	}
	if hal.GPIO == nil || hal.Timer == nil || hal.Pulse == nil {
		return nil, ErrMissingHAL
	}
	if p == nil {
		return nil, ErrNoPlanner
	}

	s := &Stepper{
		desc:        desc,
		cost:        cost,
		gpio:        hal.GPIO,
		timer:       hal.Timer,
		pulse:       hal.Pulse,
		idle:        hal.Idle,
		planner:     p,
		present:     desc.Present(),
		groups:      desc.EnableGroups(),
		ms:          NewMultistepper(cost.MultisteppingLimitShift(), cost.MinStepISRFrequency()),
		nextAdvance: NeverTicks,
	}
	s.ms.SetCeilings(cost)
	if s.idle == nil {
		s.idle = runtime.Gosched
	}
	s.la.reset()
	for a := Axis(0); a < NumAxes; a++ {
		s.countDirection[a] = 1
	}
	s.buildPinMasks()

	sh := &desc.Shaping
	// A full batch of primary steps must fit after a forced drain
	capacity := max(ShapingCapacity(sh.MaxStepRate, sh.MinFrequency), int(desc.MultisteppingLimit))
	sh.Axes.Each(func(a Axis) {
		s.shapers[a] = newAxisShaper(capacity)
		s.configureShaper(a, sh.Frequency[a], sh.Zeta[a])
	})
	return s, nil
}

// SetHooks installs the collaborator callbacks. Call before starting the timer.
func (s *Stepper) SetHooks(h Hooks) { s.hooks = h }

// OnRate installs an observer for computed step rates
func (s *Stepper) OnRate(fn func(RateSample)) { s.onRate = fn }

// CycleModel returns the cost model the kernel was built with
func (s *Stepper) CycleModel() *CycleModel { return s.cost }

// Descriptor returns the machine description
func (s *Stepper) Descriptor() *Descriptor { return &s.desc }

// Init configures every pin, sets all directions positive and leaves the
// motors disabled
func (s *Stepper) Init() error {
	for a := Axis(0); a < NumAxes; a++ {
		cfg := &s.desc.Axes[a]
		for _, d := range cfg.Drivers {
			if err := s.gpio.ConfigureOutput(d.Step); err != nil {
				return err
			}
			if err := s.gpio.ConfigureOutput(d.Dir); err != nil {
				return err
			}
			s.setPin(d.Step, cfg.InvertStep)
			s.setPin(d.Dir, !cfg.InvertDir)
		}
		if cfg.HasEnable {
			if err := s.gpio.ConfigureOutput(cfg.Enable); err != nil {
				return err
			}
			s.setPin(cfg.Enable, cfg.InvertEnable)
		}
	}
	s.timer.SetCompare(s.idleTicks())
	return nil
}

// suspend masks the step interrupt and returns the function restoring it
func (s *Stepper) suspend() func() {
	was := s.timer.Enabled()
	s.timer.SetEnabled(false)
	return func() {
		if was {
			s.timer.SetEnabled(true)
		}
	}
}

// Synchronize waits until the planner queue has drained and every
// shaping echo and advance step has been emitted
func (s *Stepper) Synchronize() {
	s.planner.Synchronize()
	for s.Busy() {
		s.idle()
	}
}

// Busy reports whether any motion is still pending in the kernel
func (s *Stepper) Busy() bool {
	if s.current.Load() != nil {
		return true
	}
	restore := s.suspend()
	defer restore()
	for a := Axis(0); a < NumAxes; a++ {
		if sh := s.shapers[a]; sh != nil && !sh.queue.Empty() {
			return true
		}
	}
	return s.la.eSteps != 0 || (s.la.useLead && s.la.currentAdv > s.la.finalAdv)
}

// SetPosition overrides every axis position
func (s *Stepper) SetPosition(pos [NumAxes]int32) {
	s.Synchronize()
	restore := s.suspend()
	s.setPositionLocked(pos, s.present)
	restore()
}

// SetAxisPosition overrides one axis position
func (s *Stepper) SetAxisPosition(a Axis, v int32) {
	var pos [NumAxes]int32
	pos[a] = v
	s.Synchronize()
	restore := s.suspend()
	s.setPositionLocked(pos, Bit(a))
	restore()
}

func (s *Stepper) setPositionLocked(pos [NumAxes]int32, axes AxisBits) {
	for a := Axis(0); a < NumAxes; a++ {
		if !axes.Has(a) {
			continue
		}
		s.position[a].Store(pos[a])
		if sh := s.shapers[a]; sh != nil {
			sh.reset()
		}
	}
	core.RecordTiming(core.EvtSetPosition, core.NoAxis, core.GetTime(), uint32(axes), 0)
}

// Position returns the step count of one axis
func (s *Stepper) Position(a Axis) int32 {
	return s.position[a].Load()
}

// Positions returns a consistent snapshot of every axis
func (s *Stepper) Positions() [NumAxes]int32 {
	var pos [NumAxes]int32
	restore := s.suspend()
	for a := Axis(0); a < NumAxes; a++ {
		pos[a] = s.position[a].Load()
	}
	restore()
	return pos
}

func (s *Stepper) motorLabel(a Axis) byte {
	ca, cb, ok := s.desc.Kinematics.Coupled()
	if ok && s.desc.Kinematics.mixesMotors() && (a == ca || a == cb) {
		return 'A' + byte(a)
	}
	return a.Letter()
}

// ReportPositions formats the step counts as "X:10 Y:-3 Z:0 E:12".
// Motors mixed by core kinematics are labelled A, B and C.
func (s *Stepper) ReportPositions() string {
	pos := s.Positions()
	buf := make([]byte, 0, 64)
	for a := Axis(0); a < NumAxes; a++ {
		if !s.present.Has(a) {
			continue
		}
		if len(buf) > 0 {
			buf = append(buf, ' ')
		}
		buf = append(buf, s.motorLabel(a), ':')
		buf = strconv.AppendInt(buf, int64(pos[a]), 10)
	}
	return string(buf)
}

// EnableAxis powers up an axis' drivers
func (s *Stepper) EnableAxis(a Axis) {
	if !s.present.Has(a) {
		return
	}
	s.enabled = s.enabled.With(a)
	cfg := &s.desc.Axes[a]
	if cfg.HasEnable {
		s.setPin(cfg.Enable, !cfg.InvertEnable)
	}
}

// DisableAxis marks an axis disabled and powers its enable line down once
// every axis sharing it is disabled. It reports whether the line was
// switched off.
func (s *Stepper) DisableAxis(a Axis) bool {
	if !s.present.Has(a) {
		return false
	}
	s.enabled = s.enabled.Without(a)
	if s.enabled&s.groups[a] != 0 {
		return false
	}
	s.groups[a].Each(func(o Axis) {
		if cfg := &s.desc.Axes[o]; cfg.HasEnable {
			s.setPin(cfg.Enable, cfg.InvertEnable)
		}
	})
	return true
}

// AxisEnabled reports whether an axis is marked enabled
func (s *Stepper) AxisEnabled(a Axis) bool {
	return s.enabled.Has(a)
}

// QuickStop discards the running block at the next interrupt
func (s *Stepper) QuickStop() {
	s.abort.Store(true)
}

// EndstopTriggered latches the position of axis at the trigger and stops
// all motion. Under core kinematics the logical position is rebuilt from
// both motors.
func (s *Stepper) EndstopTriggered(a Axis) {
	restore := s.suspend()
	pos := s.position[a].Load()
	if ca, cb, ok := s.desc.Kinematics.Coupled(); ok && s.desc.Kinematics.mixesMotors() && (a == ca || a == cb) {
		pa, pb := s.position[ca].Load(), s.position[cb].Load()
		if a == ca {
			pos = (pa + pb) / 2
		} else {
			pos = (pa - pb) / 2
		}
	}
	s.triggered[a].Store(pos)
	core.RecordTiming(core.EvtEndstop, uint8(a), core.GetTime(), uint32(pos), 0)
	s.QuickStop()
	restore()
}

// TriggeredPosition returns the position latched by EndstopTriggered
func (s *Stepper) TriggeredPosition(a Axis) int32 {
	return s.triggered[a].Load()
}

// SetShapingFrequency changes an axis' echo frequency. Zero disables shaping on it.
func (s *Stepper) SetShapingFrequency(a Axis, hz float32) bool {
	sh := s.shapers[a]
	if sh == nil {
		return false
	}
	s.Synchronize()
	restore := s.suspend()
	s.configureShaper(a, hz, sh.zeta)
	restore()
	return true
}

// SetShapingDampingRatio changes the damping ratio of an axis' echo
func (s *Stepper) SetShapingDampingRatio(a Axis, zeta float32) bool {
	sh := s.shapers[a]
	if sh == nil {
		return false
	}
	s.Synchronize()
	restore := s.suspend()
	s.configureShaper(a, sh.frequency, zeta)
	restore()
	return true
}

// ShapingFrequency returns an axis' echo frequency, zero when unshaped
func (s *Stepper) ShapingFrequency(a Axis) float32 {
	if sh := s.shapers[a]; sh != nil && sh.enabled {
		return sh.frequency
	}
	return 0
}

// ShapingDampingRatio returns an axis' damping ratio
func (s *Stepper) ShapingDampingRatio(a Axis) float32 {
	if sh := s.shapers[a]; sh != nil {
		return sh.zeta
	}
	return 0
}

func (s *Stepper) configureShaper(a Axis, hz, zeta float32) {
	if hz > 0 && hz < s.desc.Shaping.MinFrequency {
		hz = s.desc.Shaping.MinFrequency
	}
	zeta = min(max(zeta, 0), 1)
	sh := s.shapers[a]
	sh.configure(hz, zeta, s.desc.StepTimerRate)
	sh.queue.Purge()
	s.shapedOn.Set(a, sh.enabled && sh.factor2 > 0)
}

// IsBlockBusy reports whether b is the block being stepped
func (s *Stepper) IsBlockBusy(b *MotionBlock) bool {
	return b != nil && s.current.Load() == b
}

// AxisIsMoving reports whether the running block steps the axis
func (s *Stepper) AxisIsMoving(a Axis) bool {
	if s.current.Load() == nil {
		return false
	}
	restore := s.suspend()
	defer restore()
	return s.axisDidMove.Has(a)
}

// MotorDirection reports whether the axis' last direction was negative
func (s *Stepper) MotorDirection(a Axis) bool {
	restore := s.suspend()
	defer restore()
	return s.lastDirection.Has(a)
}

// SetAxisLock stops pulses to one driver of a multi-driver axis
func (s *Stepper) SetAxisLock(a Axis, driver int, locked bool) {
	if driver < 0 || driver >= len(s.desc.Axes[a].Drivers) || driver >= 8 {
		return
	}
	restore := s.suspend()
	if locked {
		s.locked[a] |= 1 << driver
	} else {
		s.locked[a] &^= 1 << driver
	}
	restore()
}

// Stats returns a snapshot of the interrupt counters
func (s *Stepper) Stats() Stats {
	restore := s.suspend()
	st := s.stats
	restore()
	st.StepsPerISR = s.ms.StepsPerISR()
	return st
}

// StepsPerISR returns the current multistepping batch size
func (s *Stepper) StepsPerISR() uint32 {
	return s.ms.StepsPerISR()
}

func (s *Stepper) idleTicks() uint32 {
	return max(s.desc.StepTimerRate/1000, 1)
}
