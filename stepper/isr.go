package stepper

import "stepkernel/core"

// Phase is the ramp segment a step event falls in
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseAccel
	PhaseCruise
	PhaseDecel
	numPhases
)

func (p Phase) String() string {
	switch p {
	case PhaseAccel:
		return "accel"
	case PhaseCruise:
		return "cruise"
	case PhaseDecel:
		return "decel"
	}
	return "idle"
}

// maxISRLoops bounds the catch-up loop of one interrupt
const maxISRLoops = 10

// ISR is the step timer interrupt body. Each pass runs the due timing
// sources: shaping echoes, the pulse phase, the advance extruder and the
// block phase. It loops while the next deadline has already passed and
// finally programs the timer for the earliest one.
func (s *Stepper) ISR() {
	entry := s.pulse.Count()
	s.lastOut = entry - s.lastExit
	s.stats.ISRCount++

	if s.abort.Load() {
		s.handleAbort()
	}

	var next uint32
	loops := uint32(0)
	for {
		if s.shapedOn != 0 || s.echoesPending() {
			s.shapingISR(s.nextMain == 0)
		}
		if s.nextMain == 0 {
			s.pulsePhase()
			// Pending E steps wait for a scheduled adjustment, otherwise go now
			if s.la.eSteps != 0 && !s.la.adjusting {
				s.nextAdvance = 0
			}
		}
		if s.nextAdvance == 0 {
			s.nextAdvance = s.advanceISR()
		}
		if s.nextMain == 0 {
			s.nextMain = s.blockPhase()
		}

		interval := min(s.nextMain, s.nextAdvance, s.nextShaping())
		s.nextMain -= interval
		if s.nextAdvance != NeverTicks {
			s.nextAdvance -= interval
		}
		for a := Axis(0); a < NumAxes; a++ {
			if sh := s.shapers[a]; sh != nil {
				sh.queue.Advance(interval)
			}
		}
		next += interval
		loops++

		soon := s.timer.Count() + s.cost.stepTimerMargin
		if next >= soon {
			break
		}
		// A source asking to run immediately is not a missed deadline
		if interval > 0 {
			s.caughtUp = true
		}
		if loops >= maxISRLoops {
			next = soon
			s.stats.CatchUps++
			core.RecordTiming(core.EvtCatchUp, core.NoAxis, core.GetTime(), next, loops)
			break
		}
	}

	s.stats.Loops += loops
	s.stats.MaxLoops = max(s.stats.MaxLoops, loops)
	s.timer.SetCompare(next)

	s.lastExit = s.pulse.Count()
	s.lastIn = s.lastExit - entry
}

func (s *Stepper) handleAbort() {
	s.abort.Store(false)
	if s.block != nil {
		core.RecordTiming(core.EvtAbort, core.NoAxis, core.GetTime(), s.completed, s.eventCount)
		s.block = nil
		s.current.Store(nil)
		s.planner.ReleaseCurrentBlock()
		s.stats.Aborts++
	}
	s.bres.Clear()
	s.completed, s.eventCount = 0, 0
	s.accelTime, s.decelTime = 0, 0
	s.haveNominal = false
	s.bezier2nd = false
	s.phase = PhaseIdle
	s.axisDidMove = 0
	for a := Axis(0); a < NumAxes; a++ {
		if sh := s.shapers[a]; sh != nil {
			sh.reset()
		}
	}
	s.la.reset()
	s.nextMain = 0
	s.nextAdvance = NeverTicks
}

// pulsePhase runs up to steps-per-ISR Bresenham events of the current block
func (s *Stepper) pulsePhase() {
	if s.block == nil {
		return
	}
	n := s.ms.StepsPerISR()
	for {
		fire := s.bres.Tick()

		if s.la.useLead && fire.Has(E) {
			fire = fire.Without(E)
			if s.block.Direction.Has(E) {
				s.la.eSteps--
			} else {
				s.la.eSteps++
			}
		}

		var shaped, reverse AxisBits
		for a := Axis(0); a < NumAxes; a++ {
			if !s.shapedOn.Has(a) || !fire.Has(a) {
				continue
			}
			fire = fire.Without(a)
			switch s.shapers[a].primary(s.shapers[a].forward) {
			case 1:
				shaped = shaped.With(a)
			case -1:
				shaped = shaped.With(a)
				reverse = reverse.With(a)
			}
		}
		if shaped != 0 {
			s.orientShaped(shaped, reverse)
		}
		s.emit(fire | shaped)

		s.completed++
		s.stats.Events[s.phaseOf(s.completed)]++
		n--
		if n == 0 || s.completed >= s.eventCount {
			break
		}
		s.busyWait(s.cost.MinPulseLow)
	}
}

// phaseOf classifies step event number c (1-based) of the current block
func (s *Stepper) phaseOf(c uint32) Phase {
	switch {
	case c <= s.accelerateUntil:
		return PhaseAccel
	case c <= s.decelerateAfter:
		return PhaseCruise
	}
	return PhaseDecel
}

// orientShaped flips direction pins of shaped axes whose pulse goes the
// other way than the pin currently points
func (s *Stepper) orientShaped(shaped, reverse AxisBits) {
	dirs := s.lastDirection
	for a := Axis(0); a < NumAxes; a++ {
		if shaped.Has(a) {
			dirs.Set(a, reverse.Has(a))
		}
	}
	s.setDirections(dirs)
}

func (s *Stepper) echoesPending() bool {
	for a := Axis(0); a < NumAxes; a++ {
		if sh := s.shapers[a]; sh != nil && !sh.queue.Empty() {
			return true
		}
	}
	return false
}

func (s *Stepper) nextShaping() uint32 {
	next := NeverTicks
	for a := Axis(0); a < NumAxes; a++ {
		if sh := s.shapers[a]; sh != nil {
			next = min(next, sh.queue.Peek())
		}
	}
	return next
}

// shapingISR emits every echo that is due. Before a pulse phase it also
// drains queues that could not take another batch of primary steps.
func (s *Stepper) shapingISR(beforePulse bool) {
	need := 0
	if beforePulse && s.block != nil {
		need = int(s.ms.StepsPerISR())
	}
	first := true
	for {
		var shaped, reverse AxisBits
		dequeued := false
		for a := Axis(0); a < NumAxes; a++ {
			sh := s.shapers[a]
			if sh == nil || sh.queue.Empty() {
				continue
			}
			due := sh.queue.Peek() == 0
			if !due && sh.queue.Free() >= need {
				continue
			}
			if !due {
				s.stats.EchoDrains++
				core.RecordTiming(core.EvtShapingDrain, uint8(a), core.GetTime(), uint32(sh.queue.Len()), 0)
			}
			dequeued = true
			switch sh.echo() {
			case 1:
				shaped = shaped.With(a)
			case -1:
				shaped = shaped.With(a)
				reverse = reverse.With(a)
			}
		}
		if !dequeued {
			return
		}
		if shaped != 0 {
			if !first {
				s.busyWait(s.cost.MinPulseLow)
			}
			s.orientShaped(shaped, reverse)
			s.emit(shaped)
			first = false
		}
	}
}

// advanceISR adjusts the extruder pressure and emits the pending E steps.
// It returns the ticks until it needs to run again.
func (s *Stepper) advanceISR() uint32 {
	interval := s.la.adjust(s.completed)
	s.flushAdvance()
	return interval
}

// flushAdvance emits every pending E step with the pin set from their sign
func (s *Stepper) flushAdvance() {
	if s.la.eSteps == 0 {
		return
	}
	s.setDirection(E, s.la.eSteps < 0)
	for s.la.eSteps != 0 {
		s.emit(Bit(E))
		if s.la.eSteps > 0 {
			s.la.eSteps--
		} else {
			s.la.eSteps++
		}
		if s.la.eSteps != 0 {
			s.busyWait(s.cost.MinPulseLow)
		}
	}
}

// blockPhase advances the velocity ramp of the running block, or
// acquires the next one, and returns the ticks to the next pulse phase
func (s *Stepper) blockPhase() uint32 {
	if s.block != nil {
		if s.completed < s.eventCount {
			return s.rampInterval()
		}
		s.finishBlock()
	}

	for {
		b := s.planner.CurrentBlock()
		if b == nil {
			s.phase = PhaseIdle
			s.ms.Adapt(0, s.lastIn, s.lastOut, false)
			return s.idleTicks()
		}
		if b.IsSync() {
			s.applySync(b)
			s.planner.ReleaseCurrentBlock()
			continue
		}
		if b.StepEventCount == 0 {
			s.planner.ReleaseCurrentBlock()
			continue
		}
		return s.loadBlock(b)
	}
}

func (s *Stepper) applySync(b *MotionBlock) {
	s.stats.SyncBlocks++
	core.RecordTiming(core.EvtSyncBlock, core.NoAxis, core.GetTime(), uint32(b.Flags), 0)
	if b.Flags&FlagSyncPosition != 0 {
		for a := Axis(0); a < NumAxes; a++ {
			if s.present.Has(a) {
				s.position[a].Store(b.Position[a])
			}
		}
	}
	if b.Flags&FlagSyncFans != 0 && s.hooks.SyncFans != nil {
		s.hooks.SyncFans(b.FanSpeeds)
	}
	if b.Flags&FlagSyncLaser != 0 && s.hooks.SyncLaser != nil {
		s.hooks.SyncLaser(b.LaserPower)
	}
}

func (s *Stepper) finishBlock() {
	b := s.block
	if s.hooks.BlockCompleted != nil {
		s.hooks.BlockCompleted(b)
	}
	if b.Flags&FlagLaser != 0 && s.hooks.LaserOff != nil {
		s.hooks.LaserOff()
	}
	core.RecordTiming(core.EvtBlockDone, core.NoAxis, core.GetTime(), s.completed, 0)
	s.block = nil
	s.current.Store(nil)
	s.planner.ReleaseCurrentBlock()
	s.stats.Blocks++
}

func (s *Stepper) loadBlock(b *MotionBlock) uint32 {
	s.block = b
	s.current.Store(b)
	s.completed = 0
	s.eventCount = b.StepEventCount
	s.accelerateUntil = b.AccelerateUntil
	s.decelerateAfter = b.DecelerateAfter

	// Pressure steps of the previous block go out before E may turn around
	s.flushAdvance()

	dirs := b.Direction & s.present
	for a := Axis(0); a < NumAxes; a++ {
		sh := s.shapers[a]
		if sh == nil {
			continue
		}
		sh.forward = !dirs.Has(a)
		if !sh.queue.Empty() {
			// The echo engine flips the pin when it emits a reversed pulse
			dirs.Set(a, s.lastDirection.Has(a))
		}
	}
	s.setDirections(dirs)

	s.axisDidMove = 0
	for a := Axis(0); a < NumAxes; a++ {
		if b.Steps[a] > 0 && s.present.Has(a) {
			s.axisDidMove = s.axisDidMove.With(a)
		}
	}
	s.bres.Reset(&b.Steps, b.StepEventCount, s.axisDidMove)

	s.accelTime, s.decelTime = 0, 0
	s.haveNominal = false
	s.accStepRate = b.InitialRate
	s.bezier2nd = false
	if s.desc.SCurve {
		s.curve.Init(b.InitialRate, b.CruiseRate, b.AccelerationTime, b.AccelerationTimeInverse)
	}

	if s.desc.LinearAdvance {
		s.la.begin(b)
		if s.la.useLead {
			s.nextAdvance = 0
		}
	}

	core.RecordTiming(core.EvtBlockLoad, core.NoAxis, core.GetTime(), b.StepEventCount, uint32(b.Direction))

	s.phase = PhaseAccel
	interval := s.timeRate(b.InitialRate)
	s.accelTime += interval
	return interval
}

// rampInterval evaluates the ramp at the current event count
func (s *Stepper) rampInterval() uint32 {
	b := s.block
	var rate, interval uint32
	switch {
	case s.completed < s.accelerateUntil:
		s.phase = PhaseAccel
		if s.desc.SCurve {
			rate = s.curve.Eval(s.accelTime)
		} else {
			rate = TrapezoidAccel(b.InitialRate, b.NominalRate, b.AccelerationRate, s.accelTime)
		}
		s.accStepRate = rate
		interval = s.timeRate(rate)
		s.accelTime += interval

	case s.completed <= s.decelerateAfter:
		s.phase = PhaseCruise
		rate = b.NominalRate
		s.adapt(rate)
		if !s.haveNominal || s.nominalShift != s.ms.Shift() {
			s.ticksNominal = s.intervalFor(rate)
			s.nominalShift = s.ms.Shift()
			if !s.haveNominal {
				s.decelTime = s.ticksNominal / 2
				s.accStepRate = rate
			}
			s.haveNominal = true
		}
		interval = s.ticksNominal
		s.report(rate, interval)

	default:
		s.phase = PhaseDecel
		if s.desc.SCurve {
			if !s.bezier2nd {
				s.curve.Init(b.CruiseRate, b.FinalRate, b.DecelerationTime, b.DecelerationTimeInverse)
				s.bezier2nd = true
				s.curveInits++
				rate = b.CruiseRate
			} else {
				rate = s.curve.Eval(s.decelTime)
			}
		} else {
			rate = TrapezoidDecel(s.accStepRate, b.FinalRate, b.AccelerationRate, s.decelTime)
		}
		interval = s.timeRate(rate)
		s.decelTime += interval
	}
	return interval
}

// timeRate adapts multistepping to rate and returns the interval for it
func (s *Stepper) timeRate(rate uint32) uint32 {
	s.adapt(rate)
	interval := s.intervalFor(rate)
	s.report(rate, interval)
	return interval
}

func (s *Stepper) adapt(rate uint32) {
	switch s.ms.Adapt(rate, s.lastIn, s.lastOut, s.caughtUp) {
	case 1:
		core.RecordTiming(core.EvtMultistepUp, core.NoAxis, core.GetTime(), rate, s.ms.StepsPerISR())
	case -1:
		core.RecordTiming(core.EvtMultistepDown, core.NoAxis, core.GetTime(), rate, s.ms.StepsPerISR())
	}
	s.caughtUp = false
}

// intervalFor returns the ticks between interrupts that emit steps-per-ISR
// steps each at rate. The rate is clamped to what the CPU can sustain.
func (s *Stepper) intervalFor(rate uint32) uint32 {
	shift := s.ms.Shift()
	rate = max(rate, MinimalStepRate)
	rate = min(rate, s.cost.MaxStepRate(shift))
	iv := (uint64(s.desc.StepTimerRate) << shift) / uint64(rate)
	if iv > uint64(NeverTicks-1) {
		return NeverTicks - 1
	}
	return max(uint32(iv), 1)
}

func (s *Stepper) report(rate, interval uint32) {
	s.stepRate = rate
	if s.onRate != nil {
		s.onRate(RateSample{
			Completed:   s.completed,
			Rate:        rate,
			Interval:    interval,
			Phase:       s.phase,
			StepsPerISR: s.ms.StepsPerISR(),
		})
	}
}

// StepRate returns the last rate computed by the block phase
func (s *Stepper) StepRate() uint32 {
	return s.stepRate
}
