package stepper

// advanceState is the linear advance extruder sub-scheduler. Primary E
// steps from the Bresenham engine are collected in eSteps instead of being
// pulsed, and the advance interrupt emits them together with the extra
// pressure steps it adds while accelerating and removes while decelerating.
type advanceState struct {
	eSteps          int32 // pending E pulses, positive is forward
	currentAdv      uint32
	maxAdv          uint32
	finalAdv        uint32
	decelerateAfter uint32
	rate            uint32
	useLead         bool
	adjusting       bool // an adjustment is scheduled rate ticks out
}

func (la *advanceState) begin(b *MotionBlock) {
	la.useLead = b.UseAdvanceLead
	if !la.useLead {
		la.rate = NeverTicks
		return
	}
	la.maxAdv = b.MaxAdvSteps
	la.finalAdv = b.FinalAdvSteps
	la.decelerateAfter = b.DecelerateAfter
	la.rate = b.AdvanceSpeed
}

// adjust applies one pressure step for the current event count and
// returns the ticks until the next adjustment
func (la *advanceState) adjust(completed uint32) uint32 {
	la.adjusting = false
	if !la.useLead {
		return NeverTicks
	}
	switch {
	case completed > la.decelerateAfter && la.currentAdv > la.finalAdv:
		la.eSteps--
		la.currentAdv--
	case completed <= la.decelerateAfter && la.currentAdv < la.maxAdv:
		la.eSteps++
		la.currentAdv++
	default:
		return NeverTicks
	}
	la.adjusting = true
	return la.rate
}

func (la *advanceState) reset() {
	*la = advanceState{rate: NeverTicks}
}
