package stepper

import "stepkernel/core"

// buildPinMasks prepares single-write port masks when every step pin fits
// in one 32-bit port and the driver supports grouped writes
func (s *Stepper) buildPinMasks() {
	port, ok := s.gpio.(core.PortWriter)
	if !ok {
		return
	}
	inverted := false
	for a := Axis(0); a < NumAxes; a++ {
		cfg := &s.desc.Axes[a]
		inverted = inverted || (cfg.InvertStep && len(cfg.Drivers) > 0)
		for _, d := range cfg.Drivers {
			if d.Step >= 32 {
				s.stepMask = [NumAxes]uint32{}
				return
			}
			s.stepMask[a] |= 1 << d.Step
		}
	}
	s.port = port
	if st, ok := s.gpio.(core.PulseStrober); ok && !inverted {
		s.strober = st
	}
}

func (s *Stepper) setPin(pin core.GPIOPin, v bool) {
	// Pin writes cannot fail once the pin is configured
	_ = s.gpio.SetPin(pin, v)
}

func (s *Stepper) portBits(mask AxisBits) uint32 {
	var bits uint32
	for a := Axis(0); a < NumAxes; a++ {
		if !mask.Has(a) {
			continue
		}
		m := s.stepMask[a]
		for i := range s.desc.Axes[a].Drivers {
			if s.locked[a]&(1<<i) != 0 {
				m &^= 1 << s.desc.Axes[a].Drivers[i].Step
			}
		}
		bits |= m
	}
	return bits
}

// writeStep drives the step pins of every axis in mask to their active or
// idle level
func (s *Stepper) writeStep(mask AxisBits, active bool) {
	if s.port != nil {
		var set, clear uint32
		for a := Axis(0); a < NumAxes; a++ {
			if !mask.Has(a) {
				continue
			}
			m := s.portBits(Bit(a))
			if active != s.desc.Axes[a].InvertStep {
				set |= m
			} else {
				clear |= m
			}
		}
		s.port.WriteMask(set, clear)
		return
	}
	for a := Axis(0); a < NumAxes; a++ {
		if !mask.Has(a) {
			continue
		}
		cfg := &s.desc.Axes[a]
		for i, d := range cfg.Drivers {
			if s.locked[a]&(1<<i) != 0 {
				continue
			}
			s.setPin(d.Step, active != cfg.InvertStep)
		}
	}
}

// busyWait spins on the pulse timer for ticks
func (s *Stepper) busyWait(ticks uint32) {
	if ticks == 0 {
		return
	}
	start := s.pulse.Count()
	for s.pulse.Count()-start < ticks {
	}
}

// emit produces one pulse on every axis in mask and counts it
func (s *Stepper) emit(mask AxisBits) {
	if mask == 0 {
		return
	}
	if s.strober != nil {
		s.strober.Strobe(s.portBits(mask))
	} else {
		s.writeStep(mask, true)
		s.busyWait(s.cost.MinPulseHigh)
		s.writeStep(mask, false)
	}
	for a := Axis(0); a < NumAxes; a++ {
		if mask.Has(a) {
			s.position[a].Add(s.countDirection[a])
		}
	}
}

// setDirections drives the direction pins to dirs, a set bit meaning
// negative. The settle delay is honoured on both sides of the change.
func (s *Stepper) setDirections(dirs AxisBits) {
	changed := (dirs ^ s.lastDirection) & s.present
	if changed == 0 {
		return
	}
	s.busyWait(s.cost.DirDelay)
	for a := Axis(0); a < NumAxes; a++ {
		if !changed.Has(a) {
			continue
		}
		neg := dirs.Has(a)
		cfg := &s.desc.Axes[a]
		for _, d := range cfg.Drivers {
			s.setPin(d.Dir, neg == cfg.InvertDir)
		}
		if neg {
			s.countDirection[a] = -1
		} else {
			s.countDirection[a] = 1
		}
	}
	s.lastDirection = (s.lastDirection &^ changed) | (dirs & changed)
	s.busyWait(s.cost.DirDelay)
}

// setDirection changes the direction of a single axis
func (s *Stepper) setDirection(a Axis, negative bool) {
	dirs := s.lastDirection
	dirs.Set(a, negative)
	s.setDirections(dirs)
}
