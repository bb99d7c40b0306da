// Package endstop samples limit switches from scheduler timers and stops
// the stepper kernel when one trips during homing. A trigger is only
// accepted after sample_count consecutive matching reads.
package endstop

import (
	"errors"

	"stepkernel/core"
	"stepkernel/protocol"
	"stepkernel/stepper"
)

var (
	ErrNotConfigured = errors.New("endstop not configured")
	ErrBadAxis       = errors.New("unknown axis")
)

// Endstop flags
const (
	flagPinHigh   = 1 << 0 // pin level that means triggered
	flagHoming    = 1 << 1
	flagTriggered = 1 << 2
)

// Kernel is the part of the stepper the endstops stop
type Kernel interface {
	EndstopTriggered(a stepper.Axis)
	TriggeredPosition(a stepper.Axis) int32
}

// Endstop is one switch bound to an axis
type Endstop struct {
	Axis stepper.Axis
	Pin  core.GPIOPin

	set          *Set
	flags        uint8
	timer        core.Timer
	sampleTime   uint32 // between confirming samples
	restTime     uint32 // between checks while untriggered
	sampleCount  uint8
	triggerCount uint8
	nextWake     uint32
}

// Set holds the endstops of one machine
type Set struct {
	sched  *core.Scheduler
	gpio   core.GPIODriver
	kernel Kernel
	stops  [stepper.NumAxes]*Endstop
}

// NewSet creates an empty endstop set. Sampling runs on sched.
func NewSet(sched *core.Scheduler, gpio core.GPIODriver, kernel Kernel) *Set {
	return &Set{sched: sched, gpio: gpio, kernel: kernel}
}

// Configure binds a pulled-up input pin to axis a
func (s *Set) Configure(a stepper.Axis, pin core.GPIOPin) (*Endstop, error) {
	if a >= stepper.NumAxes {
		return nil, ErrBadAxis
	}
	if err := s.gpio.ConfigureInputPullUp(pin); err != nil {
		return nil, err
	}
	if old := s.stops[a]; old != nil {
		s.sched.Remove(&old.timer)
	}
	es := &Endstop{Axis: a, Pin: pin, set: s}
	s.stops[a] = es
	return es, nil
}

func (s *Set) get(a stepper.Axis) (*Endstop, error) {
	if a >= stepper.NumAxes {
		return nil, ErrBadAxis
	}
	es := s.stops[a]
	if es == nil {
		return nil, ErrNotConfigured
	}
	return es, nil
}

// Home arms an endstop. From time at, the pin is checked every restTicks;
// once it reads pinHigh, sampleCount reads sampleTicks apart must agree
// before the kernel is stopped. A sampleCount of zero disarms.
func (s *Set) Home(a stepper.Axis, at, sampleTicks uint32, sampleCount uint8, restTicks uint32, pinHigh bool) error {
	es, err := s.get(a)
	if err != nil {
		return err
	}
	s.sched.Remove(&es.timer)
	es.flags = 0
	if sampleCount == 0 {
		return nil
	}
	es.sampleTime = sampleTicks
	es.sampleCount = sampleCount
	es.triggerCount = sampleCount
	es.restTime = max(restTicks, 1)
	es.flags = flagHoming
	if pinHigh {
		es.flags |= flagPinHigh
	}
	if at == 0 {
		at = s.sched.Now() + es.restTime
	}
	es.timer.WakeTime = at
	es.timer.Handler = es.check
	s.sched.Add(&es.timer)
	return nil
}

// Triggered reports whether the axis' endstop stopped the kernel since it
// was last armed
func (s *Set) Triggered(a stepper.Axis) bool {
	es, err := s.get(a)
	return err == nil && es.flags&flagTriggered != 0
}

// Homing reports whether the axis' endstop is armed
func (s *Set) Homing(a stepper.Axis) bool {
	es, err := s.get(a)
	return err == nil && es.flags&flagHoming != 0
}

func (es *Endstop) matches() bool {
	high := es.set.gpio.ReadPin(es.Pin)
	return high == (es.flags&flagPinHigh != 0)
}

// check is the first stage, looking for a possible trigger
func (es *Endstop) check(t *core.Timer) uint8 {
	next := t.WakeTime + es.restTime
	if !es.matches() {
		t.WakeTime = next
		return core.SF_RESCHEDULE
	}
	es.nextWake = next
	t.Handler = es.oversample
	return es.oversample(t)
}

// oversample confirms a trigger with consecutive reads
func (es *Endstop) oversample(t *core.Timer) uint8 {
	if !es.matches() {
		t.Handler = es.check
		t.WakeTime = es.nextWake
		es.triggerCount = es.sampleCount
		return core.SF_RESCHEDULE
	}
	es.triggerCount--
	if es.triggerCount == 0 {
		es.flags = es.flags&^flagHoming | flagTriggered
		es.set.kernel.EndstopTriggered(es.Axis)
		return core.SF_DONE
	}
	t.WakeTime += es.sampleTime
	return core.SF_RESCHEDULE
}

// RegisterCommands adds the endstop commands to r
func (s *Set) RegisterCommands(r *core.CommandRegistry) {
	r.Register("endstop_state", "axis=%c homing=%c triggered=%c pin_value=%c pos=%i", nil)

	r.Register("endstop_config", "axis=%c pin=%u", func(data *[]byte) error {
		a, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		pin, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		_, err = s.Configure(stepper.Axis(a), core.GPIOPin(pin))
		return err
	})

	r.Register("endstop_home", "axis=%c clock=%u sample_ticks=%u sample_count=%c rest_ticks=%u pin_value=%c", func(data *[]byte) error {
		var v [6]uint32
		for i := range v {
			var err error
			if v[i], err = protocol.DecodeVLQUint(data); err != nil {
				return err
			}
		}
		return s.Home(stepper.Axis(v[0]), v[1], v[2], uint8(v[3]), v[4], v[5] != 0)
	})

	r.Register("endstop_query_state", "axis=%c", func(data *[]byte) error {
		a, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		es, err := s.get(stepper.Axis(a))
		if err != nil {
			return err
		}
		state := core.DisableInterrupts()
		flags := es.flags
		core.RestoreInterrupts(state)
		pos := s.kernel.TriggeredPosition(es.Axis)
		return r.Respond("endstop_state", func(dst []byte) []byte {
			dst = protocol.AppendVLQUint(dst, a)
			dst = protocol.AppendVLQUint(dst, boolArg(flags&flagHoming != 0))
			dst = protocol.AppendVLQUint(dst, boolArg(flags&flagTriggered != 0))
			dst = protocol.AppendVLQUint(dst, boolArg(s.gpio.ReadPin(es.Pin)))
			return protocol.AppendVLQInt(dst, pos)
		})
	})
}

func boolArg(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
