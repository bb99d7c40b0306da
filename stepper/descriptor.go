package stepper

import (
	"errors"
	"fmt"
	"strings"

	"stepkernel/core"
)

var (
	ErrNoAxes           = errors.New("no stepper axes configured")
	ErrMultistepLimit   = errors.New("multistepping limit must be a power of two between 1 and 128")
	ErrTimerRate        = errors.New("timer and CPU rates must be non-zero")
	ErrShapingAxis      = errors.New("input shaping configured on an absent axis")
	ErrAdvanceNeedsE    = errors.New("linear advance requires an E axis")
	ErrCoupledAxis      = errors.New("core kinematics requires both coupled axes")
	ErrUnknownKinematic = errors.New("unknown kinematics")
)

// Kinematics selects how logical axes map to motors
type Kinematics uint8

const (
	Cartesian Kinematics = iota
	CoreXY
	CoreXZ
	CoreYZ
	MarkforgedXY
)

var kinematicsNames = []string{"cartesian", "corexy", "corexz", "coreyz", "markforged_xy"}

func (k Kinematics) String() string {
	if int(k) < len(kinematicsNames) {
		return kinematicsNames[k]
	}
	return "unknown"
}

// ParseKinematics accepts the lower-case names used in config files
func ParseKinematics(s string) (Kinematics, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Cartesian, nil
	}
	for i, n := range kinematicsNames {
		if n == s {
			return Kinematics(i), nil
		}
	}
	return Cartesian, fmt.Errorf("%w: %q", ErrUnknownKinematic, s)
}

// Coupled returns the motor pair driven together, if any
func (k Kinematics) Coupled() (Axis, Axis, bool) {
	switch k {
	case CoreXY, MarkforgedXY:
		return X, Y, true
	case CoreXZ:
		return X, Z, true
	case CoreYZ:
		return Y, Z, true
	}
	return 0, 0, false
}

// mixesMotors reports whether both coupled motors contribute to both
// logical axes. Markforged drives Y directly, so its counters are read
// per axis.
func (k Kinematics) mixesMotors() bool {
	return k == CoreXY || k == CoreXZ || k == CoreYZ
}

// Driver is one stepper driver on an axis. Axes with several drivers
// (dual Z, dual X) list each one.
type Driver struct {
	Step core.GPIOPin
	Dir  core.GPIOPin
}

// AxisConfig describes the pins of one logical axis
type AxisConfig struct {
	Drivers      []Driver
	Enable       core.GPIOPin
	HasEnable    bool
	InvertStep   bool
	InvertDir    bool
	InvertEnable bool
}

// ShapingConfig enables the input-shaping echo on a set of axes
type ShapingConfig struct {
	Axes         AxisBits
	Frequency    [NumAxes]float32 // Hz, 0 leaves the axis unshaped until set
	Zeta         [NumAxes]float32
	MinFrequency float32 // lowest frequency the echo queues are sized for
	MaxStepRate  uint32  // fastest step rate of a shaped axis
}

// Descriptor is the static machine description the kernel is built from
type Descriptor struct {
	Kinematics Kinematics
	Axes       [NumAxes]AxisConfig

	CPUFrequency   uint32
	StepTimerRate  uint32
	PulseTimerRate uint32
	CPU32Bit       bool

	MinPulseNS         uint32
	DirDelayNS         uint32
	MaxStepperRate     uint32
	MultisteppingLimit uint8

	SCurve        bool
	LinearAdvance bool
	Shaping       ShapingConfig
}

// Present returns the axes that have at least one driver
func (d *Descriptor) Present() AxisBits {
	var b AxisBits
	for a := Axis(0); a < NumAxes; a++ {
		if len(d.Axes[a].Drivers) > 0 {
			b = b.With(a)
		}
	}
	return b
}

// Validate checks the descriptor for structural errors. Timing
// feasibility is checked by NewCycleModel.
func (d *Descriptor) Validate() error {
	present := d.Present()
	if present == 0 {
		return ErrNoAxes
	}
	if d.CPUFrequency == 0 || d.StepTimerRate == 0 || d.PulseTimerRate == 0 || d.MaxStepperRate == 0 {
		return ErrTimerRate
	}
	l := d.MultisteppingLimit
	if l == 0 || l > 128 || l&(l-1) != 0 {
		return fmt.Errorf("%w: %d", ErrMultistepLimit, l)
	}
	if d.Shaping.Axes&^present != 0 {
		return ErrShapingAxis
	}
	if d.Shaping.Axes != 0 && (d.Shaping.MinFrequency <= 0 || d.Shaping.MaxStepRate == 0) {
		return errors.New("input shaping needs a minimum frequency and a maximum step rate")
	}
	if d.LinearAdvance && !present.Has(E) {
		return ErrAdvanceNeedsE
	}
	if a, b, ok := d.Kinematics.Coupled(); ok && (!present.Has(a) || !present.Has(b)) {
		return fmt.Errorf("%w: %s needs %s and %s", ErrCoupledAxis, d.Kinematics, a, b)
	}
	return nil
}

// EnableGroups returns, per axis, the set of axes that must all be
// disabled before the axis' enable line may be switched off.
func (d *Descriptor) EnableGroups() [NumAxes]AxisBits {
	var groups [NumAxes]AxisBits
	present := d.Present()
	for a := Axis(0); a < NumAxes; a++ {
		if !present.Has(a) {
			continue
		}
		groups[a] = Bit(a)
		if !d.Axes[a].HasEnable {
			continue
		}
		for o := Axis(0); o < NumAxes; o++ {
			if present.Has(o) && d.Axes[o].HasEnable && d.Axes[o].Enable == d.Axes[a].Enable {
				groups[a] = groups[a].With(o)
			}
		}
	}
	if a, b, ok := d.Kinematics.Coupled(); ok {
		g := groups[a] | groups[b]
		g.Each(func(o Axis) { groups[o] |= g })
	}
	return groups
}

// DefaultDescriptor is the RP2040 board layout: X/Y/Z/E step on GPIO 0-3
// and dir on GPIO 4-7, with a shared enable on GPIO 8. The step pins are
// consecutive so one PIO program can pulse them together.
func DefaultDescriptor() Descriptor {
	d := Descriptor{
		Kinematics:         Cartesian,
		CPUFrequency:       125000000,
		StepTimerRate:      1000000,
		PulseTimerRate:     1000000,
		CPU32Bit:           true,
		MinPulseNS:         2000,
		DirDelayNS:         2000,
		MaxStepperRate:     250000,
		MultisteppingLimit: 16,
		LinearAdvance:      true,
		Shaping: ShapingConfig{
			Axes:         Bit(X).With(Y),
			MinFrequency: 10,
			MaxStepRate:  40000,
		},
	}
	axes := []Axis{X, Y, Z, E}
	for i, a := range axes {
		d.Axes[a] = AxisConfig{
			Drivers:   []Driver{{Step: core.GPIOPin(i), Dir: core.GPIOPin(4 + i)}},
			Enable:    8,
			HasEnable: true,
			// Enable is active low on the usual drivers
			InvertEnable: true,
		}
	}
	return d
}

// StepPinSpan returns the lowest step pin and the width of the pin range
// holding every step pin. ok is false when a dir or enable pin sits inside
// that range, since a grouped write over the range would disturb it.
func (d *Descriptor) StepPinSpan() (base core.GPIOPin, width uint8, ok bool) {
	var lo, hi core.GPIOPin
	first := true
	for a := Axis(0); a < NumAxes; a++ {
		for _, dr := range d.Axes[a].Drivers {
			if first || dr.Step < lo {
				lo = dr.Step
			}
			if first || dr.Step > hi {
				hi = dr.Step
			}
			first = false
		}
	}
	if first || hi-lo >= 32 {
		return 0, 0, false
	}
	inside := func(p core.GPIOPin) bool { return p >= lo && p <= hi }
	for a := Axis(0); a < NumAxes; a++ {
		cfg := &d.Axes[a]
		if cfg.HasEnable && len(cfg.Drivers) > 0 && inside(cfg.Enable) {
			return 0, 0, false
		}
		for _, dr := range cfg.Drivers {
			if inside(dr.Dir) {
				return 0, 0, false
			}
		}
	}
	return lo, uint8(hi - lo + 1), true
}
