package core

// GPIOPin identifies a hardware GPIO pin number
type GPIOPin uint32

// GPIODriver is the abstract GPIO interface that core code uses.
// Platform-specific implementations handle actual hardware control.
type GPIODriver interface {
	// ConfigureOutput configures a pin as a digital output
	ConfigureOutput(pin GPIOPin) error

	// ConfigureInputPullUp configures a pin as a digital input with pull-up resistor
	ConfigureInputPullUp(pin GPIOPin) error

	// SetPin sets the pin to high (true) or low (false)
	SetPin(pin GPIOPin, value bool) error

	// ReadPin reads the current pin state
	ReadPin(pin GPIOPin) bool
}

// PortWriter is implemented by drivers that can change several pins of one
// port in a single register write. Bits in set go high, bits in clear go low.
type PortWriter interface {
	WriteMask(set, clear uint32)
}

// PulseStrober is implemented by drivers that generate the whole step pulse
// in hardware: the pins in mask are raised together and dropped after the
// configured high time without CPU involvement.
type PulseStrober interface {
	Strobe(mask uint32)
}

// StepTimer is the main step interrupt timer. The timer runs in
// clear-on-compare mode: Count restarts at zero every time the compare
// value is reached and the step interrupt fires.
type StepTimer interface {
	// SetCompare programs the period, in timer ticks, until the next interrupt
	SetCompare(ticks uint32)

	// Count returns the ticks elapsed since the current interrupt fired
	Count() uint32

	// Enabled reports whether the step interrupt is unmasked
	Enabled() bool

	// SetEnabled masks or unmasks the step interrupt
	SetEnabled(on bool)
}

// PulseTimer is a free-running counter used to time step pulse widths.
type PulseTimer interface {
	Count() uint32
}
