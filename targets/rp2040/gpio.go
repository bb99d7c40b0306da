//go:build rp2040

package main

import (
	"device/rp"
	"machine"

	"stepkernel/core"
)

// RPGPIODriver implements core.GPIODriver and core.PortWriter on the
// RP2040's single-cycle IO block
type RPGPIODriver struct {
	configuredPins map[core.GPIOPin]machine.Pin
}

// NewRPGPIODriver creates a new RP2040 GPIO driver
func NewRPGPIODriver() *RPGPIODriver {
	return &RPGPIODriver{
		configuredPins: make(map[core.GPIOPin]machine.Pin),
	}
}

func (d *RPGPIODriver) configure(pin core.GPIOPin, mode machine.PinMode) {
	if _, exists := d.configuredPins[pin]; exists {
		return
	}
	// GPIO numbers map directly to machine pins
	p := machine.Pin(pin)
	p.Configure(machine.PinConfig{Mode: mode})
	d.configuredPins[pin] = p
}

// ConfigureOutput configures a pin as a digital output
func (d *RPGPIODriver) ConfigureOutput(pin core.GPIOPin) error {
	d.configure(pin, machine.PinOutput)
	return nil
}

func (d *RPGPIODriver) ConfigureInputPullUp(pin core.GPIOPin) error {
	d.configure(pin, machine.PinInputPullup)
	return nil
}

// SetPin drives a pin, configuring it as an output on first use
func (d *RPGPIODriver) SetPin(pin core.GPIOPin, value bool) error {
	p, exists := d.configuredPins[pin]
	if !exists {
		d.configure(pin, machine.PinOutput)
		p = d.configuredPins[pin]
	}
	p.Set(value)
	return nil
}

func (d *RPGPIODriver) ReadPin(pin core.GPIOPin) bool {
	p, exists := d.configuredPins[pin]
	if !exists {
		return false
	}
	return p.Get()
}

// WriteMask sets and clears GPIO 0-29 in two register writes
func (d *RPGPIODriver) WriteMask(set, clear uint32) {
	if set != 0 {
		rp.SIO.GPIO_OUT_SET.Set(set)
	}
	if clear != 0 {
		rp.SIO.GPIO_OUT_CLR.Set(clear)
	}
}

// strobingGPIO hands the step pins to a PIO state machine and everything
// else to the SIO driver
type strobingGPIO struct {
	*RPGPIODriver
	*PulsePIO
}

func (g *strobingGPIO) ConfigureOutput(pin core.GPIOPin) error {
	if g.owns(pin) {
		return nil
	}
	return g.RPGPIODriver.ConfigureOutput(pin)
}

func (g *strobingGPIO) SetPin(pin core.GPIOPin, value bool) error {
	if g.owns(pin) {
		return nil
	}
	return g.RPGPIODriver.SetPin(pin, value)
}
