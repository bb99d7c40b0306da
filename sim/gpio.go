package sim

import (
	"errors"

	"stepkernel/core"
)

var ErrPinNotOutput = errors.New("pin not configured as output")

// Edge is one recorded level change
type Edge struct {
	Cycle uint64
	Pin   core.GPIOPin
	Level bool
}

// GPIO records pin activity against the machine clock
type GPIO struct {
	m       *Machine
	outputs map[core.GPIOPin]bool
	levels  map[core.GPIOPin]bool
	rising  map[core.GPIOPin]int
	lastUp  map[core.GPIOPin]uint64
	minHigh map[core.GPIOPin]uint64
	edges   []Edge
}

func newGPIO(m *Machine) *GPIO {
	return &GPIO{
		m:       m,
		outputs: make(map[core.GPIOPin]bool),
		levels:  make(map[core.GPIOPin]bool),
		rising:  make(map[core.GPIOPin]int),
		lastUp:  make(map[core.GPIOPin]uint64),
		minHigh: make(map[core.GPIOPin]uint64),
	}
}

func (g *GPIO) ConfigureOutput(pin core.GPIOPin) error {
	g.outputs[pin] = true
	return nil
}

func (g *GPIO) ConfigureInputPullUp(pin core.GPIOPin) error {
	g.outputs[pin] = false
	g.levels[pin] = true
	return nil
}

func (g *GPIO) SetPin(pin core.GPIOPin, value bool) error {
	if !g.outputs[pin] {
		return ErrPinNotOutput
	}
	g.m.cycles += g.m.opts.WriteCycles
	g.set(pin, value)
	return nil
}

func (g *GPIO) set(pin core.GPIOPin, value bool) {
	if g.levels[pin] == value {
		return
	}
	g.levels[pin] = value
	now := g.m.cycles
	if value {
		g.rising[pin]++
		g.lastUp[pin] = now
	} else if up, ok := g.lastUp[pin]; ok {
		w := now - up
		if cur, seen := g.minHigh[pin]; !seen || w < cur {
			g.minHigh[pin] = w
		}
	}
	if g.m.opts.RecordEdges {
		g.edges = append(g.edges, Edge{Cycle: now, Pin: pin, Level: value})
	}
}

func (g *GPIO) ReadPin(pin core.GPIOPin) bool {
	return g.levels[pin]
}

// SetInput drives an input pin from outside, e.g. an endstop switch
func (g *GPIO) SetInput(pin core.GPIOPin, level bool) {
	g.levels[pin] = level
}

// Rising returns the number of rising edges seen on pin
func (g *GPIO) Rising(pin core.GPIOPin) int {
	return g.rising[pin]
}

// MinHigh returns the shortest high time seen on pin in CPU cycles
func (g *GPIO) MinHigh(pin core.GPIOPin) (uint64, bool) {
	v, ok := g.minHigh[pin]
	return v, ok
}

// Edges returns the recorded trace; empty unless RecordEdges is set
func (g *GPIO) Edges() []Edge {
	return g.edges
}

// PortGPIO adds single-write port access to GPIO
type PortGPIO struct {
	*GPIO
}

func (p *PortGPIO) WriteMask(set, clear uint32) {
	p.m.cycles += p.m.opts.WriteCycles
	for pin := core.GPIOPin(0); pin < 32; pin++ {
		bit := uint32(1) << pin
		switch {
		case set&bit != 0:
			p.set(pin, true)
		case clear&bit != 0:
			p.set(pin, false)
		}
	}
}
