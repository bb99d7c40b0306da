package mcu

import (
	"context"
	"fmt"

	"stepkernel/protocol"
	"stepkernel/stepper"
)

// Resonance is a ringing measurement reported by the firmware
type Resonance struct {
	Axis      stepper.Axis
	Frequency float64 // Hz, zero when no ringing was found
	Damping   float64
}

// StartResonance starts an accelerometer capture of n samples on axis a.
// The result arrives later; collect it with WaitResonance.
func (m *MCU) StartResonance(ctx context.Context, a stepper.Axis, n int) error {
	return m.Send(ctx, "resonance_measure", func(dst []byte) []byte {
		dst = protocol.AppendVLQUint(dst, uint32(a))
		return protocol.AppendVLQUint(dst, uint32(n))
	})
}

// WaitResonance waits for the result of a capture
func (m *MCU) WaitResonance(ctx context.Context) (Resonance, error) {
	resp, err := m.WaitFor(ctx, "resonance_result")
	if err != nil {
		return Resonance{}, err
	}
	d := resp.Data
	var v [3]uint32
	for i := range v {
		if v[i], err = protocol.DecodeVLQUint(&d); err != nil {
			return Resonance{}, fmt.Errorf("resonance_result: %w", err)
		}
	}
	return Resonance{
		Axis:      stepper.Axis(v[0]),
		Frequency: float64(v[1]) / 1000,
		Damping:   float64(v[2]) / 1000,
	}, nil
}

// TuneShaping measures an axis' ringing and applies it to the axis' input
// shaper. The caller makes the axis ring, usually with a sharp move queued
// just before.
func (m *MCU) TuneShaping(ctx context.Context, a stepper.Axis, n int) (Resonance, error) {
	if err := m.StartResonance(ctx, a, n); err != nil {
		return Resonance{}, err
	}
	res, err := m.WaitResonance(ctx)
	if err != nil {
		return res, err
	}
	if res.Frequency == 0 {
		return res, fmt.Errorf("axis %s: no ringing measured", a)
	}
	zeta := res.Damping
	if zeta == 0 {
		zeta = 0.1
	}
	return res, m.SetShaping(ctx, a, res.Frequency, zeta)
}
