package mcu

import (
	"context"

	"stepkernel/protocol"
	"stepkernel/stepper"
)

// EndstopState mirrors the endstop_state response
type EndstopState struct {
	Homing    bool
	Triggered bool
	PinHigh   bool
	Position  int32 // axis position latched at the trigger
}

// HomingParams arms an endstop. Ticks are firmware timer ticks; a zero
// Clock starts sampling one RestTicks from now.
type HomingParams struct {
	Clock       uint32
	SampleTicks uint32
	SampleCount uint8
	RestTicks   uint32
	PinHigh     bool // level the switch reads when hit
}

// ConfigureEndstop binds a pulled-up switch input to an axis
func (m *MCU) ConfigureEndstop(ctx context.Context, a stepper.Axis, pin uint32) error {
	return m.Send(ctx, "endstop_config", func(dst []byte) []byte {
		dst = protocol.AppendVLQUint(dst, uint32(a))
		return protocol.AppendVLQUint(dst, pin)
	})
}

// ArmEndstop starts sampling an axis' switch. A zero SampleCount disarms.
func (m *MCU) ArmEndstop(ctx context.Context, a stepper.Axis, p HomingParams) error {
	return m.Send(ctx, "endstop_home", func(dst []byte) []byte {
		for _, v := range []uint32{uint32(a), p.Clock, p.SampleTicks, uint32(p.SampleCount), p.RestTicks, flag(p.PinHigh)} {
			dst = protocol.AppendVLQUint(dst, v)
		}
		return dst
	})
}

// Endstop reads an axis' switch state
func (m *MCU) Endstop(ctx context.Context, a stepper.Axis) (EndstopState, error) {
	var st EndstopState
	data, err := m.Call(ctx, "endstop_query_state", func(dst []byte) []byte {
		return protocol.AppendVLQUint(dst, uint32(a))
	}, "endstop_state")
	if err != nil {
		return st, err
	}
	var v [4]uint32
	for i := range v {
		if v[i], err = protocol.DecodeVLQUint(&data); err != nil {
			return st, err
		}
	}
	st.Homing, st.Triggered, st.PinHigh = v[1] != 0, v[2] != 0, v[3] != 0
	st.Position, err = protocol.DecodeVLQInt(&data)
	return st, err
}

func flag(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
