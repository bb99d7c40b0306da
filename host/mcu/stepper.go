package mcu

import (
	"context"
	"fmt"

	"stepkernel/protocol"
	"stepkernel/stepper"
)

// Stats mirrors the stepper_stats response
type Stats struct {
	ISRCount    uint32
	Loops       uint32
	CatchUps    uint32
	Blocks      uint32
	Aborts      uint32
	EchoDrains  uint32
	StepsPerISR uint32
}

func axisArg(a stepper.Axis) func([]byte) []byte {
	return func(dst []byte) []byte { return protocol.AppendVLQUint(dst, uint32(a)) }
}

// Position reads one axis' step count
func (m *MCU) Position(ctx context.Context, a stepper.Axis) (int32, error) {
	data, err := m.Call(ctx, "stepper_get_position", axisArg(a), "stepper_position")
	if err != nil {
		return 0, err
	}
	got, err := protocol.DecodeVLQUint(&data)
	if err != nil {
		return 0, err
	}
	if stepper.Axis(got) != a {
		return 0, fmt.Errorf("position: asked for %s, got %s", a, stepper.Axis(got))
	}
	return protocol.DecodeVLQInt(&data)
}

// SetPosition overwrites one axis' step count
func (m *MCU) SetPosition(ctx context.Context, a stepper.Axis, pos int32) error {
	return m.Send(ctx, "stepper_set_position", func(dst []byte) []byte {
		dst = protocol.AppendVLQUint(dst, uint32(a))
		return protocol.AppendVLQInt(dst, pos)
	})
}

// ReportPositions returns the firmware's position line, e.g. "X:10 Y:-3"
func (m *MCU) ReportPositions(ctx context.Context) (string, error) {
	data, err := m.Call(ctx, "stepper_report_positions", nil, "stepper_report")
	if err != nil {
		return "", err
	}
	line, err := protocol.DecodeVLQBytes(&data)
	return string(line), err
}

// Enable powers an axis' drivers on or off
func (m *MCU) Enable(ctx context.Context, a stepper.Axis, on bool) error {
	var v uint32
	if on {
		v = 1
	}
	return m.Send(ctx, "stepper_enable", func(dst []byte) []byte {
		dst = protocol.AppendVLQUint(dst, uint32(a))
		return protocol.AppendVLQUint(dst, v)
	})
}

// QuickStop discards the running block
func (m *MCU) QuickStop(ctx context.Context) error {
	return m.Send(ctx, "stepper_quick_stop", nil)
}

// SetShaping sets an axis' echo frequency and damping ratio
func (m *MCU) SetShaping(ctx context.Context, a stepper.Axis, hz, zeta float64) error {
	return m.Send(ctx, "stepper_set_shaping", func(dst []byte) []byte {
		dst = protocol.AppendVLQUint(dst, uint32(a))
		dst = protocol.AppendVLQUint(dst, uint32(hz*1000+0.5))
		return protocol.AppendVLQUint(dst, uint32(zeta*1000+0.5))
	})
}

// Stats reads the interrupt counters
func (m *MCU) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	data, err := m.Call(ctx, "stepper_get_stats", nil, "stepper_stats")
	if err != nil {
		return st, err
	}
	for _, p := range []*uint32{&st.ISRCount, &st.Loops, &st.CatchUps, &st.Blocks, &st.Aborts, &st.EchoDrains, &st.StepsPerISR} {
		if *p, err = protocol.DecodeVLQUint(&data); err != nil {
			return st, err
		}
	}
	return st, nil
}

// Move is a pre-planned block as sent over the link. Rates are in
// steps/s and Accel in steps/s².
type Move struct {
	Steps                   [stepper.NumAxes]int32
	Initial, Nominal, Final uint32
	Accel                   uint32
	Advance                 float64 // linear advance K
	Laser                   bool
}

// QueueMove appends a motion block to the firmware's queue
func (m *MCU) QueueMove(ctx context.Context, mv Move) error {
	var axes stepper.AxisBits
	var steps []byte
	for a := stepper.Axis(0); a < stepper.NumAxes; a++ {
		if mv.Steps[a] != 0 {
			axes = axes.With(a)
			steps = protocol.AppendVLQInt(steps, mv.Steps[a])
		}
	}
	if axes == 0 {
		return fmt.Errorf("queue move: no steps")
	}
	var rates []byte
	for _, r := range []uint32{mv.Initial, mv.Nominal, mv.Final, mv.Accel} {
		rates = protocol.AppendVLQUint(rates, r)
	}
	var flags stepper.BlockFlag
	if mv.Laser {
		flags |= stepper.FlagLaser
	}
	return m.queueBlock(ctx, flags, axes, steps, rates, uint32(mv.Advance*1e6+0.5))
}

// SyncPosition queues a position change that applies in step order
func (m *MCU) SyncPosition(ctx context.Context, axes stepper.AxisBits, pos [stepper.NumAxes]int32) error {
	var steps []byte
	axes.Each(func(a stepper.Axis) { steps = protocol.AppendVLQInt(steps, pos[a]) })
	return m.queueBlock(ctx, stepper.FlagSyncPosition, axes, steps, nil, 0)
}

// SyncFans queues fan speeds that apply in step order
func (m *MCU) SyncFans(ctx context.Context, speeds []uint8) error {
	return m.queueBlock(ctx, stepper.FlagSyncFans, 0, nil, speeds, 0)
}

func (m *MCU) queueBlock(ctx context.Context, flags stepper.BlockFlag, axes stepper.AxisBits, steps, rates []byte, advance uint32) error {
	return m.Send(ctx, "queue_block", func(dst []byte) []byte {
		dst = protocol.AppendVLQUint(dst, uint32(flags))
		dst = protocol.AppendVLQUint(dst, uint32(axes))
		dst = protocol.AppendVLQBytes(dst, steps)
		dst = protocol.AppendVLQBytes(dst, rates)
		return protocol.AppendVLQUint(dst, advance)
	})
}
