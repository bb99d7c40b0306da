package stepper_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stepkernel/core"
	"stepkernel/protocol"
	"stepkernel/sim"
	"stepkernel/stepper"
)

type commandBench struct {
	m         *sim.Machine
	r         *core.CommandRegistry
	responses [][]byte
}

func newCommandBench(t *testing.T) *commandBench {
	t.Helper()
	cb := &commandBench{m: newMachine(t, nil, sim.DefaultOptions()), r: core.NewCommandRegistry()}
	cb.m.Stepper.RegisterCommands(cb.r, cb.m.Queue)
	cb.r.SetResponseWriter(func(p []byte) error {
		cb.responses = append(cb.responses, append([]byte(nil), p...))
		return nil
	})
	return cb
}

func (cb *commandBench) send(t *testing.T, name string, args func(dst []byte) []byte) error {
	t.Helper()
	id, ok := cb.r.Lookup(name)
	require.True(t, ok, name)
	msg := protocol.AppendVLQUint(nil, uint32(id))
	if args != nil {
		msg = args(msg)
	}
	return cb.r.Dispatch(msg)
}

// last decodes the most recent response and checks its name
func (cb *commandBench) last(t *testing.T, name string) []byte {
	t.Helper()
	require.NotEmpty(t, cb.responses)
	data := cb.responses[len(cb.responses)-1]
	id, err := protocol.DecodeVLQUint(&data)
	require.NoError(t, err)
	want, _ := cb.r.Lookup(name)
	require.Equal(t, uint32(want), id)
	return data
}

func queueBlockArgs(flags, axes uint32, steps []int32, rates []uint32) func([]byte) []byte {
	return func(dst []byte) []byte {
		var sb, rb []byte
		for _, s := range steps {
			sb = protocol.AppendVLQInt(sb, s)
		}
		for _, r := range rates {
			rb = protocol.AppendVLQUint(rb, r)
		}
		dst = protocol.AppendVLQUint(dst, flags)
		dst = protocol.AppendVLQUint(dst, axes)
		dst = protocol.AppendVLQBytes(dst, sb)
		dst = protocol.AppendVLQBytes(dst, rb)
		return protocol.AppendVLQUint(dst, 0)
	}
}

func TestQueueBlockCommand(t *testing.T) {
	cb := newCommandBench(t)
	axes := uint32(stepper.Bit(stepper.X).With(stepper.Y))
	require.NoError(t, cb.send(t, "queue_block", queueBlockArgs(0, axes, []int32{200, -50}, []uint32{500, 2000, 500, 10000})))
	require.NoError(t, cb.m.RunUntilIdle(benchTimer))

	require.NoError(t, cb.send(t, "stepper_get_position", func(dst []byte) []byte {
		return protocol.AppendVLQUint(dst, uint32(stepper.Y))
	}))
	data := cb.last(t, "stepper_position")
	axis, err := protocol.DecodeVLQUint(&data)
	require.NoError(t, err)
	pos, err := protocol.DecodeVLQInt(&data)
	require.NoError(t, err)
	assert.Equal(t, uint32(stepper.Y), axis)
	assert.Equal(t, int32(-50), pos)

	require.NoError(t, cb.send(t, "stepper_report_positions", nil))
	data = cb.last(t, "stepper_report")
	line, err := protocol.DecodeVLQBytes(&data)
	require.NoError(t, err)
	assert.Equal(t, "X:200 Y:-50 Z:0 E:0", string(line))
}

func TestQueueBlockRejectsShortSteps(t *testing.T) {
	cb := newCommandBench(t)
	axes := uint32(stepper.Bit(stepper.X).With(stepper.Y))
	err := cb.send(t, "queue_block", queueBlockArgs(0, axes, []int32{200}, []uint32{500, 2000, 500, 10000}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), stepper.ErrBlockSteps.Error())
	assert.True(t, cb.m.Queue.Empty())
}

func TestSetPositionCommand(t *testing.T) {
	cb := newCommandBench(t)
	require.NoError(t, cb.send(t, "stepper_set_position", func(dst []byte) []byte {
		dst = protocol.AppendVLQUint(dst, uint32(stepper.Z))
		return protocol.AppendVLQInt(dst, -1234)
	}))
	assert.Equal(t, int32(-1234), cb.m.Stepper.Position(stepper.Z))

	err := cb.send(t, "stepper_get_position", func(dst []byte) []byte {
		return protocol.AppendVLQUint(dst, uint32(stepper.I))
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), stepper.ErrBadAxis.Error())
}

func TestEnableCommand(t *testing.T) {
	cb := newCommandBench(t)
	enable := func(a stepper.Axis, on uint32) func([]byte) []byte {
		return func(dst []byte) []byte {
			dst = protocol.AppendVLQUint(dst, uint32(a))
			return protocol.AppendVLQUint(dst, on)
		}
	}
	require.NoError(t, cb.send(t, "stepper_enable", enable(stepper.X, 1)))
	assert.False(t, cb.m.GPIO.ReadPin(enPin), "active low enable")

	// The line is shared, it only drops once every axis on it is off
	require.NoError(t, cb.send(t, "stepper_enable", enable(stepper.Y, 1)))
	require.NoError(t, cb.send(t, "stepper_enable", enable(stepper.X, 0)))
	assert.False(t, cb.m.GPIO.ReadPin(enPin))
	require.NoError(t, cb.send(t, "stepper_enable", enable(stepper.Y, 0)))
	assert.True(t, cb.m.GPIO.ReadPin(enPin))
}

func TestSetShapingWithoutQueue(t *testing.T) {
	cb := newCommandBench(t)
	err := cb.send(t, "stepper_set_shaping", func(dst []byte) []byte {
		dst = protocol.AppendVLQUint(dst, uint32(stepper.X))
		dst = protocol.AppendVLQUint(dst, 40000)
		return protocol.AppendVLQUint(dst, 100)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no input shaping")
}

func TestGetStatsCommand(t *testing.T) {
	cb := newCommandBench(t)
	cb.m.Push(move([stepper.NumAxes]int32{stepper.X: 100}, 1000, 1000, 1000, 100000))
	require.NoError(t, cb.m.RunUntilIdle(benchTimer))

	require.NoError(t, cb.send(t, "stepper_get_stats", nil))
	data := cb.last(t, "stepper_stats")
	vals := make([]uint32, 7)
	for i := range vals {
		v, err := protocol.DecodeVLQUint(&data)
		require.NoError(t, err)
		vals[i] = v
	}
	assert.Empty(t, data)
	assert.Positive(t, vals[0], "isr count")
	assert.Equal(t, uint32(1), vals[3], "blocks")
	assert.Zero(t, vals[4], "aborts")
}
