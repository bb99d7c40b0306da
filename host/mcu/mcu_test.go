package mcu

import (
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stepkernel/core"
	"stepkernel/endstop"
	"stepkernel/resonance"
	"stepkernel/sim"
	"stepkernel/stepper"
)

// firmware serves the kernel commands of a simulated machine on one end
// of a pipe
func firmware(t *testing.T, modify func(d *stepper.Descriptor)) (*MCU, *sim.Machine) {
	t.Helper()
	return firmwareWith(t, modify, nil)
}

// firmwareWith lets setup register extra commands before identify
func firmwareWith(t *testing.T, modify func(d *stepper.Descriptor), setup func(*core.CommandRegistry, *sim.Machine)) (*MCU, *sim.Machine) {
	t.Helper()
	d := sim.BenchDescriptor()
	if modify != nil {
		modify(&d)
	}
	m, err := sim.New(d, sim.DefaultOptions())
	require.NoError(t, err)

	host, dev := net.Pipe()
	reg := core.NewCommandRegistry()
	m.Stepper.RegisterCommands(reg, m.Queue)
	if setup != nil {
		setup(reg, m)
	}
	link := core.NewLink(reg, func(b []byte) error {
		_, err := dev.Write(b)
		return err
	})
	go func() {
		buf := make([]byte, 64)
		for {
			n, err := dev.Read(buf)
			if err != nil {
				return
			}
			link.Feed(buf[:n])
		}
	}()

	c := New(host)
	c.Timeout = 5 * time.Second
	t.Cleanup(func() {
		c.Close()
		dev.Close()
	})
	require.NoError(t, c.Identify(context.Background()))
	return c, m
}

func TestIdentify(t *testing.T) {
	c, _ := firmware(t, nil)
	dict := c.Dictionary()
	assert.Contains(t, dict, "queue_block flags=%c")
	assert.Contains(t, dict, "command_error msg=%*s")
	// Longer than one identify chunk
	assert.Greater(t, len(dict), 200)
	assert.True(t, strings.HasSuffix(dict, "\n"))
}

func TestQueueMoveOverLink(t *testing.T) {
	c, m := firmware(t, nil)
	ctx := context.Background()

	require.NoError(t, c.Enable(ctx, stepper.X, true))
	require.NoError(t, c.QueueMove(ctx, Move{
		Steps:   [stepper.NumAxes]int32{stepper.X: 300, stepper.Z: -40},
		Initial: 500, Nominal: 3000, Final: 500, Accel: 20000,
	}))
	assert.Equal(t, 1, m.Queue.Len())
	require.NoError(t, m.RunUntilIdle(m.Desc.StepTimerRate))

	pos, err := c.Position(ctx, stepper.Z)
	require.NoError(t, err)
	assert.Equal(t, int32(-40), pos)

	line, err := c.ReportPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, "X:300 Y:0 Z:-40 E:0", line)

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), st.Blocks)
	assert.Positive(t, st.ISRCount)
}

func TestSyncBlocksOverLink(t *testing.T) {
	c, m := firmware(t, nil)
	ctx := context.Background()

	var fans []uint8
	m.Stepper.SetHooks(stepper.Hooks{SyncFans: func(s []uint8) { fans = append([]uint8(nil), s...) }})

	require.NoError(t, c.SyncPosition(ctx, stepper.Bit(stepper.Y), [stepper.NumAxes]int32{stepper.Y: 77}))
	require.NoError(t, c.SyncFans(ctx, []uint8{128, 255}))
	require.NoError(t, m.RunUntilIdle(m.Desc.StepTimerRate))

	assert.Equal(t, []uint8{128, 255}, fans)
	pos, err := c.Position(ctx, stepper.Y)
	require.NoError(t, err)
	assert.Equal(t, int32(77), pos)
}

func TestSetPositionOverLink(t *testing.T) {
	c, m := firmware(t, nil)
	ctx := context.Background()
	require.NoError(t, c.SetPosition(ctx, stepper.E, -500))
	assert.Equal(t, int32(-500), m.Stepper.Position(stepper.E))
}

func TestCommandErrors(t *testing.T) {
	c, _ := firmware(t, nil)
	ctx := context.Background()

	_, err := c.Position(ctx, stepper.W)
	var ce *CommandError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Contains(t, ce.Msg, "unknown or unconfigured axis")

	err = c.SetShaping(ctx, stepper.X, 40, 0.1)
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Contains(t, ce.Msg, "no input shaping")

	// The link keeps working after a failed command
	_, err = c.Position(ctx, stepper.X)
	assert.NoError(t, err)

	assert.ErrorIs(t, c.Send(ctx, "no_such_command", nil), ErrUnknownCommand)
	assert.Error(t, c.QueueMove(ctx, Move{}))
}

func TestShapingOverLink(t *testing.T) {
	c, m := firmware(t, func(d *stepper.Descriptor) {
		d.Shaping = stepper.ShapingConfig{Axes: stepper.Bit(stepper.X), MinFrequency: 10, MaxStepRate: 40000}
	})
	require.NoError(t, c.SetShaping(context.Background(), stepper.X, 42.5, 0.15))
	assert.InDelta(t, 42.5, m.Stepper.ShapingFrequency(stepper.X), 1e-3)
	assert.InDelta(t, 0.15, m.Stepper.ShapingDampingRatio(stepper.X), 1e-3)
}

func TestNotIdentified(t *testing.T) {
	host, dev := net.Pipe()
	defer dev.Close()
	c := New(host)
	defer c.Close()
	assert.ErrorIs(t, c.QuickStop(context.Background()), ErrNoDictionary)
}

func TestTimeout(t *testing.T) {
	host, dev := net.Pipe()
	defer dev.Close()
	go func() {
		// Swallow everything, never answer
		buf := make([]byte, 64)
		for {
			if _, err := dev.Read(buf); err != nil {
				return
			}
		}
	}()
	c := New(host)
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Identify(ctx), context.DeadlineExceeded)
}

type sineAccel struct {
	hz, rate float64
	n        int
}

func (s *sineAccel) ReadRawAcceleration() (x, y, z int16) {
	x = int16(2000 * math.Sin(2*math.Pi*s.hz*float64(s.n)/s.rate))
	s.n++
	return x, 0, 256
}

func TestResonanceOverLink(t *testing.T) {
	acc := &sineAccel{hz: 45}
	var sampler *resonance.Sampler
	c, m := firmwareWith(t, func(d *stepper.Descriptor) {
		d.Shaping = stepper.ShapingConfig{Axes: stepper.Bit(stepper.X), MinFrequency: 10, MaxStepRate: 40000}
	}, func(reg *core.CommandRegistry, m *sim.Machine) {
		sampler = resonance.NewSampler(m.Scheduler(), acc, m.Desc.StepTimerRate, 3200)
		sampler.RegisterCommands(reg)
	})
	acc.rate = sampler.Rate()
	ctx := context.Background()

	require.NoError(t, c.StartResonance(ctx, stepper.X, 640))
	err := c.StartResonance(ctx, stepper.X, 640)
	var ce *CommandError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Contains(t, ce.Msg, "already running")

	// 640 samples at 3200 Hz take 0.2 s
	m.Run(m.Desc.StepTimerRate / 4)
	require.True(t, sampler.Poll())

	res, err := c.WaitResonance(ctx)
	require.NoError(t, err)
	assert.Equal(t, stepper.X, res.Axis)
	assert.InDelta(t, 45, res.Frequency, 0.5)

	require.NoError(t, c.SetShaping(ctx, res.Axis, res.Frequency, 0.1))
	assert.InDelta(t, res.Frequency, m.Stepper.ShapingFrequency(stepper.X), 1e-2)
}

func TestHomingOverLink(t *testing.T) {
	c, m := firmwareWith(t, nil, func(reg *core.CommandRegistry, m *sim.Machine) {
		endstop.NewSet(m.Scheduler(), m.GPIO, m.Stepper).RegisterCommands(reg)
	})
	ctx := context.Background()

	require.NoError(t, c.ConfigureEndstop(ctx, stepper.Z, 22))
	require.NoError(t, c.ArmEndstop(ctx, stepper.Z, HomingParams{SampleTicks: 20, SampleCount: 4, RestTicks: 100}))
	require.NoError(t, c.QueueMove(ctx, Move{
		Steps:   [stepper.NumAxes]int32{stepper.Z: -8000},
		Initial: 500, Nominal: 4000, Final: 500, Accel: 40000,
	}))

	m.Run(m.Desc.StepTimerRate / 5)
	st, err := c.Endstop(ctx, stepper.Z)
	require.NoError(t, err)
	assert.True(t, st.Homing)
	assert.True(t, st.PinHigh)

	m.GPIO.SetInput(22, false)
	require.NoError(t, m.RunUntilIdle(m.Desc.StepTimerRate))

	st, err = c.Endstop(ctx, stepper.Z)
	require.NoError(t, err)
	assert.True(t, st.Triggered)
	assert.False(t, st.Homing)
	assert.Negative(t, st.Position)
	assert.Greater(t, st.Position, int32(-8000))

	pos, err := c.Position(ctx, stepper.Z)
	require.NoError(t, err)
	assert.Equal(t, st.Position, pos)
}
