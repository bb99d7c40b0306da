package stepper_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stepkernel/core"
	"stepkernel/sim"
	"stepkernel/stepper"
)

const benchTimer = 2000000

// pins of the bench descriptor
const (
	stepX = 0
	dirX  = 1
	stepY = 2
	stepZ = 4
	stepE = 6
	enPin = 8
)

func newMachine(t *testing.T, modify func(d *stepper.Descriptor), opts sim.Options) *sim.Machine {
	t.Helper()
	d := sim.BenchDescriptor()
	if modify != nil {
		modify(&d)
	}
	m, err := sim.New(d, opts)
	require.NoError(t, err)
	return m
}

func move(steps [stepper.NumAxes]int32, initial, nominal, final, accel uint32) *stepper.MotionBlock {
	b := stepper.NewBlock(steps)
	b.SetRamp(initial, nominal, final, accel, benchTimer)
	return b
}

func ratesByEvent(m *sim.Machine) map[uint32]uint32 {
	out := make(map[uint32]uint32)
	for _, r := range m.Rates() {
		out[r.Completed] = r.Rate
	}
	return out
}

func TestTrapezoidScenario(t *testing.T) {
	m := newMachine(t, nil, sim.DefaultOptions())
	b := move([stepper.NumAxes]int32{stepper.X: 10000}, 1000, 5000, 1000, 4000)
	require.Equal(t, uint32(3000), b.AccelerateUntil)
	require.Equal(t, uint32(7000), b.DecelerateAfter)

	m.Push(b)
	require.NoError(t, m.RunUntilIdle(10*benchTimer))

	rate := ratesByEvent(m)
	require.Len(t, rate, 10000)
	for c := uint32(1); c < 3000; c++ {
		assert.GreaterOrEqual(t, rate[c], rate[c-1], "accel dipped at %d", c)
		assert.LessOrEqual(t, rate[c], uint32(5000))
	}
	for c := uint32(100); c < 3000; c += 100 {
		assert.Greater(t, rate[c], rate[c-100], "accel stalled at %d", c)
	}
	for c := uint32(3000); c <= 7000; c++ {
		require.Equal(t, uint32(5000), rate[c], "cruise at %d", c)
	}
	assert.Less(t, rate[7100], uint32(5000))
	for c := uint32(7200); c < 10000; c += 100 {
		assert.Less(t, rate[c], rate[c-100], "decel stalled at %d", c)
		assert.GreaterOrEqual(t, rate[c], uint32(1000))
	}

	st := m.Stepper.Stats()
	assert.Equal(t, uint32(3000), st.Events[stepper.PhaseAccel])
	assert.Equal(t, uint32(4000), st.Events[stepper.PhaseCruise])
	assert.Equal(t, uint32(3000), st.Events[stepper.PhaseDecel])
	assert.Equal(t, uint32(1), st.Blocks)
	assert.Equal(t, uint32(1), st.StepsPerISR)

	assert.Equal(t, int32(10000), m.Stepper.Position(stepper.X))
	assert.Equal(t, 10000, m.GPIO.Rising(stepX))
	assert.Zero(t, m.GPIO.Rising(stepY), "Y never steps on a pure X move")
	assert.Zero(t, m.GPIO.Rising(stepZ))
}

func TestSCurveScenario(t *testing.T) {
	m := newMachine(t, func(d *stepper.Descriptor) { d.SCurve = true }, sim.DefaultOptions())
	m.Push(move([stepper.NumAxes]int32{stepper.X: 10000}, 1000, 5000, 1000, 4000))
	require.NoError(t, m.RunUntilIdle(10*benchTimer))

	rate := ratesByEvent(m)
	for c := uint32(1); c < 3000; c++ {
		require.GreaterOrEqual(t, rate[c], rate[c-1], "accel dipped at %d", c)
	}
	for c := uint32(3000); c <= 7000; c++ {
		require.Equal(t, uint32(5000), rate[c])
	}
	assert.Equal(t, uint32(5000), rate[7001], "second half starts at cruise")
	for c := uint32(7002); c < 10000; c++ {
		require.LessOrEqual(t, rate[c], rate[c-1], "decel rose at %d", c)
		require.GreaterOrEqual(t, rate[c], uint32(1000))
	}
	assert.Equal(t, uint32(1), m.Stepper.CurveInits())
	assert.Equal(t, int32(10000), m.Stepper.Position(stepper.X))
}

func TestHalfRatioMove(t *testing.T) {
	opts := sim.DefaultOptions()
	opts.RecordEdges = true
	m := newMachine(t, nil, opts)
	m.Push(move([stepper.NumAxes]int32{stepper.X: 1000, stepper.Y: 500}, 2000, 2000, 2000, 100000))
	require.NoError(t, m.RunUntilIdle(benchTimer))

	var cx, cy int
	for _, e := range m.GPIO.Edges() {
		if !e.Level {
			continue
		}
		switch e.Pin {
		case stepX:
			cx++
		case stepY:
			cy++
		default:
			continue
		}
		if d := 2*cy - cx; d > 2 || d < -2 {
			t.Fatalf("Expected Y within one step of X/2, got X=%d Y=%d", cx, cy)
		}
	}
	assert.Equal(t, 1000, cx)
	assert.Equal(t, 500, cy)
}

func TestDirectionSetBeforePulse(t *testing.T) {
	opts := sim.DefaultOptions()
	opts.RecordEdges = true
	m := newMachine(t, nil, opts)
	m.Push(move([stepper.NumAxes]int32{stepper.X: 50}, 2000, 2000, 2000, 100000))
	m.Push(move([stepper.NumAxes]int32{stepper.X: -50}, 2000, 2000, 2000, 100000))
	require.NoError(t, m.RunUntilIdle(benchTimer))

	settle := uint64(m.Stepper.CycleModel().DirDelay)
	var dirHigh, dirChanged bool
	var dirEdge, lastFall uint64
	steps := 0
	for _, e := range m.GPIO.Edges() {
		switch e.Pin {
		case dirX:
			if steps > 0 {
				require.GreaterOrEqual(t, e.Cycle-lastFall, settle, "direction changed too soon after a pulse")
			}
			dirHigh, dirChanged, dirEdge = e.Level, true, e.Cycle
		case stepX:
			if !e.Level {
				lastFall = e.Cycle
				continue
			}
			steps++
			if dirChanged && steps > 1 {
				require.GreaterOrEqual(t, e.Cycle-dirEdge, settle, "pulse %d too soon after direction change", steps)
			}
			dirChanged = false
			assert.Equal(t, steps <= 50, dirHigh, "direction level at pulse %d", steps)
		}
	}
	assert.Equal(t, 100, steps)
	assert.Equal(t, int32(0), m.Stepper.Position(stepper.X))
}

func TestPulseWidth(t *testing.T) {
	for _, port := range []bool{false, true} {
		name := "pins"
		if port {
			name = "port"
		}
		t.Run(name, func(t *testing.T) {
			opts := sim.DefaultOptions()
			opts.PortWrites = port
			m := newMachine(t, nil, opts)
			m.Push(move([stepper.NumAxes]int32{stepper.X: 3000, stepper.Y: -2000, stepper.E: 700}, 2000, 20000, 2000, 200000))
			require.NoError(t, m.RunUntilIdle(5*benchTimer))

			minHigh := uint64(m.Stepper.CycleModel().MinPulseHigh)
			for _, pin := range []core.GPIOPin{stepX, stepY, stepE} {
				w, ok := m.GPIO.MinHigh(pin)
				require.True(t, ok, "pin %d never pulsed", pin)
				assert.GreaterOrEqual(t, w, minHigh, "pin %d", pin)
			}
			want := [stepper.NumAxes]int32{stepper.X: 3000, stepper.Y: -2000, stepper.E: 700}
			if diff := cmp.Diff(want, m.Stepper.Positions()); diff != "" {
				t.Errorf("Positions mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMultisteppingAtHighRate(t *testing.T) {
	m := newMachine(t, nil, sim.DefaultOptions())
	m.Push(move([stepper.NumAxes]int32{stepper.X: 40000}, 10000, 180000, 10000, 4000000))
	require.NoError(t, m.RunUntilIdle(2*benchTimer))

	var maxSPI uint32
	for _, r := range m.Rates() {
		maxSPI = max(maxSPI, r.StepsPerISR)
		assert.LessOrEqual(t, r.StepsPerISR, uint32(16))
	}
	assert.GreaterOrEqual(t, maxSPI, uint32(4), "cruise above the 1x interrupt ceiling needs batching")
	assert.Equal(t, int32(40000), m.Stepper.Position(stepper.X))
	assert.Equal(t, 40000, m.GPIO.Rising(stepX))

	w, ok := m.GPIO.MinHigh(stepX)
	require.True(t, ok)
	assert.GreaterOrEqual(t, w, uint64(m.Stepper.CycleModel().MinPulseHigh))
}

func TestCatchUpIsBounded(t *testing.T) {
	// Interrupt entry alone takes longer than a step interval
	opts := sim.DefaultOptions()
	opts.ISRCycles = 20000
	single := func(d *stepper.Descriptor) { d.MultisteppingLimit = 1 }
	m := newMachine(t, single, opts)

	// Clamped to the single-step ceiling, about 21 timer ticks per step
	m.Push(move([stepper.NumAxes]int32{stepper.X: 20000}, 100000, 100000, 100000, 100000))
	require.NoError(t, m.RunUntilIdle(20*benchTimer))

	st := m.Stepper.Stats()
	assert.LessOrEqual(t, st.MaxLoops, uint32(10))
	assert.Greater(t, st.CatchUps, uint32(0))
	assert.Equal(t, uint32(1), st.StepsPerISR)
	assert.Equal(t, int32(20000), m.Stepper.Position(stepper.X))
	assert.Equal(t, 20000, m.GPIO.Rising(stepX))
}

func TestQuickStopDiscardsBlock(t *testing.T) {
	m := newMachine(t, nil, sim.DefaultOptions())
	m.Push(move([stepper.NumAxes]int32{stepper.X: 100000, stepper.Y: 37000}, 2000, 2000, 2000, 100000))
	m.Run(benchTimer / 10)
	require.True(t, m.Stepper.Busy())

	m.Stepper.QuickStop()
	m.Run(benchTimer / 100)
	x, y := m.Stepper.Position(stepper.X), m.Stepper.Position(stepper.Y)
	assert.Greater(t, x, int32(0))
	assert.False(t, m.Stepper.Busy())
	assert.True(t, m.Queue.Empty())
	assert.Equal(t, uint32(1), m.Stepper.Stats().Aborts)

	m.Run(benchTimer / 10)
	assert.Equal(t, x, m.Stepper.Position(stepper.X), "no pulses after abort")

	risingY := m.GPIO.Rising(stepY)
	m.Push(move([stepper.NumAxes]int32{stepper.X: 100, stepper.Y: 37}, 2000, 2000, 2000, 100000))
	require.NoError(t, m.RunUntilIdle(benchTimer))
	assert.Equal(t, x+100, m.Stepper.Position(stepper.X))
	assert.Equal(t, y+37, m.Stepper.Position(stepper.Y))
	assert.Equal(t, 37, m.GPIO.Rising(stepY)-risingY)
}

func TestSyncBlocks(t *testing.T) {
	m := newMachine(t, nil, sim.DefaultOptions())

	var events []string
	var fans []uint8
	var laser uint8
	var completed *stepper.MotionBlock
	m.Stepper.SetHooks(stepper.Hooks{
		SyncFans:       func(s []uint8) { events = append(events, "fans"); fans = s },
		SyncLaser:      func(p uint8) { events = append(events, "laser"); laser = p },
		LaserOff:       func() { events = append(events, "laser_off") },
		BlockCompleted: func(b *stepper.MotionBlock) { events = append(events, "block"); completed = b },
	})

	b := move([stepper.NumAxes]int32{stepper.X: 100}, 2000, 2000, 2000, 100000)
	b.Flags = stepper.FlagLaser
	m.Push(&stepper.MotionBlock{
		Flags:    stepper.FlagSyncPosition,
		Position: [stepper.NumAxes]int32{stepper.X: 500, stepper.Y: -20},
	})
	m.Push(b)
	m.Push(&stepper.MotionBlock{Flags: stepper.FlagSyncFans, FanSpeeds: []uint8{10, 200}})
	m.Push(&stepper.MotionBlock{Flags: stepper.FlagSyncLaser, LaserPower: 77})
	require.NoError(t, m.RunUntilIdle(benchTimer))

	if diff := cmp.Diff([]string{"block", "laser_off", "fans", "laser"}, events); diff != "" {
		t.Errorf("hook order mismatch (-want +got):\n%s", diff)
	}
	assert.Same(t, b, completed)
	assert.Equal(t, []uint8{10, 200}, fans)
	assert.Equal(t, uint8(77), laser)
	assert.Equal(t, int32(600), m.Stepper.Position(stepper.X))
	assert.Equal(t, int32(-20), m.Stepper.Position(stepper.Y))

	st := m.Stepper.Stats()
	assert.Equal(t, uint32(3), st.SyncBlocks)
	assert.Equal(t, uint32(1), st.Blocks)
}

func TestIsBlockBusy(t *testing.T) {
	m := newMachine(t, nil, sim.DefaultOptions())
	b := move([stepper.NumAxes]int32{stepper.X: 2000, stepper.Y: 10}, 2000, 2000, 2000, 100000)
	m.Push(b)
	m.Run(benchTimer / 100)

	assert.True(t, m.Stepper.IsBlockBusy(b))
	assert.False(t, m.Stepper.IsBlockBusy(nil))
	assert.True(t, m.Stepper.AxisIsMoving(stepper.X))
	assert.False(t, m.Stepper.AxisIsMoving(stepper.Z))
	assert.Greater(t, m.Stepper.StepRate(), uint32(0))

	require.NoError(t, m.RunUntilIdle(benchTimer))
	assert.False(t, m.Stepper.IsBlockBusy(b))
	assert.False(t, m.Stepper.AxisIsMoving(stepper.X))
}

func TestEnableSharedLine(t *testing.T) {
	m := newMachine(t, nil, sim.DefaultOptions())
	s := m.Stepper
	assert.True(t, m.GPIO.ReadPin(enPin), "drivers start disabled")

	s.EnableAxis(stepper.X)
	s.EnableAxis(stepper.Y)
	assert.False(t, m.GPIO.ReadPin(enPin))
	assert.True(t, s.AxisEnabled(stepper.X))

	assert.False(t, s.DisableAxis(stepper.X), "Y still holds the shared line")
	assert.False(t, m.GPIO.ReadPin(enPin))
	assert.True(t, s.DisableAxis(stepper.Y))
	assert.True(t, m.GPIO.ReadPin(enPin))
	assert.False(t, s.DisableAxis(stepper.I), "absent axis")
}

func TestReportPositions(t *testing.T) {
	tests := []struct {
		kin  stepper.Kinematics
		want string
	}{
		{stepper.Cartesian, "X:10 Y:-3 Z:0 E:12"},
		{stepper.CoreXY, "A:10 B:-3 Z:0 E:12"},
		{stepper.CoreXZ, "A:10 Y:-3 C:0 E:12"},
		{stepper.CoreYZ, "X:10 B:-3 C:0 E:12"},
		{stepper.MarkforgedXY, "X:10 Y:-3 Z:0 E:12"},
	}
	for _, tt := range tests {
		t.Run(tt.kin.String(), func(t *testing.T) {
			m := newMachine(t, func(d *stepper.Descriptor) { d.Kinematics = tt.kin }, sim.DefaultOptions())
			m.Stepper.SetPosition([stepper.NumAxes]int32{stepper.X: 10, stepper.Y: -3, stepper.E: 12})
			assert.Equal(t, tt.want, m.Stepper.ReportPositions())
		})
	}
}

func TestEndstopTriggeredPositions(t *testing.T) {
	tests := []struct {
		kin  stepper.Kinematics
		axis stepper.Axis
		want int32
	}{
		{stepper.Cartesian, stepper.X, 300},
		{stepper.Cartesian, stepper.Z, 42},
		{stepper.CoreXY, stepper.X, 200},
		{stepper.CoreXY, stepper.Y, 100},
		{stepper.CoreXZ, stepper.Z, (300 - 42) / 2},
		{stepper.MarkforgedXY, stepper.X, 300},
		{stepper.MarkforgedXY, stepper.Y, 100},
	}
	for _, tt := range tests {
		m := newMachine(t, func(d *stepper.Descriptor) { d.Kinematics = tt.kin }, sim.DefaultOptions())
		m.Stepper.SetPosition([stepper.NumAxes]int32{stepper.X: 300, stepper.Y: 100, stepper.Z: 42})
		m.Stepper.EndstopTriggered(tt.axis)
		assert.Equal(t, tt.want, m.Stepper.TriggeredPosition(tt.axis), "%s %s", tt.kin, tt.axis)
	}
}

func TestNewRejects(t *testing.T) {
	_, err := stepper.New(stepper.Descriptor{}, stepper.HAL{}, nil)
	assert.ErrorIs(t, err, stepper.ErrNoAxes)

	_, err = stepper.New(sim.BenchDescriptor(), stepper.HAL{}, nil)
	assert.ErrorIs(t, err, stepper.ErrMissingHAL)

	d := sim.BenchDescriptor()
	d.MinPulseNS = 3000
	_, err = sim.New(d, sim.DefaultOptions())
	assert.ErrorIs(t, err, stepper.ErrPulseTooWide)
}
