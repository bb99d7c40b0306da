package sim

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stepkernel/stepper"
)

func TestSummarize(t *testing.T) {
	assert.Equal(t, IntervalStats{}, Summarize(nil))

	s := Summarize([]float64{4, 1, 3, 2})
	assert.Equal(t, 4, s.Count)
	assert.InDelta(t, 2.5, s.Mean, 1e-9)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 4.0, s.Max)
	assert.Equal(t, 2.0, s.P50)

	one := Summarize([]float64{7})
	assert.Zero(t, one.StdDev)
	assert.Equal(t, 7.0, one.P99)
}

func runBench(t *testing.T, opts Options) *Machine {
	t.Helper()
	m, err := New(BenchDescriptor(), opts)
	require.NoError(t, err)
	b := stepper.NewBlock([stepper.NumAxes]int32{stepper.X: 400, stepper.Y: 200})
	b.SetRamp(1000, 4000, 1000, 40000, m.Desc.StepTimerRate)
	m.Push(b)
	require.NoError(t, m.RunUntilIdle(m.Desc.StepTimerRate))
	return m
}

func TestReport(t *testing.T) {
	opts := DefaultOptions()
	opts.RecordEdges = true
	m := runBench(t, opts)

	reps := m.Report()
	require.Len(t, reps, 4)
	assert.Equal(t, stepper.X, reps[0].Axis)
	assert.Equal(t, 400, reps[0].Pulses)
	assert.Equal(t, 399, reps[0].Intervals.Count)
	assert.GreaterOrEqual(t, reps[0].MinHighUS, 1.0)
	assert.Equal(t, 200, reps[1].Pulses)
	assert.Zero(t, reps[2].Pulses)

	var buf bytes.Buffer
	m.WriteReport(&buf)
	out := buf.String()
	assert.Contains(t, out, "position  X:400 Y:200 Z:0 E:0")
	assert.Contains(t, out, "blocks    done=1")
	assert.Equal(t, 5+4, strings.Count(out, "\n"))
}

func TestRunUntilIdleTimeout(t *testing.T) {
	m, err := New(BenchDescriptor(), DefaultOptions())
	require.NoError(t, err)
	b := stepper.NewBlock([stepper.NumAxes]int32{stepper.X: 1000})
	b.SetRamp(100, 100, 100, 1000, m.Desc.StepTimerRate)
	m.Push(b)
	assert.ErrorIs(t, m.RunUntilIdle(m.Desc.StepTimerRate/10), ErrTimeout)
}

func TestPlotRate(t *testing.T) {
	m, err := New(BenchDescriptor(), DefaultOptions())
	require.NoError(t, err)
	dir := t.TempDir()
	assert.ErrorIs(t, m.PlotRate(filepath.Join(dir, "empty.png")), ErrNoSamples)

	m = runBench(t, DefaultOptions())
	path := filepath.Join(dir, "rate.png")
	require.NoError(t, m.PlotRate(path))
	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, fi.Size())
}
