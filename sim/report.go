package sim

import (
	"fmt"
	"io"
	"sort"

	"gonum.org/v1/gonum/stat"

	"stepkernel/core"
	"stepkernel/stepper"
)

// IntervalStats summarizes a series of intervals in microseconds
type IntervalStats struct {
	Count  int
	Mean   float64
	StdDev float64
	Min    float64
	P50    float64
	P99    float64
	Max    float64
}

// PinReport is the pulse summary of one step pin
type PinReport struct {
	Axis      stepper.Axis
	Pin       core.GPIOPin
	Pulses    int
	MinHighUS float64
	Intervals IntervalStats
}

// Summarize computes interval statistics over xs, given in microseconds
func Summarize(xs []float64) IntervalStats {
	if len(xs) == 0 {
		return IntervalStats{}
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	mean, std := stat.MeanStdDev(sorted, nil)
	if len(sorted) < 2 {
		std = 0
	}
	return IntervalStats{
		Count:  len(sorted),
		Mean:   mean,
		StdDev: std,
		Min:    sorted[0],
		P50:    stat.Quantile(0.5, stat.Empirical, sorted, nil),
		P99:    stat.Quantile(0.99, stat.Empirical, sorted, nil),
		Max:    sorted[len(sorted)-1],
	}
}

func (m *Machine) cyclesToUS(c uint64) float64 {
	return float64(c) * 1e6 / float64(m.Desc.CPUFrequency)
}

func (m *Machine) intervalsUS(times []uint64) []float64 {
	if len(times) < 2 {
		return nil
	}
	out := make([]float64, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		out = append(out, m.cyclesToUS(times[i]-times[i-1]))
	}
	return out
}

// Report summarizes the first step pin of every configured axis. Step
// intervals need RecordEdges.
func (m *Machine) Report() []PinReport {
	var out []PinReport
	for a := stepper.Axis(0); a < stepper.NumAxes; a++ {
		cfg := &m.Desc.Axes[a]
		if len(cfg.Drivers) == 0 {
			continue
		}
		pin := cfg.Drivers[0].Step
		r := PinReport{Axis: a, Pin: pin, Pulses: m.GPIO.Rising(pin)}
		if w, ok := m.GPIO.MinHigh(pin); ok {
			r.MinHighUS = m.cyclesToUS(w)
		}
		var ups []uint64
		for _, e := range m.GPIO.Edges() {
			if e.Pin == pin && e.Level != cfg.InvertStep {
				ups = append(ups, e.Cycle)
			}
		}
		r.Intervals = Summarize(m.intervalsUS(ups))
		out = append(out, r)
	}
	return out
}

// ISRIntervals summarizes the time between step interrupts
func (m *Machine) ISRIntervals() IntervalStats {
	return Summarize(m.intervalsUS(m.isrs))
}

// WriteReport prints positions, kernel counters and pulse statistics
func (m *Machine) WriteReport(w io.Writer) {
	s := m.Stepper
	fmt.Fprintf(w, "position  %s\n", s.ReportPositions())
	st := s.Stats()
	fmt.Fprintf(w, "isr       count=%d loops=%d max_loops=%d catchups=%d spi=%d\n",
		st.ISRCount, st.Loops, st.MaxLoops, st.CatchUps, st.StepsPerISR)
	fmt.Fprintf(w, "blocks    done=%d sync=%d aborted=%d echo_drains=%d\n",
		st.Blocks, st.SyncBlocks, st.Aborts, st.EchoDrains)
	fmt.Fprintf(w, "events    accel=%d cruise=%d decel=%d\n",
		st.Events[stepper.PhaseAccel], st.Events[stepper.PhaseCruise], st.Events[stepper.PhaseDecel])
	isr := m.ISRIntervals()
	fmt.Fprintf(w, "isr gap   mean=%.2fus sd=%.2fus p50=%.2fus p99=%.2fus\n", isr.Mean, isr.StdDev, isr.P50, isr.P99)
	for _, r := range m.Report() {
		fmt.Fprintf(w, "%s pin %-3d pulses=%d min_high=%.2fus", r.Axis, r.Pin, r.Pulses, r.MinHighUS)
		if r.Intervals.Count > 0 {
			fmt.Fprintf(w, " step mean=%.2fus sd=%.2fus p50=%.2fus p99=%.2fus",
				r.Intervals.Mean, r.Intervals.StdDev, r.Intervals.P50, r.Intervals.P99)
		}
		fmt.Fprintln(w)
	}
}
