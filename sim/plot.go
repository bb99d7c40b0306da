package sim

import (
	"errors"
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

var ErrNoSamples = errors.New("no rate samples to plot")

// PlotRate writes a PNG of the computed step rate against time
func (m *Machine) PlotRate(path string) error {
	if len(m.rates) == 0 {
		return ErrNoSamples
	}
	p := plot.New()
	p.Title.Text = "Step rate"
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Rate (steps/s)"

	pts := make(plotter.XYs, 0, len(m.rates))
	spi := make(plotter.XYs, 0, len(m.rates))
	for _, r := range m.rates {
		t := m.SecondsAt(r.Cycle)
		pts = append(pts, plotter.XY{X: t, Y: float64(r.Rate)})
		spi = append(spi, plotter.XY{X: t, Y: float64(r.StepsPerISR) * 1000})
	}

	rateLine, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("rate line: %w", err)
	}
	rateLine.Width = vg.Points(1)
	p.Add(rateLine)
	p.Legend.Add("rate", rateLine)

	spiLine, err := plotter.NewLine(spi)
	if err != nil {
		return fmt.Errorf("multistep line: %w", err)
	}
	spiLine.Width = vg.Points(1)
	spiLine.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	p.Add(spiLine)
	p.Legend.Add("steps/ISR x1000", spiLine)

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if err := p.Save(10*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("save plot: %w", err)
	}
	return nil
}
