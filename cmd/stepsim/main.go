package main

// stepsim runs a block script through the stepper kernel on the
// simulated machine and prints what the pins did.

import (
	"flag"
	"log"
	"os"

	"github.com/pkg/profile"

	"stepkernel/config"
	"stepkernel/core"
	"stepkernel/sim"
	"stepkernel/stepper"
)

var (
	configPath string
	blocksPath string
	plotPath   string
	doProf     bool
	shapeHz    float64
	zeta       float64
	edges      bool
	portWrites bool
	timeout    float64
	events     bool
)

func main() {
	flag.StringVar(&configPath, "config", "", "Path to HJSON machine description (bench board if empty)")
	flag.StringVar(&blocksPath, "blocks", "", "Path to HJSON block script")
	flag.StringVar(&plotPath, "plot", "", "Write a step rate plot to this PNG")
	flag.BoolVar(&doProf, "prof", false, "Write a CPU profile of the run")
	flag.Float64Var(&shapeHz, "shape-hz", 0, "Override the shaping frequency of every shaped axis")
	flag.Float64Var(&zeta, "zeta", -1, "Override the shaping damping ratio of every shaped axis")
	flag.BoolVar(&edges, "edges", true, "Record the pin trace for step interval statistics")
	flag.BoolVar(&portWrites, "port", false, "Expose grouped port writes to the kernel")
	flag.Float64Var(&timeout, "timeout", 60, "Give up after this many simulated seconds")
	flag.BoolVar(&events, "events", false, "Print the last kernel timing events")
	flag.Parse()

	if blocksPath == "" {
		log.Fatal("-blocks is required")
	}

	if doProf {
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
	}

	desc := sim.BenchDescriptor()
	if configPath != "" {
		conf, err := config.Load(configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		if desc, err = conf.Descriptor(); err != nil {
			log.Fatalf("config %s: %v", configPath, err)
		}
	}

	script, err := config.LoadScript(blocksPath)
	if err != nil {
		log.Fatalf("load blocks: %v", err)
	}
	blocks, err := script.Build(&desc)
	if err != nil {
		log.Fatalf("blocks %s: %v", blocksPath, err)
	}

	opts := sim.DefaultOptions()
	opts.RecordEdges = edges
	opts.PortWrites = portWrites
	m, err := sim.New(desc, opts)
	if err != nil {
		log.Fatalf("kernel: %v", err)
	}
	m.Stepper.SetHooks(stepper.Hooks{
		SyncFans:  func(speeds []uint8) { log.Printf("fans %v", speeds) },
		SyncLaser: func(power uint8) { log.Printf("laser power %d", power) },
	})

	desc.Shaping.Axes.Each(func(a stepper.Axis) {
		if shapeHz > 0 {
			m.Stepper.SetShapingFrequency(a, float32(shapeHz))
		}
		if zeta >= 0 {
			m.Stepper.SetShapingDampingRatio(a, float32(zeta))
		}
		log.Printf("shaping %s: %.2f Hz zeta %.3f", a,
			m.Stepper.ShapingFrequency(a), m.Stepper.ShapingDampingRatio(a))
	})

	for _, b := range blocks {
		m.Push(b)
	}
	if err := m.RunUntilIdle(uint32(timeout * float64(desc.StepTimerRate))); err != nil {
		log.Printf("run: %v", err)
	}
	log.Printf("simulated %.3f s in %d blocks", m.SecondsAt(m.Cycles()), len(blocks))

	m.WriteReport(os.Stdout)

	if events {
		for _, e := range core.TimingEvents() {
			log.Printf("%-14s axis=%d clock=%d v1=%d v2=%d", core.EventName(e.EventType), e.Axis, e.Clock, e.Value1, e.Value2)
		}
	}

	if plotPath != "" {
		if err := m.PlotRate(plotPath); err != nil {
			log.Fatalf("plot: %v", err)
		}
		log.Printf("wrote %s", plotPath)
	}
}
