package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"stepkernel/host/mcu"
	"stepkernel/host/serial"
	"stepkernel/stepper"
)

var (
	device  = flag.String("device", "/dev/ttyACM0", "Serial device path")
	baud    = flag.Int("baud", 250000, "Baud rate (ignored for USB CDC)")
	list    = flag.Bool("list", false, "List serial ports and exit")
	verbose = flag.Bool("verbose", false, "Log unsolicited responses")
)

func main() {
	flag.Parse()

	if *list {
		ports, err := serial.ListPorts()
		if err != nil {
			log.Fatalf("list ports: %v", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	cfg := serial.DefaultConfig(*device)
	cfg.Baud = *baud
	port, err := serial.Open(cfg)
	if err != nil {
		log.Fatal(err)
	}
	conn := mcu.New(port)
	conn.Verbose = *verbose
	defer conn.Close()

	ctx := context.Background()
	if err := conn.Identify(ctx); err != nil {
		log.Fatalf("identify: %v", err)
	}
	log.Printf("connected to %s", *device)

	// One-shot mode: stepctl report
	if flag.NArg() > 0 {
		if err := run(ctx, conn, flag.Args()); err != nil {
			log.Fatal(err)
		}
		return
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}
		if parts[0] == "quit" || parts[0] == "exit" || parts[0] == "q" {
			return
		}
		if err := run(ctx, conn, parts); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Fatalf("read input: %v", err)
	}
}

func run(ctx context.Context, conn *mcu.MCU, parts []string) error {
	args := parts[1:]
	switch parts[0] {
	case "help", "?":
		printHelp()
		return nil

	case "dict":
		fmt.Print(conn.Dictionary())
		return nil

	case "report":
		line, err := conn.ReportPositions(ctx)
		if err == nil {
			fmt.Println(line)
		}
		return err

	case "pos":
		a, err := axisArg(args, 0)
		if err != nil {
			return err
		}
		p, err := conn.Position(ctx, a)
		if err == nil {
			fmt.Printf("%s:%d\n", a, p)
		}
		return err

	case "setpos":
		a, err := axisArg(args, 0)
		if err != nil {
			return err
		}
		if len(args) < 2 {
			return fmt.Errorf("usage: setpos <axis> <steps>")
		}
		v, err := strconv.ParseInt(args[1], 10, 32)
		if err != nil {
			return err
		}
		return conn.SetPosition(ctx, a, int32(v))

	case "enable", "disable":
		a, err := axisArg(args, 0)
		if err != nil {
			return err
		}
		return conn.Enable(ctx, a, parts[0] == "enable")

	case "stop":
		return conn.QuickStop(ctx)

	case "shape":
		a, err := axisArg(args, 0)
		if err != nil {
			return err
		}
		if len(args) < 3 {
			return fmt.Errorf("usage: shape <axis> <hz> <zeta>")
		}
		hz, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return err
		}
		zeta, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return err
		}
		return conn.SetShaping(ctx, a, hz, zeta)

	case "stats":
		st, err := conn.Stats(ctx)
		if err == nil {
			fmt.Printf("isr=%d loops=%d catchups=%d blocks=%d aborts=%d drains=%d spi=%d\n",
				st.ISRCount, st.Loops, st.CatchUps, st.Blocks, st.Aborts, st.EchoDrains, st.StepsPerISR)
		}
		return err

	case "resonance":
		a, err := axisArg(args, 0)
		if err != nil {
			return err
		}
		n := 1024
		if len(args) > 1 {
			if n, err = strconv.Atoi(args[1]); err != nil {
				return err
			}
		}
		res, err := conn.TuneShaping(ctx, a, n)
		if err == nil {
			fmt.Printf("%s: %.2f Hz zeta %.3f (applied)\n", a, res.Frequency, res.Damping)
		}
		return err

	case "home":
		return home(ctx, conn, args)

	case "move":
		mv, err := parseMove(args)
		if err != nil {
			return err
		}
		return conn.QueueMove(ctx, mv)
	}
	return fmt.Errorf("unknown command %q (type 'help')", parts[0])
}

// home drives an axis toward its switch until the switch trips, then
// makes the trigger position zero
func home(ctx context.Context, conn *mcu.MCU, args []string) error {
	a, err := axisArg(args, 0)
	if err != nil {
		return err
	}
	if len(args) < 3 {
		return fmt.Errorf("usage: home <axis> <pin> <steps>")
	}
	pin, err := strconv.ParseUint(args[1], 10, 8)
	if err != nil {
		return err
	}
	steps, err := strconv.ParseInt(args[2], 10, 32)
	if err != nil {
		return err
	}
	if err := conn.ConfigureEndstop(ctx, a, uint32(pin)); err != nil {
		return err
	}
	if err := conn.ArmEndstop(ctx, a, mcu.HomingParams{SampleTicks: 20, SampleCount: 4, RestTicks: 100}); err != nil {
		return err
	}
	var mv mcu.Move
	mv.Steps[a] = int32(steps)
	mv.Initial, mv.Nominal, mv.Final, mv.Accel = 500, 2000, 500, 20000
	if err := conn.QueueMove(ctx, mv); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	for {
		st, err := conn.Endstop(ctx, a)
		if err != nil {
			return err
		}
		if st.Triggered {
			fmt.Printf("%s triggered at %d\n", a, st.Position)
			return conn.SetPosition(ctx, a, 0)
		}
		if !st.Homing {
			return fmt.Errorf("%s: endstop disarmed without a trigger", a)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func axisArg(args []string, i int) (stepper.Axis, error) {
	if len(args) <= i || len(args[i]) != 1 {
		return 0, fmt.Errorf("expected an axis letter")
	}
	a, ok := stepper.ParseAxis(args[i][0])
	if !ok {
		return 0, fmt.Errorf("unknown axis %q", args[i])
	}
	return a, nil
}

// parseMove reads "X=100 E=20 v0=500 v=3000 v1=500 a=20000 k=0.02"
func parseMove(args []string) (mcu.Move, error) {
	mv := mcu.Move{Initial: stepper.MinimalStepRate, Final: stepper.MinimalStepRate}
	for _, arg := range args {
		key, val, ok := strings.Cut(arg, "=")
		if !ok {
			return mv, fmt.Errorf("expected key=value, got %q", arg)
		}
		if len(key) == 1 {
			if a, ok := stepper.ParseAxis(key[0]); ok {
				v, err := strconv.ParseInt(val, 10, 32)
				if err != nil {
					return mv, err
				}
				mv.Steps[a] = int32(v)
				continue
			}
		}
		if key == "k" {
			k, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return mv, err
			}
			mv.Advance = k
			continue
		}
		if key == "laser" {
			mv.Laser = val == "1" || val == "on"
			continue
		}
		v, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return mv, err
		}
		switch key {
		case "v0":
			mv.Initial = uint32(v)
		case "v":
			mv.Nominal = uint32(v)
		case "v1":
			mv.Final = uint32(v)
		case "a":
			mv.Accel = uint32(v)
		default:
			return mv, fmt.Errorf("unknown move argument %q", key)
		}
	}
	if mv.Nominal == 0 {
		mv.Nominal = max(mv.Initial, mv.Final)
	}
	return mv, nil
}

func printHelp() {
	fmt.Println("\nAvailable commands:")
	fmt.Println("  report                    - Print all axis positions")
	fmt.Println("  pos <axis>                - Print one axis position")
	fmt.Println("  setpos <axis> <steps>     - Overwrite an axis position")
	fmt.Println("  enable|disable <axis>     - Switch an axis' drivers")
	fmt.Println("  move X=.. v0= v= v1= a= k= - Queue a pre-planned block")
	fmt.Println("  shape <axis> <hz> <zeta>  - Set input shaping")
	fmt.Println("  resonance <axis> [n]      - Measure ringing and tune shaping")
	fmt.Println("  home <axis> <pin> <steps> - Move until the endstop trips")
	fmt.Println("  stop                      - Quick stop")
	fmt.Println("  stats                     - Interrupt counters")
	fmt.Println("  dict                      - Print the command dictionary")
	fmt.Println("  quit/exit/q               - Exit the program")
	fmt.Println()
}
