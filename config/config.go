package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hjson/hjson-go"

	"stepkernel/core"
	"stepkernel/stepper"
)

var (
	ErrBadPin  = errors.New("pin must be written gpioN")
	ErrBadAxis = errors.New("unknown axis name")
)

// Config is the on-disk machine description. Rates are in Hz and times
// in nanoseconds.
type Config struct {
	Kinematics         string                `json:"kinematics"`
	CPUFrequency       uint32                `json:"cpu-frequency"`
	StepTimerRate      uint32                `json:"step-timer-rate"`
	PulseTimerRate     uint32                `json:"pulse-timer-rate"`
	CPU8Bit            bool                  `json:"cpu-8bit"`
	MinPulseNS         uint32                `json:"min-pulse-ns"`
	DirDelayNS         uint32                `json:"dir-delay-ns"`
	MaxStepperRate     uint32                `json:"max-stepper-rate"`
	MultisteppingLimit uint8                 `json:"multistepping-limit"`
	SCurve             bool                  `json:"s-curve"`
	LinearAdvance      bool                  `json:"linear-advance"`
	Shaping            ShapingConfig         `json:"input-shaping"`
	Axes               map[string]AxisConfig `json:"axes"`
}

// AxisConfig lists the pins of one axis. Dual drivers give two step and
// two dir pins.
type AxisConfig struct {
	StepPins     []string `json:"step-pins"`
	DirPins      []string `json:"dir-pins"`
	EnablePin    string   `json:"enable-pin"`
	InvertStep   bool     `json:"invert-step"`
	InvertDir    bool     `json:"invert-dir"`
	InvertEnable bool     `json:"invert-enable"`
}

type ShapingConfig struct {
	Axes         []string           `json:"axes"`
	Frequency    map[string]float32 `json:"frequency"`
	Zeta         map[string]float32 `json:"zeta"`
	MinFrequency float32            `json:"min-frequency"`
	MaxStepRate  uint32             `json:"max-step-rate"`
}

// Load reads an HJSON machine description
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes HJSON into a Config and fills in defaults
func Parse(data []byte) (*Config, error) {
	var conf Config
	if err := decodeHJSON(data, &conf); err != nil {
		return nil, err
	}
	applyDefaults(&conf)
	return &conf, nil
}

// decodeHJSON goes through a generic map so the json struct tags apply
func decodeHJSON(data []byte, v interface{}) error {
	var mdat map[string]interface{}
	if err := hjson.Unmarshal(data, &mdat); err != nil {
		return fmt.Errorf("hjson: %w", err)
	}
	b, err := json.Marshal(mdat)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// applyDefaults fills in missing values from the RP2040 board
func applyDefaults(conf *Config) {
	def := stepper.DefaultDescriptor()

	if conf.Kinematics == "" {
		conf.Kinematics = "cartesian"
	}
	if conf.CPUFrequency == 0 {
		conf.CPUFrequency = def.CPUFrequency
	}
	if conf.StepTimerRate == 0 {
		conf.StepTimerRate = def.StepTimerRate
	}
	if conf.PulseTimerRate == 0 {
		conf.PulseTimerRate = conf.StepTimerRate
	}
	if conf.MinPulseNS == 0 {
		conf.MinPulseNS = def.MinPulseNS
	}
	if conf.DirDelayNS == 0 {
		conf.DirDelayNS = def.DirDelayNS
	}
	if conf.MaxStepperRate == 0 {
		conf.MaxStepperRate = def.MaxStepperRate
	}
	if conf.MultisteppingLimit == 0 {
		conf.MultisteppingLimit = def.MultisteppingLimit
	}
	if len(conf.Shaping.Axes) > 0 {
		if conf.Shaping.MinFrequency == 0 {
			conf.Shaping.MinFrequency = def.Shaping.MinFrequency
		}
		if conf.Shaping.MaxStepRate == 0 {
			conf.Shaping.MaxStepRate = def.Shaping.MaxStepRate
		}
	}
}

// ParsePin accepts "gpio12" or a bare number
func ParsePin(s string) (core.GPIOPin, error) {
	n := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "gpio")
	v, err := strconv.ParseUint(n, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadPin, s)
	}
	return core.GPIOPin(v), nil
}

func parseAxisName(name string) (stepper.Axis, error) {
	if len(name) != 1 {
		return 0, fmt.Errorf("%w: %q", ErrBadAxis, name)
	}
	a, ok := stepper.ParseAxis(name[0])
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrBadAxis, name)
	}
	return a, nil
}

// Descriptor converts the config into a validated kernel descriptor
func (c *Config) Descriptor() (stepper.Descriptor, error) {
	var d stepper.Descriptor
	k, err := stepper.ParseKinematics(c.Kinematics)
	if err != nil {
		return d, err
	}
	d.Kinematics = k
	d.CPUFrequency = c.CPUFrequency
	d.StepTimerRate = c.StepTimerRate
	d.PulseTimerRate = c.PulseTimerRate
	d.CPU32Bit = !c.CPU8Bit
	d.MinPulseNS = c.MinPulseNS
	d.DirDelayNS = c.DirDelayNS
	d.MaxStepperRate = c.MaxStepperRate
	d.MultisteppingLimit = c.MultisteppingLimit
	d.SCurve = c.SCurve
	d.LinearAdvance = c.LinearAdvance

	for name, ac := range c.Axes {
		a, err := parseAxisName(name)
		if err != nil {
			return d, err
		}
		if len(ac.StepPins) != len(ac.DirPins) {
			return d, fmt.Errorf("axis %s: %d step pins but %d dir pins", a, len(ac.StepPins), len(ac.DirPins))
		}
		cfg := stepper.AxisConfig{
			InvertStep:   ac.InvertStep,
			InvertDir:    ac.InvertDir,
			InvertEnable: ac.InvertEnable,
		}
		for i := range ac.StepPins {
			step, err := ParsePin(ac.StepPins[i])
			if err != nil {
				return d, fmt.Errorf("axis %s: %w", a, err)
			}
			dir, err := ParsePin(ac.DirPins[i])
			if err != nil {
				return d, fmt.Errorf("axis %s: %w", a, err)
			}
			cfg.Drivers = append(cfg.Drivers, stepper.Driver{Step: step, Dir: dir})
		}
		if ac.EnablePin != "" {
			if cfg.Enable, err = ParsePin(ac.EnablePin); err != nil {
				return d, fmt.Errorf("axis %s: %w", a, err)
			}
			cfg.HasEnable = true
		}
		d.Axes[a] = cfg
	}

	sh := &c.Shaping
	for _, name := range sh.Axes {
		a, err := parseAxisName(name)
		if err != nil {
			return d, fmt.Errorf("input-shaping: %w", err)
		}
		d.Shaping.Axes = d.Shaping.Axes.With(a)
	}
	for name, f := range sh.Frequency {
		a, err := parseAxisName(name)
		if err != nil {
			return d, fmt.Errorf("input-shaping frequency: %w", err)
		}
		d.Shaping.Frequency[a] = f
	}
	for name, z := range sh.Zeta {
		a, err := parseAxisName(name)
		if err != nil {
			return d, fmt.Errorf("input-shaping zeta: %w", err)
		}
		d.Shaping.Zeta[a] = z
	}
	d.Shaping.MinFrequency = sh.MinFrequency
	d.Shaping.MaxStepRate = sh.MaxStepRate

	if err := d.Validate(); err != nil {
		return d, err
	}
	return d, nil
}
