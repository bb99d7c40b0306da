package config

import (
	"errors"
	"fmt"
	"os"

	"stepkernel/stepper"
)

var ErrEmptyScript = errors.New("block script has no blocks")

// BlockSpec is one pre-planned block in a stepsim script. Rates are in
// steps/s and accel in steps/s².
type BlockSpec struct {
	Steps    map[string]int32 `json:"steps"`
	Initial  uint32           `json:"initial"`
	Nominal  uint32           `json:"nominal"`
	Final    uint32           `json:"final"`
	Accel    uint32           `json:"accel"`
	Advance  float64          `json:"advance"`
	Laser    bool             `json:"laser"`
	SetPos   map[string]int32 `json:"set-position"`
	FanSpeed []uint8          `json:"fans"`
}

type Script struct {
	Blocks []BlockSpec `json:"blocks"`
}

// LoadScript reads an HJSON block script
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseScript(data)
}

func ParseScript(data []byte) (*Script, error) {
	var s Script
	if err := decodeHJSON(data, &s); err != nil {
		return nil, err
	}
	if len(s.Blocks) == 0 {
		return nil, ErrEmptyScript
	}
	return &s, nil
}

func axisMap(m map[string]int32) ([stepper.NumAxes]int32, error) {
	var out [stepper.NumAxes]int32
	for name, v := range m {
		a, err := parseAxisName(name)
		if err != nil {
			return out, err
		}
		out[a] = v
	}
	return out, nil
}

// Build turns the script into kernel blocks for the given descriptor.
// A block with set-position or fans becomes a sync block.
func (s *Script) Build(d *stepper.Descriptor) ([]*stepper.MotionBlock, error) {
	out := make([]*stepper.MotionBlock, 0, len(s.Blocks))
	for i := range s.Blocks {
		bs := &s.Blocks[i]
		if bs.SetPos != nil || bs.FanSpeed != nil {
			b := &stepper.MotionBlock{}
			if bs.SetPos != nil {
				pos, err := axisMap(bs.SetPos)
				if err != nil {
					return nil, fmt.Errorf("block %d: %w", i, err)
				}
				b.Flags |= stepper.FlagSyncPosition
				b.Position = pos
			}
			if bs.FanSpeed != nil {
				b.Flags |= stepper.FlagSyncFans
				b.FanSpeeds = bs.FanSpeed
			}
			out = append(out, b)
			continue
		}

		steps, err := axisMap(bs.Steps)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		b := stepper.NewBlock(steps)
		if b.StepEventCount == 0 {
			return nil, fmt.Errorf("block %d: no steps", i)
		}
		if bs.Laser {
			b.Flags |= stepper.FlagLaser
		}
		nominal := bs.Nominal
		if nominal == 0 {
			nominal = max(bs.Initial, bs.Final)
		}
		b.SetRamp(bs.Initial, nominal, bs.Final, bs.Accel, d.StepTimerRate)
		if d.LinearAdvance {
			b.SetAdvance(bs.Advance, bs.Accel, d.StepTimerRate)
		}
		out = append(out, b)
	}
	return out, nil
}
