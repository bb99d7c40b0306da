package stepper

import (
	"errors"

	"stepkernel/core"
	"stepkernel/protocol"
)

// Stepper command handlers for the host link
// Implements: stepper_get_position, stepper_set_position, stepper_report,
// stepper_enable, stepper_quick_stop, stepper_set_shaping, stepper_stats,
// queue_block

var (
	ErrBadAxis    = errors.New("unknown or unconfigured axis")
	ErrNoShaping  = errors.New("axis has no input shaping")
	ErrBlockSteps = errors.New("block step payload does not match axis mask")
)

// BlockSink accepts blocks planned by the host
type BlockSink interface {
	Push(b *MotionBlock) error
}

// RegisterCommands adds the stepper commands and responses to r. Blocks
// received by queue_block go to sink.
func (s *Stepper) RegisterCommands(r *core.CommandRegistry, sink BlockSink) {
	h := &commandHandlers{s: s, r: r, sink: sink}

	r.Register("stepper_position", "axis=%c pos=%i", nil)
	r.Register("stepper_report", "line=%*s", nil)
	r.Register("stepper_stats", "isr=%u loops=%u catchups=%u blocks=%u aborts=%u drains=%u spi=%c", nil)

	r.Register("stepper_get_position", "axis=%c", h.getPosition)
	r.Register("stepper_set_position", "axis=%c pos=%i", h.setPosition)
	r.Register("stepper_report_positions", "", h.report)
	r.Register("stepper_enable", "axis=%c on=%c", h.enable)
	r.Register("stepper_quick_stop", "", h.quickStop)
	r.Register("stepper_set_shaping", "axis=%c freq_mhz=%u zeta_milli=%u", h.setShaping)
	r.Register("stepper_get_stats", "", h.getStats)
	r.Register("queue_block", "flags=%c axes=%u steps=%*s rates=%*s advance_micro=%u", h.queueBlock)
}

type commandHandlers struct {
	s    *Stepper
	r    *core.CommandRegistry
	sink BlockSink
}

func (h *commandHandlers) decodeAxis(data *[]byte) (Axis, error) {
	v, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return 0, err
	}
	a := Axis(v)
	if a >= NumAxes || !h.s.present.Has(a) {
		return 0, ErrBadAxis
	}
	return a, nil
}

func (h *commandHandlers) getPosition(data *[]byte) error {
	a, err := h.decodeAxis(data)
	if err != nil {
		return err
	}
	pos := h.s.Position(a)
	return h.r.Respond("stepper_position", func(dst []byte) []byte {
		dst = protocol.AppendVLQUint(dst, uint32(a))
		return protocol.AppendVLQInt(dst, pos)
	})
}

func (h *commandHandlers) setPosition(data *[]byte) error {
	a, err := h.decodeAxis(data)
	if err != nil {
		return err
	}
	pos, err := protocol.DecodeVLQInt(data)
	if err != nil {
		return err
	}
	h.s.SetAxisPosition(a, pos)
	return nil
}

func (h *commandHandlers) report(data *[]byte) error {
	line := h.s.ReportPositions()
	return h.r.Respond("stepper_report", func(dst []byte) []byte {
		return protocol.AppendVLQBytes(dst, []byte(line))
	})
}

func (h *commandHandlers) enable(data *[]byte) error {
	a, err := h.decodeAxis(data)
	if err != nil {
		return err
	}
	on, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	if on != 0 {
		h.s.EnableAxis(a)
	} else {
		h.s.DisableAxis(a)
	}
	return nil
}

func (h *commandHandlers) quickStop(data *[]byte) error {
	h.s.QuickStop()
	return nil
}

func (h *commandHandlers) setShaping(data *[]byte) error {
	a, err := h.decodeAxis(data)
	if err != nil {
		return err
	}
	mhz, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	zeta, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	if !h.s.SetShapingDampingRatio(a, float32(zeta)/1000) {
		return ErrNoShaping
	}
	h.s.SetShapingFrequency(a, float32(mhz)/1000)
	return nil
}

func (h *commandHandlers) getStats(data *[]byte) error {
	st := h.s.Stats()
	return h.r.Respond("stepper_stats", func(dst []byte) []byte {
		for _, v := range []uint32{st.ISRCount, st.Loops, st.CatchUps, st.Blocks, st.Aborts, st.EchoDrains, st.StepsPerISR} {
			dst = protocol.AppendVLQUint(dst, v)
		}
		return dst
	})
}

// queueBlock decodes a host-planned block. steps holds one signed VLQ per
// axis in the mask (absolute positions for a position sync). rates holds
// initial, nominal and final rate plus acceleration for motion blocks, the
// fan speeds for a fan sync and the power for a laser sync.
func (h *commandHandlers) queueBlock(data *[]byte) error {
	flags, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	axes, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	stepBytes, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}
	rateBytes, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}
	advance, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	var steps [NumAxes]int32
	for a := Axis(0); a < NumAxes; a++ {
		if !AxisBits(axes).Has(a) {
			continue
		}
		if steps[a], err = protocol.DecodeVLQInt(&stepBytes); err != nil {
			return ErrBlockSteps
		}
	}
	if len(stepBytes) != 0 {
		return ErrBlockSteps
	}

	f := BlockFlag(flags)
	if f&syncFlags != 0 {
		b := &MotionBlock{Flags: f, Position: steps}
		if f&FlagSyncFans != 0 {
			b.FanSpeeds = append([]uint8(nil), rateBytes...)
		}
		if f&FlagSyncLaser != 0 && len(rateBytes) > 0 {
			b.LaserPower = rateBytes[0]
		}
		return h.sink.Push(b)
	}

	var rates [4]uint32
	for i := range rates {
		if rates[i], err = protocol.DecodeVLQUint(&rateBytes); err != nil {
			return err
		}
	}
	b := NewBlock(steps)
	b.Flags = f
	timerRate := h.s.desc.StepTimerRate
	b.SetRamp(rates[0], rates[1], rates[2], rates[3], timerRate)
	if h.s.desc.LinearAdvance {
		b.SetAdvance(float64(advance)/1e6, rates[3], timerRate)
	}
	return h.sink.Push(b)
}
