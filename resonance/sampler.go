package resonance

// Accelerometer capture for tuning input shaping. The sampler polls an
// accelerometer from a scheduler timer so stepping continues while it
// records; the estimate runs later from the main loop.

import (
	"errors"

	"stepkernel/core"
	"stepkernel/protocol"
	"stepkernel/stepper"
)

var (
	ErrBusy        = errors.New("measurement already running")
	ErrSampleCount = errors.New("sample count out of range")
	ErrAxis        = errors.New("axis has no accelerometer channel")
)

// MaxSamples bounds one capture
const MaxSamples = 1024

// Accelerometer is satisfied by the adxl345 driver
type Accelerometer interface {
	ReadRawAcceleration() (x, y, z int16)
}

type state uint8

const (
	idle state = iota
	sampling
	ready
)

// Sampler records one accelerometer channel at a fixed rate
type Sampler struct {
	sched  *core.Scheduler
	acc    Accelerometer
	period uint32
	rate   float64
	timer  core.Timer

	buf   []int16
	want  int
	axis  stepper.Axis
	state state

	reg *core.CommandRegistry
}

// NewSampler samples acc at roughly sampleHz on sched, whose clock runs at
// timerFreq
func NewSampler(sched *core.Scheduler, acc Accelerometer, timerFreq, sampleHz uint32) *Sampler {
	period := max(timerFreq/max(sampleHz, 1), 1)
	s := &Sampler{
		sched:  sched,
		acc:    acc,
		period: period,
		rate:   float64(timerFreq) / float64(period),
		buf:    make([]int16, 0, MaxSamples),
	}
	s.timer.Handler = s.sample
	return s
}

// Rate returns the effective sample rate in Hz
func (s *Sampler) Rate() float64 { return s.rate }

// Start begins recording n samples of the channel that follows axis a
func (s *Sampler) Start(a stepper.Axis, n int) error {
	if s.state == sampling {
		return ErrBusy
	}
	if a > stepper.Z {
		return ErrAxis
	}
	if n < 16 || n > MaxSamples {
		return ErrSampleCount
	}
	s.axis, s.want = a, n
	s.buf = s.buf[:0]
	s.state = sampling
	s.timer.WakeTime = s.sched.Now() + s.period
	s.sched.Add(&s.timer)
	return nil
}

func (s *Sampler) sample(t *core.Timer) uint8 {
	x, y, z := s.acc.ReadRawAcceleration()
	v := [...]int16{x, y, z}[s.axis]
	s.buf = append(s.buf, v)
	if len(s.buf) >= s.want {
		s.state = ready
		return core.SF_DONE
	}
	t.WakeTime += s.period
	return core.SF_RESCHEDULE
}

// Samples returns the last capture
func (s *Sampler) Samples() []int16 { return s.buf }

// Done reports whether a capture is waiting to be estimated
func (s *Sampler) Done() bool { return s.state == ready }

// Result estimates the finished capture and returns the sampler to idle
func (s *Sampler) Result() (stepper.Axis, Result, error) {
	if s.state != ready {
		return s.axis, Result{}, ErrNoRinging
	}
	s.state = idle
	r, err := Estimate(s.buf, s.rate)
	return s.axis, r, err
}

// RegisterCommands adds resonance_measure and its result to r
func (s *Sampler) RegisterCommands(r *core.CommandRegistry) {
	s.reg = r
	r.Register("resonance_result", "axis=%c freq_mhz=%u zeta_milli=%u", nil)
	r.Register("resonance_measure", "axis=%c samples=%u", s.measure)
}

func (s *Sampler) measure(data *[]byte) error {
	a, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	n, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	return s.Start(stepper.Axis(a), int(n))
}

// Poll reports a finished capture over the link. Firmware calls it from the
// main loop, outside timer dispatch. A trace without ringing reports zero.
func (s *Sampler) Poll() bool {
	if !s.Done() {
		return false
	}
	a, res, err := s.Result()
	if err != nil {
		core.DebugPrintln("resonance: " + err.Error())
	}
	if s.reg == nil {
		return true
	}
	if err := s.reg.Respond("resonance_result", func(dst []byte) []byte {
		dst = protocol.AppendVLQUint(dst, uint32(a))
		dst = protocol.AppendVLQUint(dst, uint32(res.Frequency*1000+0.5))
		return protocol.AppendVLQUint(dst, uint32(res.Damping*1000+0.5))
	}); err != nil {
		core.DebugPrintln("resonance: " + err.Error())
	}
	return true
}
