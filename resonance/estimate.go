package resonance

import (
	"errors"
	"math"
)

// ErrNoRinging is returned when the trace holds too few oscillations to
// measure
var ErrNoRinging = errors.New("no ringing in accelerometer trace")

// Result is the measured ringing of one axis
type Result struct {
	Frequency float64 // damped natural frequency, Hz
	Damping   float64 // damping ratio, zero when it could not be measured
}

// Hysteresis band as a fraction of the largest excursion
const hysteresis = 0.1

// Estimate measures the ringing frequency of samples taken at rate Hz by
// counting mean crossings, and the damping ratio from the decay of the
// half-cycle peaks.
func Estimate(samples []int16, rate float64) (Result, error) {
	if len(samples) < 8 || rate <= 0 {
		return Result{}, ErrNoRinging
	}
	var sum float64
	for _, v := range samples {
		sum += float64(v)
	}
	mean := sum / float64(len(samples))

	var peak float64
	for _, v := range samples {
		peak = max(peak, math.Abs(float64(v)-mean))
	}
	band := peak * hysteresis
	if band == 0 {
		return Result{}, ErrNoRinging
	}

	var (
		sign        int
		crossings   int
		first, last float64
		zero        float64 // interpolated position of the last mean crossing
		prev        float64
		segmentPeak float64
		peaks       []float64
	)
	for i, v := range samples {
		x := float64(v) - mean
		if i > 0 && (prev < 0) != (x < 0) {
			zero = float64(i-1) + prev/(prev-x)
		}
		prev = x
		segmentPeak = max(segmentPeak, math.Abs(x))
		s := sign
		if x > band {
			s = 1
		} else if x < -band {
			s = -1
		}
		if s == sign {
			continue
		}
		if sign != 0 {
			if crossings == 0 {
				first = zero
			} else {
				peaks = append(peaks, segmentPeak)
			}
			last = zero
			crossings++
		}
		segmentPeak = 0
		sign = s
	}
	if crossings < 3 || last == first {
		return Result{}, ErrNoRinging
	}

	r := Result{Frequency: float64(crossings-1) / 2 / ((last - first) / rate)}
	if n := len(peaks); n >= 2 && peaks[n-1] > 0 && peaks[0] > peaks[n-1] {
		// Successive half-cycle peaks shrink by exp(-delta/2)
		delta := 2 * math.Log(peaks[0]/peaks[n-1]) / float64(n-1)
		r.Damping = delta / math.Sqrt(4*math.Pi*math.Pi+delta*delta)
	}
	return r, nil
}
