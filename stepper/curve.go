package stepper

// Step rates are steps/s. Acceleration rates are Q24 fixed point: steps/s
// gained per step timer tick, scaled by 2^24.
const rateShift = 24

// MultiplyRate scales a tick count by a Q24 acceleration rate
func MultiplyRate(ticks, accelRate uint32) uint32 {
	return uint32((uint64(ticks) * uint64(accelRate)) >> rateShift)
}

// AccelerationRate converts steps/s² into the Q24 per-tick form
func AccelerationRate(stepsPerS2, timerRate uint32) uint32 {
	return uint32((uint64(stepsPerS2) << rateShift) / uint64(timerRate))
}

// PeriodInverse returns 2^32/d, saturating when d is zero
func PeriodInverse(d uint32) uint32 {
	if d == 0 {
		return 0xFFFFFFFF
	}
	return 0xFFFFFFFF / d
}

// TrapezoidAccel returns the rate after elapsed ticks of acceleration
func TrapezoidAccel(initial, nominal, accelRate, elapsed uint32) uint32 {
	r := uint64(initial) + uint64(MultiplyRate(elapsed, accelRate))
	if r > uint64(nominal) {
		return nominal
	}
	return uint32(r)
}

// TrapezoidDecel returns the rate after elapsed ticks of deceleration from start
func TrapezoidDecel(start, final, accelRate, elapsed uint32) uint32 {
	drop := MultiplyRate(elapsed, accelRate)
	if drop >= start || start-drop < final {
		return final
	}
	return start - drop
}

const (
	bezierGuard = 7
	bezierQ     = 30
)

// Bezier evaluates a quintic ramp between two rates with zero first and
// second derivative at both ends:
//
//	v(u) = v0 + (v1-v0)·(10u³ - 15u⁴ + 6u⁵),  u = t/duration
//
// u is carried in Q30, the coefficients carry 7 guard bits and every
// product fits in 64 bits for rate deltas up to 2^20 steps/s.
type Bezier struct {
	a, b, c  int64
	v0, v1   uint32
	lo, hi   uint32
	inverse  uint32 // 2^32/duration
	duration uint32
}

// Init prepares the curve. inverse may be zero, in which case it is
// derived from duration.
func (z *Bezier) Init(v0, v1, duration, inverse uint32) {
	if inverse == 0 {
		inverse = PeriodInverse(duration)
	}
	dv := int64(v1) - int64(v0)
	z.a = 6 * dv << bezierGuard
	z.b = -15 * dv << bezierGuard
	z.c = 10 * dv << bezierGuard
	z.v0, z.v1 = v0, v1
	z.lo, z.hi = min(v0, v1), max(v0, v1)
	z.inverse = inverse
	z.duration = duration
}

// Eval returns the rate after elapsed ticks
func (z *Bezier) Eval(elapsed uint32) uint32 {
	if elapsed == 0 {
		return z.v0
	}
	if elapsed >= z.duration {
		return z.v1
	}
	t := uint64(z.inverse) * uint64(elapsed)
	if t > 0xFFFFFFFF {
		return z.v1
	}
	u := int64(t >> (32 - bezierQ))

	acc := z.a
	acc = z.b + (acc*u)>>bezierQ
	acc = z.c + (acc*u)>>bezierQ
	acc = (acc * u) >> bezierQ
	acc = (acc * u) >> bezierQ
	acc = (acc * u) >> bezierQ

	v := int64(z.v0) + (acc+1<<(bezierGuard-1))>>bezierGuard
	if v < int64(z.lo) {
		return z.lo
	}
	if v > int64(z.hi) {
		return z.hi
	}
	return uint32(v)
}
