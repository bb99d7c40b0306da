package stepper

import "math"

// BlockFlag marks special blocks and block features
type BlockFlag uint8

const (
	// FlagSyncPosition carries a position to apply in step order
	FlagSyncPosition BlockFlag = 1 << iota
	// FlagSyncFans carries fan speeds to apply in step order
	FlagSyncFans
	// FlagSyncLaser carries a laser power to apply in step order
	FlagSyncLaser
	// FlagLaser marks a motion block that runs with the laser on
	FlagLaser
)

const syncFlags = FlagSyncPosition | FlagSyncFans | FlagSyncLaser

// MinimalStepRate is the slowest rate the kernel will time, in steps/s
const MinimalStepRate = 120

// MotionBlock is one planned linear move, or a sync marker. Blocks are
// owned by the planner queue and read-only to the stepper.
type MotionBlock struct {
	Flags BlockFlag

	Steps          [NumAxes]uint32
	Direction      AxisBits // bit set means the axis moves negative
	StepEventCount uint32

	AccelerateUntil uint32
	DecelerateAfter uint32

	InitialRate      uint32
	NominalRate      uint32
	FinalRate        uint32
	AccelerationRate uint32 // Q24 steps/s per tick

	// S-curve ramp timing in step timer ticks
	CruiseRate              uint32
	AccelerationTime        uint32
	DecelerationTime        uint32
	AccelerationTimeInverse uint32
	DecelerationTimeInverse uint32

	UseAdvanceLead bool
	AdvanceSpeed   uint32 // ticks between advance adjustments
	MaxAdvSteps    uint32
	FinalAdvSteps  uint32

	// Sync payloads
	Position   [NumAxes]int32
	FanSpeeds  []uint8
	LaserPower uint8
}

// IsSync reports whether the block only carries a sync payload
func (b *MotionBlock) IsSync() bool {
	return b.Flags&syncFlags != 0
}

// NewBlock fills step counts and direction bits from signed per-axis steps
func NewBlock(steps [NumAxes]int32) *MotionBlock {
	b := &MotionBlock{}
	for a := Axis(0); a < NumAxes; a++ {
		s := steps[a]
		if s < 0 {
			b.Direction = b.Direction.With(a)
			s = -s
		}
		b.Steps[a] = uint32(s)
		b.StepEventCount = max(b.StepEventCount, uint32(s))
	}
	return b
}

// SetRamp fills the trapezoid and S-curve fields for the given entry,
// nominal and exit rates (steps/s) and acceleration (steps/s²). When the
// block is too short to reach nominal the plateau is dropped and the ramp
// peaks where acceleration and deceleration meet.
func (b *MotionBlock) SetRamp(initial, nominal, final, accel, timerRate uint32) {
	initial = max(initial, MinimalStepRate)
	final = max(final, MinimalStepRate)
	nominal = max(nominal, initial, final)
	n := float64(b.StepEventCount)
	a := float64(accel)

	accelSteps := math.Ceil(accelDistance(float64(initial), float64(nominal), a))
	decelSteps := math.Floor(accelDistance(float64(nominal), float64(final), -a))
	plateau := n - accelSteps - decelSteps
	cruise := nominal
	if plateau < 0 {
		inter := math.Ceil(intersectionDistance(float64(initial), float64(final), a, n))
		accelSteps = math.Min(math.Max(inter, 0), n)
		plateau = 0
		cruise = uint32(math.Sqrt(float64(initial)*float64(initial) + 2*a*accelSteps))
		cruise = max(cruise, initial, final)
	}

	b.InitialRate = initial
	b.NominalRate = nominal
	b.FinalRate = final
	b.CruiseRate = cruise
	b.AccelerationRate = AccelerationRate(accel, timerRate)
	b.AccelerateUntil = uint32(accelSteps)
	b.DecelerateAfter = uint32(accelSteps + plateau)

	if accel > 0 {
		b.AccelerationTime = uint32(float64(cruise-initial) / a * float64(timerRate))
		b.DecelerationTime = uint32(float64(cruise-final) / a * float64(timerRate))
	}
	b.AccelerationTimeInverse = PeriodInverse(b.AccelerationTime)
	b.DecelerationTimeInverse = PeriodInverse(b.DecelerationTime)
}

// SetAdvance enables linear advance on the block. k is the extra E steps
// per step/s of block rate.
func (b *MotionBlock) SetAdvance(k float64, accel, timerRate uint32) {
	if k <= 0 || b.Steps[E] == 0 || b.Direction.Has(E) || accel == 0 {
		b.UseAdvanceLead = false
		return
	}
	b.UseAdvanceLead = true
	b.MaxAdvSteps = uint32(float64(b.CruiseRate) * k)
	b.FinalAdvSteps = 0
	if b.FinalRate > MinimalStepRate {
		b.FinalAdvSteps = uint32(float64(b.FinalRate) * k)
	}
	b.AdvanceSpeed = max(uint32(float64(timerRate)/(k*float64(accel))), 1)
}

func accelDistance(from, to, accel float64) float64 {
	if accel == 0 {
		return 0
	}
	return (to*to - from*from) / (2 * accel)
}

func intersectionDistance(from, to, accel, distance float64) float64 {
	if accel == 0 {
		return 0
	}
	return (2*accel*distance - from*from + to*to) / (4 * accel)
}
