package stepper

import "math"

// NeverTicks marks a timing source with nothing scheduled
const NeverTicks = ^uint32(0)

// ShapingQueue is a fixed-capacity ring of step timestamps for one shaped
// axis. Each primary step enqueues its time; the echo pulse is due delay
// ticks later.
type ShapingQueue struct {
	times   []uint32
	forward []bool
	head    int
	count   int
	now     uint32
	delay   uint32
}

// NewShapingQueue allocates a queue holding capacity echoes
func NewShapingQueue(capacity int) *ShapingQueue {
	return &ShapingQueue{
		times:   make([]uint32, capacity),
		forward: make([]bool, capacity),
	}
}

// ShapingCapacity sizes a queue for the fastest step rate and lowest
// echo frequency that must be buffered
func ShapingCapacity(maxStepRate uint32, minFreq float32) int {
	if minFreq <= 0 {
		return 3
	}
	return int(float32(maxStepRate)/minFreq/2) + 3
}

// SetDelay sets the echo delay in step timer ticks
func (q *ShapingQueue) SetDelay(d uint32) { q.delay = d }

// Delay returns the echo delay in step timer ticks
func (q *ShapingQueue) Delay() uint32 { return q.delay }

// Enqueue records a primary step taken now. It reports false when full.
func (q *ShapingQueue) Enqueue(forward bool) bool {
	if q.count == len(q.times) {
		return false
	}
	i := (q.head + q.count) % len(q.times)
	q.times[i] = q.now
	q.forward[i] = forward
	q.count++
	return true
}

// Dequeue removes the oldest echo and returns its direction
func (q *ShapingQueue) Dequeue() bool {
	fwd := q.forward[q.head]
	q.head = (q.head + 1) % len(q.times)
	q.count--
	return fwd
}

// Advance moves the queue clock forward by ticks
func (q *ShapingQueue) Advance(ticks uint32) { q.now += ticks }

// Peek returns the ticks until the oldest echo is due, zero when it is
// already due and NeverTicks when the queue is empty
func (q *ShapingQueue) Peek() uint32 {
	if q.count == 0 {
		return NeverTicks
	}
	d := q.times[q.head] + q.delay - q.now
	if int32(d) < 0 {
		return 0
	}
	return d
}

func (q *ShapingQueue) Len() int    { return q.count }
func (q *ShapingQueue) Free() int   { return len(q.times) - q.count }
func (q *ShapingQueue) Empty() bool { return q.count == 0 }

// Purge drops every pending echo
func (q *ShapingQueue) Purge() {
	q.head = 0
	q.count = 0
}

// DampingFactor returns the share, out of 128, of each step given to the
// delayed echo for damping ratio zeta. It is a cubic fit of the ZV shaper
// amplitude K/(1+K) with K = exp(-ζπ/√(1-ζ²)).
func DampingFactor(zeta float32) uint8 {
	if zeta <= 0 {
		return 64
	}
	if zeta >= 1 {
		return 0
	}
	z := float64(zeta)
	f := 64.44056192 + z*(-99.02008832+z*(-7.58095488+z*43.073216))
	if f <= 0 {
		return 0
	}
	if f >= 64 {
		return 64
	}
	return uint8(f)
}

// EchoDelay returns half the damped ringing period in step timer ticks
func EchoDelay(freq, zeta float32, timerRate uint32) uint32 {
	if freq <= 0 {
		return NeverTicks
	}
	z := math.Min(math.Max(float64(zeta), 0), 0.99)
	d := float64(timerRate) / (2 * float64(freq) * math.Sqrt(1-z*z))
	if d >= float64(NeverTicks) {
		return NeverTicks - 1
	}
	return uint32(d)
}

// axisShaper splits each primary step of one axis into an immediate part
// and a delayed echo. A secondary Bresenham accumulator, modulo 128,
// decides which of the two actually produces a pulse so the total pulse
// count is conserved.
type axisShaper struct {
	queue      *ShapingQueue
	frequency  float32
	zeta       float32
	factor1    int16
	factor2    int16
	deltaError int16
	enabled    bool
	forward    bool // logical direction of the current block
}

func newAxisShaper(capacity int) *axisShaper {
	return &axisShaper{queue: NewShapingQueue(capacity)}
}

func (s *axisShaper) configure(freq, zeta float32, timerRate uint32) {
	s.frequency, s.zeta = freq, zeta
	f2 := int16(DampingFactor(zeta))
	s.factor2 = f2
	s.factor1 = 128 - f2
	s.enabled = freq > 0
	s.queue.SetDelay(EchoDelay(freq, zeta, timerRate))
	s.deltaError = 0
}

func (s *axisShaper) accumulate(add int16) int8 {
	s.deltaError += add
	if s.deltaError >= 64 {
		s.deltaError -= 128
		return 1
	}
	if s.deltaError < -64 {
		s.deltaError += 128
		return -1
	}
	return 0
}

// primary handles a Bresenham step in direction forward. It returns +1/-1
// when a pulse must be emitted now, 0 otherwise. When the echo queue is
// full the echo share is applied now so no step is lost.
func (s *axisShaper) primary(forward bool) int8 {
	share := s.factor1
	if s.factor2 > 0 && !s.queue.Enqueue(forward) {
		share += s.factor2
	}
	if forward {
		return s.accumulate(share)
	}
	return s.accumulate(-share)
}

// echo handles the oldest delayed echo
func (s *axisShaper) echo() int8 {
	if s.queue.Dequeue() {
		return s.accumulate(s.factor2)
	}
	return s.accumulate(-s.factor2)
}

func (s *axisShaper) reset() {
	s.queue.Purge()
	s.deltaError = 0
}
