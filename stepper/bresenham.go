package stepper

// Bresenham distributes each axis' steps evenly over the block's step
// events. Errors are 64-bit so the doubled values never overflow.
type Bresenham struct {
	deltaError [NumAxes]int64
	dividend   [NumAxes]int64
	divisor    int64
	active     AxisBits
}

// Reset starts a new block. Every axis starts with an error of -events so
// its first step lands half an event interval into the block.
func (br *Bresenham) Reset(steps *[NumAxes]uint32, events uint32, axes AxisBits) {
	br.divisor = int64(events) * 2
	br.active = 0
	for a := Axis(0); a < NumAxes; a++ {
		br.deltaError[a] = -int64(events)
		br.dividend[a] = int64(steps[a]) * 2
		if axes.Has(a) && steps[a] > 0 {
			br.active = br.active.With(a)
		}
	}
}

// Tick advances one step event and returns the axes that step on it
func (br *Bresenham) Tick() AxisBits {
	var fire AxisBits
	for a := Axis(0); a < NumAxes; a++ {
		if !br.active.Has(a) {
			continue
		}
		br.deltaError[a] += br.dividend[a]
		if br.deltaError[a] >= 0 {
			br.deltaError[a] -= br.divisor
			fire |= Bit(a)
		}
	}
	return fire
}

// Clear drops all accumulated error
func (br *Bresenham) Clear() {
	*br = Bresenham{}
}

// Error returns the current accumulator of an axis
func (br *Bresenham) Error(a Axis) int64 {
	return br.deltaError[a]
}
