package stepper

import "math/bits"

// Axis is a logical stepper axis
type Axis uint8

const (
	X Axis = iota
	Y
	Z
	I
	J
	K
	U
	V
	W
	E
	NumAxes
)

var axisNames = [NumAxes]byte{'X', 'Y', 'Z', 'I', 'J', 'K', 'U', 'V', 'W', 'E'}

// String returns the one-letter axis name
func (a Axis) String() string {
	if a >= NumAxes {
		return "?"
	}
	return string(axisNames[a])
}

// Letter returns the axis name as a byte
func (a Axis) Letter() byte {
	if a >= NumAxes {
		return '?'
	}
	return axisNames[a]
}

// ParseAxis maps an axis letter (either case) to its Axis
func ParseAxis(c byte) (Axis, bool) {
	if c >= 'a' && c <= 'z' {
		c -= 'a' - 'A'
	}
	for i, n := range axisNames {
		if n == c {
			return Axis(i), true
		}
	}
	return 0, false
}

// AxisBits is a bitset indexed by Axis
type AxisBits uint16

// AllAxes has a bit set for every logical axis
const AllAxes = AxisBits(1)<<NumAxes - 1

// Bit returns the set containing only a
func Bit(a Axis) AxisBits {
	return 1 << a
}

// Has reports whether a is in the set
func (b AxisBits) Has(a Axis) bool {
	return b&(1<<a) != 0
}

// With returns the set with a added
func (b AxisBits) With(a Axis) AxisBits {
	return b | 1<<a
}

// Without returns the set with a removed
func (b AxisBits) Without(a Axis) AxisBits {
	return b &^ (1 << a)
}

// Set adds or removes a
func (b *AxisBits) Set(a Axis, on bool) {
	if on {
		*b |= 1 << a
	} else {
		*b &^= 1 << a
	}
}

// Toggle flips a
func (b *AxisBits) Toggle(a Axis) {
	*b ^= 1 << a
}

// Count returns the number of axes in the set
func (b AxisBits) Count() int {
	return bits.OnesCount16(uint16(b))
}

// Each calls fn for every axis in the set, in axis order
func (b AxisBits) Each(fn func(Axis)) {
	for v := uint16(b & AllAxes); v != 0; v &= v - 1 {
		fn(Axis(bits.TrailingZeros16(v)))
	}
}
