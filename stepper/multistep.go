package stepper

// Multistepper picks how many step events one interrupt emits. Larger
// batches cut interrupt overhead at high step rates; single steps give the
// finest timing at low rates.
type Multistepper struct {
	shift      uint8
	limitShift uint8
	minISRFreq uint32
	// ceiling[r] is the interrupt rate sustainable at shift r, zero if unknown
	ceiling [8]uint32
}

// NewMultistepper starts at one step per interrupt
func NewMultistepper(limitShift uint8, minISRFreq uint32) Multistepper {
	return Multistepper{limitShift: limitShift, minISRFreq: minISRFreq}
}

// Shift returns log2 of the steps per interrupt
func (m *Multistepper) Shift() uint8 { return m.shift }

// StepsPerISR returns the current batch size
func (m *Multistepper) StepsPerISR() uint32 { return 1 << m.shift }

// SetCeilings installs the sustainable interrupt rate for each shift
func (m *Multistepper) SetCeilings(c *CycleModel) {
	for r := range m.ceiling {
		m.ceiling[r] = c.MaxStepISRFrequency(uint8(r))
	}
}

// Reset returns to single stepping
func (m *Multistepper) Reset() { m.shift = 0 }

// Adapt updates the batch size from the demanded step rate and the last
// interrupt's cost: inISR ticks spent inside it and outISR ticks between
// it and the previous one. It returns +1 when doubled, -1 when halved.
func (m *Multistepper) Adapt(stepRate, inISR, outISR uint32, caughtUp bool) int8 {
	perISR := stepRate >> m.shift
	heavy := uint64(inISR)*2 > uint64(outISR)
	light := uint64(inISR)*4 <= uint64(outISR)

	switch {
	case caughtUp:
		return m.up()
	case m.ceiling[m.shift] != 0 && perISR > m.ceiling[m.shift]:
		return m.up()
	case heavy:
		return m.down(stepRate)
	case light && perISR > m.minISRFreq:
		return m.up()
	case perISR < m.minISRFreq/4:
		return m.down(stepRate)
	}
	return 0
}

func (m *Multistepper) up() int8 {
	if m.shift >= m.limitShift {
		return 0
	}
	m.shift++
	return 1
}

// down halves the batch unless the smaller batch cannot keep up with stepRate
func (m *Multistepper) down(stepRate uint32) int8 {
	if m.shift == 0 {
		return 0
	}
	if c := m.ceiling[m.shift-1]; c != 0 && stepRate>>(m.shift-1) > c {
		return 0
	}
	m.shift--
	return -1
}
