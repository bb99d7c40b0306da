package core

// Timer represents a scheduled event
type Timer struct {
	WakeTime uint32
	Handler  func(*Timer) uint8
	Next     *Timer
}

const (
	SF_DONE       = 0
	SF_RESCHEDULE = 1
)

// Scheduler keeps timers sorted by wake time and runs them once due.
// Firmware uses the package default through ScheduleTimer/ProcessTimers;
// the simulator builds its own instance.
type Scheduler struct {
	list *Timer
	now  uint32
}

// NewScheduler creates an empty scheduler
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

var defaultScheduler = NewScheduler()

// DefaultScheduler returns the scheduler driven by ProcessTimers
func DefaultScheduler() *Scheduler {
	return defaultScheduler
}

// Add inserts a timer in wake time order
func (s *Scheduler) Add(t *Timer) {
	state := DisableInterrupts()
	defer RestoreInterrupts(state)
	s.insert(t)
}

// Remove unlinks a timer if it is scheduled
func (s *Scheduler) Remove(t *Timer) {
	state := DisableInterrupts()
	defer RestoreInterrupts(state)

	for pp := &s.list; *pp != nil; pp = &(*pp).Next {
		if *pp == t {
			*pp = t.Next
			t.Next = nil
			return
		}
	}
}

func (s *Scheduler) insert(t *Timer) {
	if s.list == nil || TimerIsBefore(t.WakeTime, s.list.WakeTime) {
		t.Next = s.list
		s.list = t
		return
	}

	current := s.list
	for current.Next != nil && !TimerIsBefore(t.WakeTime, current.Next.WakeTime) {
		current = current.Next
	}

	t.Next = current.Next
	current.Next = t
}

// Now returns the time of the last dispatch
func (s *Scheduler) Now() uint32 {
	return s.now
}

// NextWake returns the wake time of the earliest timer
func (s *Scheduler) NextWake() (uint32, bool) {
	if s.list == nil {
		return 0, false
	}
	return s.list.WakeTime, true
}

// Dispatch runs every timer due at or before now
func (s *Scheduler) Dispatch(now uint32) {
	state := DisableInterrupts()
	defer RestoreInterrupts(state)

	s.now = now
	for s.list != nil && !TimerIsBefore(now, s.list.WakeTime) {
		timer := s.list
		s.list = timer.Next
		timer.Next = nil

		if timer.Handler(timer) == SF_RESCHEDULE {
			s.insert(timer)
		}
	}
}

// ProcessTimers runs the default schedule against the system time
func ProcessTimers() {
	defaultScheduler.Dispatch(GetTime())
}

// TimerStepTimer implements StepTimer on top of a Scheduler. Each time the
// timer fires it calls the interrupt body and reschedules itself by the
// period the body programmed with SetCompare.
type TimerStepTimer struct {
	sched   *Scheduler
	clock   func() uint32
	timer   Timer
	isr     func()
	start   uint32
	period  uint32
	enabled bool
}

// NewTimerStepTimer creates a step timer on sched. clock returns the
// current time in the scheduler's tick units.
func NewTimerStepTimer(sched *Scheduler, clock func() uint32) *TimerStepTimer {
	st := &TimerStepTimer{sched: sched, clock: clock, enabled: true}
	st.timer.Handler = st.fire
	return st
}

// Start arms the timer to call isr at the given time
func (st *TimerStepTimer) Start(isr func(), at uint32) {
	st.isr = isr
	st.sched.Remove(&st.timer)
	st.timer.WakeTime = at
	st.sched.Add(&st.timer)
}

// Stop removes the timer from the schedule
func (st *TimerStepTimer) Stop() {
	st.sched.Remove(&st.timer)
}

func (st *TimerStepTimer) fire(t *Timer) uint8 {
	if !st.enabled {
		// Masked: the interrupt stays pending until unmasked.
		t.WakeTime++
		return SF_RESCHEDULE
	}
	st.start = t.WakeTime
	st.period = 0
	st.isr()
	if st.period == 0 {
		st.period = 1
	}
	t.WakeTime = st.start + st.period
	return SF_RESCHEDULE
}

// SetCompare programs the period until the next interrupt
func (st *TimerStepTimer) SetCompare(ticks uint32) {
	st.period = ticks
}

// Count returns ticks since the current interrupt fired
func (st *TimerStepTimer) Count() uint32 {
	return st.clock() - st.start
}

// Enabled reports whether the interrupt is unmasked
func (st *TimerStepTimer) Enabled() bool {
	return st.enabled
}

// SetEnabled masks or unmasks the interrupt
func (st *TimerStepTimer) SetEnabled(on bool) {
	st.enabled = on
}
