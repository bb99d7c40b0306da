package core

// TimerFreq is the default system tick rate. Targets with a different
// hardware timer call SetTimerFreq during init.
const TimerFreq = 1000000

var (
	systemTicks uint32
	timerFreq   uint32 = TimerFreq
)

// GetTime returns the current system time in timer ticks
func GetTime() uint32 {
	return getSystemTicks()
}

// SetTime sets the current system time (for testing/hardware integration)
func SetTime(ticks uint32) {
	setSystemTicks(ticks)
}

// SetTimerFreq sets the system tick rate in Hz
func SetTimerFreq(hz uint32) {
	if hz != 0 {
		timerFreq = hz
	}
}

// GetTimerFreq returns the system tick rate in Hz
func GetTimerFreq() uint32 {
	return timerFreq
}

// TimerFromUS converts microseconds to timer ticks
func TimerFromUS(us uint32) uint32 {
	return uint32(uint64(us) * uint64(timerFreq) / 1000000)
}

// TimerIsBefore reports whether time a is before time b, allowing for
// 32-bit wraparound.
func TimerIsBefore(a, b uint32) bool {
	return int32(a-b) < 0
}
