package core

// DebugWriter is a function type for writing debug messages
type DebugWriter func(string)

// TimingEvent captures a timing-critical event for post-mortem analysis
type TimingEvent struct {
	EventType uint8  // Event type code
	Axis      uint8  // Axis index, 0xFF when not axis specific
	Clock     uint32 // System clock at event
	Value1    uint32 // Context-dependent value
	Value2    uint32 // Context-dependent value
}

// Event type codes
const (
	EvtBlockLoad     = 1  // block acquired from the planner (v1=step events, v2=initial rate)
	EvtBlockDone     = 2  // block released after its last step
	EvtSyncBlock     = 3  // sync-only block drained (v1=flags)
	EvtAbort         = 4  // in-flight block discarded (v1=events completed)
	EvtMultistepUp   = 5  // steps per ISR doubled (v1=new value)
	EvtMultistepDown = 6  // steps per ISR halved (v1=new value)
	EvtCatchUp       = 7  // ISR loop hit its iteration cap
	EvtShapingDrain  = 8  // echo queue drained early (v1=free slots)
	EvtEndstop       = 9  // endstop trigger latched (v1=position)
	EvtSetPosition   = 10 // position override (v1=value)
)

const (
	TimingRingSize = 32 // Keep last 32 events for post-mortem
	NoAxis         = 0xFF
)

var (
	// debugPrintln is the global debug print function (can be set by platform code)
	debugPrintln DebugWriter = func(s string) {}

	// debugEnabled controls whether debug output is active
	debugEnabled bool

	// Timing capture ring buffer (non-blocking, for post-mortem)
	timingRing     [TimingRingSize]TimingEvent
	timingRingHead uint8
	timingEnabled  = true

	debugChan chan string
)

// SetDebugWriter sets the platform-specific debug output function
func SetDebugWriter(writer DebugWriter) {
	debugPrintln = writer
}

// SetDebugEnabled enables or disables debug output
func SetDebugEnabled(enabled bool) {
	debugEnabled = enabled
}

// InitAsyncDebug starts the async debug output goroutine.
// Call this from main() after SetDebugWriter.
func InitAsyncDebug() {
	debugChan = make(chan string, 16)
	go func() {
		for msg := range debugChan {
			if debugPrintln != nil {
				debugPrintln(msg)
			}
		}
	}()
}

// DebugPrintln writes a debug message using the platform-specific writer
func DebugPrintln(msg string) {
	if debugEnabled && debugPrintln != nil {
		debugPrintln(msg)
	}
}

// DebugAsync queues a debug message without blocking. The message is
// dropped if the channel is full or async output was never started.
func DebugAsync(msg string) {
	if debugChan == nil || !debugEnabled {
		return
	}
	select {
	case debugChan <- msg:
	default:
	}
}

// RecordTiming captures a timing event in the ring buffer.
// Safe to call from interrupt context.
func RecordTiming(eventType, axis uint8, clock, value1, value2 uint32) {
	if !timingEnabled {
		return
	}
	idx := timingRingHead
	timingRing[idx] = TimingEvent{
		EventType: eventType,
		Axis:      axis,
		Clock:     clock,
		Value1:    value1,
		Value2:    value2,
	}
	timingRingHead = (idx + 1) % TimingRingSize
}

// TimingEvents returns the captured events from oldest to newest
func TimingEvents() []TimingEvent {
	out := make([]TimingEvent, 0, TimingRingSize)
	start := timingRingHead
	for i := uint8(0); i < TimingRingSize; i++ {
		evt := timingRing[(start+i)%TimingRingSize]
		if evt.EventType == 0 {
			continue
		}
		out = append(out, evt)
	}
	return out
}

// EventName returns the mnemonic for an event code
func EventName(code uint8) string {
	switch code {
	case EvtBlockLoad:
		return "BLOCK_LOAD"
	case EvtBlockDone:
		return "BLOCK_DONE"
	case EvtSyncBlock:
		return "SYNC_BLOCK"
	case EvtAbort:
		return "ABORT!"
	case EvtMultistepUp:
		return "MULTISTEP_UP"
	case EvtMultistepDown:
		return "MULTISTEP_DOWN"
	case EvtCatchUp:
		return "CATCH_UP!"
	case EvtShapingDrain:
		return "SHAPING_DRAIN"
	case EvtEndstop:
		return "ENDSTOP"
	case EvtSetPosition:
		return "SET_POS"
	}
	return "UNKNOWN"
}

// DumpTimingRing outputs the timing ring buffer (call on shutdown/error)
func DumpTimingRing() {
	if debugPrintln == nil {
		return
	}

	debugPrintln("[TIMING] === Timing Ring Dump ===")
	for _, evt := range TimingEvents() {
		line := "[TIMING] " + EventName(evt.EventType)
		if evt.Axis != NoAxis {
			line += " axis=" + itoa(int(evt.Axis))
		}
		debugPrintln(line +
			" clock=" + utoa(evt.Clock) +
			" v1=" + utoa(evt.Value1) +
			" v2=" + utoa(evt.Value2))
	}
	debugPrintln("[TIMING] === End Dump ===")
}

// ClearTimingRing clears the timing buffer
func ClearTimingRing() {
	for i := range timingRing {
		timingRing[i] = TimingEvent{}
	}
	timingRingHead = 0
}
