//go:build !tinygo

package core

// State is a placeholder for interrupt state on regular Go
type State uintptr

// DisableInterrupts is a no-op on regular Go. Hosted builds run the step
// interrupt from the same goroutine as everything else.
func DisableInterrupts() State {
	return 0
}

// RestoreInterrupts is a no-op on regular Go
func RestoreInterrupts(state State) {
}
