package serial

import (
	"io"
	"time"
)

// Port is the byte stream to the kernel firmware. Tests use an in-memory
// pipe in its place.
type Port interface {
	io.ReadWriteCloser
}

// Config holds serial port configuration
type Config struct {
	Device string // e.g. /dev/ttyACM0 or COM3
	Baud   int    // ignored by USB CDC

	// Zero blocks until data arrives
	ReadTimeout time.Duration
}

// DefaultConfig is the RP2040 USB CDC link
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        250000,
		ReadTimeout: 100 * time.Millisecond,
	}
}
