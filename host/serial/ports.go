//go:build !wasm

package serial

import (
	"sort"
	"strings"

	bugst "go.bug.st/serial"
)

// ListPorts returns the serial devices present on the host. USB CDC
// devices, where the firmware shows up, sort first.
func ListPorts() ([]string, error) {
	ports, err := bugst.GetPortsList()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(ports, func(i, j int) bool {
		return isUSB(ports[i]) && !isUSB(ports[j])
	})
	return ports, nil
}

func isUSB(path string) bool {
	return strings.Contains(path, "ttyACM") || strings.Contains(path, "usbmodem")
}
