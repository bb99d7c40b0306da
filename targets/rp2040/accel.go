//go:build rp2040

package main

import (
	"errors"
	"machine"

	"tinygo.org/x/drivers/adxl345"
)

// ADXL345 on I2C1, SDA=GP14 SCL=GP15. The default I2C0 pins (GP4/GP5)
// are stepper dir lines on this board.
const (
	adxl345Address = 0x53
	adxl345DevID   = 0xE5
	accelI2CFreq   = 400000
	accelSampleHz  = 3200
)

var errNoAccel = errors.New("adxl345 not found")

// InitAccelerometer probes and configures the resonance accelerometer
func InitAccelerometer() (*adxl345.Device, error) {
	bus := machine.I2C1
	err := bus.Configure(machine.I2CConfig{
		Frequency: accelI2CFreq,
		SDA:       machine.GPIO14,
		SCL:       machine.GPIO15,
	})
	if err != nil {
		return nil, err
	}

	id := make([]byte, 1)
	if err := bus.ReadRegister(adxl345Address, 0x00, id); err != nil {
		return nil, err
	}
	if id[0] != adxl345DevID {
		return nil, errNoAccel
	}

	dev := adxl345.New(bus)
	dev.Configure()
	dev.SetRate(adxl345.RATE_3200HZ)
	dev.SetRange(adxl345.RANGE_16G)
	return &dev, nil
}
