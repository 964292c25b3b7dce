//go:build darwin

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

func newDefaultDevice() (ble.Device, error) {
	d, err := darwin.NewDevice()
	if err != nil {
		return nil, err
	}
	return d, nil
}
