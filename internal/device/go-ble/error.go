package goble

import (
	"errors"
	"fmt"
	"strings"

	"github.com/srg/blelog/internal/device"
)

// knownErrors maps go-ble and OS messages to the device errors the recorder
// branches on. ErrBluetoothOff and ErrPermission select the CLI hints;
// ErrNotConnected marks a link that is already gone when it is torn down.
// Matching is case-insensitive on substrings since CoreBluetooth and BlueZ
// word the same failure differently.
var knownErrors = []struct {
	match string
	kind  error
}{
	{"is bluetooth turned on", device.ErrBluetoothOff},
	{"bluetooth is turned off", device.ErrBluetoothOff},
	{"can't init hci", device.ErrBluetoothOff},
	{"no such device", device.ErrBluetoothOff},
	{"operation not permitted", device.ErrPermission},
	{"permission denied", device.ErrPermission},
	{"device not connected", device.ErrNotConnected},
	{"disconnected", device.ErrNotConnected},
	{"device already connected", device.ErrAlreadyConnected},
}

// NormalizeError wraps err with the matching device error so callers can use
// errors.Is; the original message is kept. Unknown errors pass through.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := strings.ToLower(err.Error())
	for _, k := range knownErrors {
		if errors.Is(err, k.kind) {
			return err
		}
		if strings.Contains(msg, k.match) {
			return fmt.Errorf("%w: %v", k.kind, err)
		}
	}
	return err
}
