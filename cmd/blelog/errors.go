package main

import (
	"errors"
	"fmt"

	"github.com/srg/blelog/internal/device"
	"github.com/srg/blelog/internal/session"
)

// Process exit codes, one per failure kind
const (
	exitFailure   = 1
	exitNotFound  = 2
	exitConnect   = 3
	exitSubscribe = 4
	exitTransport = 5
	exitIO        = 6
)

// ExitCode maps a command error to the process exit status
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var se *session.Error
	if !errors.As(err, &se) {
		return exitFailure
	}
	switch se.Kind {
	case session.KindNotFound:
		return exitNotFound
	case session.KindConnect:
		return exitConnect
	case session.KindSubscribe:
		return exitSubscribe
	case session.KindTransport:
		return exitTransport
	case session.KindIO:
		return exitIO
	default:
		return exitFailure
	}
}

// FormatUserError renders err for the "ERROR: ..." line on stderr. Session
// failures read "<kind>: <detail>".
func FormatUserError(err error) string {
	msg := err.Error()
	var se *session.Error
	if errors.As(err, &se) {
		msg = se.Error()
	}
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		msg = fmt.Sprintf("%s (turn Bluetooth on and retry)", msg)
	case errors.Is(err, device.ErrPermission):
		msg = fmt.Sprintf("%s (run as root or grant the binary CAP_NET_ADMIN)", msg)
	}
	return msg
}
