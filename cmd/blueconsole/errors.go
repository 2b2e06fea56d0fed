package main

import (
	"errors"
	"fmt"
	"net"

	"github.com/srg/blueconsole/internal/firmware"
	"github.com/srg/blueconsole/internal/transport"
)

// Command-level errors
var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrConnectFailed  = errors.New("could not connect to device")
	// ErrConnectionLost indicates the link dropped while an operation was
	// waiting for the device.
	ErrConnectionLost = errors.New("connection lost")
	ErrUploadFailed   = errors.New("upload failed")
	ErrUpgradeFailed  = errors.New("firmware upgrade failed")
	ErrNoConsole      = errors.New("device does not run the BASIC console")
)

// FormatUserError turns err into a one-line message with a hint where the
// cause is something the user can fix.
func FormatUserError(err error) string {
	var statusErr *firmware.StatusError
	var netErr net.Error
	switch {
	case errors.Is(err, transport.ErrBluetoothOff):
		return "Bluetooth is turned off. Turn it on and try again."
	case errors.Is(err, transport.ErrUnsupported):
		return "this BLE backend is not supported on this platform; try --backend=tinygo"
	case errors.Is(err, ErrDeviceNotFound):
		return fmt.Sprintf("%s. Is the board powered and advertising? Try 'blueconsole scan'.", err)
	case errors.Is(err, transport.ErrTimeout):
		return fmt.Sprintf("%s (the device did not answer in time)", err)
	case errors.As(err, &statusErr):
		return fmt.Sprintf("firmware feed returned HTTP %d for %s", statusErr.Code, statusErr.URL)
	case errors.As(err, &netErr):
		return fmt.Sprintf("network error: %s", err)
	default:
		return err.Error()
	}
}
