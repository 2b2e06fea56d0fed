//go:build !darwin && !linux

package goble

import (
	"github.com/go-ble/ble"

	"github.com/srg/blueconsole/internal/transport"
)

func newDevice() (ble.Device, error) {
	return nil, transport.ErrUnsupported
}
