// Package gatt holds the fixed GATT identifiers of the BASIC interpreter
// firmware and its OAD bootloader. All values are in normalized form (see
// transport.NormalizeUUID).
package gatt

import "github.com/srg/blueconsole/internal/transport"

const (
	// CommsService carries the interactive console.
	CommsService = "25fb9e911616448db5a3f70a64bda73a"
	// InputChar delivers device output to the client by notification.
	InputChar = "c3fbc9e2676b9fb537492f471dcf07b2"
	// OutputChar accepts client text, written with response.
	OutputChar = "d6af9b3cfe921cb2f74b7afb7de57e6d"

	// OADService is exposed by the bootloader.
	OADService = "f000ffc004514000b000000000000000"
	// IdentityChar receives the 8-byte image identity header.
	IdentityChar = "f000ffc104514000b000000000000000"
	// BlockChar receives the indexed 16-byte image blocks.
	BlockChar = "f000ffc204514000b000000000000000"

	DeviceInfoService = "180a"
	FirmwareRevision  = "2a26"
)

var names = map[string]string{
	CommsService:      "BASIC Console",
	InputChar:         "Console Input",
	OutputChar:        "Console Output",
	OADService:        "OAD",
	IdentityChar:      "OAD Image Identify",
	BlockChar:         "OAD Image Block",
	DeviceInfoService: "Device Information",
	FirmwareRevision:  "Firmware Revision String",
	"1800":            "Generic Access",
	"1801":            "Generic Attribute",
	"180f":            "Battery Service",
	"2a00":            "Device Name",
	"2a19":            "Battery Level",
	"2a29":            "Manufacturer Name String",
	"2a24":            "Model Number String",
}

// Name returns a display name for uuid, or "" if it is not known.
func Name(uuid string) string {
	return names[transport.NormalizeUUID(uuid)]
}

// Describe formats uuid with its display name when one is known.
func Describe(uuid string) string {
	n := transport.NormalizeUUID(uuid)
	if name, ok := names[n]; ok {
		return name + " (" + transport.ShortenUUID(n) + ")"
	}
	return n
}
