package gatt

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/srg/blueconsole/internal/transport"
)

func TestIdentifiersAreNormalized(t *testing.T) {
	for _, u := range []string{
		CommsService, InputChar, OutputChar,
		OADService, IdentityChar, BlockChar,
		DeviceInfoService, FirmwareRevision,
	} {
		assert.Equal(t, transport.NormalizeUUID(u), u)
	}

	assert.Equal(t, CommsService, transport.NormalizeUUID("25FB9E91-1616-448D-B5A3-F70A64BDA73A"))
	assert.Equal(t, BlockChar, transport.NormalizeUUID("F000FFC2-0451-4000-B000-000000000000"))
}

func TestName(t *testing.T) {
	assert.Equal(t, "OAD", Name("F000FFC0-0451-4000-B000-000000000000"))
	assert.Equal(t, "Firmware Revision String", Name("0x2A26"))
	assert.Equal(t, "", Name("beef"))
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "Device Information (180a)", Describe("180A"))
	assert.Equal(t, "OAD Image Block (f000ffc2)", Describe(BlockChar))
	assert.Equal(t, "beef", Describe("BEEF"))
}
