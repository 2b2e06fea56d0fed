package transport

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"fff0", "fff0"},
		{"FFF0", "fff0"},
		{"0xFFF0", "fff0"},
		{"0000fff0-0000-1000-8000-00805f9b34fb", "fff0"},
		{"0000180A-0000-1000-8000-00805F9B34FB", "180a"},
		{"f000ffc0-0451-4000-b000-000000000000", "f000ffc004514000b000000000000000"},
		{"6e400001-b5a3-f393-e0a9-e50e24dcca9e", "6e400001b5a3f393e0a9e50e24dcca9e"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeUUID(tt.in))
		})
	}
}

func TestEqualUUID(t *testing.T) {
	assert.True(t, EqualUUID("2a26", "00002A26-0000-1000-8000-00805F9B34FB"))
	assert.False(t, EqualUUID("2a26", "2a27"))
}

func TestValidateUUID(t *testing.T) {
	got, err := ValidateUUID("FFF1", "f000ffc1-0451-4000-b000-000000000000")
	require.NoError(t, err)
	assert.Equal(t, []string{"fff1", "f000ffc104514000b000000000000000"}, got)

	_, err = ValidateUUID()
	assert.Error(t, err)

	_, err = ValidateUUID("")
	assert.ErrorContains(t, err, "cannot be empty")

	_, err = ValidateUUID("zzzz")
	assert.ErrorContains(t, err, "invalid UUID format")

	_, err = ValidateUUID("12345")
	assert.ErrorContains(t, err, "invalid UUID format")

	_, err = ValidateUUID("g000ffc1-0451-4000-b000-000000000000")
	assert.ErrorContains(t, err, "invalid UUID format")
}

func TestShortenUUID(t *testing.T) {
	assert.Equal(t, "fff0", ShortenUUID("fff0"))
	assert.Equal(t, "f000ffc0", ShortenUUID("f000ffc004514000b000000000000000"))
}

func TestNormalizeError(t *testing.T) {
	assert.Nil(t, NormalizeError(nil))

	err := NormalizeError(errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"))
	assert.ErrorIs(t, err, ErrBluetoothOff)
	assert.True(t, IsConnectionState(err, BluetoothOff))

	err = NormalizeError(errors.New("device not connected"))
	assert.ErrorIs(t, err, ErrNotConnected)

	err = NormalizeError(errors.New("Device Already Connected"))
	assert.ErrorIs(t, err, ErrAlreadyConnected)

	err = NormalizeError(fmt.Errorf("dial: %w", errors.New("context deadline exceeded")))
	assert.ErrorIs(t, err, ErrTimeout)

	plain := errors.New("something else")
	assert.Same(t, plain, NormalizeError(plain))

	wrapped := fmt.Errorf("%w: detail", ErrNotConnected)
	assert.Same(t, wrapped, NormalizeError(wrapped))
}

func TestConnectionError(t *testing.T) {
	err := &ConnectionError{State: NotConnected, Msg: "peripheral gone"}
	assert.Equal(t, "not_connected: peripheral gone", err.Error())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NotErrorIs(t, err, ErrAlreadyConnected)
}

func TestNotFoundError(t *testing.T) {
	assert.Equal(t, "service not found", (&NotFoundError{Resource: "service"}).Error())
	assert.Equal(t, `service "fff0" not found`, (&NotFoundError{Resource: "service", UUIDs: []string{"fff0"}}).Error())
	assert.Equal(t, `characteristic "fff1" not found in service "fff0"`,
		(&NotFoundError{Resource: "characteristic", UUIDs: []string{"fff0", "fff1"}}).Error())
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "AA:BB:CC:DD:EE:01", NormalizeAddress(" aa:bb:cc:dd:ee:01 "))
	assert.Equal(t, "5C9A3E1F-0000-4B2A-9C1D-2F6B7A8E9D10", NormalizeAddress("5c9a3e1f-0000-4b2a-9c1d-2f6b7a8e9d10"))
}
