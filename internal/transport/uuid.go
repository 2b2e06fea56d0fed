package transport

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// sigBaseSuffix is the tail of the Bluetooth SIG base UUID
// 0000xxxx-0000-1000-8000-00805f9b34fb in normalized form.
const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID to the form used as a map key throughout:
// lowercase hex without dashes or 0x prefix. SIG base UUIDs collapse to
// their 16-bit short form, so "0000FFF0-0000-1000-8000-00805F9B34FB",
// "0xFFF0" and "fff0" are all "fff0".
func NormalizeUUID(s string) string {
	n := strings.ToLower(strings.TrimSpace(s))
	n = strings.TrimPrefix(n, "0x")
	n = strings.ReplaceAll(n, "-", "")
	if len(n) == 32 && strings.HasPrefix(n, "0000") && strings.HasSuffix(n, sigBaseSuffix) {
		return n[4:8]
	}
	return n
}

// EqualUUID reports whether a and b name the same UUID.
func EqualUUID(a, b string) bool {
	return NormalizeUUID(a) == NormalizeUUID(b)
}

// ValidateUUID normalizes each UUID and rejects anything that is neither a
// 16-bit, 32-bit nor 128-bit UUID.
func ValidateUUID(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	result := make([]string, 0, len(uuids))
	for i, raw := range uuids {
		if strings.TrimSpace(raw) == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		n := NormalizeUUID(raw)
		switch len(n) {
		case 4, 8:
			if _, err := strconv.ParseUint(n, 16, 32); err != nil {
				return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, raw)
			}
		case 32:
			if _, err := uuid.Parse(n); err != nil {
				return nil, fmt.Errorf("invalid UUID format at index %d: %s: %w", i, raw, err)
			}
		default:
			return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, raw)
		}
		result = append(result, n)
	}
	return result, nil
}

// ShortenUUID truncates long UUIDs for display.
func ShortenUUID(u string) string {
	if len(u) > 8 {
		return u[:8]
	}
	return u
}

// NormalizeAddress returns the canonical peripheral identifier for a MAC
// address or a CoreBluetooth identifier: trimmed and upper case.
func NormalizeAddress(addr string) string {
	return strings.ToUpper(strings.TrimSpace(addr))
}
