// Package firmware checks a remote feed for newer BASIC firmware and
// flashes images over the bootloader's OAD block protocol.
package firmware

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	// BlockSize is the OAD payload carried by one block write.
	BlockSize = 16
	// AckInterval is the cadence of with-response block writes.
	AckInterval = 16

	identityOffset = 4
	identityLength = 8
)

// Image is a firmware binary with the version tag it was published under.
type Image struct {
	Version string
	Data    []byte
}

// Identity returns the 8-byte OAD identity header: version, length in
// words and unique id, taken from image offset 4.
func Identity(data []byte) ([]byte, error) {
	if len(data) < identityOffset+identityLength {
		return nil, fmt.Errorf("image too short for identity header: %d bytes", len(data))
	}
	return append([]byte(nil), data[identityOffset:identityOffset+identityLength]...), nil
}

// BlockCount returns the number of blocks needed for size bytes.
func BlockCount(size int) int {
	return (size + BlockSize - 1) / BlockSize
}

// IsAckedBlock reports whether block i of total is written with response:
// every AckInterval-th block and the final one.
func IsAckedBlock(i, total int) bool {
	return i%AckInterval == 0 || i == total-1
}

// AckedBlocks returns how many of total blocks are written with response.
func AckedBlocks(total int) int {
	if total <= 0 {
		return 0
	}
	n := (total + AckInterval - 1) / AckInterval
	if (total-1)%AckInterval != 0 {
		n++
	}
	return n
}

// EncodeBlock frames block i of data as [u16 LE index][16 bytes], zero
// padding the tail of the final block.
func EncodeBlock(data []byte, i int) []byte {
	block := make([]byte, 2+BlockSize)
	binary.LittleEndian.PutUint16(block[:2], uint16(i))
	start := i * BlockSize
	if start < len(data) {
		copy(block[2:], data[start:min(start+BlockSize, len(data))])
	}
	return block
}

// ParseVersion splits a "<board>/<date>" revision string.
func ParseVersion(v string) (board, date string, ok bool) {
	board, date, ok = strings.Cut(strings.TrimSpace(v), "/")
	if !ok || board == "" {
		return "", "", false
	}
	return board, date, true
}
