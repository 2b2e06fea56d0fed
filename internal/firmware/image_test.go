package firmware

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockAccounting_1600ByteImage(t *testing.T) {
	total := BlockCount(1600)
	require.Equal(t, 100, total)

	var acked []int
	for i := 0; i < total; i++ {
		if IsAckedBlock(i, total) {
			acked = append(acked, i)
		}
	}
	assert.Equal(t, []int{0, 16, 32, 48, 64, 80, 96, 99}, acked)
	assert.Equal(t, 8, AckedBlocks(total))
}

func TestAckedBlocks(t *testing.T) {
	tests := []struct {
		total int
		want  int
	}{
		{0, 0},
		{1, 1},
		{2, 2},
		{16, 2},
		{17, 2},
		{18, 3},
		{33, 3},
	}
	for _, tt := range tests {
		got := 0
		for i := 0; i < tt.total; i++ {
			if IsAckedBlock(i, tt.total) {
				got++
			}
		}
		assert.Equal(t, tt.want, got, "counted acked blocks for %d", tt.total)
		assert.Equal(t, tt.want, AckedBlocks(tt.total), "AckedBlocks(%d)", tt.total)
	}
}

func TestBlockCount(t *testing.T) {
	assert.Equal(t, 0, BlockCount(0))
	assert.Equal(t, 1, BlockCount(1))
	assert.Equal(t, 1, BlockCount(16))
	assert.Equal(t, 2, BlockCount(17))
}

func TestEncodeBlock(t *testing.T) {
	data := make([]byte, 40)
	for i := range data {
		data[i] = byte(i + 1)
	}

	first := EncodeBlock(data, 0)
	assert.Len(t, first, 18)
	assert.Equal(t, []byte{0x00, 0x00}, first[:2])
	assert.Equal(t, data[:16], first[2:])

	last := EncodeBlock(data, 2)
	assert.Equal(t, []byte{0x02, 0x00}, last[:2])
	assert.Equal(t, data[32:40], last[2:10])
	assert.Equal(t, make([]byte, 8), last[10:], "final block MUST be zero padded")

	high := EncodeBlock(make([]byte, 300*16), 258)
	assert.Equal(t, []byte{0x02, 0x01}, high[:2], "index is little endian")
}

func TestIdentity(t *testing.T) {
	img := []byte{0, 1, 2, 3, 0x10, 0x11, 0x20, 0x21, 'B', 'B', 'A', 'S', 0xff}
	id, err := Identity(img)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x10, 0x11, 0x20, 0x21, 'B', 'B', 'A', 'S'}, id)

	id[0] = 0
	assert.Equal(t, byte(0x10), img[4], "identity MUST be a copy")

	_, err = Identity(img[:11])
	assert.Error(t, err)
}

func TestParseVersion(t *testing.T) {
	board, date, ok := ParseVersion("BOARD1/20140101")
	assert.True(t, ok)
	assert.Equal(t, "BOARD1", board)
	assert.Equal(t, "20140101", date)

	board, date, ok = ParseVersion(" BASIC/20141008 1200\n")
	assert.True(t, ok)
	assert.Equal(t, "BASIC", board)
	assert.Equal(t, "20141008 1200", date)

	_, _, ok = ParseVersion("20140101")
	assert.False(t, ok)
	_, _, ok = ParseVersion("/20140101")
	assert.False(t, ok)
	_, _, ok = ParseVersion("")
	assert.False(t, ok)
}

func TestCache(t *testing.T) {
	c := NewCache()

	_, hit := c.Lookup("BASIC/20140101")
	assert.False(t, hit)
	_, ok := c.Image()
	assert.False(t, ok)

	c.StoreCurrent("BASIC/20140101")
	upgrade, hit := c.Lookup("BASIC/20140101")
	assert.True(t, hit)
	assert.False(t, upgrade)
	upgrade, hit = c.Lookup("BASIC/20130101")
	assert.True(t, hit)
	assert.False(t, upgrade, "a known version without a binary is not an upgrade")

	c.StoreImage(Image{Version: "BASIC/20140102", Data: []byte{1, 2}})
	upgrade, hit = c.Lookup("BASIC/20140101")
	assert.True(t, hit)
	assert.True(t, upgrade)
	upgrade, _ = c.Lookup("BASIC/20140102")
	assert.False(t, upgrade)

	img, ok := c.Image()
	assert.True(t, ok)
	assert.Equal(t, "BASIC/20140102", img.Version)

	c.Reset()
	_, hit = c.Lookup("BASIC/20140101")
	assert.False(t, hit)
}
