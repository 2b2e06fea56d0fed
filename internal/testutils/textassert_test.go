package testutils

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/srg/blueconsole/internal/transport"
	"github.com/srg/blueconsole/internal/transport/simulated"
)

type recordingT struct {
	errors []string
}

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.errors = append(r.errors, fmt.Sprintf(format, args...))
}

func (r *recordingT) Helper() {}

func TestNewTextAsserter_Defaults(t *testing.T) {
	opts := NewTextAsserter(t).Options()

	assert.True(t, opts.TrimSpace)
	assert.True(t, opts.IgnoreTrailingWhitespace)
	assert.False(t, opts.Colors)
	assert.Equal(t, "expected", opts.ExpectedLabel)
	assert.Equal(t, "actual", opts.ActualLabel)
}

func TestTextAsserter_Equal(t *testing.T) {
	rec := &recordingT{}
	a := NewTextAsserter(rec)

	assert.True(t, a.Equal("NEW\nEND\n", "  NEW  \nEND"))
	assert.Empty(t, rec.errors)

	assert.False(t, a.Equal("NEW\nEND\n", "NEW\nRUN\n"))
	assert.Len(t, rec.errors, 1)
	assert.Contains(t, rec.errors[0], "-END")
	assert.Contains(t, rec.errors[0], "+RUN")
}

func TestTextAsserter_ExactWhitespace(t *testing.T) {
	rec := &recordingT{}
	a := NewTextAsserter(rec, WithExactWhitespace())

	assert.False(t, a.Equal("OK\n", "OK \n"))
	assert.Len(t, rec.errors, 1)
}

func TestDiff_Colors(t *testing.T) {
	opts := NewTextAsserter(t, WithColors(true)).Options()
	d := Diff("a b", "a c", opts)

	assert.Contains(t, d, "\x1b[")
	assert.Contains(t, d, "a·b")
}

func TestWireLog(t *testing.T) {
	log := WireLog([]simulated.Write{
		{Char: "d6af9b3cfe921cb2f74b7afb7de57e6d", Data: []byte("NEW\n"), Mode: transport.WithResponse},
		{Char: "f000ffc204514000b000000000000000", Data: []byte{0x01, 0x00, 0xff}, Mode: transport.WithoutResponse},
	})

	lines := strings.Split(strings.TrimSpace(log), "\n")
	assert.Equal(t, []string{
		`rsp d6af9b3c "NEW\n"`,
		`cmd f000ffc2 01 00 ff`,
	}, lines)
}
