package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blueconsole/internal/console"
	"github.com/srg/blueconsole/internal/dispatch"
	"github.com/srg/blueconsole/internal/firmware"
	"github.com/srg/blueconsole/internal/gatt"
	"github.com/srg/blueconsole/internal/testutils"
	"github.com/srg/blueconsole/internal/transport"
	"github.com/srg/blueconsole/internal/transport/simulated"
)

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.0", formatVersion("1.2.0"))
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "", formatVersion(""))
}

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"bluetooth off", fmt.Errorf("scan: %w", transport.ErrBluetoothOff), "Bluetooth is turned off"},
		{"unsupported", transport.ErrUnsupported, "--backend=tinygo"},
		{"not found", fmt.Errorf("%w: BASIC#1", ErrDeviceNotFound), "device not found: BASIC#1. Is the board powered"},
		{"timeout", fmt.Errorf("read: %w", transport.ErrTimeout), "did not answer in time"},
		{"feed status", &firmware.StatusError{URL: "http://x/BASIC.bin", Code: 404}, "HTTP 404 for http://x/BASIC.bin"},
		{"plain", errors.New("boom"), "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, FormatUserError(tt.err), tt.want)
		})
	}
}

func TestStatusPrinter(t *testing.T) {
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = false })

	var out bytes.Buffer
	p := NewStatusPrinter(&out, "")
	p.Print(console.StatusConnected)
	p.Print(console.StatusConnected)
	p.Print(console.Sending(10))
	p.Print(console.Sending(50))
	p.Print(console.StatusConnected)
	p.Print(console.Upgrading(0))
	p.Finish()

	want := "[Connected]\n" +
		clearLineSequence + "[Sending...10%]" +
		clearLineSequence + "[Sending...50%]" +
		clearLineSequence + "[Connected]\n" +
		clearLineSequence + "[Upgrading...0%]\n"
	testutils.NewTextAsserter(t, testutils.WithExactWhitespace()).Equal(want, out.String())
}

func TestCRLFWriter(t *testing.T) {
	var out bytes.Buffer
	w := &crlfWriter{w: &out}
	n, err := w.Write([]byte("10 PRINT 1\nOK\n"))
	require.NoError(t, err)
	assert.Equal(t, 14, n, "callers see the length they wrote")
	assert.Equal(t, "10 PRINT 1\r\nOK\r\n", out.String())
}

// boundRig returns a rig whose console is connected to a BASIC board.
func boundRig(t *testing.T) (*testutils.Rig, *simulated.BasicDevice) {
	rig := testutils.NewRig(t, console.Options{})
	board := simulated.NewBasicDevice("AA:BB:CC:DD:EE:01", "BASIC#1", "BASIC/20140101", -50)
	require.True(t, rig.ConnectConsole(rig.Discover(board.Peripheral)))
	board.ResetWrites()
	return rig, board
}

func sentText(board *simulated.BasicDevice) string {
	var sent string
	for _, w := range board.WritesTo(gatt.OutputChar) {
		sent += string(w.Data)
	}
	return sent
}

func TestInputFeeder_EditsAndEchoes(t *testing.T) {
	rig, board := boundRig(t)
	var echo bytes.Buffer
	f := &inputFeeder{echo: &echo}

	assert.False(t, f.Feed(rig.Console, []byte("PRIMT\x7f\x08NT 1\r")))
	rig.Queue.RunUntilIdle()

	assert.Equal(t, "PRINT 1\n", sentText(board))
	assert.Equal(t, "PRIMT\b \b\b \bNT 1\n", echo.String())
}

func TestInputFeeder_BackspaceOnEmptyLineIsSilent(t *testing.T) {
	rig, board := boundRig(t)
	var echo bytes.Buffer
	f := &inputFeeder{echo: &echo}

	f.Feed(rig.Console, []byte{keyDelete})
	rig.Queue.RunUntilIdle()

	assert.Empty(t, echo.String())
	assert.Empty(t, sentText(board))
}

func TestInputFeeder_SplitUTF8(t *testing.T) {
	rig, board := boundRig(t)
	f := &inputFeeder{}
	snowman := []byte("☃")

	f.Feed(rig.Console, append([]byte("PRINT \""), snowman[:1]...))
	f.Feed(rig.Console, append(snowman[1:], []byte("\"\r")...))
	rig.Queue.RunUntilIdle()

	assert.Equal(t, "PRINT \"☃\"\n", sentText(board))
}

func TestInputFeeder_QuitKeys(t *testing.T) {
	rig, board := boundRig(t)

	assert.True(t, (&inputFeeder{}).Feed(rig.Console, []byte("LIST\r\x1dRUN\r")))
	assert.True(t, (&inputFeeder{}).Feed(rig.Console, []byte{keyEOT}))
	rig.Queue.RunUntilIdle()

	assert.Equal(t, "LIST\n", sentText(board))
}

func TestPumpInput_StopsWhenQueueIsClosed(t *testing.T) {
	q := dispatch.NewSerial(context.Background(), "test", nil)
	q.Close()
	a := &app{queue: q}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- pumpInput(ctx, strings.NewReader("LIST\r"), a, &inputFeeder{}) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("input pump MUST return once its context ends")
	}
}
