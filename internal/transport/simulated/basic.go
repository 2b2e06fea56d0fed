package simulated

import (
	"encoding/binary"
	"strings"
	"sync"

	"github.com/srg/blueconsole/internal/gatt"
	"github.com/srg/blueconsole/internal/transport"
)

const oadBlockSize = 16

// BasicDevice emulates a board running the BASIC interpreter firmware and
// its OAD bootloader. Program lines (starting with a digit) are stored
// silently, any other command answers "OK\n", and "REBOOT UP" restarts the
// board into the bootloader. Flashing the final image block restarts it
// into the application again, reporting NextVersion.
type BasicDevice struct {
	*Peripheral

	mu          sync.Mutex
	version     string
	nextVersion string
	bootloader  bool
	line        []byte
	program     []string
	expected    int
	blocks      map[int][]byte

	input    *Characteristic
	revision *Characteristic
}

// NewBasicDevice returns an emulated board in application mode reporting version.
func NewBasicDevice(id, name, version string, rssi int) *BasicDevice {
	d := &BasicDevice{
		Peripheral: NewPeripheral(id, name, rssi),
		version:    version,
		blocks:     make(map[int][]byte),
	}
	d.OnWrite = d.handleWrite
	d.DropAck = d.finalBlock
	d.applicationProfile()
	return d
}

// SetNextVersion sets the version reported after a completed flash.
func (d *BasicDevice) SetNextVersion(v string) {
	d.mu.Lock()
	d.nextVersion = v
	d.mu.Unlock()
}

// Version returns the firmware revision the board currently reports.
func (d *BasicDevice) Version() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// Bootloader reports whether the board is running its bootloader.
func (d *BasicDevice) Bootloader() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bootloader
}

// Program returns the stored program lines.
func (d *BasicDevice) Program() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.program...)
}

// Flashed reassembles the image received through the block characteristic.
func (d *BasicDevice) Flashed() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []byte
	for i := 0; i < len(d.blocks); i++ {
		out = append(out, d.blocks[i]...)
	}
	return out
}

// EnterBootloader switches the profile to the bootloader without a link drop,
// for boards that were already stuck in recovery when first seen.
func (d *BasicDevice) EnterBootloader() {
	d.mu.Lock()
	d.bootloader = true
	d.mu.Unlock()
	d.bootloaderProfile()
}

func (d *BasicDevice) applicationProfile() {
	d.mu.Lock()
	version := d.version
	d.mu.Unlock()

	d.input = NewCharacteristic(gatt.InputChar, []byte{})
	d.revision = NewCharacteristic(gatt.FirmwareRevision, []byte(version))
	d.SetServices(
		NewService(gatt.CommsService, d.input, NewCharacteristic(gatt.OutputChar, nil)),
		NewService(gatt.DeviceInfoService, d.revision),
	)
}

func (d *BasicDevice) bootloaderProfile() {
	// The bootloader keeps the console service but cannot serve it.
	d.input = NewCharacteristic(gatt.InputChar, nil).FailReads(transport.ErrUnsupported)
	d.SetServices(
		NewService(gatt.CommsService, d.input, NewCharacteristic(gatt.OutputChar, nil)),
		NewService(gatt.OADService,
			NewCharacteristic(gatt.IdentityChar, nil),
			NewCharacteristic(gatt.BlockChar, nil)),
	)
}

func (d *BasicDevice) handleWrite(p *Peripheral, w Write) {
	switch w.Char {
	case gatt.OutputChar:
		d.handleConsole(w.Data)
	case gatt.IdentityChar:
		d.handleIdentity(w.Data)
	case gatt.BlockChar:
		d.handleBlock(w.Data)
	}
}

func (d *BasicDevice) handleConsole(data []byte) {
	d.mu.Lock()
	if d.bootloader {
		d.mu.Unlock()
		return
	}
	d.line = append(d.line, data...)
	var lines []string
	for {
		i := strings.IndexByte(string(d.line), '\n')
		if i < 0 {
			break
		}
		lines = append(lines, strings.TrimRight(string(d.line[:i]), "\r"))
		d.line = d.line[i+1:]
	}
	d.mu.Unlock()

	for _, line := range lines {
		d.execute(line)
	}
}

func (d *BasicDevice) execute(line string) {
	cmd := strings.TrimSpace(line)
	switch {
	case cmd == "":
	case cmd[0] >= '0' && cmd[0] <= '9':
		d.mu.Lock()
		d.program = append(d.program, cmd)
		d.mu.Unlock()
	case strings.EqualFold(cmd, "NEW"):
		d.mu.Lock()
		d.program = nil
		d.mu.Unlock()
		d.reply("OK\n")
	case strings.EqualFold(cmd, "LIST"):
		for _, l := range d.Program() {
			d.reply(l + "\n")
		}
		d.reply("OK\n")
	case strings.EqualFold(cmd, "REBOOT UP"):
		d.mu.Lock()
		d.bootloader = true
		d.line = nil
		d.mu.Unlock()
		d.bootloaderProfile()
		d.Drop()
	default:
		d.reply("OK\n")
	}
}

func (d *BasicDevice) reply(s string) {
	if d.Notifying(gatt.InputChar) {
		d.Notify(gatt.InputChar, []byte(s))
	}
}

func (d *BasicDevice) handleIdentity(hdr []byte) {
	if len(hdr) < 4 {
		return
	}
	words := int(binary.LittleEndian.Uint16(hdr[2:4]))
	d.mu.Lock()
	d.expected = (words*4 + oadBlockSize - 1) / oadBlockSize
	d.blocks = make(map[int][]byte)
	d.mu.Unlock()
}

func (d *BasicDevice) handleBlock(data []byte) {
	if len(data) < 2 {
		return
	}
	index := int(binary.LittleEndian.Uint16(data[:2]))
	d.mu.Lock()
	d.blocks[index] = append([]byte(nil), data[2:]...)
	done := d.expected > 0 && index == d.expected-1
	if done {
		d.bootloader = false
		if d.nextVersion != "" {
			d.version = d.nextVersion
		}
	}
	d.mu.Unlock()

	if done {
		d.applicationProfile()
		d.Drop()
	}
}

// finalBlock loses the acknowledgment of the last block: the board reboots
// into the new image before it can answer.
func (d *BasicDevice) finalBlock(w Write) bool {
	if w.Char != gatt.BlockChar || len(w.Data) < 2 {
		return false
	}
	index := int(binary.LittleEndian.Uint16(w.Data[:2]))
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.expected > 0 && index == d.expected-1
}

// BuildImage returns a firmware image of size bytes whose identity header
// carries version and the length in 4-byte words, as the bootloader expects.
func BuildImage(size int, version uint16) []byte {
	if size < 12 {
		size = 12
	}
	img := make([]byte, size)
	for i := range img {
		img[i] = byte(i * 7)
	}
	binary.LittleEndian.PutUint16(img[4:6], version)
	binary.LittleEndian.PutUint16(img[6:8], uint16((size+3)/4))
	copy(img[8:12], "BBAS")
	return img
}
