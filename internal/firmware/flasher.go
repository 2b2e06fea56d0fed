package firmware

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blueconsole/internal/console"
	"github.com/srg/blueconsole/internal/device"
	"github.com/srg/blueconsole/internal/dispatch"
	"github.com/srg/blueconsole/internal/gatt"
	"github.com/srg/blueconsole/internal/transport"
)

// RebootCommand asks the application firmware to restart into its bootloader.
const RebootCommand = "REBOOT UP\n"

// FlasherOptions configures a Flasher.
type FlasherOptions struct {
	// RebootDelay is the grace period between the reboot command and the
	// reconnect to the bootloader.
	RebootDelay time.Duration
	// SettleDelay is the wait after the transfer before reconnecting to
	// the new image.
	SettleDelay time.Duration
	// AckTimeout fails the transfer after this long without a block
	// acknowledgment. Zero waits forever.
	AckTimeout time.Duration
}

// DefaultFlasherOptions returns the options used when none are configured.
func DefaultFlasherOptions() FlasherOptions {
	return FlasherOptions{
		RebootDelay: time.Second,
		SettleDelay: 5 * time.Second,
		AckTimeout:  10 * time.Second,
	}
}

type phase int

const (
	phaseIdle phase = iota
	phaseRebooting
	phaseIdentity
	phaseBlocks
)

// Flasher transfers one image to the console's device over OAD.
type Flasher struct {
	console *console.Session
	opts    FlasherOptions
	logger  *logrus.Logger

	dev   *device.Session
	image []byte
	cb    func(bool)
	lease *console.Lease
	timer dispatch.Timer
	phase phase

	identity transport.Characteristic
	block    transport.Characteristic
	total    int
	acked    int
	written  int
}

// NewFlasher returns a flasher for s.
func NewFlasher(s *console.Session, opts FlasherOptions) *Flasher {
	return &Flasher{console: s, opts: opts, logger: s.Logger()}
}

// Upgrade flashes image and resolves cb once the device is reconnected
// running it. A device in application mode is rebooted into its
// bootloader first. cb never fires if the console is disconnected
// mid-transfer.
func (f *Flasher) Upgrade(image []byte, cb func(bool)) {
	if cb == nil {
		cb = func(bool) {}
	}
	q := f.console.Queue()
	dev := f.console.Current()
	if dev == nil {
		f.logger.Warn("Firmware upgrade needs a bound device")
		q.Post(func() { cb(false) })
		return
	}
	if _, err := Identity(image); err != nil {
		f.logger.WithError(err).Error("Invalid firmware image")
		q.Post(func() { cb(false) })
		return
	}
	// The lease is lost when the console is torn down mid-upgrade.
	if f.phase != phaseIdle && f.lease.Held() {
		f.logger.Warn("Firmware upgrade already in progress")
		q.Post(func() { cb(false) })
		return
	}

	f.dev, f.image, f.cb = dev, image, cb
	log := f.logger.WithFields(logrus.Fields{
		"device": dev.ID(),
		"bytes":  len(image),
	})

	if f.console.IsRecoveryMode() {
		log.Info("Device already in recovery mode, flashing")
		f.flash()
		return
	}

	log.Info("Rebooting device into bootloader")
	f.phase = phaseRebooting
	f.lease = f.console.Acquire(f)
	f.console.SetStatus(console.StatusRebooting)
	f.console.Write(RebootCommand)
	f.console.After(f.opts.RebootDelay, func() {
		f.lease.Release()
		f.reconnect(func(ok bool) {
			if !ok {
				f.fail("reconnect to bootloader failed")
				return
			}
			f.flash()
		})
	})
}

// reconnect rebinds the console to the same device.
func (f *Flasher) reconnect(cb func(bool)) {
	dev := f.dev
	f.console.Disconnect(func(bool) {
		f.console.ConnectTo(dev, cb)
	})
}

func (f *Flasher) flash() {
	dev := f.dev
	dev.Services(func(services map[string]*device.Service) {
		if f.console.Current() != dev {
			return
		}
		oad, ok := services[gatt.OADService]
		if !ok {
			f.fail("bootloader service not found")
			return
		}
		identity, ok1 := oad.Characteristic(gatt.IdentityChar)
		block, ok2 := oad.Characteristic(gatt.BlockChar)
		if !ok1 || !ok2 {
			f.fail("bootloader characteristics not found")
			return
		}

		header, _ := Identity(f.image)
		f.identity, f.block = identity, block
		f.total = BlockCount(len(f.image))
		f.acked = AckedBlocks(f.total)
		f.written = 0
		f.phase = phaseIdentity
		f.lease = f.console.Acquire(f)
		f.console.SetStatus(console.Upgrading(0))

		f.logger.WithFields(logrus.Fields{
			"blocks": f.total,
			"acked":  f.acked,
		}).Info("Sending image identity")
		dev.Write(header, identity, transport.WithResponse)
		f.arm()
	})
}

func (f *Flasher) stream() {
	f.phase = phaseBlocks
	for i := 0; i < f.total; i++ {
		mode := transport.WithoutResponse
		if IsAckedBlock(i, f.total) {
			mode = transport.WithResponse
		}
		f.dev.Write(EncodeBlock(f.image, i), f.block, mode)
	}
	f.logger.WithField("blocks", f.total).Debug("Image blocks queued")

	// The device reboots on the final block, so its ack never arrives.
	if f.acked-1 <= 0 {
		f.complete()
		return
	}
	f.arm()
}

// OnNotification implements console.Delegate. The bootloader sends none.
func (f *Flasher) OnNotification(uuid string, data []byte) bool {
	return false
}

// OnLinkLost implements console.Delegate. The device drops the link on
// reboot and after the final block; the flasher reconnects on its own.
func (f *Flasher) OnLinkLost() bool {
	return f.phase != phaseIdle
}

// OnWriteComplete implements console.Delegate.
func (f *Flasher) OnWriteComplete(uuid string, ok bool) {
	switch {
	case transport.EqualUUID(uuid, gatt.IdentityChar):
		if f.phase != phaseIdentity {
			return
		}
		if !ok {
			f.fail("identity rejected")
			return
		}
		f.stream()

	case transport.EqualUUID(uuid, gatt.BlockChar):
		if f.phase != phaseBlocks {
			return
		}
		if !ok {
			f.logger.WithField("acked", f.written).Warn("Block write failed")
		}
		f.written++
		if f.written >= f.acked-1 {
			f.complete()
			return
		}
		f.console.SetStatus(console.Upgrading(100 * f.written / f.acked))
		f.arm()
	}
}

func (f *Flasher) complete() {
	f.stop()
	f.phase = phaseIdle
	f.lease.Release()
	f.logger.WithFields(logrus.Fields{
		"blocks": f.total,
		"acked":  f.written,
	}).Info("Image transferred, waiting for device to restart")

	f.console.SetStatus(console.StatusWaiting)
	cb := f.cb
	f.cb = nil
	f.console.After(f.opts.SettleDelay, func() {
		f.reconnect(cb)
	})
}

func (f *Flasher) fail(reason string) {
	f.stop()
	f.phase = phaseIdle
	if f.lease.Held() {
		f.lease.Release()
	}
	f.logger.WithFields(logrus.Fields{
		"reason":  reason,
		"written": f.written,
		"acked":   f.acked,
	}).Error("Firmware upgrade failed")
	f.console.SetStatus(console.StatusFailed)
	if cb := f.cb; cb != nil {
		f.cb = nil
		cb(false)
	}
}

func (f *Flasher) arm() {
	f.stop()
	if f.opts.AckTimeout <= 0 {
		return
	}
	f.timer = f.console.After(f.opts.AckTimeout, func() {
		f.timer = nil
		f.fail("acknowledgment timed out")
	})
}

func (f *Flasher) stop() {
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}
