// Package upload sends a BASIC program to the device through the console.
//
// The program is framed as "NEW", the program lines and "END", one per
// line. The interpreter answers "OK" to NEW and to END only, so the upload
// is complete after exactly two OK notifications.
package upload

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blueconsole/internal/console"
	"github.com/srg/blueconsole/internal/device"
	"github.com/srg/blueconsole/internal/dispatch"
)

const ack = "OK\n"

// DefaultAckTimeout bounds the silence between two acknowledgments.
const DefaultAckTimeout = 30 * time.Second

// Options configures an Uploader.
type Options struct {
	// AckTimeout fails the upload after this long without a write
	// completion or notification. Zero waits forever.
	AckTimeout time.Duration
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{AckTimeout: DefaultAckTimeout}
}

// Uploader runs one upload at a time over a console session.
type Uploader struct {
	console *console.Session
	opts    Options
	logger  *logrus.Logger

	lease   *console.Lease
	cb      func(bool)
	timer   dispatch.Timer
	wrote   int
	written int
	oks     int
	active  bool
}

// New returns an Uploader for s.
func New(s *console.Session, opts Options) *Uploader {
	return &Uploader{console: s, opts: opts, logger: s.Logger()}
}

// Upload sends lines and resolves cb with the outcome. cb never fires if
// the console is disconnected or the link drops mid-transfer.
func (u *Uploader) Upload(lines []string, cb func(bool)) {
	if cb == nil {
		cb = func(bool) {}
	}
	// A transfer whose console was torn down no longer holds the lease.
	if u.active && u.lease.Held() {
		u.logger.Warn("Upload already in progress")
		u.console.Queue().Post(func() { cb(false) })
		return
	}
	if !u.console.IsConnected() {
		u.logger.WithField("status", u.console.Status()).Warn("Upload needs a connected console")
		u.console.Queue().Post(func() { cb(false) })
		return
	}

	u.active = true
	u.cb = cb
	u.wrote, u.written, u.oks = 0, 0, 0
	u.lease = u.console.Acquire(u)
	u.console.SetStatus(console.Sending(0))

	u.logger.WithField("lines", len(lines)).Info("Uploading program")
	u.wrote += u.console.Write("NEW\n")
	for _, line := range lines {
		u.wrote += u.console.Write(line + "\n")
	}
	u.wrote += u.console.Write("END\n")
	u.arm()
}

// UploadReader reads a program from r and uploads it.
func (u *Uploader) UploadReader(r io.Reader, cb func(bool)) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading program: %w", err)
	}
	u.Upload(SplitLines(string(data)), cb)
	return nil
}

// SplitLines breaks program text into lines, accepting CRLF endings and
// ignoring a trailing newline.
func SplitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// Progress returns the acknowledged share of the transfer in percent.
func (u *Uploader) Progress() int {
	if u.wrote == 0 {
		return 0
	}
	p := 100 * u.written / u.wrote
	if p > 100 {
		p = 100
	}
	return p
}

// OnNotification implements console.Delegate.
func (u *Uploader) OnNotification(uuid string, data []byte) bool {
	if !u.active {
		return false
	}
	u.arm()
	if string(data) != ack {
		return false
	}
	u.oks++
	if u.oks < 2 {
		return false
	}
	u.finish(true)
	return true
}

// OnWriteComplete implements console.Delegate.
func (u *Uploader) OnWriteComplete(uuid string, ok bool) {
	if !u.active {
		return
	}
	if !ok {
		u.logger.WithField("char", uuid).Warn("Upload write failed")
	}
	u.written++
	u.console.SetStatus(console.Sending(u.Progress()))
	u.arm()
}

// OnLinkLost implements console.Delegate. A dropped transfer is abandoned
// without reporting and the console takes the link loss.
func (u *Uploader) OnLinkLost() bool {
	if !u.active {
		return false
	}
	u.logger.WithFields(logrus.Fields{
		"oks":      u.oks,
		"progress": u.Progress(),
	}).Warn("Link lost, upload abandoned")
	u.active = false
	u.stop()
	u.lease.Release()
	u.cb = nil
	return false
}

func (u *Uploader) arm() {
	u.stop()
	if u.opts.AckTimeout <= 0 {
		return
	}
	u.timer = u.console.After(u.opts.AckTimeout, func() {
		u.timer = nil
		u.logger.WithFields(logrus.Fields{
			"timeout": u.opts.AckTimeout,
			"oks":     u.oks,
		}).Warn("Upload acknowledgment timed out")
		u.finish(false)
	})
}

func (u *Uploader) finish(ok bool) {
	if !u.active {
		return
	}
	u.active = false
	u.stop()
	if u.lease.Held() {
		u.lease.Release()
		if dev := u.console.Current(); dev != nil && dev.State() == device.Connected {
			u.console.SetStatus(console.StatusConnected)
		}
	}
	u.logger.WithField("ok", ok).Info("Upload finished")
	cb := u.cb
	u.cb = nil
	cb(ok)
}

func (u *Uploader) stop() {
	if u.timer != nil {
		u.timer.Stop()
		u.timer = nil
	}
}
