// Package console binds one device at a time to a text console: mode
// negotiation on connect, chunked writes, incoming text routing and the
// delegate lease the upload and firmware protocols borrow the link with.
package console

import (
	"time"
	"unicode/utf16"

	"github.com/sirupsen/logrus"

	"github.com/srg/blueconsole/internal/callbacks"
	"github.com/srg/blueconsole/internal/device"
	"github.com/srg/blueconsole/internal/dispatch"
	"github.com/srg/blueconsole/internal/gatt"
	"github.com/srg/blueconsole/internal/transport"
)

// MaxPending is the number of UTF-16 code units buffered before a write is
// forced without waiting for a newline.
const MaxPending = 64

// Options configures a Session.
type Options struct {
	// Reconnect re-establishes the link after an unexpected disconnect
	// while the console is idle.
	Reconnect bool
	// Transcript receives unclaimed console text. nil discards it.
	Transcript *Transcript
}

// Session is the console bound to at most one device.
type Session struct {
	queue  dispatch.Queue
	logger *logrus.Logger
	opts   Options

	current  *device.Session
	input    transport.Characteristic
	output   transport.Characteristic
	recovery bool
	pending  []rune

	status    Status
	observers *callbacks.Registry[Status]

	delegate   Delegate
	generation uint64
	timers     *dispatch.TimerGroup
}

// NewSession returns an unbound console.
func NewSession(queue dispatch.Queue, opts Options, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Transcript == nil {
		opts.Transcript = NewTranscript(nil, 0)
	}
	return &Session{
		queue:     queue,
		logger:    logger,
		opts:      opts,
		status:    StatusNotConnected,
		observers: callbacks.NewRegistry[Status](),
		timers:    dispatch.NewTimerGroup(queue),
	}
}

// Queue returns the dispatch queue the session runs on.
func (s *Session) Queue() dispatch.Queue { return s.queue }

// Logger returns the session's logger.
func (s *Session) Logger() *logrus.Logger { return s.logger }

// Transcript returns the sink for unclaimed console text.
func (s *Session) Transcript() *Transcript { return s.opts.Transcript }

// Current returns the bound device, or nil.
func (s *Session) Current() *device.Session { return s.current }

// Status returns the current status.
func (s *Session) Status() Status { return s.status }

// IsConnected reports whether the console is usable for text.
func (s *Session) IsConnected() bool {
	return s.status == StatusConnected || s.status == StatusUpgradeAvailable
}

// IsRecoveryMode reports whether the bound device runs its bootloader.
func (s *Session) IsRecoveryMode() bool { return s.recovery }

// SetStatus changes the status and notifies observers.
func (s *Session) SetStatus(st Status) {
	if s.status == st {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"from": s.status,
		"to":   st,
	}).Debug("Console status")
	s.status = st
	s.observers.Call(st)
}

// OnStatus subscribes fn to status changes.
func (s *Session) OnStatus(fn func(Status)) callbacks.Handle {
	return s.observers.Append(fn)
}

// After schedules fn on the session's queue. The timer is cancelled when
// the session disconnects or rebinds.
func (s *Session) After(d time.Duration, fn func()) dispatch.Timer {
	return s.timers.After(d, fn)
}

// Output returns the resolved output characteristic, or nil.
func (s *Session) Output() transport.Characteristic { return s.output }

// Input returns the resolved input characteristic, or nil.
func (s *Session) Input() transport.Characteristic { return s.input }

// ConnectTo tears down any current binding, then connects dev and works
// out which firmware it runs. cb reports whether a usable mode was found.
// An attempt superseded by a later ConnectTo or Disconnect never reports.
func (s *Session) ConnectTo(dev *device.Session, cb func(bool)) {
	if cb == nil {
		cb = func(bool) {}
	}
	s.Disconnect(func(bool) {
		s.generation++
		gen := s.generation
		s.SetStatus(StatusConnecting)
		s.current = dev
		dev.SetDelegate(s)
		dev.Connect(func(ok bool) {
			if s.generation != gen {
				return
			}
			if !ok {
				s.SetStatus(StatusFailed)
				cb(false)
				return
			}
			dev.Services(func(services map[string]*device.Service) {
				if s.generation != gen {
					return
				}
				s.negotiate(dev, gen, services, cb)
			})
		})
	})
}

func (s *Session) negotiate(dev *device.Session, gen uint64, services map[string]*device.Service, cb func(bool)) {
	comms, hasComms := services[gatt.CommsService]
	_, hasOAD := services[gatt.OADService]
	log := s.logger.WithField("device", dev.ID())

	if !hasComms {
		if hasOAD {
			log.Info("Device is in recovery mode")
			s.enterRecovery()
			cb(true)
			return
		}
		log.WithError(&transport.NotFoundError{Resource: "service", UUIDs: []string{gatt.CommsService}}).Warn("Unsupported device")
		s.teardown(StatusUnsupported, nil)
		cb(false)
		return
	}

	input, _ := comms.Characteristic(gatt.InputChar)
	output, _ := comms.Characteristic(gatt.OutputChar)
	s.input, s.output = input, output
	if input == nil {
		s.fallback(dev, hasOAD, cb)
		return
	}
	dev.ReadCharacteristic(input, func(data []byte) {
		if s.generation != gen {
			return
		}
		if data == nil {
			s.fallback(dev, hasOAD, cb)
			return
		}
		log.Info("Console connected")
		s.SetStatus(StatusConnected)
		dev.Notify(gatt.InputChar, gatt.CommsService)
		cb(true)
	})
}

// fallback handles a console service that cannot be read: the bootloader
// keeps the service around but only serves OAD.
func (s *Session) fallback(dev *device.Session, hasOAD bool, cb func(bool)) {
	if hasOAD {
		s.logger.WithField("device", dev.ID()).Info("Console unreadable, device is in recovery mode")
		s.enterRecovery()
		cb(true)
		return
	}
	s.logger.WithField("device", dev.ID()).Warn("Console unreadable")
	s.teardown(StatusFailed, nil)
	cb(false)
}

func (s *Session) enterRecovery() {
	s.recovery = true
	s.SetStatus(StatusRecoveryMode)
}

// Disconnect unbinds the current device, drops the delegate and cancels
// pending timers, then disconnects the device.
func (s *Session) Disconnect(cb func(bool)) {
	s.teardown(StatusNotConnected, cb)
}

func (s *Session) teardown(final Status, cb func(bool)) {
	old := s.current
	if old == nil {
		if cb != nil {
			s.queue.Post(func() { cb(true) })
		}
		return
	}

	s.current = nil
	s.input, s.output = nil, nil
	s.recovery = false
	s.pending = s.pending[:0]
	s.delegate = nil
	s.generation++
	if n := s.timers.StopAll(); n > 0 {
		s.logger.WithField("timers", n).Debug("Cancelled pending console timers")
	}
	s.SetStatus(final)

	old.SetDelegate(nil)
	old.Disconnect(cb)
}

// Write buffers text and flushes it to the device on every newline, or
// when the buffer exceeds MaxPending UTF-16 code units. It returns the
// number of with-response writes issued.
func (s *Session) Write(text string) int {
	flushes := 0
	for _, r := range text {
		s.pending = append(s.pending, r)
		if r == '\n' || len(utf16.Encode(s.pending)) > MaxPending {
			s.flush()
			flushes++
		}
	}
	return flushes
}

// Backspace removes the last buffered character. It reports false when
// nothing is buffered, since sent text cannot be taken back.
func (s *Session) Backspace() bool {
	if len(s.pending) == 0 {
		return false
	}
	s.pending = s.pending[:len(s.pending)-1]
	return true
}

// Pending returns the buffered, unsent text.
func (s *Session) Pending() string {
	return string(s.pending)
}

func (s *Session) flush() {
	data := []byte(string(s.pending))
	s.pending = s.pending[:0]
	if s.current == nil || s.output == nil {
		s.logger.WithField("bytes", len(data)).Debug("Dropping console write, no output characteristic")
		return
	}
	s.current.Write(data, s.output, transport.WithResponse)
}

// OnDisconnect implements device.Delegate for link losses nobody requested.
// A lease holder decides whether it recovers the link itself; one that
// gives up loses the delegate slot and its timers.
func (s *Session) OnDisconnect() {
	dev := s.current
	if dev == nil {
		return
	}
	log := s.logger.WithField("device", dev.ID())
	if d := s.delegate; d != nil {
		if d.OnLinkLost() {
			log.WithField("status", s.status).Info("Link lost during protocol step")
			return
		}
		s.delegate = nil
		s.generation++
		s.pending = s.pending[:0]
		s.timers.StopAll()
	} else if !s.status.idle() {
		log.WithField("status", s.status).Info("Link lost during protocol step")
		return
	}
	log.Warn("Link lost")
	if s.opts.Reconnect {
		s.ConnectTo(dev, nil)
		return
	}
	s.SetStatus(StatusNotConnected)
}

// OnNotification implements device.Delegate.
func (s *Session) OnNotification(ok bool, uuid string, data []byte) {
	if !ok || s.input == nil || uuid != transport.NormalizeUUID(s.input.UUID()) {
		return
	}
	if s.delegate != nil && s.delegate.OnNotification(uuid, data) {
		return
	}
	s.opts.Transcript.Append(data)
}

// OnWriteComplete implements device.Delegate.
func (s *Session) OnWriteComplete(ok bool, uuid string) {
	if s.delegate != nil {
		s.delegate.OnWriteComplete(uuid, ok)
	}
}
