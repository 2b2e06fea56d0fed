package device

import (
	"sort"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/blueconsole/internal/callbacks"
	"github.com/srg/blueconsole/internal/dispatch"
	"github.com/srg/blueconsole/internal/transport"
)

// Manager owns the central: scanning, the peripheral registry and the
// connection lifecycle of every Session.
type Manager struct {
	central transport.Central
	queue   dispatch.Queue
	logger  *logrus.Logger

	scanning bool
	devices  *hashmap.Map[string, *Session]
	finders  *callbacks.Registry[*Session]
}

// NewManager installs the manager as central's event handler.
func NewManager(central transport.Central, queue dispatch.Queue, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	m := &Manager{
		central: central,
		queue:   queue,
		logger:  logger,
		devices: hashmap.New[string, *Session](),
		finders: callbacks.NewRegistry[*Session](),
	}
	central.SetHandler(m)
	return m
}

// Queue returns the dispatch queue every session callback runs on.
func (m *Manager) Queue() dispatch.Queue {
	return m.queue
}

// FindDevices subscribes fn to every discovery report and starts scanning.
// If the radio is not powered on yet, the scan starts when it is. fn sees
// repeated reports of the same device; de-duplication is up to the caller.
func (m *Manager) FindDevices(fn func(*Session)) callbacks.Handle {
	h := m.finders.Append(fn)
	if !m.scanning {
		m.scanning = true
		if m.central.State() == transport.PoweredOn {
			m.startScan()
		} else {
			m.logger.WithField("state", m.central.State()).Debug("Radio not ready, deferring scan")
		}
	}
	return h
}

// StopScan stops discovery and drops every FindDevices subscriber.
func (m *Manager) StopScan() {
	if !m.scanning {
		return
	}
	m.scanning = false
	m.central.StopScan()
	m.finders.Clear()
}

// Scanning reports whether a scan has been requested.
func (m *Manager) Scanning() bool {
	return m.scanning
}

// Lookup returns the session for a peripheral identifier. Safe from any goroutine.
func (m *Manager) Lookup(id string) (*Session, bool) {
	return m.devices.Get(id)
}

// Devices returns every known session sorted by identifier. Safe from any goroutine.
func (m *Manager) Devices() []*Session {
	out := make([]*Session, 0, m.devices.Len())
	m.devices.Range(func(_ string, s *Session) bool {
		out = append(out, s)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Connect connects s and resolves cb with the outcome. Connecting an
// already connected session resolves true on the next tick; callers racing
// an in-flight attempt share its outcome.
func (m *Manager) Connect(s *Session, cb func(bool)) {
	if s.state == Connected {
		if cb != nil {
			m.queue.Post(func() { cb(true) })
		}
		return
	}
	s.connectCallbacks.Append(cb)
	if s.state == Connecting {
		return
	}
	s.state = Connecting
	m.logger.WithFields(logrus.Fields{
		"device": s.id,
		"name":   s.name,
	}).Info("Connecting")
	m.central.Connect(s.peripheral)
}

// Disconnect disconnects s and resolves cb once the link is down.
func (m *Manager) Disconnect(s *Session, cb func(bool)) {
	switch s.state {
	case Disconnected:
		if cb != nil {
			m.queue.Post(func() { cb(true) })
		}
		return
	case Connecting:
		// Backends are not required to report the cancellation of a pending connect.
		m.central.CancelConnection(s.peripheral)
		s.markDisconnected()
		s.connectCallbacks.Call(false)
		if cb != nil {
			m.queue.Post(func() { cb(true) })
		}
		return
	}
	s.disconnectCallbacks.Append(cb)
	m.central.CancelConnection(s.peripheral)
}

func (m *Manager) session(p transport.Peripheral) (*Session, bool) {
	s, ok := m.devices.Get(p.ID())
	if !ok {
		m.logger.WithField("device", p.ID()).Debug("Event for unknown peripheral")
	}
	return s, ok
}

func (m *Manager) startScan() {
	if err := m.central.Scan(); err != nil {
		m.logger.WithError(transport.NormalizeError(err)).Warn("Scan failed to start")
	}
}

// StateChanged implements transport.CentralHandler.
func (m *Manager) StateChanged(state transport.PowerState) {
	m.queue.Post(func() {
		m.logger.WithField("state", state).Debug("Radio state changed")
		if state == transport.PoweredOn && m.scanning {
			m.startScan()
		}
	})
}

// Discovered implements transport.CentralHandler.
func (m *Manager) Discovered(p transport.Peripheral, rssi int) {
	m.queue.Post(func() {
		if !m.scanning {
			return
		}
		s, ok := m.devices.Get(p.ID())
		if ok {
			s.updateRSSI(rssi)
		} else {
			if rssi == transport.RSSIUnavailable {
				rssi = 0
			}
			s, _ = m.devices.GetOrInsert(p.ID(), newSession(m, p, rssi))
			m.logger.WithFields(logrus.Fields{
				"device": s.id,
				"name":   s.name,
				"rssi":   s.rssi,
			}).Debug("Discovered device")
		}
		m.finders.Call(s)
	})
}

// Connected implements transport.CentralHandler.
func (m *Manager) Connected(p transport.Peripheral) {
	m.queue.Post(func() {
		s, ok := m.session(p)
		if !ok {
			return
		}
		if s.state != Connecting {
			// The attempt was cancelled; drop the late link.
			m.central.CancelConnection(p)
			return
		}
		s.markConnected()
		m.logger.WithField("device", s.id).Info("Connected")
		s.connectCallbacks.Call(true)
	})
}

// ConnectFailed implements transport.CentralHandler.
func (m *Manager) ConnectFailed(p transport.Peripheral, err error) {
	m.queue.Post(func() {
		s, ok := m.session(p)
		if !ok {
			return
		}
		m.logger.WithFields(logrus.Fields{
			"device": s.id,
			"error":  transport.NormalizeError(err),
		}).Warn("Connect failed")
		s.state = Disconnected
		s.connectCallbacks.Call(false)
	})
}

// Disconnected implements transport.CentralHandler.
func (m *Manager) Disconnected(p transport.Peripheral, err error) {
	m.queue.Post(func() {
		s, ok := m.session(p)
		if !ok {
			return
		}
		wasConnected := s.state == Connected
		log := m.logger.WithField("device", s.id)
		switch {
		case err == nil:
			log.Info("Disconnected")
		case transport.IsConnectionState(transport.NormalizeError(err), transport.NotConnected):
			log.WithError(err).Info("Link lost")
		default:
			log.WithError(transport.NormalizeError(err)).Warn("Disconnected with error")
		}

		s.markDisconnected()
		s.connectCallbacks.Call(false)
		requested := s.disconnectCallbacks.Len() > 0
		s.disconnectCallbacks.Call(true)
		if wasConnected && !requested && s.delegate != nil {
			s.delegate.OnDisconnect()
		}
	})
}
