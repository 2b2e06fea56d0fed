package device

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/blueconsole/internal/callbacks"
	"github.com/srg/blueconsole/internal/gatt"
	"github.com/srg/blueconsole/internal/transport"
)

// Session is the long-lived handle of one peripheral. It survives connect
// cycles; its service cache is rebuilt after every reconnect.
type Session struct {
	manager    *Manager
	peripheral transport.Peripheral
	logger     *logrus.Logger

	id    string
	name  string
	rssi  int
	state State

	services         map[string]*Service
	populated        bool
	discoveryFailed  bool
	pendingDiscovery int

	serviceCallbacks    *callbacks.OneShot[map[string]*Service]
	readCallbacks       map[string]*callbacks.OneShot[[]byte]
	connectCallbacks    *callbacks.OneShot[bool]
	disconnectCallbacks *callbacks.OneShot[bool]

	delegate Delegate
}

func newSession(m *Manager, p transport.Peripheral, rssi int) *Session {
	s := &Session{
		manager:             m,
		peripheral:          p,
		logger:              m.logger,
		id:                  p.ID(),
		name:                p.Name(),
		rssi:                rssi,
		services:            make(map[string]*Service),
		serviceCallbacks:    callbacks.NewOneShot[map[string]*Service](),
		readCallbacks:       make(map[string]*callbacks.OneShot[[]byte]),
		connectCallbacks:    callbacks.NewOneShot[bool](),
		disconnectCallbacks: callbacks.NewOneShot[bool](),
	}
	p.SetHandler(s)
	return s
}

// ID returns the stable peripheral identifier.
func (s *Session) ID() string { return s.id }

// Name returns the advertised name, which may be empty.
func (s *Session) Name() string { return s.name }

// RSSI returns the last reported signal strength in dBm.
func (s *Session) RSSI() int { return s.rssi }

// State returns the connection state.
func (s *Session) State() State { return s.state }

// Peripheral returns the transport handle.
func (s *Session) Peripheral() transport.Peripheral { return s.peripheral }

// SetDelegate installs d as the receiver of unsolicited events. nil clears it.
func (s *Session) SetDelegate(d Delegate) {
	s.delegate = d
}

// Connect asks the manager to connect this session.
func (s *Session) Connect(cb func(bool)) {
	s.manager.Connect(s, cb)
}

// Disconnect asks the manager to disconnect this session.
func (s *Session) Disconnect(cb func(bool)) {
	s.manager.Disconnect(s, cb)
}

// Services resolves the discovered service map, connecting and running
// discovery first when needed. Concurrent callers share one discovery.
func (s *Session) Services(cb func(map[string]*Service)) {
	if cb == nil {
		cb = func(map[string]*Service) {}
	}
	if s.populated && s.state == Connected {
		snapshot := s.snapshot()
		s.manager.queue.Post(func() { cb(snapshot) })
		return
	}

	inFlight := s.serviceCallbacks.Len() > 0
	s.serviceCallbacks.Append(cb)
	if inFlight {
		return
	}

	if s.state == Connected {
		s.discover()
		return
	}
	s.manager.Connect(s, func(ok bool) {
		if !ok {
			s.serviceCallbacks.Call(s.snapshot())
			return
		}
		if s.populated {
			s.serviceCallbacks.Call(s.snapshot())
			return
		}
		s.discover()
	})
}

// Characteristic looks up a characteristic in the cached service map.
func (s *Session) Characteristic(serviceUUID, charUUID string) (transport.Characteristic, bool) {
	svc, ok := s.services[transport.NormalizeUUID(serviceUUID)]
	if !ok {
		return nil, false
	}
	return svc.Characteristic(charUUID)
}

// Read reads a characteristic addressed by UUID. Malformed UUIDs, unknown
// characteristics and a disconnected session resolve cb with nil.
func (s *Session) Read(charUUID string, cb func([]byte)) {
	keys, err := transport.ValidateUUID(charUUID)
	if err != nil {
		s.logger.WithError(err).Warn("Read of malformed characteristic UUID")
		if cb != nil {
			s.manager.queue.Post(func() { cb(nil) })
		}
		return
	}
	key := keys[0]
	for _, svc := range s.services {
		if ch, ok := svc.chars[key]; ok {
			s.ReadCharacteristic(ch, cb)
			return
		}
	}
	s.logger.WithField("char", gatt.Describe(key)).Debug("Read of unknown characteristic")
	if cb != nil {
		s.manager.queue.Post(func() { cb(nil) })
	}
}

// ReadCharacteristic reads ch. Reads of one characteristic issued while a
// read is outstanding share its result. A failed read resolves with nil;
// a successful empty read resolves with an empty, non-nil slice.
func (s *Session) ReadCharacteristic(ch transport.Characteristic, cb func([]byte)) {
	if cb == nil {
		cb = func([]byte) {}
	}
	if s.state != Connected {
		s.manager.queue.Post(func() { cb(nil) })
		return
	}

	key := transport.NormalizeUUID(ch.UUID())
	pending, ok := s.readCallbacks[key]
	if !ok {
		pending = callbacks.NewOneShot[[]byte]()
		s.readCallbacks[key] = pending
	}
	inFlight := pending.Len() > 0
	pending.Append(cb)
	if !inFlight {
		s.peripheral.Read(ch)
	}
}

// Write sends data to ch. Writes on a disconnected session are dropped.
func (s *Session) Write(data []byte, ch transport.Characteristic, mode transport.WriteMode) {
	if s.state != Connected {
		s.logger.WithFields(logrus.Fields{
			"device": s.id,
			"char":   gatt.Describe(ch.UUID()),
		}).Debug("Dropping write on disconnected session")
		return
	}
	s.peripheral.Write(ch, data, mode)
}

// Notify enables notifications for a characteristic once services resolve.
func (s *Session) Notify(charUUID, serviceUUID string) {
	if s.state != Connected {
		return
	}
	s.Services(func(services map[string]*Service) {
		svc, ok := services[transport.NormalizeUUID(serviceUUID)]
		if !ok {
			s.logger.WithError(&transport.NotFoundError{Resource: "service", UUIDs: []string{serviceUUID}}).Warn("Cannot enable notifications")
			return
		}
		ch, ok := svc.Characteristic(charUUID)
		if !ok {
			s.logger.WithError(&transport.NotFoundError{Resource: "characteristic", UUIDs: []string{serviceUUID, charUUID}}).Warn("Cannot enable notifications")
			return
		}
		s.peripheral.SetNotify(ch, true)
	})
}

func (s *Session) discover() {
	s.discoveryFailed = false
	s.peripheral.DiscoverServices()
}

func (s *Session) snapshot() map[string]*Service {
	out := make(map[string]*Service, len(s.services))
	for k, v := range s.services {
		out[k] = v
	}
	return out
}

func (s *Session) updateRSSI(rssi int) {
	if rssi == transport.RSSIUnavailable {
		return
	}
	s.rssi = rssi
}

func (s *Session) markConnected() {
	s.state = Connected
	s.populated = false
	s.pendingDiscovery = 0
	s.services = make(map[string]*Service)
}

func (s *Session) markDisconnected() {
	s.state = Disconnected
	s.pendingDiscovery = 0
	s.serviceCallbacks.Clear()
	// Outstanding reads can no longer complete.
	for key, pending := range s.readCallbacks {
		delete(s.readCallbacks, key)
		pending.Call(nil)
	}
}

// ServicesDiscovered implements transport.PeripheralHandler.
func (s *Session) ServicesDiscovered(services []transport.Service, err error) {
	s.manager.queue.Post(func() { s.onServicesDiscovered(services, err) })
}

// CharacteristicsDiscovered implements transport.PeripheralHandler.
func (s *Session) CharacteristicsDiscovered(svc transport.Service, err error) {
	s.manager.queue.Post(func() { s.onCharacteristicsDiscovered(svc, err) })
}

// ValueUpdated implements transport.PeripheralHandler.
func (s *Session) ValueUpdated(ch transport.Characteristic, data []byte, err error) {
	s.manager.queue.Post(func() { s.onValueUpdated(ch, data, err) })
}

// WriteCompleted implements transport.PeripheralHandler.
func (s *Session) WriteCompleted(ch transport.Characteristic, err error) {
	s.manager.queue.Post(func() { s.onWriteCompleted(ch, err) })
}

func (s *Session) onServicesDiscovered(services []transport.Service, err error) {
	if s.state != Connected {
		return
	}
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"device": s.id,
			"error":  transport.NormalizeError(err),
		}).Warn("Service discovery failed")
		s.serviceCallbacks.Call(s.snapshot())
		return
	}

	s.pendingDiscovery = len(services)
	if len(services) == 0 {
		s.populated = true
		s.serviceCallbacks.Call(s.snapshot())
		return
	}
	for _, raw := range services {
		svc := newService(raw)
		s.services[svc.uuid] = svc
	}
	for _, raw := range services {
		s.peripheral.DiscoverCharacteristics(raw)
	}
}

func (s *Session) onCharacteristicsDiscovered(raw transport.Service, err error) {
	if s.state != Connected || s.pendingDiscovery == 0 {
		return
	}
	svc, ok := s.services[transport.NormalizeUUID(raw.UUID())]
	switch {
	case err != nil:
		s.discoveryFailed = true
		s.logger.WithFields(logrus.Fields{
			"device":  s.id,
			"service": gatt.Describe(raw.UUID()),
			"error":   transport.NormalizeError(err),
		}).Warn("Characteristic discovery failed")
	case ok:
		svc.fill()
	}

	s.pendingDiscovery--
	if s.pendingDiscovery > 0 {
		return
	}
	s.populated = !s.discoveryFailed
	s.logger.WithFields(logrus.Fields{
		"device":   s.id,
		"services": len(s.services),
	}).Debug("Service discovery complete")
	s.serviceCallbacks.Call(s.snapshot())
}

func (s *Session) onValueUpdated(ch transport.Characteristic, data []byte, err error) {
	key := transport.NormalizeUUID(ch.UUID())
	if pending, ok := s.readCallbacks[key]; ok && pending.Len() > 0 {
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"device": s.id,
				"char":   gatt.Describe(key),
				"error":  transport.NormalizeError(err),
			}).Debug("Read failed")
			pending.Call(nil)
			return
		}
		if data == nil {
			data = []byte{}
		}
		pending.Call(data)
		return
	}

	if s.delegate == nil {
		return
	}
	if err != nil {
		s.delegate.OnNotification(false, key, nil)
		return
	}
	s.delegate.OnNotification(true, key, data)
}

func (s *Session) onWriteCompleted(ch transport.Characteristic, err error) {
	key := transport.NormalizeUUID(ch.UUID())
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"device": s.id,
			"char":   gatt.Describe(key),
			"error":  transport.NormalizeError(err),
		}).Debug("Write failed")
	}
	if s.delegate != nil {
		s.delegate.OnWriteComplete(err == nil, key)
	}
}
