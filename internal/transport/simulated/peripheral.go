package simulated

import (
	"sync"

	"github.com/srg/blueconsole/internal/transport"
)

// Write records one characteristic write seen by a Peripheral.
type Write struct {
	Char string
	Data []byte
	Mode transport.WriteMode
}

// Peripheral is a simulated remote device with a fixed GATT profile.
type Peripheral struct {
	id   string
	name string

	mu         sync.Mutex
	rssi       int
	central    *Central
	handler    transport.PeripheralHandler
	services   []*Service
	connected  bool
	connectErr error
	writes     []Write
	notifying  map[string]bool

	// OnWrite, when set, runs after a write has been recorded and acknowledged.
	OnWrite func(p *Peripheral, w Write)
	// DropAck, when set, suppresses the completion of matching with-response writes.
	DropAck func(w Write) bool
}

// NewPeripheral returns a Peripheral with no services.
func NewPeripheral(id, name string, rssi int) *Peripheral {
	return &Peripheral{id: id, name: name, rssi: rssi, notifying: make(map[string]bool)}
}

// AddService appends a service with the given characteristics.
func (p *Peripheral) AddService(uuid string, chars ...*Characteristic) *Peripheral {
	svc := &Service{uuid: transport.NormalizeUUID(uuid)}
	for _, ch := range chars {
		ch.service = svc
		svc.chars = append(svc.chars, ch)
	}
	p.mu.Lock()
	p.services = append(p.services, svc)
	p.mu.Unlock()
	return p
}

// SetServices replaces the whole GATT profile, as a reboot into other firmware would.
func (p *Peripheral) SetServices(services ...*Service) {
	p.mu.Lock()
	p.services = services
	p.mu.Unlock()
}

// FailConnect makes subsequent connection attempts fail with err. A nil err
// lets them succeed again.
func (p *Peripheral) FailConnect(err error) {
	p.mu.Lock()
	p.connectErr = err
	p.mu.Unlock()
}

// ID implements transport.Peripheral.
func (p *Peripheral) ID() string { return p.id }

// Name implements transport.Peripheral.
func (p *Peripheral) Name() string { return p.name }

// RSSI returns the advertised signal strength.
func (p *Peripheral) RSSI() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rssi
}

// Connected reports whether the link is up.
func (p *Peripheral) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Writes returns a copy of the recorded writes.
func (p *Peripheral) Writes() []Write {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Write(nil), p.writes...)
}

// WritesTo returns the recorded writes to one characteristic.
func (p *Peripheral) WritesTo(char string) []Write {
	char = transport.NormalizeUUID(char)
	var out []Write
	for _, w := range p.Writes() {
		if w.Char == char {
			out = append(out, w)
		}
	}
	return out
}

// ResetWrites forgets the recorded writes.
func (p *Peripheral) ResetWrites() {
	p.mu.Lock()
	p.writes = nil
	p.mu.Unlock()
}

// Notifying reports whether notifications are enabled for char.
func (p *Peripheral) Notifying(char string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.notifying[transport.NormalizeUUID(char)]
}

// SetHandler implements transport.Peripheral.
func (p *Peripheral) SetHandler(h transport.PeripheralHandler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

// DiscoverServices implements transport.Peripheral.
func (p *Peripheral) DiscoverServices() {
	p.mu.Lock()
	h, connected := p.handler, p.connected
	services := make([]transport.Service, 0, len(p.services))
	for _, s := range p.services {
		services = append(services, s)
	}
	p.mu.Unlock()

	if h == nil {
		return
	}
	if !connected {
		h.ServicesDiscovered(nil, transport.ErrNotConnected)
		return
	}
	h.ServicesDiscovered(services, nil)
}

// DiscoverCharacteristics implements transport.Peripheral.
func (p *Peripheral) DiscoverCharacteristics(svc transport.Service) {
	p.mu.Lock()
	h, connected := p.handler, p.connected
	p.mu.Unlock()

	if h == nil {
		return
	}
	if !connected {
		h.CharacteristicsDiscovered(svc, transport.ErrNotConnected)
		return
	}
	h.CharacteristicsDiscovered(svc, nil)
}

// Read implements transport.Peripheral.
func (p *Peripheral) Read(ch transport.Characteristic) {
	sc := ch.(*Characteristic)
	p.mu.Lock()
	h, connected := p.handler, p.connected
	p.mu.Unlock()

	if h == nil {
		return
	}
	if !connected {
		h.ValueUpdated(ch, nil, transport.ErrNotConnected)
		return
	}
	value, err := sc.read()
	h.ValueUpdated(ch, value, err)
}

// Write implements transport.Peripheral.
func (p *Peripheral) Write(ch transport.Characteristic, data []byte, mode transport.WriteMode) {
	w := Write{
		Char: transport.NormalizeUUID(ch.UUID()),
		Data: append([]byte(nil), data...),
		Mode: mode,
	}

	p.mu.Lock()
	h, connected := p.handler, p.connected
	if connected {
		p.writes = append(p.writes, w)
	}
	onWrite, dropAck := p.OnWrite, p.DropAck
	p.mu.Unlock()

	if !connected {
		if h != nil && mode == transport.WithResponse {
			h.WriteCompleted(ch, transport.ErrNotConnected)
		}
		return
	}
	if h != nil && mode == transport.WithResponse && (dropAck == nil || !dropAck(w)) {
		h.WriteCompleted(ch, nil)
	}
	if onWrite != nil {
		onWrite(p, w)
	}
}

// SetNotify implements transport.Peripheral.
func (p *Peripheral) SetNotify(ch transport.Characteristic, enabled bool) {
	p.mu.Lock()
	p.notifying[transport.NormalizeUUID(ch.UUID())] = enabled
	p.mu.Unlock()
}

// Notify pushes a value update for char as the device would.
func (p *Peripheral) Notify(char string, data []byte) {
	ch := p.characteristic(char)
	p.mu.Lock()
	h, connected := p.handler, p.connected
	p.mu.Unlock()
	if ch == nil || h == nil || !connected {
		return
	}
	h.ValueUpdated(ch, append([]byte(nil), data...), nil)
}

// NotifyError pushes a failed value update for char.
func (p *Peripheral) NotifyError(char string, err error) {
	ch := p.characteristic(char)
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if ch == nil || h == nil {
		return
	}
	h.ValueUpdated(ch, nil, err)
}

// Characteristic finds a characteristic by UUID across all services.
func (p *Peripheral) Characteristic(char string) *Characteristic {
	return p.characteristic(char)
}

// Drop breaks the link as if the device went away.
func (p *Peripheral) Drop() {
	p.mu.Lock()
	c := p.central
	p.mu.Unlock()
	if c != nil {
		c.Drop(p, nil)
	}
}

func (p *Peripheral) characteristic(char string) *Characteristic {
	char = transport.NormalizeUUID(char)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.services {
		for _, c := range s.chars {
			if c.uuid == char {
				return c
			}
		}
	}
	return nil
}

func (p *Peripheral) connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connectErr != nil {
		return p.connectErr
	}
	p.connected = true
	return nil
}

func (p *Peripheral) disconnect() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return false
	}
	p.connected = false
	p.notifying = make(map[string]bool)
	return true
}

// Service is a simulated GATT service.
type Service struct {
	uuid  string
	chars []*Characteristic
}

// NewService returns a service for use with SetServices.
func NewService(uuid string, chars ...*Characteristic) *Service {
	svc := &Service{uuid: transport.NormalizeUUID(uuid)}
	for _, ch := range chars {
		ch.service = svc
		svc.chars = append(svc.chars, ch)
	}
	return svc
}

// UUID implements transport.Service.
func (s *Service) UUID() string { return s.uuid }

// Characteristics implements transport.Service.
func (s *Service) Characteristics() []transport.Characteristic {
	out := make([]transport.Characteristic, 0, len(s.chars))
	for _, c := range s.chars {
		out = append(out, c)
	}
	return out
}

// Characteristic is a simulated GATT characteristic with a readable value.
type Characteristic struct {
	uuid    string
	service *Service

	mu      sync.Mutex
	value   []byte
	readErr error
	reads   int
}

// NewCharacteristic returns a characteristic whose reads return value.
func NewCharacteristic(uuid string, value []byte) *Characteristic {
	return &Characteristic{uuid: transport.NormalizeUUID(uuid), value: value}
}

// UUID implements transport.Characteristic.
func (c *Characteristic) UUID() string { return c.uuid }

// SetValue changes what subsequent reads return.
func (c *Characteristic) SetValue(v []byte) {
	c.mu.Lock()
	c.value = v
	c.readErr = nil
	c.mu.Unlock()
}

// FailReads makes subsequent reads fail with err.
func (c *Characteristic) FailReads(err error) *Characteristic {
	c.mu.Lock()
	c.readErr = err
	c.mu.Unlock()
	return c
}

// Reads reports how many reads reached the characteristic.
func (c *Characteristic) Reads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

func (c *Characteristic) read() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	if c.readErr != nil {
		return nil, c.readErr
	}
	return append([]byte{}, c.value...), nil
}
