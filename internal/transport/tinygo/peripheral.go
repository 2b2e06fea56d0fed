package tinygo

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"github.com/srg/blueconsole/internal/dispatch"
	"github.com/srg/blueconsole/internal/transport"
)

// readBufferSize covers the largest attribute value a read can return.
const readBufferSize = 512

// Peripheral implements transport.Peripheral on a bluetooth.Device.
type Peripheral struct {
	central *Central
	id      string
	addr    bluetooth.Address

	mu        sync.Mutex
	name      string
	handler   transport.PeripheralHandler
	link      *link
	dialing   bool
	cancelled bool
}

func newPeripheral(c *Central, id string, addr bluetooth.Address) *Peripheral {
	return &Peripheral{central: c, id: id, addr: addr}
}

// ID implements transport.Peripheral.
func (p *Peripheral) ID() string { return p.id }

// Name implements transport.Peripheral.
func (p *Peripheral) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

func (p *Peripheral) setName(name string) {
	if name == "" {
		return
	}
	p.mu.Lock()
	p.name = name
	p.mu.Unlock()
}

// SetHandler implements transport.Peripheral.
func (p *Peripheral) SetHandler(h transport.PeripheralHandler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

func (p *Peripheral) currentHandler() transport.PeripheralHandler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler
}

func (p *Peripheral) beginDial() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.link != nil || p.dialing {
		return false
	}
	p.dialing = true
	p.cancelled = false
	return true
}

func (p *Peripheral) endDial(device *bluetooth.Device) (*link, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialing = false
	if p.cancelled || device == nil {
		return nil, p.cancelled
	}
	p.link = newLink(p.central.ctx, device, p.central.logger)
	return p.link, false
}

// cancel flags a pending dial or hands back the live link for teardown.
func (p *Peripheral) cancel() *link {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dialing {
		p.cancelled = true
		return nil
	}
	return p.link
}

func (p *Peripheral) detach(l *link) {
	p.mu.Lock()
	if p.link == l {
		p.link = nil
	}
	p.mu.Unlock()
}

func (p *Peripheral) current() *link {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.link
}

func (p *Peripheral) do(op func(l *link, h transport.PeripheralHandler), fail func(h transport.PeripheralHandler)) {
	l := p.current()
	if l == nil {
		if h := p.currentHandler(); h != nil {
			fail(h)
		}
		return
	}
	l.worker.Post(func() {
		if h := p.currentHandler(); h != nil {
			op(l, h)
		}
	})
}

// DiscoverServices implements transport.Peripheral.
func (p *Peripheral) DiscoverServices() {
	p.do(func(l *link, h transport.PeripheralHandler) {
		raw, err := l.device.DiscoverServices(nil)
		if err != nil {
			h.ServicesDiscovered(nil, transport.NormalizeError(err))
			return
		}
		services := make([]transport.Service, 0, len(raw))
		for i := range raw {
			services = append(services, &service{raw: raw[i], uuid: transport.NormalizeUUID(raw[i].UUID().String())})
		}
		p.central.logger.WithFields(logrus.Fields{
			"address":  p.id,
			"services": len(services),
		}).Debug("Discovered services")
		h.ServicesDiscovered(services, nil)
	}, func(h transport.PeripheralHandler) {
		h.ServicesDiscovered(nil, transport.ErrNotConnected)
	})
}

// DiscoverCharacteristics implements transport.Peripheral.
func (p *Peripheral) DiscoverCharacteristics(svc transport.Service) {
	s, ok := svc.(*service)
	if !ok {
		return
	}
	p.do(func(l *link, h transport.PeripheralHandler) {
		raw, err := s.raw.DiscoverCharacteristics(nil)
		if err != nil {
			h.CharacteristicsDiscovered(s, transport.NormalizeError(err))
			return
		}
		chars := make([]transport.Characteristic, 0, len(raw))
		for i := range raw {
			chars = append(chars, &characteristic{raw: raw[i], uuid: transport.NormalizeUUID(raw[i].UUID().String())})
		}
		s.mu.Lock()
		s.chars = chars
		s.mu.Unlock()
		h.CharacteristicsDiscovered(s, nil)
	}, func(h transport.PeripheralHandler) {
		h.CharacteristicsDiscovered(s, transport.ErrNotConnected)
	})
}

// Read implements transport.Peripheral.
func (p *Peripheral) Read(ch transport.Characteristic) {
	c, ok := ch.(*characteristic)
	if !ok {
		return
	}
	p.do(func(l *link, h transport.PeripheralHandler) {
		buf := make([]byte, readBufferSize)
		n, err := c.raw.Read(buf)
		if err != nil {
			h.ValueUpdated(c, nil, transport.NormalizeError(err))
			return
		}
		h.ValueUpdated(c, buf[:n], nil)
	}, func(h transport.PeripheralHandler) {
		h.ValueUpdated(c, nil, transport.ErrNotConnected)
	})
}

// Write implements transport.Peripheral.
func (p *Peripheral) Write(ch transport.Characteristic, data []byte, mode transport.WriteMode) {
	c, ok := ch.(*characteristic)
	if !ok {
		return
	}
	buf := append([]byte(nil), data...)
	p.do(func(l *link, h transport.PeripheralHandler) {
		if mode == transport.WithoutResponse {
			if _, err := c.raw.WriteWithoutResponse(buf); err != nil {
				p.central.logger.WithFields(logrus.Fields{
					"characteristic": c.uuid,
					"error":          err,
				}).Warn("Write without response failed")
			}
			return
		}
		_, err := c.raw.Write(buf)
		h.WriteCompleted(c, transport.NormalizeError(err))
	}, func(h transport.PeripheralHandler) {
		if mode == transport.WithResponse {
			h.WriteCompleted(c, transport.ErrNotConnected)
		}
	})
}

// SetNotify implements transport.Peripheral. A nil callback disables
// notifications.
func (p *Peripheral) SetNotify(ch transport.Characteristic, enabled bool) {
	c, ok := ch.(*characteristic)
	if !ok {
		return
	}
	p.do(func(l *link, h transport.PeripheralHandler) {
		var cb func([]byte)
		if enabled {
			cb = func(buf []byte) {
				if h := p.currentHandler(); h != nil {
					h.ValueUpdated(c, append([]byte(nil), buf...), nil)
				}
			}
		}
		if err := c.raw.EnableNotifications(cb); err != nil {
			p.central.logger.WithFields(logrus.Fields{
				"characteristic": c.uuid,
				"enabled":        enabled,
				"error":          err,
			}).Warn("Failed to change notification state")
		}
	}, func(transport.PeripheralHandler) {})
}

type link struct {
	device    *bluetooth.Device
	worker    *dispatch.Serial
	closed    atomic.Bool
	requested atomic.Bool
}

func newLink(ctx context.Context, device *bluetooth.Device, logger *logrus.Logger) *link {
	return &link{
		device: device,
		worker: dispatch.NewSerial(ctx, "tinygo-gatt", logger),
	}
}

func (l *link) close() bool {
	if !l.closed.CompareAndSwap(false, true) {
		return false
	}
	l.worker.Stop()
	return true
}

type service struct {
	raw  bluetooth.DeviceService
	uuid string

	mu    sync.Mutex
	chars []transport.Characteristic
}

func (s *service) UUID() string { return s.uuid }

func (s *service) Characteristics() []transport.Characteristic {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.Characteristic(nil), s.chars...)
}

type characteristic struct {
	raw  bluetooth.DeviceCharacteristic
	uuid string
}

func (c *characteristic) UUID() string { return c.uuid }
