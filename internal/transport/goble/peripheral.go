package goble

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blueconsole/internal/dispatch"
	"github.com/srg/blueconsole/internal/groutine"
	"github.com/srg/blueconsole/internal/transport"
)

// Peripheral implements transport.Peripheral on a go-ble client.
type Peripheral struct {
	central *Central
	id      string
	addr    string

	mu         sync.Mutex
	name       string
	handler    transport.PeripheralHandler
	link       *link
	dialCancel context.CancelFunc
}

func newPeripheral(c *Central, id, addr string) *Peripheral {
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

func (p *Peripheral) beginDial(cancel context.CancelFunc) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.link != nil || p.dialCancel != nil {
		return false
	}
	p.dialCancel = cancel
	return true
}

// endDial binds client to p. cancelled is true when CancelConnection ran
// while the dial was pending; the client is then closed and no link is made.
func (p *Peripheral) endDial(client ble.Client) (l *link, cancelled bool) {
	p.mu.Lock()
	cancelled = p.dialCancel == nil
	p.dialCancel = nil
	if client == nil {
		p.mu.Unlock()
		return nil, cancelled
	}
	if cancelled {
		p.mu.Unlock()
		logger := p.central.logger
		groutine.GoSafe(p.central.ctx, "goble-abandon", logger, func(context.Context) {
			if err := client.CancelConnection(); err != nil {
				logger.WithError(err).Debug("Closing abandoned connection failed")
			}
		})
		return nil, true
	}
	l = newLink(p.central.ctx, client, p.central.logger)
	p.link = l
	p.mu.Unlock()
	return l, false
}

// cancel aborts a pending dial or hands back the live link for teardown.
func (p *Peripheral) cancel() (*link, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dialCancel != nil {
		p.dialCancel()
		p.dialCancel = nil
		return nil, true
	}
	return p.link, false
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

// do runs op on the link worker, or reports ErrNotConnected through fail
// when there is no link.
func (p *Peripheral) do(op func(l *link, h transport.PeripheralHandler), fail func(h transport.PeripheralHandler)) {
	l := p.current()
	if l == nil {
		if h := p.currentHandler(); h != nil {
			fail(h)
		}
		return
	}
	l.worker.Post(func() {
		h := p.currentHandler()
		if h == nil {
			return
		}
		op(l, h)
	})
}

// DiscoverServices implements transport.Peripheral.
func (p *Peripheral) DiscoverServices() {
	p.do(func(l *link, h transport.PeripheralHandler) {
		raw, err := l.client.DiscoverServices(nil)
		if err != nil {
			h.ServicesDiscovered(nil, transport.NormalizeError(err))
			return
		}
		services := make([]transport.Service, 0, len(raw))
		for _, s := range raw {
			services = append(services, l.service(s))
		}
		p.central.logger.WithFields(logrus.Fields{
			"address":  p.addr,
			"services": len(services),
		}).Debug("Discovered services")
		h.ServicesDiscovered(services, nil)
	}, func(h transport.PeripheralHandler) {
		h.ServicesDiscovered(nil, transport.ErrNotConnected)
	})
}

// DiscoverCharacteristics implements transport.Peripheral. Descriptors of
// notifying characteristics are discovered too, go-ble needs the CCCD to
// subscribe.
func (p *Peripheral) DiscoverCharacteristics(svc transport.Service) {
	s, ok := svc.(*service)
	if !ok {
		p.central.logger.WithField("service", svc.UUID()).Error("Foreign service passed to go-ble peripheral")
		return
	}
	p.do(func(l *link, h transport.PeripheralHandler) {
		chars, err := l.client.DiscoverCharacteristics(nil, s.raw)
		if err != nil {
			h.CharacteristicsDiscovered(s, transport.NormalizeError(err))
			return
		}
		for _, c := range chars {
			if c.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
				continue
			}
			if _, err := l.client.DiscoverDescriptors(nil, c); err != nil {
				p.central.logger.WithFields(logrus.Fields{
					"characteristic": c.UUID.String(),
					"error":          err,
				}).Warn("Descriptor discovery failed")
			}
		}
		s.setCharacteristics(chars)
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
		data, err := l.client.ReadCharacteristic(c.raw)
		h.ValueUpdated(c, data, transport.NormalizeError(err))
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
	noRsp := mode == transport.WithoutResponse
	p.do(func(l *link, h transport.PeripheralHandler) {
		err := l.client.WriteCharacteristic(c.raw, buf, noRsp)
		if noRsp {
			if err != nil {
				p.central.logger.WithFields(logrus.Fields{
					"characteristic": c.uuid,
					"error":          err,
				}).Warn("Write without response failed")
			}
			return
		}
		h.WriteCompleted(c, transport.NormalizeError(err))
	}, func(h transport.PeripheralHandler) {
		if !noRsp {
			h.WriteCompleted(c, transport.ErrNotConnected)
		}
	})
}

// SetNotify implements transport.Peripheral. Indications are used when the
// characteristic does not support notifications.
func (p *Peripheral) SetNotify(ch transport.Characteristic, enabled bool) {
	c, ok := ch.(*characteristic)
	if !ok {
		return
	}
	ind := c.raw.Property&ble.CharNotify == 0 && c.raw.Property&ble.CharIndicate != 0
	p.do(func(l *link, h transport.PeripheralHandler) {
		var err error
		if enabled {
			err = l.client.Subscribe(c.raw, ind, func(data []byte) {
				if h := p.currentHandler(); h != nil {
					h.ValueUpdated(c, append([]byte(nil), data...), nil)
				}
			})
		} else {
			err = l.client.Unsubscribe(c.raw, ind)
		}
		if err != nil {
			p.central.logger.WithFields(logrus.Fields{
				"characteristic": c.uuid,
				"enabled":        enabled,
				"error":          err,
			}).Warn("Failed to change notification state")
		}
	}, func(transport.PeripheralHandler) {})
}

// link is one live connection. Its worker serializes the blocking go-ble
// calls in issue order.
type link struct {
	client    ble.Client
	worker    *dispatch.Serial
	done      chan struct{}
	closed    atomic.Bool
	requested atomic.Bool

	mu       sync.Mutex
	services map[*ble.Service]*service
}

func newLink(ctx context.Context, client ble.Client, logger *logrus.Logger) *link {
	return &link{
		client:   client,
		worker:   dispatch.NewSerial(ctx, "goble-gatt", logger),
		done:     make(chan struct{}),
		services: make(map[*ble.Service]*service),
	}
}

// close marks the link down. Only the first call returns true.
func (l *link) close() bool {
	if !l.closed.CompareAndSwap(false, true) {
		return false
	}
	close(l.done)
	l.worker.Stop()
	return true
}

func (l *link) service(raw *ble.Service) *service {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.services[raw]
	if !ok {
		s = &service{raw: raw, uuid: transport.NormalizeUUID(raw.UUID.String())}
		l.services[raw] = s
	}
	return s
}

type service struct {
	raw  *ble.Service
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

func (s *service) setCharacteristics(raw []*ble.Characteristic) {
	chars := make([]transport.Characteristic, 0, len(raw))
	for _, c := range raw {
		chars = append(chars, &characteristic{raw: c, uuid: transport.NormalizeUUID(c.UUID.String())})
	}
	s.mu.Lock()
	s.chars = chars
	s.mu.Unlock()
}

type characteristic struct {
	raw  *ble.Characteristic
	uuid string
}

func (c *characteristic) UUID() string { return c.uuid }
