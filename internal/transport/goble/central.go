// Package goble is the transport backend on github.com/go-ble/ble:
// CoreBluetooth on darwin, HCI sockets on linux.
//
// go-ble calls block, so every peripheral owns a serial worker that runs its
// GATT operations in issue order and reports results through the handler.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blueconsole/internal/groutine"
	"github.com/srg/blueconsole/internal/transport"
)

// DefaultConnectTimeout bounds a single dial.
const DefaultConnectTimeout = 30 * time.Second

// DeviceFactory creates the platform ble.Device (can be overridden in tests).
var DeviceFactory = newDevice

// Central implements transport.Central.
type Central struct {
	ctx    context.Context
	logger *logrus.Logger
	dev    ble.Device

	// ConnectTimeout bounds each dial. Zero uses DefaultConnectTimeout.
	ConnectTimeout time.Duration

	mu          sync.Mutex
	handler     transport.CentralHandler
	state       transport.PowerState
	scanCancel  context.CancelFunc
	peripherals map[string]*Peripheral
}

// NewCentral opens the platform radio. The returned central reports
// PoweredOn; a radio that cannot be opened is an error.
func NewCentral(ctx context.Context, logger *logrus.Logger) (*Central, error) {
	if logger == nil {
		logger = logrus.New()
	}
	dev, err := DeviceFactory()
	if err != nil {
		logger.WithField("error", err).Error("Failed to create BLE device")
		return nil, fmt.Errorf("failed to create BLE device: %w", transport.NormalizeError(err))
	}
	return newCentral(ctx, dev, logger), nil
}

func newCentral(ctx context.Context, dev ble.Device, logger *logrus.Logger) *Central {
	return &Central{
		ctx:         ctx,
		logger:      logger,
		dev:         dev,
		state:       transport.PoweredOn,
		peripherals: make(map[string]*Peripheral),
	}
}

// SetHandler implements transport.Central. The current power state is
// reported to h right away.
func (c *Central) SetHandler(h transport.CentralHandler) {
	c.mu.Lock()
	c.handler = h
	state := c.state
	c.mu.Unlock()
	if h != nil {
		h.StateChanged(state)
	}
}

// State implements transport.Central.
func (c *Central) State() transport.PowerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Central) setState(state transport.PowerState) {
	c.mu.Lock()
	changed := c.state != state
	c.state = state
	h := c.handler
	c.mu.Unlock()
	if changed && h != nil {
		h.StateChanged(state)
	}
}

// Scan implements transport.Central.
func (c *Central) Scan() error {
	c.mu.Lock()
	if c.state != transport.PoweredOn {
		c.mu.Unlock()
		return transport.ErrBluetoothOff
	}
	if c.scanCancel != nil {
		c.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.scanCancel = cancel
	c.mu.Unlock()

	c.logger.Debug("Starting BLE scan")
	groutine.GoSafe(ctx, "goble-scan", c.logger, func(ctx context.Context) {
		err := c.dev.Scan(ctx, true, func(adv ble.Advertisement) {
			c.advertised(adv)
		})
		err = transport.NormalizeError(err)
		switch {
		case err == nil, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			c.logger.Debug("BLE scan stopped")
		case errors.Is(err, transport.ErrBluetoothOff):
			c.logger.WithError(err).Warn("BLE scan failed, radio is off")
			c.setState(transport.PoweredOff)
		default:
			c.logger.WithError(err).Error("BLE scan failed")
		}
		c.mu.Lock()
		if c.scanCancel != nil && ctx.Err() == nil {
			c.scanCancel = nil
		}
		c.mu.Unlock()
	})
	return nil
}

// StopScan implements transport.Central.
func (c *Central) StopScan() {
	c.mu.Lock()
	cancel := c.scanCancel
	c.scanCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Central) advertised(adv ble.Advertisement) {
	if adv == nil || adv.Addr() == nil {
		return
	}
	p := c.peripheral(adv.Addr().String(), adv.LocalName())

	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h.Discovered(p, adv.RSSI())
	}
}

// peripheral returns the cached peripheral for addr, creating it on first
// sight. Names are kept once learned since scan responses may omit them.
func (c *Central) peripheral(addr, name string) *Peripheral {
	id := transport.NormalizeAddress(addr)
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peripherals[id]
	if !ok {
		p = newPeripheral(c, id, addr)
		c.peripherals[id] = p
	}
	p.setName(name)
	return p
}

// Connect implements transport.Central.
func (c *Central) Connect(tp transport.Peripheral) {
	p, ok := tp.(*Peripheral)
	if !ok {
		c.logger.WithField("peripheral", tp.ID()).Error("Foreign peripheral passed to go-ble central")
		return
	}
	timeout := c.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	ctx, cancel := context.WithTimeout(c.ctx, timeout)
	if !p.beginDial(cancel) {
		cancel()
		c.logger.WithField("address", p.addr).Debug("Dial already in progress")
		return
	}

	c.logger.WithFields(logrus.Fields{
		"address": p.addr,
		"timeout": timeout,
	}).Info("Connecting to BLE device...")

	groutine.GoSafe(ctx, "goble-dial", c.logger, func(ctx context.Context) {
		defer cancel()
		client, err := c.dev.Dial(ctx, ble.NewAddr(p.addr))

		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()

		if err != nil {
			if _, cancelled := p.endDial(nil); cancelled {
				c.logger.WithField("address", p.addr).Debug("Dial cancelled")
				return
			}
			err = transport.NormalizeError(err)
			c.logger.WithFields(logrus.Fields{
				"address": p.addr,
				"error":   err,
			}).Error("Failed to dial BLE device")
			if h != nil {
				h.ConnectFailed(p, fmt.Errorf("failed to connect to device with address %q: %w", p.addr, err))
			}
			return
		}

		link, cancelled := p.endDial(client)
		if cancelled {
			c.logger.WithField("address", p.addr).Debug("Dial cancelled after connect")
			return
		}
		c.logger.WithField("address", p.addr).Info("BLE device connected")
		if h != nil {
			h.Connected(p)
		}
		c.monitor(p, link)
	})
}

// monitor reports the end of link exactly once, whether the device went
// away or CancelConnection was called.
func (c *Central) monitor(p *Peripheral, l *link) {
	watcher, ok := l.client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		c.logger.Debug("Client does not support Disconnected() channel")
		return
	}
	groutine.Go(c.ctx, "goble-link-monitor", func(ctx context.Context) {
		select {
		case <-watcher.Disconnected():
			c.linkDown(p, l, transport.ErrNotConnected)
		case <-l.done:
		case <-ctx.Done():
		}
	})
}

func (c *Central) linkDown(p *Peripheral, l *link, cause error) {
	if !l.close() {
		return
	}
	p.detach(l)
	if l.requested.Load() {
		cause = nil
	}
	c.logger.WithFields(logrus.Fields{
		"address":   p.addr,
		"requested": cause == nil,
	}).Info("BLE device disconnected")

	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h.Disconnected(p, cause)
	}
}

// CancelConnection implements transport.Central.
func (c *Central) CancelConnection(tp transport.Peripheral) {
	p, ok := tp.(*Peripheral)
	if !ok {
		return
	}
	l, dialing := p.cancel()
	if l == nil {
		if dialing {
			c.logger.WithField("address", p.addr).Debug("Cancelled pending dial")
		}
		return
	}

	l.requested.Store(true)
	groutine.GoSafe(c.ctx, "goble-disconnect", c.logger, func(ctx context.Context) {
		if err := l.client.CancelConnection(); err != nil {
			c.logger.WithFields(logrus.Fields{
				"address": p.addr,
				"error":   transport.NormalizeError(err),
			}).Warn("BLE device disconnected with errors")
		}
		c.linkDown(p, l, nil)
	})
}
