// Package tinygo is the transport backend on tinygo.org/x/bluetooth:
// CoreBluetooth on darwin, BlueZ over D-Bus on linux.
//
// On darwin peripheral identifiers are CoreBluetooth UUIDs, not MAC
// addresses. Connect cannot be interrupted; a connection cancelled while
// dialing is dropped as soon as it completes.
package tinygo

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"github.com/srg/blueconsole/internal/groutine"
	"github.com/srg/blueconsole/internal/transport"
)

// Central implements transport.Central on the default adapter.
type Central struct {
	ctx     context.Context
	logger  *logrus.Logger
	adapter *bluetooth.Adapter

	mu          sync.Mutex
	handler     transport.CentralHandler
	state       transport.PowerState
	scanning    bool
	peripherals map[string]*Peripheral
}

// NewCentral enables the default adapter.
func NewCentral(ctx context.Context, logger *logrus.Logger) (*Central, error) {
	if logger == nil {
		logger = logrus.New()
	}
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		logger.WithField("error", err).Error("Failed to enable BLE adapter")
		return nil, fmt.Errorf("failed to enable BLE adapter: %w", transport.NormalizeError(err))
	}

	c := &Central{
		ctx:         ctx,
		logger:      logger,
		adapter:     adapter,
		state:       transport.PoweredOn,
		peripherals: make(map[string]*Peripheral),
	}
	// The adapter reports peripheral disconnects with connected=false.
	adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		c.mu.Lock()
		p, ok := c.peripherals[transport.NormalizeAddress(device.Address.String())]
		c.mu.Unlock()
		if ok {
			if l := p.current(); l != nil {
				c.linkDown(p, l, transport.ErrNotConnected)
			}
		}
	})
	return c, nil
}

// SetHandler implements transport.Central.
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

func (c *Central) currentHandler() transport.CentralHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

// Scan implements transport.Central. adapter.Scan blocks until StopScan.
func (c *Central) Scan() error {
	c.mu.Lock()
	if c.state != transport.PoweredOn {
		c.mu.Unlock()
		return transport.ErrBluetoothOff
	}
	if c.scanning {
		c.mu.Unlock()
		return nil
	}
	c.scanning = true
	c.mu.Unlock()

	c.logger.Debug("Starting BLE scan")
	groutine.GoSafe(c.ctx, "tinygo-scan", c.logger, func(ctx context.Context) {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				_ = c.adapter.StopScan()
			case <-stop:
			}
		}()

		err := c.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			p := c.peripheral(result.Address, result.LocalName())
			if h := c.currentHandler(); h != nil {
				h.Discovered(p, int(result.RSSI))
			}
		})

		c.mu.Lock()
		c.scanning = false
		c.mu.Unlock()
		if err != nil && ctx.Err() == nil {
			c.logger.WithError(transport.NormalizeError(err)).Error("BLE scan failed")
			return
		}
		c.logger.Debug("BLE scan stopped")
	})
	return nil
}

// StopScan implements transport.Central.
func (c *Central) StopScan() {
	c.mu.Lock()
	scanning := c.scanning
	c.mu.Unlock()
	if !scanning {
		return
	}
	if err := c.adapter.StopScan(); err != nil {
		c.logger.WithError(err).Debug("StopScan failed")
	}
}

func (c *Central) peripheral(addr bluetooth.Address, name string) *Peripheral {
	id := transport.NormalizeAddress(addr.String())
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
		c.logger.WithField("peripheral", tp.ID()).Error("Foreign peripheral passed to tinygo central")
		return
	}
	if !p.beginDial() {
		c.logger.WithField("address", p.id).Debug("Dial already in progress")
		return
	}
	c.logger.WithField("address", p.id).Info("Connecting to BLE device...")

	groutine.GoSafe(c.ctx, "tinygo-dial", c.logger, func(ctx context.Context) {
		device, err := c.adapter.Connect(p.addr, bluetooth.ConnectionParams{})
		if err != nil {
			if _, cancelled := p.endDial(nil); cancelled {
				return
			}
			err = transport.NormalizeError(err)
			c.logger.WithFields(logrus.Fields{
				"address": p.id,
				"error":   err,
			}).Error("Failed to dial BLE device")
			if h := c.currentHandler(); h != nil {
				h.ConnectFailed(p, fmt.Errorf("failed to connect to device with address %q: %w", p.id, err))
			}
			return
		}

		if _, cancelled := p.endDial(&device); cancelled {
			c.logger.WithField("address", p.id).Debug("Dropping connection cancelled while dialing")
			if err := device.Disconnect(); err != nil {
				c.logger.WithError(err).Debug("Disconnect failed")
			}
			return
		}
		c.logger.WithField("address", p.id).Info("BLE device connected")
		if h := c.currentHandler(); h != nil {
			h.Connected(p)
		}
	})
}

// CancelConnection implements transport.Central.
func (c *Central) CancelConnection(tp transport.Peripheral) {
	p, ok := tp.(*Peripheral)
	if !ok {
		return
	}
	l := p.cancel()
	if l == nil {
		return
	}
	l.requested.Store(true)
	groutine.GoSafe(c.ctx, "tinygo-disconnect", c.logger, func(ctx context.Context) {
		if err := l.device.Disconnect(); err != nil {
			c.logger.WithFields(logrus.Fields{
				"address": p.id,
				"error":   transport.NormalizeError(err),
			}).Warn("BLE device disconnected with errors")
		}
		c.linkDown(p, l, nil)
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
		"address":   p.id,
		"requested": cause == nil,
	}).Info("BLE device disconnected")
	if h := c.currentHandler(); h != nil {
		h.Disconnected(p, cause)
	}
}
