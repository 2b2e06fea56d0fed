// Package simulated is an in-memory transport for tests and demos.
//
// Events are delivered synchronously from the calling goroutine. Consumers
// re-post them onto their dispatch queue, so a dispatch.Manual queue gives
// fully deterministic runs.
package simulated

import (
	"sync"

	"github.com/srg/blueconsole/internal/transport"
)

// Central is a simulated radio.
type Central struct {
	mu          sync.Mutex
	handler     transport.CentralHandler
	state       transport.PowerState
	scanning    bool
	peripherals []*Peripheral

	scans    int
	connects int
}

// NewCentral returns a Central reporting the given radio state.
func NewCentral(state transport.PowerState) *Central {
	return &Central{state: state}
}

// AddPeripheral makes p visible to scans.
func (c *Central) AddPeripheral(p *Peripheral) *Central {
	c.mu.Lock()
	p.central = c
	c.peripherals = append(c.peripherals, p)
	c.mu.Unlock()
	return c
}

// SetHandler implements transport.Central.
func (c *Central) SetHandler(h transport.CentralHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// State implements transport.Central.
func (c *Central) State() transport.PowerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState changes the radio state and reports it to the handler.
func (c *Central) SetState(state transport.PowerState) {
	c.mu.Lock()
	c.state = state
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h.StateChanged(state)
	}
}

// Scan implements transport.Central. Every known peripheral is reported once
// immediately; Advertise reports more.
func (c *Central) Scan() error {
	c.mu.Lock()
	if c.state != transport.PoweredOn {
		c.mu.Unlock()
		return transport.ErrBluetoothOff
	}
	c.scanning = true
	c.scans++
	h := c.handler
	peripherals := append([]*Peripheral(nil), c.peripherals...)
	c.mu.Unlock()

	if h != nil {
		for _, p := range peripherals {
			h.Discovered(p, p.RSSI())
		}
	}
	return nil
}

// StopScan implements transport.Central.
func (c *Central) StopScan() {
	c.mu.Lock()
	c.scanning = false
	c.mu.Unlock()
}

// Scanning reports whether a scan is running.
func (c *Central) Scanning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scanning
}

// Scans reports how many times Scan started the radio.
func (c *Central) Scans() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scans
}

// Connects reports how many connection attempts were made.
func (c *Central) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// Advertise reports p with rssi if a scan is running.
func (c *Central) Advertise(p *Peripheral, rssi int) {
	c.mu.Lock()
	h := c.handler
	scanning := c.scanning
	c.mu.Unlock()
	if scanning && h != nil {
		h.Discovered(p, rssi)
	}
}

// Connect implements transport.Central.
func (c *Central) Connect(p transport.Peripheral) {
	sp := p.(*Peripheral)
	c.mu.Lock()
	c.connects++
	h := c.handler
	c.mu.Unlock()

	if err := sp.connect(); err != nil {
		if h != nil {
			h.ConnectFailed(p, err)
		}
		return
	}
	if h != nil {
		h.Connected(p)
	}
}

// CancelConnection implements transport.Central.
func (c *Central) CancelConnection(p transport.Peripheral) {
	c.disconnect(p.(*Peripheral), nil)
}

// Drop breaks the link to p as if the device went away.
func (c *Central) Drop(p *Peripheral, err error) {
	if err == nil {
		err = transport.ErrNotConnected
	}
	c.disconnect(p, err)
}

func (c *Central) disconnect(p *Peripheral, err error) {
	if !p.disconnect() {
		return
	}
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h.Disconnected(p, err)
	}
}
