// Package transport abstracts the platform BLE central.
//
// Backends deliver events through the handler interfaces from whatever
// goroutine they run on. Consumers are expected to hop onto their own
// dispatch queue before touching state.
package transport

// PowerState is the radio state reported by a Central.
type PowerState int

const (
	PowerUnknown PowerState = iota
	PoweredOff
	PoweredOn
	Unauthorized
	Unsupported
)

func (s PowerState) String() string {
	switch s {
	case PoweredOff:
		return "powered-off"
	case PoweredOn:
		return "powered-on"
	case Unauthorized:
		return "unauthorized"
	case Unsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// WriteMode selects whether a characteristic write is acknowledged.
type WriteMode int

const (
	WithResponse WriteMode = iota
	WithoutResponse
)

func (m WriteMode) String() string {
	if m == WithoutResponse {
		return "without-response"
	}
	return "with-response"
}

// RSSIUnavailable is the value some stacks report when signal strength is unknown.
const RSSIUnavailable = 127

// Central discovers and connects peripherals.
type Central interface {
	SetHandler(h CentralHandler)
	State() PowerState
	// Scan starts discovery. Results arrive through CentralHandler.Discovered
	// until StopScan is called. Duplicates are reported.
	Scan() error
	StopScan()
	Connect(p Peripheral)
	CancelConnection(p Peripheral)
}

// CentralHandler receives Central events.
type CentralHandler interface {
	StateChanged(state PowerState)
	Discovered(p Peripheral, rssi int)
	Connected(p Peripheral)
	ConnectFailed(p Peripheral, err error)
	// Disconnected reports loss of a link. err is nil for a requested disconnect.
	Disconnected(p Peripheral, err error)
}

// Peripheral is a remote device. Every operation completes through the
// PeripheralHandler, except writes without response, which complete silently.
type Peripheral interface {
	ID() string
	Name() string
	SetHandler(h PeripheralHandler)
	DiscoverServices()
	DiscoverCharacteristics(svc Service)
	Read(ch Characteristic)
	Write(ch Characteristic, data []byte, mode WriteMode)
	SetNotify(ch Characteristic, enabled bool)
}

// PeripheralHandler receives Peripheral events.
type PeripheralHandler interface {
	ServicesDiscovered(services []Service, err error)
	CharacteristicsDiscovered(svc Service, err error)
	// ValueUpdated carries both read responses and notifications.
	ValueUpdated(ch Characteristic, data []byte, err error)
	WriteCompleted(ch Characteristic, err error)
}

// Service is a discovered GATT service.
type Service interface {
	UUID() string
	Characteristics() []Characteristic
}

// Characteristic is a discovered GATT characteristic.
type Characteristic interface {
	UUID() string
}
