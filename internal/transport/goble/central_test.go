package goble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blueconsole/internal/transport"
)

// fakeAdvertisement overrides the fields the central reads.
type fakeAdvertisement struct {
	ble.Advertisement
	addr string
	name string
	rssi int
}

func (a fakeAdvertisement) Addr() ble.Addr    { return ble.NewAddr(a.addr) }
func (a fakeAdvertisement) LocalName() string { return a.name }
func (a fakeAdvertisement) RSSI() int         { return a.rssi }

type fakeDevice struct {
	ble.Device
	ads     []ble.Advertisement
	client  *fakeClient
	dialErr error
}

func (d *fakeDevice) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	for _, adv := range d.ads {
		h(adv)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (d *fakeDevice) Dial(ctx context.Context, a ble.Addr) (ble.Client, error) {
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	return d.client, nil
}

type fakeClient struct {
	ble.Client
	services     []*ble.Service
	disconnected chan struct{}

	mu     sync.Mutex
	writes [][]byte
}

func newFakeClient() *fakeClient {
	svc := &ble.Service{UUID: ble.MustParse("da2b84f1-6279-48de-bdc0-afbea0226079")}
	svc.Characteristics = []*ble.Characteristic{
		{UUID: ble.MustParse("ff00"), Property: ble.CharWrite},
	}
	return &fakeClient{services: []*ble.Service{svc}, disconnected: make(chan struct{})}
}

func (c *fakeClient) DiscoverServices(filter []ble.UUID) ([]*ble.Service, error) {
	return c.services, nil
}

func (c *fakeClient) DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error) {
	return s.Characteristics, nil
}

func (c *fakeClient) WriteCharacteristic(ch *ble.Characteristic, value []byte, noRsp bool) error {
	c.mu.Lock()
	c.writes = append(c.writes, value)
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) CancelConnection() error {
	select {
	case <-c.disconnected:
	default:
		close(c.disconnected)
	}
	return nil
}

func (c *fakeClient) Disconnected() <-chan struct{} { return c.disconnected }

// recorder collects handler events from the backend goroutines.
type recorder struct {
	events chan string
	errs   chan error
	peers  chan transport.Peripheral
	svcs   chan []transport.Service
}

func newRecorder() *recorder {
	return &recorder{
		events: make(chan string, 32),
		errs:   make(chan error, 32),
		peers:  make(chan transport.Peripheral, 32),
		svcs:   make(chan []transport.Service, 4),
	}
}

func (r *recorder) StateChanged(state transport.PowerState) { r.events <- "state:" + state.String() }
func (r *recorder) Discovered(p transport.Peripheral, rssi int) {
	r.events <- "discovered"
	r.peers <- p
}
func (r *recorder) Connected(p transport.Peripheral) { r.events <- "connected" }
func (r *recorder) ConnectFailed(p transport.Peripheral, err error) {
	r.events <- "connect-failed"
	r.errs <- err
}
func (r *recorder) Disconnected(p transport.Peripheral, err error) {
	r.events <- "disconnected"
	r.errs <- err
}
func (r *recorder) ServicesDiscovered(services []transport.Service, err error) {
	r.svcs <- services
}
func (r *recorder) CharacteristicsDiscovered(svc transport.Service, err error) {
	r.events <- "characteristics"
}
func (r *recorder) ValueUpdated(ch transport.Characteristic, data []byte, err error) {}
func (r *recorder) WriteCompleted(ch transport.Characteristic, err error) {
	r.events <- "write-completed"
	r.errs <- err
}

func (r *recorder) next(t *testing.T) string {
	t.Helper()
	select {
	case e := <-r.events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return ""
	}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func discover(t *testing.T, dev *fakeDevice) (*Central, *recorder, transport.Peripheral) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	c := newCentral(ctx, dev, testLogger())
	r := newRecorder()
	c.SetHandler(r)
	require.Equal(t, "state:powered-on", r.next(t))
	require.NoError(t, c.Scan())
	require.Equal(t, "discovered", r.next(t))
	p := <-r.peers
	c.StopScan()
	return c, r, p
}

func TestNewCentral_DeviceFactoryError(t *testing.T) {
	orig := DeviceFactory
	defer func() { DeviceFactory = orig }()
	DeviceFactory = func() (ble.Device, error) {
		return nil, errors.New("bluetooth is turned off")
	}

	_, err := NewCentral(context.Background(), testLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrBluetoothOff)
}

func TestCentral_ScanNormalizesAddress(t *testing.T) {
	dev := &fakeDevice{ads: []ble.Advertisement{
		fakeAdvertisement{addr: "aa:bb:cc:dd:ee:01", name: "BASIC#1", rssi: -40},
	}}
	_, _, p := discover(t, dev)

	assert.Equal(t, "AA:BB:CC:DD:EE:01", p.ID())
	assert.Equal(t, "BASIC#1", p.Name())
}

func TestCentral_NameIsKeptWhenScanResponseOmitsIt(t *testing.T) {
	c := newCentral(context.Background(), &fakeDevice{}, testLogger())

	first := c.peripheral("aa:bb:cc:dd:ee:01", "BASIC#1")
	second := c.peripheral("AA:BB:CC:DD:EE:01", "")

	assert.Same(t, first, second)
	assert.Equal(t, "BASIC#1", second.Name())
}

func TestCentral_ConnectDiscoverWrite(t *testing.T) {
	client := newFakeClient()
	dev := &fakeDevice{
		ads:    []ble.Advertisement{fakeAdvertisement{addr: "aa:bb:cc:dd:ee:01", name: "BASIC#1"}},
		client: client,
	}
	c, r, p := discover(t, dev)
	p.SetHandler(r)

	c.Connect(p)
	require.Equal(t, "connected", r.next(t))

	p.DiscoverServices()
	var services []transport.Service
	select {
	case services = <-r.svcs:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for services")
	}
	require.Len(t, services, 1)
	assert.Equal(t, "da2b84f1627948debdc0afbea0226079", services[0].UUID())

	p.DiscoverCharacteristics(services[0])
	require.Equal(t, "characteristics", r.next(t))
	chars := services[0].Characteristics()
	require.Len(t, chars, 1)
	assert.Equal(t, "ff00", chars[0].UUID())

	p.Write(chars[0], []byte("X"), transport.WithoutResponse)
	p.Write(chars[0], []byte("PRINT 1\n"), transport.WithResponse)
	require.Equal(t, "write-completed", r.next(t))
	assert.NoError(t, <-r.errs)

	c.CancelConnection(p)
	require.Equal(t, "disconnected", r.next(t))
	assert.NoError(t, <-r.errs, "a requested disconnect carries no error")

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, [][]byte{[]byte("X"), []byte("PRINT 1\n")}, client.writes)
}

func TestCentral_LinkLoss(t *testing.T) {
	client := newFakeClient()
	dev := &fakeDevice{
		ads:    []ble.Advertisement{fakeAdvertisement{addr: "aa:bb:cc:dd:ee:01"}},
		client: client,
	}
	c, r, p := discover(t, dev)
	p.SetHandler(r)
	c.Connect(p)
	require.Equal(t, "connected", r.next(t))

	close(client.disconnected)
	require.Equal(t, "disconnected", r.next(t))
	assert.ErrorIs(t, <-r.errs, transport.ErrNotConnected)

	ch := &characteristic{raw: client.services[0].Characteristics[0], uuid: "ff00"}
	p.Write(ch, []byte("late"), transport.WithResponse)
	require.Equal(t, "write-completed", r.next(t))
	assert.ErrorIs(t, <-r.errs, transport.ErrNotConnected)
}
