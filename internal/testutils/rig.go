package testutils

import (
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/srg/blueconsole/internal/console"
	"github.com/srg/blueconsole/internal/device"
	"github.com/srg/blueconsole/internal/dispatch"
	"github.com/srg/blueconsole/internal/transport"
	"github.com/srg/blueconsole/internal/transport/simulated"
)

// Rig wires a simulated radio, a device manager and a console session onto
// one manual queue.
type Rig struct {
	T          require.TestingT
	Logger     *logrus.Logger
	LogHook    *test.Hook
	Queue      *dispatch.Manual
	Central    *simulated.Central
	Manager    *device.Manager
	Console    *console.Session
	Transcript *console.Transcript
	Statuses   []console.Status
}

// NewRig builds a rig with a powered-on radio and an unbound console.
func NewRig(t require.TestingT, opts console.Options) *Rig {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	q := dispatch.NewManual()
	central := simulated.NewCentral(transport.PoweredOn)
	if opts.Transcript == nil {
		opts.Transcript = console.NewTranscript(nil, 0)
	}

	r := &Rig{
		T:          t,
		Logger:     logger,
		LogHook:    hook,
		Queue:      q,
		Central:    central,
		Manager:    device.NewManager(central, q, logger),
		Console:    console.NewSession(q, opts, logger),
		Transcript: opts.Transcript,
	}
	r.Console.OnStatus(func(s console.Status) { r.Statuses = append(r.Statuses, s) })
	return r
}

// Discover adds p to the radio, scans once and returns its session.
func (r *Rig) Discover(p *simulated.Peripheral) *device.Session {
	r.Central.AddPeripheral(p)
	h := r.Manager.FindDevices(func(*device.Session) {})
	r.Queue.RunUntilIdle()
	h.Remove()
	r.Manager.StopScan()

	sess, ok := r.Manager.Lookup(p.ID())
	require.True(r.T, ok, "peripheral %s MUST be discovered", p.ID())
	return sess
}

// ConnectConsole binds the console to dev and returns the ConnectTo result.
func (r *Rig) ConnectConsole(dev *device.Session) bool {
	var result *bool
	r.Console.ConnectTo(dev, func(ok bool) { result = &ok })
	r.Queue.RunUntilIdle()
	require.NotNil(r.T, result, "ConnectTo callback MUST fire")
	return *result
}

// Type writes text through the console and runs the queue.
func (r *Rig) Type(text string) int {
	n := r.Console.Write(text)
	r.Queue.RunUntilIdle()
	return n
}
