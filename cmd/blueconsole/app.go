package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blueconsole/internal/callbacks"
	"github.com/srg/blueconsole/internal/config"
	"github.com/srg/blueconsole/internal/console"
	"github.com/srg/blueconsole/internal/device"
	"github.com/srg/blueconsole/internal/dispatch"
	"github.com/srg/blueconsole/internal/transport"
	"github.com/srg/blueconsole/internal/transport/goble"
	"github.com/srg/blueconsole/internal/transport/simulated"
	"github.com/srg/blueconsole/internal/transport/tinygo"
)

// disconnectTimeout bounds the farewell disconnect on exit.
const disconnectTimeout = 3 * time.Second

// centralFactory creates the transport for the configured backend (can be
// overridden in tests).
var centralFactory = newCentral

func newCentral(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (transport.Central, error) {
	switch cfg.Backend {
	case config.BackendTinyGo:
		c, err := tinygo.NewCentral(ctx, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.BackendSimulated:
		return demoCentral(), nil
	default:
		c, err := goble.NewCentral(ctx, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// demoCentral is a radio with one emulated board, for trying the CLI
// without hardware.
func demoCentral() transport.Central {
	board := simulated.NewBasicDevice("00:00:00:00:00:01", "BASIC#demo", "BASIC/20140101", -42)
	return simulated.NewCentral(transport.PoweredOn).AddPeripheral(board.Peripheral)
}

// app wires the radio, the dispatch queue, the device manager and the
// console for one command run. Every core call goes through queue.
type app struct {
	cfg        *config.Config
	logger     *logrus.Logger
	queue      *dispatch.Serial
	manager    *device.Manager
	console    *console.Session
	transcript *console.Transcript
}

// newApp builds the stack. The queue and the radio outlive cancellation of
// ctx so Close can still disconnect cleanly after Ctrl+C.
func newApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger, out io.Writer) (*app, error) {
	ctx = context.WithoutCancel(ctx)
	central, err := centralFactory(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	queue := dispatch.NewSerial(ctx, "blueconsole-queue", logger)
	transcript := console.NewTranscript(out, cfg.Console.Scrollback)
	return &app{
		cfg:        cfg,
		logger:     logger,
		queue:      queue,
		manager:    device.NewManager(central, queue, logger),
		console:    console.NewSession(queue, console.Options{Reconnect: cfg.Console.Reconnect, Transcript: transcript}, logger),
		transcript: transcript,
	}, nil
}

// Close disconnects the console and stops the queue.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	_, _ = await(ctx, a.queue, func(done func(bool)) {
		a.manager.StopScan()
		a.console.Disconnect(done)
	})
	a.queue.Close()
}

// await runs start on q and blocks until it calls done or ctx ends. Only
// the first done call counts.
func await[T any](ctx context.Context, q dispatch.Queue, start func(done func(T))) (T, error) {
	ch := make(chan T, 1)
	q.Post(func() {
		start(func(v T) {
			select {
			case ch <- v:
			default:
			}
		})
	})
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// awaitLinked is await for operations whose callback never fires once the
// console drops: losing the link resolves it with ErrConnectionLost.
func (a *app) awaitLinked(ctx context.Context, start func(done func(bool))) (bool, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	var observer callbacks.Handle
	ok, err := await(ctx, a.queue, func(done func(bool)) {
		observer = a.console.OnStatus(func(s console.Status) {
			if s == console.StatusNotConnected {
				cancel(ErrConnectionLost)
			}
		})
		start(done)
	})
	a.queue.Post(func() { observer.Remove() })
	if err != nil {
		if cause := context.Cause(ctx); errors.Is(cause, ErrConnectionLost) {
			return false, ErrConnectionLost
		}
		return false, err
	}
	return ok, nil
}

// findDevice scans until a device whose identifier or name equals target
// shows up, or the scan timeout passes.
func (a *app) findDevice(ctx context.Context, target string) (*device.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Scan.Timeout)
	defer cancel()

	id := transport.NormalizeAddress(target)
	a.logger.WithField("target", target).Debug("Looking for device")
	dev, err := await(ctx, a.queue, func(done func(*device.Session)) {
		a.manager.FindDevices(func(s *device.Session) {
			if s.ID() == id || s.Name() == target {
				a.manager.StopScan()
				done(s)
			}
		})
	})
	if err != nil {
		a.queue.Post(a.manager.StopScan)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, target)
		}
		return nil, err
	}
	return dev, nil
}

// connect finds target and binds the console to it.
func (a *app) connect(ctx context.Context, target string) (*device.Session, error) {
	dev, err := a.findDevice(ctx, target)
	if err != nil {
		return nil, err
	}
	ok, err := await(ctx, a.queue, func(done func(bool)) {
		a.console.ConnectTo(dev, done)
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConnectFailed, target)
	}
	return dev, nil
}

// status reads the console status on the queue.
func (a *app) status(ctx context.Context) console.Status {
	st, err := await(ctx, a.queue, func(done func(console.Status)) {
		done(a.console.Status())
	})
	if err != nil {
		return console.StatusNotConnected
	}
	return st
}

// signalContext returns a context cancelled on Ctrl+C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
