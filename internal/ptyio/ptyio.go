// Package ptyio exposes the console through a pseudo-terminal so serial
// tools (screen, minicom, picocom) can drive the board.
//
// Text written to the PTY is queued in a ring buffer and drained to the
// master by a writer goroutine, so a slow terminal never blocks the
// dispatch queue. When the buffer is full the oldest bytes win and the
// overflow is counted.
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/term"

	"github.com/srg/blueconsole/internal/groutine"
)

// DefaultBufferSize is the write queue capacity in bytes.
const DefaultBufferSize = 16 * 1024

// ReadCallback receives bytes typed into the slave side. It runs on the
// reader goroutine and must not retain data.
type ReadCallback func(data []byte)

// PTY is a master/slave pair with an asynchronous write queue.
type PTY struct {
	logger *logrus.Logger
	master *os.File
	slave  *os.File
	name   string

	queue  *ringbuffer.RingBuffer
	notify chan struct{}

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool
	dropped atomic.Uint64
}

// Open creates a pty pair with the slave in raw mode and starts the
// reader and writer goroutines. onRead may be nil.
func Open(ctx context.Context, size int, logger *logrus.Logger, onRead ReadCallback) (*PTY, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if size <= 0 {
		size = DefaultBufferSize
	}

	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		_ = master.Close()
		_ = slave.Close()
		return nil, fmt.Errorf("failed to set PTY %s to raw mode: %w", slave.Name(), err)
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &PTY{
		logger: logger,
		master: master,
		slave:  slave,
		name:   slave.Name(),
		queue:  ringbuffer.New(size),
		notify: make(chan struct{}, 1),
		cancel: cancel,
	}

	p.wg.Add(2)
	groutine.Go(ctx, "pty-write-loop", func(ctx context.Context) {
		defer p.wg.Done()
		p.writeLoop(ctx)
	})
	groutine.Go(ctx, "pty-read-loop", func(ctx context.Context) {
		defer p.wg.Done()
		p.readLoop(onRead)
	})
	return p, nil
}

// TTYName returns the slave device path, e.g. /dev/pts/5.
func (p *PTY) TTYName() string { return p.name }

// Dropped returns the number of bytes lost to write queue overflow.
func (p *PTY) Dropped() uint64 { return p.dropped.Load() }

// Write queues data for the terminal. It never blocks; n < len(data)
// means the queue overflowed.
func (p *PTY) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}
	n, err := p.queue.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) && !errors.Is(err, ringbuffer.ErrTooMuchDataToWrite) {
		return n, err
	}
	if n < len(data) {
		p.dropped.Add(uint64(len(data) - n))
		p.logger.WithFields(logrus.Fields{
			"dropped": len(data) - n,
			"queued":  n,
		}).Warn("PTY write queue overflow")
	}
	select {
	case p.notify <- struct{}{}:
	default:
	}
	return n, nil
}

func (p *PTY) writeLoop(ctx context.Context) {
	buf := make([]byte, 1024)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.notify:
		}
		for {
			n, err := p.queue.TryRead(buf)
			if n == 0 || (err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty)) {
				break
			}
			if _, err := p.master.Write(buf[:n]); err != nil {
				if !p.closed.Load() {
					p.logger.WithError(err).Warn("PTY write failed")
				}
				return
			}
		}
	}
}

func (p *PTY) readLoop(onRead ReadCallback) {
	buf := make([]byte, 1024)
	for {
		n, err := p.master.Read(buf)
		if n > 0 && onRead != nil {
			onRead(buf[:n])
		}
		if err != nil {
			if !p.closed.Load() && !errors.Is(err, io.EOF) {
				p.logger.WithError(err).Debug("PTY read loop stopped")
			}
			return
		}
	}
}

// Close stops both loops and releases the pair.
func (p *PTY) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()
	err := p.master.Close()
	if serr := p.slave.Close(); err == nil {
		err = serr
	}
	p.wg.Wait()
	return err
}
