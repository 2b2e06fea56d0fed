package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blueconsole/internal/groutine"
)

// Serial is a Queue backed by a single worker goroutine.
type Serial struct {
	logger *logrus.Logger
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}

	mu     sync.Mutex
	tasks  []func()
	closed bool
}

// NewSerial starts a worker named name. The worker exits when ctx is
// cancelled or Close is called; tasks still queued at that point are dropped.
func NewSerial(ctx context.Context, name string, logger *logrus.Logger) *Serial {
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Serial{
		logger: logger,
		cancel: cancel,
		done:   make(chan struct{}),
		wake:   make(chan struct{}, 1),
	}
	groutine.Go(ctx, name, s.run)
	return s
}

// Post implements Queue. Posting to a closed queue is a no-op.
func (s *Serial) Post(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.tasks = append(s.tasks, fn)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// After implements Queue.
func (s *Serial) After(d time.Duration, fn func()) Timer {
	st := &serialTimer{}
	st.t = time.AfterFunc(d, func() {
		s.Post(func() {
			if st.stopped.Load() {
				return
			}
			st.fired.Store(true)
			fn()
		})
	})
	return st
}

// Close stops the worker and waits for it to exit.
func (s *Serial) Close() {
	s.cancel()
	<-s.done
}

// Stop asks the worker to exit after the running task without waiting.
// Safe to call from inside a task.
func (s *Serial) Stop() {
	s.cancel()
}

func (s *Serial) run(ctx context.Context) {
	defer close(s.done)
	defer func() {
		s.mu.Lock()
		s.closed = true
		s.tasks = nil
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			for {
				s.mu.Lock()
				if len(s.tasks) == 0 {
					s.mu.Unlock()
					break
				}
				task := s.tasks[0]
				s.tasks[0] = nil
				s.tasks = s.tasks[1:]
				s.mu.Unlock()

				s.exec(task)
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

func (s *Serial) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("panic", r).Error("Dispatch task panicked")
		}
	}()
	task()
}

type serialTimer struct {
	t       *time.Timer
	stopped atomic.Bool
	fired   atomic.Bool
}

func (t *serialTimer) Stop() bool {
	if !t.stopped.CompareAndSwap(false, true) {
		return false
	}
	t.t.Stop()
	return !t.fired.Load()
}
