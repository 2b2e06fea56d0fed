package dispatch

import (
	"sort"
	"sync"
	"time"
)

// maxManualSteps bounds RunUntilIdle and Drain so a task that keeps
// re-posting itself fails loudly instead of hanging a test.
const maxManualSteps = 1_000_000

// Manual is a Queue driven by the caller, with a virtual clock. Nothing
// runs until RunUntilIdle, Advance or Drain is called, which makes it the
// deterministic queue for tests and the simulated backend.
//
// Post may be called from any goroutine. Everything else belongs to the
// goroutine driving the queue.
type Manual struct {
	now    time.Duration
	seq    uint64
	timers []*manualTimer

	mu     sync.Mutex
	tasks  []func()
	posted chan struct{}
}

// NewManual returns a Manual queue at virtual time zero.
func NewManual() *Manual {
	return &Manual{posted: make(chan struct{}, 1)}
}

// Post implements Queue.
func (m *Manual) Post(fn func()) {
	m.mu.Lock()
	m.tasks = append(m.tasks, fn)
	m.mu.Unlock()
	select {
	case m.posted <- struct{}{}:
	default:
	}
}

// WaitPost blocks until a task is posted or timeout elapses. It lets a test
// wait for work finishing on another goroutine.
func (m *Manual) WaitPost(timeout time.Duration) bool {
	select {
	case <-m.posted:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (m *Manual) next() (func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.tasks) == 0 {
		return nil, false
	}
	task := m.tasks[0]
	m.tasks[0] = nil
	m.tasks = m.tasks[1:]
	return task, true
}

// After implements Queue. The deadline is measured on the virtual clock.
func (m *Manual) After(d time.Duration, fn func()) Timer {
	if d < 0 {
		d = 0
	}
	m.seq++
	t := &manualTimer{at: m.now + d, seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

// Now returns the virtual time elapsed since creation.
func (m *Manual) Now() time.Duration {
	return m.now
}

// RunUntilIdle runs posted tasks, including the ones they post, until none
// are left. Time does not move. It returns the number of tasks run.
func (m *Manual) RunUntilIdle() int {
	ran := 0
	for {
		task, ok := m.next()
		if !ok {
			break
		}
		task()
		ran++
		if ran > maxManualSteps {
			panic("dispatch: manual queue did not go idle")
		}
	}
	return ran
}

// Advance moves the clock forward by d, firing due timers in deadline order
// and running the tasks each of them posts.
func (m *Manual) Advance(d time.Duration) {
	target := m.now + d
	for steps := 0; ; steps++ {
		if steps > maxManualSteps {
			panic("dispatch: manual queue timers did not settle")
		}
		m.RunUntilIdle()
		t := m.nextTimer()
		if t == nil || t.at > target {
			break
		}
		m.now = t.at
		m.fire(t)
	}
	m.now = target
	m.RunUntilIdle()
}

// Drain runs tasks and fires timers, jumping the clock to each deadline,
// until nothing is pending.
func (m *Manual) Drain() {
	for steps := 0; ; steps++ {
		if steps > maxManualSteps {
			panic("dispatch: manual queue did not drain")
		}
		m.RunUntilIdle()
		t := m.nextTimer()
		if t == nil {
			return
		}
		if t.at > m.now {
			m.now = t.at
		}
		m.fire(t)
	}
}

// PendingTimers reports the number of live timers.
func (m *Manual) PendingTimers() int {
	m.compact()
	return len(m.timers)
}

func (m *Manual) fire(t *manualTimer) {
	t.done = true
	m.compact()
	t.fn()
}

func (m *Manual) nextTimer() *manualTimer {
	m.compact()
	if len(m.timers) == 0 {
		return nil
	}
	sort.Slice(m.timers, func(i, j int) bool {
		if m.timers[i].at != m.timers[j].at {
			return m.timers[i].at < m.timers[j].at
		}
		return m.timers[i].seq < m.timers[j].seq
	})
	return m.timers[0]
}

func (m *Manual) compact() {
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.done {
			live = append(live, t)
		}
	}
	for i := len(live); i < len(m.timers); i++ {
		m.timers[i] = nil
	}
	m.timers = live
}

type manualTimer struct {
	at   time.Duration
	seq  uint64
	fn   func()
	done bool
}

func (t *manualTimer) Stop() bool {
	if t.done {
		return false
	}
	t.done = true
	return true
}
