// Package dispatch provides the serial execution context that every
// device, console and protocol callback runs on.
//
// All state owned by those components is confined to one Queue. Backend
// goroutines never touch it directly; they Post work onto the queue.
package dispatch

import "time"

// Queue runs posted functions one at a time, in posting order.
type Queue interface {
	// Post schedules fn to run on the queue.
	Post(fn func())
	// After schedules fn to run on the queue once d has elapsed.
	After(d time.Duration, fn func()) Timer
}

// Timer is a pending After call.
type Timer interface {
	// Stop prevents the timer's function from running. It reports whether
	// the call stopped the timer, false if it already ran or was stopped.
	Stop() bool
}

// TimerGroup tracks the timers created through it so an owner can cancel
// all of them at teardown. It is confined to its queue.
type TimerGroup struct {
	q      Queue
	next   uint64
	timers map[uint64]Timer
}

// NewTimerGroup returns a group scheduling on q.
func NewTimerGroup(q Queue) *TimerGroup {
	return &TimerGroup{q: q, timers: make(map[uint64]Timer)}
}

// After schedules fn on the group's queue and remembers the timer until it
// fires or is stopped.
func (g *TimerGroup) After(d time.Duration, fn func()) Timer {
	g.next++
	id := g.next
	t := g.q.After(d, func() {
		delete(g.timers, id)
		fn()
	})
	g.timers[id] = t
	return &groupTimer{g: g, id: id, t: t}
}

// StopAll cancels every pending timer and reports how many were stopped.
func (g *TimerGroup) StopAll() int {
	stopped := 0
	for id, t := range g.timers {
		if t.Stop() {
			stopped++
		}
		delete(g.timers, id)
	}
	return stopped
}

// Pending reports the number of timers that have neither fired nor been stopped.
func (g *TimerGroup) Pending() int {
	return len(g.timers)
}

type groupTimer struct {
	g  *TimerGroup
	id uint64
	t  Timer
}

func (t *groupTimer) Stop() bool {
	delete(t.g.timers, t.id)
	return t.t.Stop()
}
