package console

// Delegate is a protocol that temporarily takes over the console's traffic.
type Delegate interface {
	// OnNotification is offered each input notification first. Returning true
	// consumes it; false lets it through to the transcript.
	OnNotification(uuid string, data []byte) bool
	// OnWriteComplete reports each with-response write completion.
	OnWriteComplete(uuid string, ok bool)
	// OnLinkLost reports a link loss nobody requested. Returning true keeps
	// the lease and leaves recovery to the delegate; false abandons it.
	OnLinkLost() bool
}

// Lease is exclusive ownership of a session's delegate slot.
type Lease struct {
	s        *Session
	prev     Delegate
	gen      uint64
	released bool
}

// Acquire installs d as the delegate until the returned lease is released.
func (s *Session) Acquire(d Delegate) *Lease {
	l := &Lease{s: s, prev: s.delegate, gen: s.generation}
	s.delegate = d
	return l
}

// Release restores the previous delegate. Releasing twice, or releasing
// after the session was torn down or rebound, does nothing.
func (l *Lease) Release() {
	if l == nil || l.released {
		return
	}
	l.released = true
	if l.s.generation != l.gen {
		return
	}
	l.s.delegate = l.prev
}

// Held reports whether the lease still owns the delegate slot.
func (l *Lease) Held() bool {
	return l != nil && !l.released && l.s.generation == l.gen
}
