// Package callbacks keeps ordered sets of subscriber functions.
//
// Neither Registry nor OneShot is safe for concurrent use. Both are meant to
// be owned by code confined to a single dispatch queue.
package callbacks

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Handle identifies one registration. Remove is idempotent.
type Handle struct {
	remove func()
}

// Remove unregisters the callback. Removing twice, or removing a handle
// whose registry has since been cleared, is a no-op.
func (h Handle) Remove() {
	if h.remove != nil {
		h.remove()
	}
}

// Registry is a persistent, insertion-ordered list of callbacks.
type Registry[T any] struct {
	next uint64
	subs *orderedmap.OrderedMap[uint64, func(T)]
}

// NewRegistry returns an empty Registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{subs: orderedmap.New[uint64, func(T)]()}
}

// Append registers fn and returns a handle for removing it. A nil fn is
// skipped and yields a handle that does nothing.
func (r *Registry[T]) Append(fn func(T)) Handle {
	if fn == nil {
		return Handle{}
	}
	r.next++
	token := r.next
	r.subs.Set(token, fn)
	return Handle{remove: func() { r.subs.Delete(token) }}
}

// Call invokes every registered callback with v in registration order.
// Callbacks added during the call are not invoked this round; callbacks
// removed during the call are skipped if they have not run yet.
func (r *Registry[T]) Call(v T) {
	tokens := make([]uint64, 0, r.subs.Len())
	for pair := r.subs.Oldest(); pair != nil; pair = pair.Next() {
		tokens = append(tokens, pair.Key)
	}
	for _, token := range tokens {
		if fn, ok := r.subs.Get(token); ok {
			fn(v)
		}
	}
}

// Len reports the number of registered callbacks.
func (r *Registry[T]) Len() int {
	return r.subs.Len()
}

// Clear drops every registration.
func (r *Registry[T]) Clear() {
	r.subs = orderedmap.New[uint64, func(T)]()
}

// OneShot is a callback list that empties itself on every Call.
type OneShot[T any] struct {
	reg *Registry[T]
}

// NewOneShot returns an empty OneShot.
func NewOneShot[T any]() *OneShot[T] {
	return &OneShot[T]{reg: NewRegistry[T]()}
}

// Append registers fn for the next Call only.
func (o *OneShot[T]) Append(fn func(T)) Handle {
	reg := o.reg
	if fn == nil {
		return Handle{}
	}
	h := reg.Append(fn)
	return Handle{remove: func() {
		// A handle from a list that already fired points at a stale registry.
		if o.reg == reg {
			h.Remove()
		}
	}}
}

// Call detaches the current list, then invokes each callback with v.
// Callbacks appended while Call runs land in a fresh list and wait for the
// next Call.
func (o *OneShot[T]) Call(v T) {
	snapshot := o.reg
	o.reg = NewRegistry[T]()
	snapshot.Call(v)
}

// Len reports the number of pending callbacks.
func (o *OneShot[T]) Len() int {
	return o.reg.Len()
}

// Clear drops every pending callback without invoking it.
func (o *OneShot[T]) Clear() {
	o.reg = NewRegistry[T]()
}
