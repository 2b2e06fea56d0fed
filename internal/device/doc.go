// Package device manages discovered peripherals and their connection and
// GATT sessions.
//
// A Manager owns the radio: it scans, keeps one Session per peripheral for
// the life of the process and drives connects and disconnects. A Session
// caches the discovered services, serializes reads through one-shot
// callback lists and forwards notifications and write completions to a
// single Delegate.
//
// Every exported method must be called on the Manager's dispatch queue, and
// every callback is invoked there. Backend events are re-posted onto the
// queue before any state is touched.
package device
