// Package tscb is an event reactor library for event-driven Unix services.
//
// It multiplexes three classes of event source — readiness on file
// descriptors, expiring timers, and asynchronous wake-ups from other
// threads — into a single dispatch loop that delivers registered callbacks
// when events fire. Callbacks can be registered, modified, invoked, and
// cancelled concurrently from multiple goroutines without locks on the hot
// (reader) path; cancellation is always observed before a callback's owned
// state is released.
//
// The core pieces:
//
//   - EventFlag: a single-slot wake-up primitive, also usable as a readiness
//     source (it is backed by a pipe).
//   - DeferredLock: a read-biased guard in which writers never block
//     readers; writer effects are staged and committed at a synchronize
//     point.
//   - Connection / link: a handle for a registered callback, with a
//     two-phase cancellation handshake (no refcount; link lifetime is left
//     to the garbage collector).
//   - the per-fd callback registry and the lock-free async work queue.
//   - Reactor: glues the above around a pluggable readiness Backend
//     (epoll on Linux).
package tscb
