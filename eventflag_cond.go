package tscb

import "sync"

// CondEventFlag is the alternate C1' backend from spec §4.1: an equivalent
// set/wait/clear primitive built from a mutex + condition variable, for
// platforms or tests where a readiness source isn't needed. It is not
// usable as a Backend readiness source (it has no fd) and Reactor does not
// use it internally; it exists as a standalone drop-in for callers who only
// need the wake-up semantics.
type CondEventFlag struct {
	noCopy

	mu     sync.Mutex
	cond   *sync.Cond
	setVal bool
}

// NewCondEventFlag returns a ready-to-use flag; unlike EventFlag it cannot
// fail to allocate.
func NewCondEventFlag() *CondEventFlag {
	f := &CondEventFlag{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Set wakes every blocked Wait call and any future Wait until Clear runs.
func (f *CondEventFlag) Set() {
	f.mu.Lock()
	already := f.setVal
	f.setVal = true
	f.mu.Unlock()
	if !already {
		f.cond.Broadcast()
	}
}

// Wait blocks until Set has been called since the last Clear.
func (f *CondEventFlag) Wait() {
	f.mu.Lock()
	for !f.setVal {
		f.cond.Wait()
	}
	f.mu.Unlock()
}

// Clear resets the flag.
func (f *CondEventFlag) Clear() {
	f.mu.Lock()
	f.setVal = false
	f.mu.Unlock()
}

// IsSet reports the current state without blocking.
func (f *CondEventFlag) IsSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setVal
}
