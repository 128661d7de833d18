package tscb

import (
	"sync"

	"github.com/eapache/queue"
)

// pendingQueue holds the unconsumed tail of one backend Wait() batch: when
// Dispatch's max argument caps how many readiness events it may process,
// whatever ReadyEvents the backend returned beyond that cap are buffered
// here so DispatchPending can drain them without a further backend call,
// per SPEC_FULL §11.1. It never survives across a Dispatch call boundary
// that already drained it and it holds no link references, only plain
// (fd, mask) pairs, so it never goes stale relative to a concurrent
// disconnect/modify the way a buffered link pointer would.
// Dispatch may run on multiple goroutines concurrently per §5, so the
// overflow buffer needs its own mutex; eapache/queue.Queue is not
// goroutine-safe on its own.
type pendingQueue struct {
	noCopy

	mu sync.Mutex
	q  *queue.Queue
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{q: queue.New()}
}

func (p *pendingQueue) pushAll(events []ReadyEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range events {
		p.q.Add(e)
	}
}

func (p *pendingQueue) empty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.q.Length() == 0
}

// popUpTo removes and returns up to max queued events (all of them if
// max <= 0).
func (p *pendingQueue) popUpTo(max int) []ReadyEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []ReadyEvent
	for p.q.Length() > 0 && (max <= 0 || len(out) < max) {
		out = append(out, p.q.Remove().(ReadyEvent))
	}
	return out
}
