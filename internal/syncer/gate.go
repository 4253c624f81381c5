// Package syncer merges authoritative remote rows into the local store.
//
// Remote rows arrive per table from shape mirrors. They are queued, coalesced
// by table, and merged by [Reconciler] in one store transaction, but only while
// no speculative local write is in flight: [Gate] counts in-flight writes and
// reconciliation waits for it to reach zero.
package syncer

import (
	"log/slog"
	"sync"
)

// Gate counts in-flight speculative writes.
type Gate struct {
	mu      sync.Mutex
	count   int
	nextID  int
	waiters map[int]func()
}

// NewGate returns an open gate.
func NewGate() *Gate {
	return &Gate{waiters: map[int]func(){}}
}

// Enter records the start of a speculative write.
func (g *Gate) Enter() {
	g.mu.Lock()
	g.count++
	g.mu.Unlock()
}

// Leave records the settlement of a speculative write. Callbacks registered
// with OnOpen run when the count returns to zero.
func (g *Gate) Leave() {
	g.mu.Lock()
	if g.count == 0 {
		g.mu.Unlock()
		slog.Error("syncer: gate left more often than entered")
		return
	}
	g.count--
	var cbs []func()
	if g.count == 0 {
		for _, fn := range g.waiters {
			cbs = append(cbs, fn)
		}
	}
	g.mu.Unlock()
	for _, fn := range cbs {
		fn()
	}
}

// Count returns the number of in-flight writes.
func (g *Gate) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

// OnOpen registers fn, called on every transition to zero. The returned
// function unregisters it.
func (g *Gate) OnOpen(fn func()) func() {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.nextID
	g.nextID++
	g.waiters[id] = fn
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		delete(g.waiters, id)
	}
}

// IfOpen runs fn if no write is in flight and reports whether it ran. Enter
// blocks while fn runs, so no speculative write can start in the middle.
func (g *Gate) IfOpen(fn func()) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.count != 0 {
		return false
	}
	fn()
	return true
}
