// Handles sharing of shape subscriptions between consumers.

package shape

import (
	"context"
	"sync"
)

// Cache de-duplicates mirrors by the canonical hash of their options.
//
// Every Acquire must be paired with a Release of the returned Handle. The
// mirror stops when its last handle is released or when the context of the
// Acquire call that created it is done; a stopped mirror is evicted and the
// next Acquire starts a fresh one.
type Cache struct {
	opts MirrorOptions

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	mirror *Mirror
	cancel context.CancelFunc
	refs   int
}

// NewCache returns an empty cache creating mirrors with opts.
func NewCache(opts MirrorOptions) *Cache {
	return &Cache{opts: opts, entries: map[string]*cacheEntry{}}
}

// Handle is one consumer's reference to a shared mirror.
type Handle struct {
	*Mirror
	once    sync.Once
	release func()
}

// Release detaches the consumer. It is safe to call more than once.
func (h *Handle) Release() {
	h.once.Do(h.release)
}

// Acquire returns a handle to the mirror of opts, starting it if needed. ctx
// is the cancellation signal of a newly started mirror.
func (c *Cache) Acquire(ctx context.Context, opts Options) (*Handle, error) {
	key := opts.Hash()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if ok && e.stopped() {
		e.cancel()
		delete(c.entries, key)
		ok = false
	}
	if !ok {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mctx, cancel := context.WithCancel(ctx)
		m, err := NewMirror(mctx, opts, c.opts)
		if err != nil {
			cancel()
			return nil, err
		}
		e = &cacheEntry{mirror: m, cancel: cancel}
		c.entries[key] = e
	}
	e.refs++
	return &Handle{Mirror: e.mirror, release: func() { c.release(key, e) }}, nil
}

func (c *Cache) release(key string, e *cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.refs--
	if e.refs > 0 {
		return
	}
	e.cancel()
	if c.entries[key] == e {
		delete(c.entries, key)
	}
}

// Len returns the number of cached mirrors, including stopped ones not yet
// evicted.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops every mirror.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		e.cancel()
		delete(c.entries, k)
	}
}

func (e *cacheEntry) stopped() bool {
	select {
	case <-e.mirror.Done():
		return true
	default:
		return e.mirror.canceled()
	}
}
