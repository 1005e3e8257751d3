// Package counters exposes the named shared-memory accumulators: per-route
// bytes/frames read and written, plus pool acquire/release counts. The
// host dataplane owns the real accumulators; this package defines the
// interface the core depends on and one atomic in-process implementation
// for tests and the demonstration harness.
package counters

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Counters records the named accumulators the dataplane reports.
type Counters interface {
	IncBytesRead(routeID uint64, n uint64)
	IncBytesWritten(routeID uint64, n uint64)
	IncFramesRead(routeID uint64, n uint64)
	IncFramesWritten(routeID uint64, n uint64)
	IncAcquire(pool string)
	IncRelease(pool string)
}

// AtomicCounters is an in-process Counters backed by one atomic.Uint64 per
// named series ("{routeId}.bytes.read", "server.network.acquires", ...).
type AtomicCounters struct {
	mu     sync.Mutex
	series map[string]*atomic.Uint64
}

// NewAtomicCounters returns an empty set of counters.
func NewAtomicCounters() *AtomicCounters {
	return &AtomicCounters{series: make(map[string]*atomic.Uint64)}
}

func (c *AtomicCounters) counter(name string) *atomic.Uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.series[name]
	if !ok {
		v = &atomic.Uint64{}
		c.series[name] = v
	}
	return v
}

// Get returns the current value of a named series (0 if never touched),
// for test assertions.
func (c *AtomicCounters) Get(name string) uint64 {
	return c.counter(name).Load()
}

func (c *AtomicCounters) IncBytesRead(routeID uint64, n uint64) {
	c.counter(fmt.Sprintf("%d.bytes.read", routeID)).Add(n)
}

func (c *AtomicCounters) IncBytesWritten(routeID uint64, n uint64) {
	c.counter(fmt.Sprintf("%d.bytes.written", routeID)).Add(n)
}

func (c *AtomicCounters) IncFramesRead(routeID uint64, n uint64) {
	c.counter(fmt.Sprintf("%d.frames.read", routeID)).Add(n)
}

func (c *AtomicCounters) IncFramesWritten(routeID uint64, n uint64) {
	c.counter(fmt.Sprintf("%d.frames.written", routeID)).Add(n)
}

func (c *AtomicCounters) IncAcquire(pool string) {
	c.counter(pool + ".acquires").Add(1)
}

func (c *AtomicCounters) IncRelease(pool string) {
	c.counter(pool + ".releases").Add(1)
}
