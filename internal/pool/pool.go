// Package pool implements the Connection Pool (C3): a bounded pool of
// relational connections, pre-warmed and pragma-configured on first
// use, growing up to its current target when an acquisition times out
// and shrinking lazily on release under a lowered target.
//
// Grounded on original_source/global/src/global_mcp/
// concurrent_memory_manager.py's ConnectionPool class, translated from
// its asyncio.Queue-based design to a buffered Go channel of handles.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/jetgogoing/memoryd/internal/errs"
)

// Conn is an opaque pooled handle. Concrete stores wrap their own
// connection type behind this interface.
type Conn interface {
	// Configure applies the once-per-connection pragma/session setup
	// (WAL, synchronous=NORMAL, cache_size, temp_store=MEMORY) when the
	// backing store supports it.
	Configure(ctx context.Context) error
	// Close releases the underlying resource.
	Close() error
}

// Factory creates a new Conn on demand.
type Factory func(ctx context.Context) (Conn, error)

// Pool is a bounded, growable pool of Conn handles.
type Pool struct {
	factory Factory

	mu        sync.Mutex
	target    int // current cap target, adjustable by the autoscaler (C11)
	maxCap    int
	total     int // connections currently created (in pool + checked out)
	idle      chan Conn
	acquireTO time.Duration
}

// Option configures a Pool.
type Option func(*Pool)

func WithAcquireTimeout(d time.Duration) Option {
	return func(p *Pool) { p.acquireTO = d }
}

// New creates a pool with initial capacity target `size`. An acquisition
// that times out creates a new connection while the pool is below its
// target; Resize moves the target (never above `maxCap`), and the pool
// follows it lazily.
func New(factory Factory, size, maxCap int, opts ...Option) *Pool {
	p := &Pool{
		factory:   factory,
		target:    size,
		maxCap:    maxCap,
		idle:      make(chan Conn, maxCap),
		acquireTO: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Warm pre-creates `size` connections up front.
func (p *Pool) Warm(ctx context.Context) error {
	p.mu.Lock()
	n := p.target
	p.mu.Unlock()
	for i := 0; i < n; i++ {
		c, err := p.newConn(ctx)
		if err != nil {
			return err
		}
		p.idle <- c
	}
	return nil
}

func (p *Pool) newConn(ctx context.Context) (Conn, error) {
	c, err := p.factory(ctx)
	if err != nil {
		return nil, errs.Internal("create pooled connection", err)
	}
	if err := c.Configure(ctx); err != nil {
		return nil, errs.Internal("configure pooled connection", err)
	}
	p.mu.Lock()
	p.total++
	p.mu.Unlock()
	return c, nil
}

// Acquire returns a handle, waiting up to acquireTO for an idle one. If
// none becomes idle in time and the pool is below its target cap, a new
// connection is created instead of waiting further; otherwise the
// acquisition keeps waiting on the idle channel.
func (p *Pool) Acquire(ctx context.Context) (Conn, error) {
	select {
	case c := <-p.idle:
		return c, nil
	default:
	}

	timer := time.NewTimer(p.acquireTO)
	defer timer.Stop()

	select {
	case c := <-p.idle:
		return c, nil
	case <-timer.C:
		p.mu.Lock()
		belowCap := p.total < p.target
		p.mu.Unlock()
		if belowCap {
			return p.newConn(ctx)
		}
		// At cap: keep waiting, this time with no timeout short-circuit.
		select {
		case c := <-p.idle:
			return c, nil
		case <-ctx.Done():
			return nil, errs.DeadlineExceeded("timed out waiting for a pooled connection")
		}
	case <-ctx.Done():
		return nil, errs.DeadlineExceeded("timed out waiting for a pooled connection")
	}
}

// Release returns c to the pool, or closes it if the pool has shrunk
// below its (possibly lowered) target — this is how C11's autoscaler
// "shrinks by closing connections on release rather than reuse".
func (p *Pool) Release(c Conn) {
	p.mu.Lock()
	over := p.total > p.target
	p.mu.Unlock()

	if over {
		_ = c.Close()
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		return
	}

	select {
	case p.idle <- c:
	default:
		_ = c.Close()
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
	}
}

// Resize publishes a new target cap. The pool grows lazily (new
// acquisitions may create connections up to the new cap) and shrinks
// lazily (connections close on release once over the new target).
func (p *Pool) Resize(newTarget int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if newTarget > p.maxCap {
		newTarget = p.maxCap
	}
	if newTarget < 1 {
		newTarget = 1
	}
	p.target = newTarget
}

// Stats is a point-in-time snapshot for the §6.4 health object.
type Stats struct {
	Size  int
	Cap   int
	Queue int
}

func (p *Pool) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Size: p.total, Cap: p.target, Queue: len(p.idle)}
}

func (p *Pool) Close() {
	close(p.idle)
	for c := range p.idle {
		_ = c.Close()
	}
}
