// Package mssqlpool implements the bounded, reaped connection pool
// described below: a semaphore-gated checkout over an idle deque,
// a background reaper for idle/lifetime expiry, opportunistic health
// checks, and sp_reset_connection piggy-backing via the Resettable
// interface. It is decoupled from the mssql package's unexported session
// type so it can pool anything shaped like a Conn.
package mssqlpool

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"
)

// Conn is the minimum shape a pooled resource must have.
type Conn interface {
	Close() error
}

// Resettable is implemented by a Conn that can report whether it was left
// mid-transaction (in which case the pool must discard it rather than
// return it) and can be told to ride sp_reset_connection on its next
// request.
type Resettable interface {
	InTransaction() bool
	MarkNeedsReset()
}

// HealthCheck runs a cheap round-trip (spec's default "SELECT 1") to verify
// a connection is still usable before handing it to a caller.
type HealthCheck func(ctx context.Context, c Conn) error

// Dialer opens one new connection.
type Dialer func(ctx context.Context) (Conn, error)

// Config bundles the pool's tunables.
type Config struct {
	MinConnections      int
	MaxConnections      int
	ConnectTimeout      time.Duration
	IdleTimeout         time.Duration
	MaxLifetime         time.Duration
	HealthCheckInterval time.Duration
	TestOnCheckout      bool
	SPResetConnection   bool
}

// Validate applies the pool's configuration constraints.
func (c Config) Validate() error {
	if c.MaxConnections <= 0 {
		return errors.New("mssqlpool: max connections must be > 0")
	}
	if c.MinConnections < 0 || c.MinConnections > c.MaxConnections {
		return errors.New("mssqlpool: min connections must be between 0 and max connections")
	}
	return nil
}

type entry struct {
	conn      Conn
	createdAt time.Time
	lastUsed  time.Time
	useCount  int64
}

// Pool bounds concurrent connection count, amortizes connect cost, and
// expires idle/aged connections.
type Pool struct {
	cfg    Config
	dial   Dialer
	health HealthCheck

	sem chan struct{} // capacity == cfg.MaxConnections

	mu      sync.Mutex
	idle    *list.List // of *entry, front = most recently returned
	inUse   int
	closed  bool
	closeCh chan struct{}

	metrics *Metrics

	now func() time.Time
}

// New constructs a Pool and attempts to warm it up to MinConnections. Warm-up
// failures are logged (via the metrics' ConnectionsFailed counter) but never
// fail construction.
func New(cfg Config, dial Dialer, health HealthCheck) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Pool{
		cfg:     cfg,
		dial:    dial,
		health:  health,
		sem:     make(chan struct{}, cfg.MaxConnections),
		idle:    list.New(),
		closeCh: make(chan struct{}),
		metrics: NewMetrics(),
		now:     time.Now,
	}
	for i := 0; i < cfg.MaxConnections; i++ {
		p.sem <- struct{}{}
	}

	p.warmUp()
	go p.reapLoop()
	return p, nil
}

// warmUp dials MinConnections eagerly and parks them in the idle deque.
// These connections hold no semaphore permit while idle, exactly like a
// connection that Checkout dialed and release then returned to the deque
// (release always hands its permit back before the next Checkout can reuse
// the idle entry) — warm-up must match that or it permanently strands a
// permit per warmed connection, starving every later Checkout.
func (p *Pool) warmUp() {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.MinConnections; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), p.dialTimeout())
			defer cancel()
			c, err := p.dial(ctx)
			if err != nil {
				p.metrics.ConnectionsFailed.Inc()
				return
			}
			p.metrics.ConnectionsCreated.Inc()
			p.mu.Lock()
			p.idle.PushFront(&entry{conn: c, createdAt: p.now(), lastUsed: p.now()})
			p.mu.Unlock()
		}()
	}
	wg.Wait()
}

func (p *Pool) dialTimeout() time.Duration {
	if p.cfg.ConnectTimeout > 0 {
		return p.cfg.ConnectTimeout
	}
	return 15 * time.Second
}

// ErrPoolClosed is returned by Checkout once Close has been called.
var ErrPoolClosed = errors.New("mssqlpool: pool is closed")

// ErrTimeout is returned when no permit becomes available within the
// configured (or caller-supplied) deadline.
var ErrTimeout = errors.New("mssqlpool: timed out waiting for a connection")

// Checked is a checked-out connection; Release must be called exactly once.
type Checked struct {
	pool    *Pool
	entry   *entry
	released bool
}

// Conn returns the underlying pooled connection.
func (c *Checked) Conn() Conn { return c.entry.conn }

// Release returns the connection to the pool, discarding it instead if it
// was left mid-transaction. Safe to call more than once; only the first call has effect.
func (c *Checked) Release() {
	if c.released {
		return
	}
	c.released = true
	c.pool.release(c.entry)
}

// Checkout acquires a connection: acquire a semaphore permit within ctx's
// deadline, pop (and lifetime-filter) the idle deque, dial fresh if empty,
// optionally health-check, and mark checked out.
func (p *Pool) Checkout(ctx context.Context) (*Checked, error) {
	start := p.now()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.metrics.WaitQueueDepth.Inc()
	p.mu.Unlock()

	select {
	case <-p.sem:
	case <-ctx.Done():
		p.mu.Lock()
		p.metrics.WaitQueueDepth.Dec()
		p.mu.Unlock()
		p.metrics.CheckoutsFailed.Inc()
		return nil, ErrTimeout
	case <-p.closeCh:
		p.mu.Lock()
		p.metrics.WaitQueueDepth.Dec()
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Lock()
	p.metrics.WaitQueueDepth.Dec()
	p.mu.Unlock()

	e, err := p.acquireEntry(ctx)
	if err != nil {
		p.sem <- struct{}{}
		p.metrics.CheckoutsFailed.Inc()
		return nil, err
	}

	p.mu.Lock()
	p.inUse++
	p.mu.Unlock()

	p.metrics.CheckoutsSucceeded.Inc()
	p.metrics.AcquisitionTime.Add(float64(p.now().Sub(start)))
	return &Checked{pool: p, entry: e}, nil
}

func (p *Pool) acquireEntry(ctx context.Context) (*entry, error) {
	for {
		p.mu.Lock()
		front := p.idle.Front()
		if front == nil {
			p.mu.Unlock()
			break
		}
		p.idle.Remove(front)
		p.mu.Unlock()

		e := front.Value.(*entry)
		if p.cfg.MaxLifetime > 0 && p.now().Sub(e.createdAt) > p.cfg.MaxLifetime {
			e.conn.Close()
			p.metrics.ConnectionsLifetimeExpired.Inc()
			p.metrics.ConnectionsClosed.Inc()
			continue // discard and retry the idle deque, without releasing the permit
		}

		if p.cfg.TestOnCheckout && p.health != nil {
			if err := p.health(ctx, e.conn); err != nil {
				e.conn.Close()
				p.metrics.HealthChecksFailed.Inc()
				p.metrics.ConnectionsClosed.Inc()
				continue
			}
			p.metrics.HealthChecksPerformed.Inc()
		}

		e.useCount++
		e.lastUsed = p.now()
		return e, nil
	}

	c, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	p.metrics.ConnectionsCreated.Inc()
	return &entry{conn: c, createdAt: p.now(), lastUsed: p.now(), useCount: 1}, nil
}

// release implements checkout step 5: discard if mid-transaction, otherwise
// mark needs-reset and return to the idle deque, always releasing the
// permit last.
func (p *Pool) release(e *entry) {
	p.mu.Lock()
	p.inUse--
	closed := p.closed
	p.mu.Unlock()

	if r, ok := e.conn.(Resettable); ok && r.InTransaction() {
		e.conn.Close()
		p.metrics.ConnectionsClosed.Inc()
		p.sem <- struct{}{}
		return
	}

	if closed {
		e.conn.Close()
		p.metrics.ConnectionsClosed.Inc()
		p.sem <- struct{}{}
		return
	}

	if p.cfg.SPResetConnection {
		if r, ok := e.conn.(Resettable); ok {
			r.MarkNeedsReset()
			p.metrics.ResetsPerformed.Inc()
		}
	}

	e.lastUsed = p.now()
	p.mu.Lock()
	p.idle.PushFront(e)
	p.mu.Unlock()
	p.sem <- struct{}{}
}

// Close shuts the pool down: every future Checkout fails with
// ErrPoolClosed, and every currently idle connection is closed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closeCh)
	for el := p.idle.Front(); el != nil; el = el.Next() {
		el.Value.(*entry).conn.Close()
		p.metrics.ConnectionsClosed.Inc()
	}
	p.idle.Init()
	p.mu.Unlock()
	return nil
}

// Stats is a point-in-time snapshot of pool occupancy (invariant-checking
// helper for tests and callers without a Prometheus registry).
type Stats struct {
	Idle  int
	InUse int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Idle: p.idle.Len(), InUse: p.inUse}
}

// Metrics exposes the pool's Prometheus collectors.
func (p *Pool) Metrics() *Metrics { return p.metrics }
