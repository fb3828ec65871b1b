package mssqlpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu          sync.Mutex
	closed      bool
	inXact      bool
	needsReset  bool
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
func (c *fakeConn) InTransaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inXact
}
func (c *fakeConn) MarkNeedsReset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.needsReset = true
}

func dialFake() Dialer {
	return func(ctx context.Context) (Conn, error) {
		return &fakeConn{}, nil
	}
}

func TestCheckoutInvariant(t *testing.T) {
	p, err := New(Config{MaxConnections: 3}, dialFake(), nil)
	require.NoError(t, err)
	defer p.Close()

	var checked []*Checked
	for i := 0; i < 3; i++ {
		c, err := p.Checkout(context.Background())
		require.NoError(t, err)
		checked = append(checked, c)
		stats := p.Stats()
		require.LessOrEqual(t, stats.Idle+stats.InUse, 3)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Checkout(ctx)
	require.ErrorIs(t, err, ErrTimeout)

	for _, c := range checked {
		c.Release()
	}
	stats := p.Stats()
	require.Equal(t, 3, stats.Idle)
	require.Equal(t, 0, stats.InUse)
}

func TestWarmUpConnectionsDoNotHoldPermits(t *testing.T) {
	p, err := New(Config{MaxConnections: 5, MinConnections: 3}, dialFake(), nil)
	require.NoError(t, err)
	defer p.Close()

	require.Equal(t, 3, p.Stats().Idle)

	var checked []*Checked
	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		c, err := p.Checkout(ctx)
		cancel()
		require.NoError(t, err, "checkout %d should succeed with 3 warmed connections idle", i)
		checked = append(checked, c)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Checkout(ctx)
	require.ErrorIs(t, err, ErrTimeout)

	for _, c := range checked {
		c.Release()
	}
	stats := p.Stats()
	require.Equal(t, 5, stats.Idle)
	require.Equal(t, 0, stats.InUse)
}

func TestInTransactionConnectionDiscarded(t *testing.T) {
	p, err := New(Config{MaxConnections: 1}, dialFake(), nil)
	require.NoError(t, err)
	defer p.Close()

	c, err := p.Checkout(context.Background())
	require.NoError(t, err)
	fc := c.Conn().(*fakeConn)
	fc.inXact = true
	c.Release()

	require.True(t, fc.closed)
	require.Equal(t, 0, p.Stats().Idle)

	c2, err := p.Checkout(context.Background())
	require.NoError(t, err)
	require.NotSame(t, fc, c2.Conn())
	c2.Release()
}

func TestClosedPoolRejectsCheckout(t *testing.T) {
	p, err := New(Config{MaxConnections: 2}, dialFake(), nil)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	_, err = p.Checkout(context.Background())
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestReaperIdleExpiry(t *testing.T) {
	p, err := New(Config{
		MaxConnections:      2,
		MinConnections:      0,
		IdleTimeout:         10 * time.Millisecond,
		HealthCheckInterval: 5 * time.Millisecond,
	}, dialFake(), nil)
	require.NoError(t, err)
	defer p.Close()

	c, err := p.Checkout(context.Background())
	require.NoError(t, err)
	c.Release()
	require.Equal(t, 1, p.Stats().Idle)

	require.Eventually(t, func() bool {
		return p.Stats().Idle == 0
	}, 500*time.Millisecond, 5*time.Millisecond)
}

func TestReaperLifetimeExpiry(t *testing.T) {
	p, err := New(Config{
		MaxConnections:      1,
		MaxLifetime:         20 * time.Millisecond,
		HealthCheckInterval: 5 * time.Millisecond,
	}, dialFake(), nil)
	require.NoError(t, err)
	defer p.Close()

	c, err := p.Checkout(context.Background())
	require.NoError(t, err)
	first := c.Conn().(*fakeConn)
	c.Release()

	time.Sleep(40 * time.Millisecond)

	c2, err := p.Checkout(context.Background())
	require.NoError(t, err)
	require.NotSame(t, first, c2.Conn())
	c2.Release()
}

func TestMetricsSnapshot(t *testing.T) {
	p, err := New(Config{MaxConnections: 1}, dialFake(), nil)
	require.NoError(t, err)
	defer p.Close()

	c, err := p.Checkout(context.Background())
	require.NoError(t, err)
	c.Release()

	snap := p.Metrics().Snapshot()
	require.Equal(t, float64(1), snap.CheckoutsSucceeded)
	require.Equal(t, float64(1), snap.CheckoutHitRatio)
}
