package conn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/grafana/cqlkit/pkg/cqlproto"
)

func testPoolConfig() PoolConfig {
	return PoolConfig{
		CoreConns:                2,
		MaxConns:                 4,
		MaxRequestsPerConnection: 128,
		MaxWaiters:               16,
		GrowThreshold:            0.8,
	}
}

func newTestPool(t *testing.T, s *testServer, cfg PoolConfig) *Pool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := NewPool(ctx, s.Addr(), cqlproto.Version4, cfg, testConfig(), Options{}, nil, prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestPoolOpensCoreConnections(t *testing.T) {
	s := newTestServer(t)
	p := newTestPool(t, s, testPoolConfig())
	require.Equal(t, 2, p.Size())
	require.Equal(t, 0, p.InFlight())
}

func TestPoolDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = NewPool(context.Background(), addr, cqlproto.Version4, testPoolConfig(), testConfig(), Options{}, nil, prometheus.NewRegistry())
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
}

func TestPoolBorrowSpreadsLoad(t *testing.T) {
	s := newTestServer(t)
	p := newTestPool(t, s, testPoolConfig())

	c1, release1, err := p.Borrow(context.Background())
	require.NoError(t, err)
	defer release1()

	c2, release2, err := p.Borrow(context.Background())
	require.NoError(t, err)
	defer release2()

	// with both connections idle the second borrow lands on the other one
	require.NotSame(t, c1, c2)
}

func TestPoolBusy(t *testing.T) {
	s := newTestServer(t)
	cfg := testPoolConfig()
	cfg.CoreConns = 1
	cfg.MaxConns = 1
	cfg.MaxRequestsPerConnection = 1
	cfg.MaxWaiters = 0
	p := newTestPool(t, s, cfg)

	_, release, err := p.Borrow(context.Background())
	require.NoError(t, err)
	defer release()

	_, _, err = p.Borrow(context.Background())
	require.ErrorIs(t, err, ErrBusyPool)
}

func TestPoolWaiterServedOnStreamRelease(t *testing.T) {
	s := newTestServer(t)
	cfg := testPoolConfig()
	cfg.CoreConns = 1
	cfg.MaxConns = 1
	cfg.MaxRequestsPerConnection = 1
	p := newTestPool(t, s, cfg)
	releaseQueries := s.holdQueries()

	c, release, err := p.Borrow(context.Background())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := c.Exec(context.Background(), testQuery())
		done <- err
	}()
	require.Eventually(t, func() bool {
		return c.InFlight() == 1
	}, 5*time.Second, 10*time.Millisecond)
	release()

	borrowed := make(chan error, 1)
	go func() {
		_, r, err := p.Borrow(context.Background())
		if err == nil {
			r()
		}
		borrowed <- err
	}()

	// the waiter is parked until the in-flight query drains
	select {
	case err := <-borrowed:
		t.Fatalf("borrow completed before capacity freed: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	releaseQueries()
	require.NoError(t, <-done)
	require.NoError(t, <-borrowed)
}

func TestPoolWaiterHonoursContext(t *testing.T) {
	s := newTestServer(t)
	cfg := testPoolConfig()
	cfg.CoreConns = 1
	cfg.MaxConns = 1
	cfg.MaxRequestsPerConnection = 1
	p := newTestPool(t, s, cfg)

	_, release, err := p.Borrow(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err = p.Borrow(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPoolGrowsUnderLoad(t *testing.T) {
	s := newTestServer(t)
	cfg := testPoolConfig()
	cfg.CoreConns = 1
	cfg.MaxConns = 2
	cfg.MaxRequestsPerConnection = 1
	p := newTestPool(t, s, cfg)
	require.Equal(t, 1, p.Size())

	_, release, err := p.Borrow(context.Background())
	require.NoError(t, err)
	defer release()

	require.Eventually(t, func() bool {
		return p.Size() == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPoolShrinksWhenIdle(t *testing.T) {
	s := newTestServer(t)
	cfg := testPoolConfig()
	cfg.CoreConns = 1
	cfg.MaxConns = 2
	cfg.MaxRequestsPerConnection = 2
	p := newTestPool(t, s, cfg)

	// saturate the single connection so the pool grows
	c, release, err := p.Borrow(context.Background())
	require.NoError(t, err)
	releaseQueries := s.holdQueries()
	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := c.Exec(context.Background(), testQuery())
			done <- err
		}()
	}
	require.Eventually(t, func() bool {
		return c.InFlight() == 2
	}, 5*time.Second, 10*time.Millisecond)
	release()

	// a parked borrower forces the pool to grow a second connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c2, release2, err := p.Borrow(ctx)
	require.NoError(t, err)
	require.NotSame(t, c, c2)
	release2()
	require.Equal(t, 2, p.Size())

	// once load drains the surplus connection is trashed
	releaseQueries()
	require.NoError(t, <-done)
	require.NoError(t, <-done)
	require.Eventually(t, func() bool {
		return p.Size() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPoolCloseFailsWaiters(t *testing.T) {
	s := newTestServer(t)
	cfg := testPoolConfig()
	cfg.CoreConns = 1
	cfg.MaxConns = 1
	cfg.MaxRequestsPerConnection = 1
	p := newTestPool(t, s, cfg)

	_, release, err := p.Borrow(context.Background())
	require.NoError(t, err)
	defer release()

	borrowed := make(chan error, 1)
	go func() {
		_, _, err := p.Borrow(context.Background())
		borrowed <- err
	}()
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.waiters) == 1
	}, 5*time.Second, 10*time.Millisecond)

	p.Close()
	require.ErrorIs(t, <-borrowed, ErrPoolClosed)

	_, _, err = p.Borrow(context.Background())
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolRemovesClosedConnection(t *testing.T) {
	s := newTestServer(t)
	cfg := testPoolConfig()
	cfg.CoreConns = 2
	cfg.MaxConns = 2
	p := newTestPool(t, s, cfg)
	require.Equal(t, 2, p.Size())

	c, release, err := p.Borrow(context.Background())
	require.NoError(t, err)
	release()
	c.Close()

	require.Eventually(t, func() bool {
		return p.Size() == 1
	}, 5*time.Second, 10*time.Millisecond)
}
