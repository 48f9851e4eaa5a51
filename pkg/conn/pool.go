package conn

import (
	"context"
	"flag"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/grafana/cqlkit/pkg/cqlproto"
)

// ErrBusyPool reports that a pool is saturated and its waiter queue is full.
var ErrBusyPool = errors.New("all connections busy and waiter queue full")

// ErrPoolClosed reports use of a closed pool.
var ErrPoolClosed = errors.New("pool closed")

// PoolConfig sizes the per-host connection pools.
type PoolConfig struct {
	CoreConns                int     `yaml:"core_connections_per_host"`
	MaxConns                 int     `yaml:"max_connections_per_host"`
	MaxRequestsPerConnection int     `yaml:"max_requests_per_connection"`
	MaxWaiters               int     `yaml:"max_waiters"`
	GrowThreshold            float64 `yaml:"grow_threshold"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *PoolConfig) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("", f)
}

// RegisterFlagsWithPrefix adds the flags required to config this to the given
// FlagSet with a specified prefix.
func (cfg *PoolConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.CoreConns, prefix+"core-connections-per-host", 2, "Connections opened to each host at pool start.")
	f.IntVar(&cfg.MaxConns, prefix+"max-connections-per-host", 8, "Upper bound on connections per host.")
	f.IntVar(&cfg.MaxRequestsPerConnection, prefix+"max-requests-per-connection", 1024, "In-flight request bound per connection.")
	f.IntVar(&cfg.MaxWaiters, prefix+"max-waiters", 256, "Requests parked while the pool grows before borrows fail fast.")
	f.Float64Var(&cfg.GrowThreshold, prefix+"grow-threshold", 0.8, "Fraction of pool capacity in use that triggers adding a connection.")
}

type poolMetrics struct {
	connects       prometheus.Counter
	connectErrors  prometheus.Counter
	borrowFailures prometheus.Counter
	trashed        prometheus.Counter
}

func newPoolMetrics(reg prometheus.Registerer) *poolMetrics {
	m := &poolMetrics{
		connects: promauto.With(nil).NewCounter(prometheus.CounterOpts{
			Namespace: "cqlkit",
			Name:      "pool_connects_total",
			Help:      "Connections opened by host pools.",
		}),
		connectErrors: promauto.With(nil).NewCounter(prometheus.CounterOpts{
			Namespace: "cqlkit",
			Name:      "pool_connect_errors_total",
			Help:      "Connection attempts that failed.",
		}),
		borrowFailures: promauto.With(nil).NewCounter(prometheus.CounterOpts{
			Namespace: "cqlkit",
			Name:      "pool_borrow_failures_total",
			Help:      "Borrows rejected because the pool was saturated.",
		}),
		trashed: promauto.With(nil).NewCounter(prometheus.CounterOpts{
			Namespace: "cqlkit",
			Name:      "pool_connections_trashed_total",
			Help:      "Surplus connections removed from rotation.",
		}),
	}
	// the host pools of one cluster share a registerer; later pools reuse the
	// counters registered by the first
	for _, c := range []*prometheus.Counter{&m.connects, &m.connectErrors, &m.borrowFailures, &m.trashed} {
		if reg == nil {
			break
		}
		if err := reg.Register(*c); err != nil {
			are, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				panic(err)
			}
			*c = are.ExistingCollector.(prometheus.Counter)
		}
	}
	return m
}

// entry pairs a connection with its borrow reservation counter. The counter
// is bumped before a stream id is allocated so that concurrent borrows
// cannot oversubscribe a connection that looks idle.
type entry struct {
	conn     *Conn
	reserved atomic.Int32
}

func (e *entry) load() int {
	return e.conn.InFlight() + int(e.reserved.Load())
}

// Pool maintains between core and max connections to a single host and
// multiplexes borrows onto the least-loaded one.
type Pool struct {
	cfg     PoolConfig
	connCfg Config
	logger  log.Logger
	metrics *poolMetrics

	address string
	proto   cqlproto.Version
	opts    Options

	mu      sync.Mutex
	conns   []*entry
	trash   []*Conn
	waiters []chan *entry
	growing bool
	closed  bool
}

// NewPool connects the core connections and returns the pool. A pool is
// usable even if some core connections failed, as long as one came up.
func NewPool(ctx context.Context, address string, proto cqlproto.Version, cfg PoolConfig, connCfg Config, opts Options, logger log.Logger, reg prometheus.Registerer) (*Pool, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	p := &Pool{
		cfg:     cfg,
		connCfg: connCfg,
		logger:  log.With(logger, "address", address),
		metrics: newPoolMetrics(reg),
		address: address,
		proto:   proto,
		opts:    opts,
	}

	var lastErr error
	for i := 0; i < cfg.CoreConns; i++ {
		if err := p.connect(ctx); err != nil {
			lastErr = err
		}
	}
	if p.Size() == 0 {
		return nil, lastErr
	}
	return p, nil
}

func (p *Pool) Address() string { return p.address }

// Size returns the number of connections in rotation.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// InFlight sums in-flight requests across the rotation.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, e := range p.conns {
		total += e.conn.InFlight()
	}
	return total
}

func (p *Pool) connect(ctx context.Context) error {
	opts := p.opts
	onRelease := opts.OnStreamRelease
	opts.OnStreamRelease = func() {
		p.onStreamRelease()
		if onRelease != nil {
			onRelease()
		}
	}
	onClose := opts.OnClose
	opts.OnClose = func(c *Conn, err error) {
		p.removeConn(c, err)
		if onClose != nil {
			onClose(c, err)
		}
	}

	c, err := Dial(ctx, p.address, p.proto, p.connCfg, opts, p.logger)
	if err != nil {
		p.metrics.connectErrors.Inc()
		return err
	}
	p.metrics.connects.Inc()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		c.Close()
		return ErrPoolClosed
	}
	e := &entry{conn: c}
	p.conns = append(p.conns, e)
	p.serveWaitersLocked()
	p.mu.Unlock()
	return nil
}

// Borrow reserves capacity on the least-loaded connection. The returned
// release function must be called exactly once, after the borrower has
// allocated its stream id (or given up), to return the reservation.
//
// When every connection is saturated the borrower is parked on a bounded
// queue while the pool grows; overflow fails fast with ErrBusyPool.
func (p *Pool) Borrow(ctx context.Context) (*Conn, func(), error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, nil, ErrPoolClosed
	}

	if e := p.leastLoadedLocked(); e != nil {
		e.reserved.Inc()
		p.maybeGrowLocked()
		p.mu.Unlock()
		return e.conn, releaseOnce(e), nil
	}

	if len(p.waiters) >= p.cfg.MaxWaiters {
		p.mu.Unlock()
		p.metrics.borrowFailures.Inc()
		return nil, nil, ErrBusyPool
	}
	w := make(chan *entry, 1)
	p.waiters = append(p.waiters, w)
	p.maybeGrowLocked()
	p.mu.Unlock()

	select {
	case e := <-w:
		if e == nil {
			return nil, nil, ErrPoolClosed
		}
		return e.conn, releaseOnce(e), nil
	case <-ctx.Done():
		p.abandonWaiter(w)
		return nil, nil, ctx.Err()
	}
}

func releaseOnce(e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() { e.reserved.Dec() })
	}
}

// leastLoadedLocked picks the open connection with the smallest combined
// in-flight and reserved count, insertion order breaking ties.
func (p *Pool) leastLoadedLocked() *entry {
	var best *entry
	bestLoad := 0
	for _, e := range p.conns {
		if e.conn.State() != StateOpen {
			continue
		}
		load := e.load()
		if load >= p.cfg.MaxRequestsPerConnection || load >= e.conn.AvailableStreams()+e.conn.InFlight() {
			continue
		}
		if best == nil || load < bestLoad {
			best, bestLoad = e, load
		}
	}
	return best
}

func (p *Pool) maybeGrowLocked() {
	if p.growing || len(p.conns) >= p.cfg.MaxConns {
		return
	}
	capacity := p.cfg.MaxRequestsPerConnection * len(p.conns)
	inUse := 0
	for _, e := range p.conns {
		inUse += e.load()
	}
	if len(p.waiters) == 0 && float64(inUse) < float64(capacity)*p.cfg.GrowThreshold {
		return
	}
	p.growing = true
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.connCfg.ConnectTimeout)
		defer cancel()
		if err := p.connect(ctx); err != nil {
			level.Warn(p.logger).Log("msg", "failed to grow pool", "err", err)
		}
		p.mu.Lock()
		p.growing = false
		p.mu.Unlock()
	}()
}

// onStreamRelease wakes parked borrowers now that capacity freed up, drains
// trashed connections, and shrinks the rotation when load has fallen.
func (p *Pool) onStreamRelease() {
	p.mu.Lock()
	p.serveWaitersLocked()
	p.drainTrashLocked()
	p.maybeShrinkLocked()
	p.mu.Unlock()
}

func (p *Pool) serveWaitersLocked() {
	for len(p.waiters) > 0 {
		e := p.leastLoadedLocked()
		if e == nil {
			return
		}
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		e.reserved.Inc()
		w <- e
	}
}

func (p *Pool) abandonWaiter(w chan *entry) {
	p.mu.Lock()
	for i, cur := range p.waiters {
		if cur == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	// the waiter may have been handed a reservation concurrently
	select {
	case e := <-w:
		if e != nil {
			e.reserved.Dec()
		}
	default:
	}
}

// maybeShrinkLocked trashes a surplus connection once pool load drops below
// the core capacity threshold. Trashed connections never accept new borrows
// and close after their last response drains.
func (p *Pool) maybeShrinkLocked() {
	if len(p.conns) <= p.cfg.CoreConns {
		return
	}
	inUse := 0
	for _, e := range p.conns {
		inUse += e.load()
	}
	coreCapacity := p.cfg.MaxRequestsPerConnection * p.cfg.CoreConns
	if float64(inUse) >= float64(coreCapacity)*p.cfg.GrowThreshold {
		return
	}

	last := p.conns[len(p.conns)-1]
	if int(last.reserved.Load()) > 0 || !last.conn.Trash() {
		return
	}
	p.conns = p.conns[:len(p.conns)-1]
	p.trash = append(p.trash, last.conn)
	p.metrics.trashed.Inc()
	level.Debug(p.logger).Log("msg", "trashed surplus connection", "size", len(p.conns))
	p.drainTrashLocked()
}

func (p *Pool) drainTrashLocked() {
	remaining := p.trash[:0]
	for _, c := range p.trash {
		if c.InFlight() == 0 {
			go c.Close()
			continue
		}
		remaining = append(remaining, c)
	}
	p.trash = remaining
}

func (p *Pool) removeConn(c *Conn, err error) {
	p.mu.Lock()
	for i, e := range p.conns {
		if e.conn == c {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			break
		}
	}
	for i, t := range p.trash {
		if t == c {
			p.trash = append(p.trash[:i], p.trash[i+1:]...)
			break
		}
	}
	closed := p.closed
	size := len(p.conns)
	p.mu.Unlock()

	if !closed {
		level.Debug(p.logger).Log("msg", "connection removed from pool", "size", size, "err", err)
	}
}

// Close tears down every connection, in rotation and trashed, and fails all
// parked borrowers.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conns := p.conns
	trash := p.trash
	waiters := p.waiters
	p.conns = nil
	p.trash = nil
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		w <- nil
	}
	for _, e := range conns {
		e.conn.Close()
	}
	for _, c := range trash {
		c.Close()
	}
}
