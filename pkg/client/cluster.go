package client

import (
	"context"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/grafana/cqlkit/pkg/codec"
	"github.com/grafana/cqlkit/pkg/conn"
	"github.com/grafana/cqlkit/pkg/control"
	"github.com/grafana/cqlkit/pkg/cqlproto"
	"github.com/grafana/cqlkit/pkg/policy"
	"github.com/grafana/cqlkit/pkg/topology"
)

// Options carries the pluggable pieces of a Cluster. Zero-value fields get
// sensible defaults: round-robin load balancing (DC-aware when the config
// names a local datacenter), the default retry policy, no speculative
// executions and exponential reconnection.
type Options struct {
	LoadBalancing policy.LoadBalancingPolicy
	Retry         policy.RetryPolicy
	Speculative   policy.SpeculativeExecutionPolicy
	Reconnection  policy.ReconnectionPolicy

	// Codecs overrides the registry used to marshal bind values and decode
	// rows. Nil gets a fresh registry with the native codecs.
	Codecs *codec.Registry
}

// Cluster owns the shared machinery behind sessions: the control channel,
// cluster metadata, per-host connection pools and the prepared statement
// cache. Pools are created lazily on first use of a host and torn down when
// the host leaves the cluster.
type Cluster struct {
	cfg    Config
	logger log.Logger
	reg    prometheus.Registerer

	codecs   *codec.Registry
	metadata *topology.Metadata
	control  *control.Control

	lb           policy.LoadBalancingPolicy
	retry        policy.RetryPolicy
	speculative  policy.SpeculativeExecutionPolicy
	reconnection policy.ReconnectionPolicy

	consistency cqlproto.Consistency
	proto       atomic.Int32

	poolMu sync.Mutex
	pools  map[string]*conn.Pool
	closed bool

	prepared *lru.Cache[string, *preparedStatement]
}

// NewCluster wires a cluster from config. Nothing connects until Connect is
// called.
func NewCluster(cfg Config, opts Options, logger log.Logger, reg prometheus.Registerer) (*Cluster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.LoadBalancing == nil {
		if cfg.LocalDatacenter != "" {
			opts.LoadBalancing = policy.NewDCAwareRoundRobin(cfg.LocalDatacenter)
		} else {
			opts.LoadBalancing = policy.NewRoundRobin()
		}
	}
	if opts.Retry == nil {
		opts.Retry = policy.DefaultRetry{}
	}
	if opts.Speculative == nil {
		opts.Speculative = policy.NonSpeculative{}
	}
	if opts.Reconnection == nil {
		opts.Reconnection = policy.DefaultReconnection()
	}
	if opts.Codecs == nil {
		opts.Codecs = codec.NewRegistry(logger)
	}

	cacheSize := cfg.PreparedCacheSize
	if cacheSize <= 0 {
		cacheSize = 1000
	}
	prepared, err := lru.New[string, *preparedStatement](cacheSize)
	if err != nil {
		return nil, err
	}

	cl, err := cqlproto.ParseConsistency(cfg.Consistency)
	if err != nil {
		return nil, err
	}

	c := &Cluster{
		cfg:          cfg,
		logger:       logger,
		reg:          reg,
		codecs:       opts.Codecs,
		metadata:     topology.NewMetadata(logger),
		lb:           opts.LoadBalancing,
		retry:        opts.Retry,
		speculative:  opts.Speculative,
		reconnection: opts.Reconnection,
		consistency:  cl,
		pools:        map[string]*conn.Pool{},
		prepared:     prepared,
	}
	c.proto.Store(int32(cfg.ProtocolVersion))

	c.metadata.RegisterListener(c.lb)
	c.metadata.RegisterListener(c)

	ctrl, err := control.New(cfg.Control, cfg.contactPoints(), c.metadata, c.codecs, control.Options{
		Dial:           c.dialControl,
		Reconnection:   c.reconnection,
		OnSchemaChange: c.onSchemaChange,
	}, logger, reg)
	if err != nil {
		return nil, err
	}
	c.control = ctrl
	return c, nil
}

// Connect brings up the control channel, runs the initial topology refresh
// and returns a session bound to this cluster.
func (c *Cluster) Connect(ctx context.Context) (*Session, error) {
	if err := services.StartAndAwaitRunning(ctx, c.control.Service); err != nil {
		return nil, errors.Wrap(err, "starting control connection")
	}
	return &Session{cluster: c, logger: c.logger}, nil
}

// Proto returns the protocol version negotiated with the cluster.
func (c *Cluster) Proto() cqlproto.Version {
	return cqlproto.Version(c.proto.Load())
}

// Metadata exposes the live cluster membership view.
func (c *Cluster) Metadata() *topology.Metadata { return c.metadata }

// Close stops the control channel and tears down every pool. Requests waiting
// for a pooled connection, and requests started after Close, fail with
// ErrPoolClosed; requests already in flight fail with a connection error.
func (c *Cluster) Close() error {
	err := services.StopAndAwaitTerminated(context.Background(), c.control.Service)

	c.poolMu.Lock()
	c.closed = true
	pools := make([]*conn.Pool, 0, len(c.pools))
	for _, p := range c.pools {
		pools = append(pools, p)
	}
	c.pools = map[string]*conn.Pool{}
	c.poolMu.Unlock()

	for _, p := range pools {
		p.Close()
	}
	return err
}

// dial opens a connection negotiating the protocol version downward. The
// first version the server accepts is stored and reused for all later
// connections.
func (c *Cluster) dial(ctx context.Context, address string, opts conn.Options) (*conn.Conn, error) {
	for {
		proto := c.Proto()
		cn, err := conn.Dial(ctx, address, proto, c.cfg.connConfig(), opts, c.logger)
		if err == nil {
			return cn, nil
		}
		if !cqlproto.IsUnsupportedVersionErr(err) || proto <= cqlproto.MinVersion {
			return nil, err
		}
		// only downgrade once per version even when dials race
		c.proto.CompareAndSwap(int32(proto), int32(proto-1))
		level.Info(c.logger).Log("msg", "server rejected protocol version, downgrading", "address", address, "rejected", proto, "next", c.Proto())
	}
}

func (c *Cluster) dialControl(ctx context.Context, address string, opts conn.Options) (*conn.Conn, error) {
	return c.dial(ctx, address, opts)
}

// poolFor returns the pool for a host, creating it on first use sized by the
// host's distance.
func (c *Cluster) poolFor(h *topology.Host) (*conn.Pool, error) {
	c.poolMu.Lock()
	defer c.poolMu.Unlock()
	if c.closed {
		return nil, conn.ErrPoolClosed
	}
	if p, ok := c.pools[h.Address()]; ok {
		return p, nil
	}

	distance := c.lb.Distance(h)
	if distance == policy.DistanceIgnored {
		return nil, errors.Errorf("host %s is ignored by the load balancing policy", h.Address())
	}
	poolCfg := c.cfg.Pooling.Local
	if distance == policy.DistanceRemote {
		poolCfg.CoreConns = c.cfg.Pooling.RemoteCoreConns
		poolCfg.MaxConns = c.cfg.Pooling.RemoteMaxConns
	}

	p, err := conn.NewPool(context.Background(), h.Address(), c.Proto(), poolCfg, c.cfg.connConfig(), conn.Options{}, c.logger, c.reg)
	if err != nil {
		return nil, err
	}
	c.pools[h.Address()] = p
	return p, nil
}

func (c *Cluster) removePool(address string) {
	c.poolMu.Lock()
	p := c.pools[address]
	delete(c.pools, address)
	c.poolMu.Unlock()
	if p != nil {
		p.Close()
	}
}

// onSchemaChange drops the prepared cache. Statement ids survive most schema
// changes but result metadata does not, re-preparing is the safe response.
func (c *Cluster) onSchemaChange(ev *cqlproto.SchemaChangeFrame) {
	level.Debug(c.logger).Log("msg", "purging prepared statements after schema change", "change", ev.Change, "keyspace", ev.Keyspace)
	c.prepared.Purge()
}

// Cluster listens to host state to reap pools of departed hosts. Pools are
// created lazily, so up transitions need no action here.
func (c *Cluster) HostAdded(*topology.Host)     {}
func (c *Cluster) HostUp(*topology.Host)        {}
func (c *Cluster) HostDown(h *topology.Host)    { c.removePool(h.Address()) }
func (c *Cluster) HostRemoved(h *topology.Host) { c.removePool(h.Address()) }
