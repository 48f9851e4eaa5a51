// Package control maintains the single control connection to the cluster:
// it subscribes to server-push events, keeps the host registry and schema
// version fresh, and drives reconnection of downed hosts.
package control

import (
	"context"
	"flag"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/grafana/cqlkit/pkg/codec"
	"github.com/grafana/cqlkit/pkg/conn"
	"github.com/grafana/cqlkit/pkg/cqlproto"
	"github.com/grafana/cqlkit/pkg/policy"
	"github.com/grafana/cqlkit/pkg/topology"
)

// Config tunes refresh cadence and event debouncing.
type Config struct {
	RefreshInterval       time.Duration `yaml:"refresh_interval"`
	NewNodeDelay          time.Duration `yaml:"new_node_delay"`
	NodeListRefreshWindow time.Duration `yaml:"node_list_refresh_window"`
	SchemaRefreshWindow   time.Duration `yaml:"schema_refresh_window"`
	MaxBufferedEvents     int           `yaml:"max_buffered_events"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("", f)
}

// RegisterFlagsWithPrefix adds the flags required to config this to the given
// FlagSet with a specified prefix.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.RefreshInterval, prefix+"refresh-interval", time.Minute, "Period between full topology refreshes. 0 disables periodic refresh.")
	f.DurationVar(&cfg.NewNodeDelay, prefix+"new-node-delay", time.Second, "Wait before probing a newly announced node for metadata.")
	f.DurationVar(&cfg.NodeListRefreshWindow, prefix+"node-list-refresh-window", time.Second, "Window over which topology change events coalesce into one refresh.")
	f.DurationVar(&cfg.SchemaRefreshWindow, prefix+"schema-refresh-window", time.Second, "Window over which schema change events coalesce into one refresh.")
	f.IntVar(&cfg.MaxBufferedEvents, prefix+"max-buffered-events", 100, "Events buffered per debouncer before new ones are dropped.")
}

// State is the lifecycle of the control connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Ready
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Ready:
		return "READY"
	}
	return "UNKNOWN"
}

// DialFn opens one connection for control use. The client supplies it so
// protocol negotiation and connection config live in one place.
type DialFn func(ctx context.Context, address string, opts conn.Options) (*conn.Conn, error)

// Options wires the control channel to its collaborators.
type Options struct {
	Dial         DialFn
	Reconnection policy.ReconnectionPolicy

	// OnSchemaChange is invoked once per coalesced schema event after the
	// schema version has been refreshed. May be nil.
	OnSchemaChange func(*cqlproto.SchemaChangeFrame)
}

type controlMetrics struct {
	events     *prometheus.CounterVec
	reconnects prometheus.Counter
	refreshes  prometheus.Counter
	refreshErr prometheus.Counter
}

func newControlMetrics(reg prometheus.Registerer) *controlMetrics {
	return &controlMetrics{
		events: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "cqlkit",
			Name:      "control_events_total",
			Help:      "Server-push events received, by type.",
		}, []string{"type"}),
		reconnects: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "cqlkit",
			Name:      "control_reconnects_total",
			Help:      "Control connection re-establishment attempts.",
		}),
		refreshes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "cqlkit",
			Name:      "control_refreshes_total",
			Help:      "Topology refreshes performed.",
		}),
		refreshErr: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "cqlkit",
			Name:      "control_refresh_failures_total",
			Help:      "Topology refreshes that failed.",
		}),
	}
}

// Control owns the cluster's single control connection.
type Control struct {
	services.Service

	cfg           Config
	logger        log.Logger
	metrics       *controlMetrics
	metadata      *topology.Metadata
	codecs        *codec.Registry
	dial          DialFn
	reconnection  policy.ReconnectionPolicy
	contactPoints []string

	onSchemaChange func(*cqlproto.SchemaChangeFrame)

	state         atomic.Int32
	schemaVersion atomic.String

	mu   sync.Mutex
	conn *conn.Conn

	reconnectCh chan struct{}

	nodeListDebounce *debouncer
	schemaDebounce   *debouncer
}

// New builds the control channel. Start it through its service interface.
func New(cfg Config, contactPoints []string, metadata *topology.Metadata, codecs *codec.Registry, opts Options, logger log.Logger, reg prometheus.Registerer) (*Control, error) {
	if len(contactPoints) == 0 {
		return nil, errors.New("no contact points")
	}
	if opts.Dial == nil {
		return nil, errors.New("no dial function")
	}
	if opts.Reconnection == nil {
		opts.Reconnection = policy.DefaultReconnection()
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	c := &Control{
		cfg:            cfg,
		logger:         logger,
		metrics:        newControlMetrics(reg),
		metadata:       metadata,
		codecs:         codecs,
		dial:           opts.Dial,
		reconnection:   opts.Reconnection,
		contactPoints:  contactPoints,
		onSchemaChange: opts.OnSchemaChange,
		reconnectCh:    make(chan struct{}, 1),
	}
	c.nodeListDebounce = newDebouncer(cfg.NodeListRefreshWindow, cfg.MaxBufferedEvents, c.flushTopologyEvents, logger)
	c.schemaDebounce = newDebouncer(cfg.SchemaRefreshWindow, cfg.MaxBufferedEvents, c.flushSchemaEvents, logger)
	c.Service = services.NewBasicService(c.starting, c.running, c.stopping)
	return c, nil
}

func (c *Control) State() State { return State(c.state.Load()) }

// SchemaVersion returns the last observed schema version of the connected
// node, empty before the first refresh.
func (c *Control) SchemaVersion() string { return c.schemaVersion.Load() }

func (c *Control) currentConn() *conn.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Control) starting(ctx context.Context) error {
	c.state.Store(int32(Connecting))
	if err := c.connectAny(ctx, c.contactPoints); err != nil {
		return err
	}
	c.state.Store(int32(Ready))

	refreshCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := c.refreshTopology(refreshCtx); err != nil {
		level.Warn(c.logger).Log("msg", "initial topology refresh failed", "err", err)
	}
	return nil
}

func (c *Control) running(ctx context.Context) error {
	var tick <-chan time.Time
	if c.cfg.RefreshInterval > 0 {
		ticker := time.NewTicker(c.cfg.RefreshInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			c.refresh(ctx)
		case <-c.reconnectCh:
			if err := c.reconnect(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			c.refresh(ctx)
		}
	}
}

func (c *Control) stopping(_ error) error {
	c.nodeListDebounce.stop()
	c.schemaDebounce.stop()
	if cn := c.currentConn(); cn != nil {
		cn.Close()
	}
	c.state.Store(int32(Disconnected))
	return nil
}

func (c *Control) refresh(ctx context.Context) {
	refreshCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := c.refreshTopology(refreshCtx); err != nil {
		level.Warn(c.logger).Log("msg", "topology refresh failed", "err", err)
	}
}

// connectAny tries each address in turn and keeps the first connection that
// completes the event REGISTER exchange.
func (c *Control) connectAny(ctx context.Context, addresses []string) error {
	var lastErr error
	for _, address := range addresses {
		if err := c.connect(ctx, address); err != nil {
			level.Warn(c.logger).Log("msg", "control connection failed", "address", address, "err", err)
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("no contact points")
	}
	return errors.Wrap(lastErr, "establishing control connection")
}

func (c *Control) connect(ctx context.Context, address string) error {
	cn, err := c.dial(ctx, address, conn.Options{
		OnEvent: c.handleEvent,
		OnClose: c.onConnClose,
	})
	if err != nil {
		return err
	}

	frame, err := cn.Exec(ctx, &cqlproto.RegisterFrame{
		Events: []string{cqlproto.EventTopologyChange, cqlproto.EventStatusChange, cqlproto.EventSchemaChange},
	})
	if err != nil {
		cn.Close()
		return err
	}
	if _, ok := frame.(*cqlproto.ReadyFrame); !ok {
		cn.Close()
		return cqlproto.NewErrProtocol("unexpected REGISTER response: %v", frame)
	}

	c.mu.Lock()
	c.conn = cn
	c.mu.Unlock()

	h, _ := c.metadata.GetOrAddHost(address)
	c.metadata.MarkHostUp(h)
	level.Info(c.logger).Log("msg", "control connection established", "address", address)
	return nil
}

func (c *Control) onConnClose(cn *conn.Conn, err error) {
	c.mu.Lock()
	current := c.conn == cn
	if current {
		c.conn = nil
	}
	c.mu.Unlock()
	if !current {
		return
	}

	c.state.Store(int32(Disconnected))
	level.Warn(c.logger).Log("msg", "control connection lost", "err", err)
	select {
	case c.reconnectCh <- struct{}{}:
	default:
	}
}

// reconnect re-establishes the control connection on the reconnection
// policy's schedule, preferring known hosts over the original contact
// points.
func (c *Control) reconnect(ctx context.Context) error {
	c.state.Store(int32(Connecting))
	b := c.reconnection.NewBackoff(ctx)
	for b.Ongoing() {
		c.metrics.reconnects.Inc()
		candidates := c.candidateAddresses()
		if err := c.connectAny(ctx, candidates); err == nil {
			c.state.Store(int32(Ready))
			return nil
		}
		b.Wait()
	}
	return errors.Wrap(b.Err(), "control connection reconnect")
}

func (c *Control) candidateAddresses() []string {
	hosts := c.metadata.Hosts()
	addresses := make([]string, 0, len(hosts)+len(c.contactPoints))
	for _, h := range hosts {
		if h.State() != topology.HostDown {
			addresses = append(addresses, h.Address())
		}
	}
	for _, cp := range c.contactPoints {
		addresses = append(addresses, cp)
	}
	return addresses
}

// handleEvent demultiplexes server-push frames arriving on the event stream.
func (c *Control) handleEvent(frame cqlproto.Frame) {
	switch ev := frame.(type) {
	case *cqlproto.StatusChangeEventFrame:
		c.metrics.events.WithLabelValues(cqlproto.EventStatusChange).Inc()
		c.handleStatusChange(ev)
	case *cqlproto.TopologyChangeEventFrame:
		c.metrics.events.WithLabelValues(cqlproto.EventTopologyChange).Inc()
		c.handleTopologyChange(ev)
	case *cqlproto.SchemaChangeFrame:
		c.metrics.events.WithLabelValues(cqlproto.EventSchemaChange).Inc()
		c.schemaDebounce.debounce(ev)
	default:
		level.Warn(c.logger).Log("msg", "unexpected event frame", "frame", frame)
	}
}

func (c *Control) handleStatusChange(ev *cqlproto.StatusChangeEventFrame) {
	address := net.JoinHostPort(ev.Host.String(), strconv.Itoa(ev.Port))
	switch ev.Change {
	case "UP":
		h, _ := c.metadata.GetOrAddHost(address)
		if r := h.Reconnection(); r != nil {
			r.Cancel()
			h.ClearReconnection(r)
		}
		c.metadata.MarkHostUp(h)
	case "DOWN":
		h := c.metadata.GetHost(address)
		if h == nil {
			return
		}
		if c.metadata.MarkHostDown(h) {
			c.scheduleReconnect(h)
		}
	default:
		level.Warn(c.logger).Log("msg", "unknown status change", "change", ev.Change)
	}
}

func (c *Control) handleTopologyChange(ev *cqlproto.TopologyChangeEventFrame) {
	switch ev.Change {
	case "NEW_NODE":
		// give the node time to finish bootstrapping before the catalog
		// is queried
		time.AfterFunc(c.cfg.NewNodeDelay, func() {
			c.nodeListDebounce.debounce(ev)
		})
	case "REMOVED_NODE", "MOVED_NODE":
		c.nodeListDebounce.debounce(ev)
	default:
		level.Warn(c.logger).Log("msg", "unknown topology change", "change", ev.Change)
	}
}

func (c *Control) flushTopologyEvents(events []cqlproto.Frame) {
	level.Debug(c.logger).Log("msg", "refreshing topology", "events", len(events))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.refreshTopology(ctx); err != nil {
		level.Warn(c.logger).Log("msg", "event-triggered topology refresh failed", "err", err)
	}
}

func (c *Control) flushSchemaEvents(events []cqlproto.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.refreshSchemaVersion(ctx); err != nil {
		level.Warn(c.logger).Log("msg", "schema version refresh failed", "err", err)
	}
	if c.onSchemaChange == nil {
		return
	}
	for _, frame := range events {
		if sc, ok := frame.(*cqlproto.SchemaChangeFrame); ok {
			c.onSchemaChange(sc)
		}
	}
}

// scheduleReconnect starts the per-host probe loop. The single-slot handle
// on the host guarantees at most one loop per host; cancelling the handle
// stops further attempts until an UP event arrives.
func (c *Control) scheduleReconnect(h *topology.Host) {
	ctx, cancel := context.WithCancel(context.Background())
	task := &reconnectTask{cancel: cancel}
	if !h.SetReconnection(task) {
		cancel()
		return
	}

	go func() {
		defer h.ClearReconnection(task)
		b := c.reconnection.NewBackoff(ctx)
		for b.Ongoing() {
			b.Wait()
			if !b.Ongoing() {
				return
			}
			if c.probe(ctx, h) {
				c.metadata.MarkHostUp(h)
				return
			}
		}
	}()
}

type reconnectTask struct {
	cancel context.CancelFunc
}

func (t *reconnectTask) Cancel() { t.cancel() }

// TryReconnectOnce probes the host exactly once, outside any backoff
// schedule. Used for hosts at IGNORED distance and after a user cancelled
// the automatic loop.
func (c *Control) TryReconnectOnce(ctx context.Context, h *topology.Host) bool {
	if c.probe(ctx, h) {
		c.metadata.MarkHostUp(h)
		return true
	}
	return false
}

func (c *Control) probe(ctx context.Context, h *topology.Host) bool {
	cn, err := c.dial(ctx, h.Address(), conn.Options{})
	if err != nil {
		level.Debug(c.logger).Log("msg", "host probe failed", "address", h.Address(), "err", err)
		return false
	}
	cn.Close()
	return true
}

