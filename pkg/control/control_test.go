package control

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/grafana/cqlkit/pkg/codec"
	"github.com/grafana/cqlkit/pkg/conn"
	"github.com/grafana/cqlkit/pkg/cqlproto"
	"github.com/grafana/cqlkit/pkg/policy"
	"github.com/grafana/cqlkit/pkg/topology"
)

// fakeNode serves the slice of the native protocol the control channel
// exercises: startup, event registration and system catalog queries.
type fakeNode struct {
	ln net.Listener

	mu        sync.Mutex
	conns     []*nodeConn
	peers     []peerRow
	schemaVer uuid.UUID
	localDC   string
	localRack string
	broadcast net.IP

	peerQueries atomic.Int32

	wg sync.WaitGroup
}

type peerRow struct {
	peer   net.IP
	rpc    net.IP
	dc     string
	tokens []string
}

type nodeConn struct {
	net.Conn
	mu sync.Mutex
}

func (c *nodeConn) reply(stream uint16, op byte, body []byte) {
	head := make([]byte, 9, 9+len(body))
	head[0] = byte(cqlproto.Version4) | 0x80
	binary.BigEndian.PutUint16(head[2:4], stream)
	head[4] = op
	binary.BigEndian.PutUint32(head[5:9], uint32(len(body)))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.Write(append(head, body...))
}

func newFakeNode(t *testing.T) *fakeNode {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeNode{
		ln:        ln,
		schemaVer: uuid.MustParse("11111111-2222-3333-4444-555555555555"),
		localDC:   "dc1",
		localRack: "r1",
		broadcast: net.IPv4(10, 1, 0, 1).To4(),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Stop)
	return s
}

func (s *fakeNode) Addr() string { return s.ln.Addr().String() }

func (s *fakeNode) Stop() {
	s.ln.Close()
	s.dropConns()
	s.wg.Wait()
}

func (s *fakeNode) dropConns() {
	s.mu.Lock()
	conns := append([]*nodeConn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (s *fakeNode) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *fakeNode) addPeer(p peerRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers = append(s.peers, p)
}

func (s *fakeNode) setSchemaVersion(v uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemaVer = v
}

func (s *fakeNode) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		c := &nodeConn{Conn: nc}
		s.mu.Lock()
		s.conns = append(s.conns, c)
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serveConn(c)
	}
}

func (s *fakeNode) serveConn(c *nodeConn) {
	defer s.wg.Done()
	head := make([]byte, 9)
	for {
		if _, err := io.ReadFull(c.Conn, head); err != nil {
			return
		}
		stream := binary.BigEndian.Uint16(head[2:4])
		op := cqlproto.Opcode(head[4])
		body := make([]byte, binary.BigEndian.Uint32(head[5:9]))
		if _, err := io.ReadFull(c.Conn, body); err != nil {
			return
		}

		switch op {
		case cqlproto.OpStartup, cqlproto.OpRegister:
			c.reply(stream, byte(cqlproto.OpReady), nil)
		case cqlproto.OpOptions:
			c.reply(stream, byte(cqlproto.OpSupported), []byte{0, 0})
		case cqlproto.OpQuery:
			stmt := string(body[4 : 4+binary.BigEndian.Uint32(body[:4])])
			c.reply(stream, byte(cqlproto.OpResult), s.queryResult(stmt))
		default:
			return
		}
	}
}

func (s *fakeNode) queryResult(stmt string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case strings.Contains(stmt, "system.peers"):
		s.peerQueries.Inc()
		return s.peersBody()
	case strings.Contains(stmt, "broadcast_address"):
		return s.localBody()
	default:
		return s.schemaVersionBody()
	}
}

type testCol struct {
	name string
	typ  []byte
}

var (
	varcharType = appendShort(nil, uint16(cqlproto.TypeVarchar))
	setType     = appendShort(appendShort(nil, uint16(cqlproto.TypeSet)), uint16(cqlproto.TypeVarchar))
	inetType    = appendShort(nil, uint16(cqlproto.TypeInet))
	uuidType    = appendShort(nil, uint16(cqlproto.TypeUUID))
)

func rowsBody(table string, cols []testCol, rows [][][]byte) []byte {
	body := appendInt(nil, 2) // rows result
	body = appendInt(body, 1) // global table spec
	body = appendInt(body, int32(len(cols)))
	body = appendString(body, "system")
	body = appendString(body, table)
	for _, col := range cols {
		body = appendString(body, col.name)
		body = append(body, col.typ...)
	}
	body = appendInt(body, int32(len(rows)))
	for _, row := range rows {
		for _, cell := range row {
			body = appendInt(body, int32(len(cell)))
			body = append(body, cell...)
		}
	}
	return body
}

func (s *fakeNode) localBody() []byte {
	cols := []testCol{
		{"data_center", varcharType},
		{"rack", varcharType},
		{"release_version", varcharType},
		{"tokens", setType},
		{"broadcast_address", inetType},
		{"schema_version", uuidType},
	}
	row := [][]byte{
		[]byte(s.localDC),
		[]byte(s.localRack),
		[]byte("3.11.4"),
		setCell("0"),
		s.broadcast,
		uuidCell(s.schemaVer),
	}
	return rowsBody("local", cols, [][][]byte{row})
}

func (s *fakeNode) peersBody() []byte {
	cols := []testCol{
		{"peer", inetType},
		{"data_center", varcharType},
		{"rack", varcharType},
		{"release_version", varcharType},
		{"tokens", setType},
		{"rpc_address", inetType},
	}
	rows := make([][][]byte, 0, len(s.peers))
	for _, p := range s.peers {
		rows = append(rows, [][]byte{
			p.peer.To4(),
			[]byte(p.dc),
			[]byte("r1"),
			[]byte("3.11.4"),
			setCell(p.tokens...),
			p.rpc.To4(),
		})
	}
	return rowsBody("peers", cols, rows)
}

func (s *fakeNode) schemaVersionBody() []byte {
	cols := []testCol{{"schema_version", uuidType}}
	return rowsBody("local", cols, [][][]byte{{uuidCell(s.schemaVer)}})
}

// pushSchemaChange emits a SCHEMA_CHANGE event on the event stream of every
// connection.
func (s *fakeNode) pushSchemaChange(change, target, keyspace, name string) {
	body := appendString(nil, cqlproto.EventSchemaChange)
	body = appendString(body, change)
	body = appendString(body, target)
	body = appendString(body, keyspace)
	if target != cqlproto.TargetKeyspace {
		body = appendString(body, name)
	}
	s.pushEvent(body)
}

func (s *fakeNode) pushNewNode(ip net.IP, port int) {
	body := appendString(nil, cqlproto.EventTopologyChange)
	body = appendString(body, "NEW_NODE")
	body = append(body, 4)
	body = append(body, ip.To4()...)
	body = appendInt(body, int32(port))
	s.pushEvent(body)
}

func (s *fakeNode) pushEvent(body []byte) {
	s.mu.Lock()
	conns := append([]*nodeConn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		c.reply(0xFFFF, byte(cqlproto.OpEvent), body)
	}
}

func appendShort(b []byte, v uint16) []byte {
	return append(b, byte(v>>8), byte(v))
}

func appendInt(b []byte, v int32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func appendString(b []byte, s string) []byte {
	b = appendShort(b, uint16(len(s)))
	return append(b, s...)
}

func setCell(elems ...string) []byte {
	cell := appendInt(nil, int32(len(elems)))
	for _, e := range elems {
		cell = appendInt(cell, int32(len(e)))
		cell = append(cell, e...)
	}
	return cell
}

func uuidCell(u uuid.UUID) []byte {
	cell := make([]byte, 16)
	copy(cell, u[:])
	return cell
}

func testControlConfig() Config {
	return Config{
		NewNodeDelay:          time.Millisecond,
		NodeListRefreshWindow: 5 * time.Millisecond,
		SchemaRefreshWindow:   5 * time.Millisecond,
		MaxBufferedEvents:     16,
	}
}

func testDial() DialFn {
	return func(ctx context.Context, address string, opts conn.Options) (*conn.Conn, error) {
		cfg := conn.Config{
			ConnectTimeout: 2 * time.Second,
			RequestTimeout: 5 * time.Second,
		}
		return conn.Dial(ctx, address, cqlproto.Version4, cfg, opts, nil)
	}
}

func startControl(t *testing.T, node *fakeNode, meta *topology.Metadata, opts Options) *Control {
	if opts.Dial == nil {
		opts.Dial = testDial()
	}
	if opts.Reconnection == nil {
		opts.Reconnection = policy.ConstantReconnection{Delay: 10 * time.Millisecond}
	}
	c, err := New(testControlConfig(), []string{node.Addr()}, meta, codec.NewRegistry(nil), opts, nil, prometheus.NewRegistry())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// the service context derives from the start context, so only the wait
	// is bounded by the timeout
	require.NoError(t, c.StartAsync(context.Background()))
	require.NoError(t, c.AwaitRunning(ctx))
	t.Cleanup(func() {
		services.StopAndAwaitTerminated(context.Background(), c.Service)
	})
	return c
}

func TestControlDiscoversTopology(t *testing.T) {
	node := newFakeNode(t)
	node.addPeer(peerRow{
		peer:   net.IPv4(10, 1, 0, 2),
		rpc:    net.IPv4(10, 0, 0, 2),
		dc:     "dc2",
		tokens: []string{"42"},
	})

	meta := topology.NewMetadata(nil)
	c := startControl(t, node, meta, Options{})
	require.Equal(t, Ready, c.State())

	_, port, err := net.SplitHostPort(node.Addr())
	require.NoError(t, err)

	local := meta.GetHost(node.Addr())
	require.NotNil(t, local)
	require.True(t, local.IsUp())
	require.Equal(t, "dc1", local.Datacenter())
	require.Equal(t, "r1", local.Rack())

	peer := meta.GetHost(net.JoinHostPort("10.0.0.2", port))
	require.NotNil(t, peer)
	require.Equal(t, "dc2", peer.Datacenter())
	require.Equal(t, []string{"42"}, peer.Tokens())

	require.Same(t, local, meta.HostByListenAddress("10.1.0.1"))
	require.Same(t, peer, meta.HostByListenAddress("10.1.0.2"))
	require.Same(t, peer, meta.HostForToken("42"))

	require.Equal(t, "11111111-2222-3333-4444-555555555555", c.SchemaVersion())
}

func TestControlStopDisconnects(t *testing.T) {
	node := newFakeNode(t)
	meta := topology.NewMetadata(nil)
	c := startControl(t, node, meta, Options{})

	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), c.Service))
	require.Equal(t, Disconnected, c.State())
}

func TestControlPrunesAbsentHosts(t *testing.T) {
	node := newFakeNode(t)
	meta := topology.NewMetadata(nil)
	stale, _ := meta.GetOrAddHost("10.9.9.9:9042")
	meta.MarkHostUp(stale)

	startControl(t, node, meta, Options{})

	require.Nil(t, meta.GetHost("10.9.9.9:9042"))
	require.NotNil(t, meta.GetHost(node.Addr()))
}

func TestControlSchemaEvents(t *testing.T) {
	node := newFakeNode(t)
	meta := topology.NewMetadata(nil)

	changes := make(chan *cqlproto.SchemaChangeFrame, 4)
	c := startControl(t, node, meta, Options{
		OnSchemaChange: func(sc *cqlproto.SchemaChangeFrame) { changes <- sc },
	})

	next := uuid.MustParse("99999999-8888-7777-6666-555555555555")
	node.setSchemaVersion(next)
	node.pushSchemaChange("CREATED", cqlproto.TargetTable, "ks", "events")

	select {
	case sc := <-changes:
		require.Equal(t, "CREATED", sc.Change)
		require.Equal(t, cqlproto.TargetTable, sc.Target)
		require.Equal(t, "ks", sc.Keyspace)
		require.Equal(t, "events", sc.Name)
	case <-time.After(5 * time.Second):
		t.Fatal("no schema change delivered")
	}

	require.Eventually(t, func() bool {
		return c.SchemaVersion() == next.String()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestControlNewNodeTriggersRefresh(t *testing.T) {
	node := newFakeNode(t)
	meta := topology.NewMetadata(nil)
	startControl(t, node, meta, Options{})

	_, port, err := net.SplitHostPort(node.Addr())
	require.NoError(t, err)
	require.Nil(t, meta.GetHost(net.JoinHostPort("10.0.0.2", port)))

	node.addPeer(peerRow{
		peer: net.IPv4(10, 1, 0, 2),
		rpc:  net.IPv4(10, 0, 0, 2),
		dc:   "dc2",
	})
	node.pushNewNode(net.IPv4(10, 0, 0, 2), 9042)

	require.Eventually(t, func() bool {
		return meta.GetHost(net.JoinHostPort("10.0.0.2", port)) != nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestControlReconnects(t *testing.T) {
	node := newFakeNode(t)
	meta := topology.NewMetadata(nil)
	c := startControl(t, node, meta, Options{})
	require.Equal(t, 1, node.connCount())

	node.dropConns()

	require.Eventually(t, func() bool {
		return c.State() == Ready && node.connCount() >= 2
	}, 10*time.Second, 10*time.Millisecond)
}

func TestControlStatusChangeEvents(t *testing.T) {
	meta := topology.NewMetadata(nil)
	dial := func(context.Context, string, conn.Options) (*conn.Conn, error) {
		return nil, errors.New("unreachable")
	}
	c, err := New(testControlConfig(), []string{"contact:9042"}, meta, codec.NewRegistry(nil), Options{
		Dial:         dial,
		Reconnection: policy.ConstantReconnection{Delay: time.Hour, MaxRetries: 1},
	}, nil, prometheus.NewRegistry())
	require.NoError(t, err)

	up := &cqlproto.StatusChangeEventFrame{Change: "UP", Host: net.IPv4(10, 0, 0, 5), Port: 9042}
	c.handleEvent(up)
	h := meta.GetHost("10.0.0.5:9042")
	require.NotNil(t, h)
	require.True(t, h.IsUp())

	down := &cqlproto.StatusChangeEventFrame{Change: "DOWN", Host: net.IPv4(10, 0, 0, 5), Port: 9042}
	c.handleEvent(down)
	require.Equal(t, topology.HostDown, h.State())
	require.NotNil(t, h.Reconnection())

	// a second DOWN is suppressed and must not stack another attempt
	c.handleEvent(down)
	require.Equal(t, topology.HostDown, h.State())

	c.handleEvent(up)
	require.True(t, h.IsUp())
	require.Nil(t, h.Reconnection())
}
