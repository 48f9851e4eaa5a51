package conn

import (
	"context"
	"crypto/tls"
	"flag"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/grafana/cqlkit/pkg/conn/internal/streams"
	"github.com/grafana/cqlkit/pkg/cqlproto"
)

// Config holds per-connection settings.
type Config struct {
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	KeepAlive         time.Duration `yaml:"keepalive"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	Compressor    cqlproto.Compressor `yaml:"-"`
	Authenticator Authenticator       `yaml:"-"`
	TLS           *tls.Config         `yaml:"-"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("", f)
}

// RegisterFlagsWithPrefix adds the flags required to config this to the given
// FlagSet with a specified prefix.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.ConnectTimeout, prefix+"connect-timeout", 5*time.Second, "Timeout for establishing a connection.")
	f.DurationVar(&cfg.RequestTimeout, prefix+"request-timeout", 10*time.Second, "Default timeout for one request on a connection.")
	f.DurationVar(&cfg.KeepAlive, prefix+"keepalive", 15*time.Second, "TCP keepalive period.")
	f.DurationVar(&cfg.HeartbeatInterval, prefix+"heartbeat-interval", 30*time.Second, "Send an idle probe after this long without a write. 0 disables heartbeats.")
}

// State is the lifecycle of a connection.
type State int32

const (
	StateInit State = iota
	StateOpen
	// StateTrashed connections are out of the borrow rotation but stay
	// alive until their in-flight requests drain.
	StateTrashed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateOpen:
		return "OPEN"
	case StateTrashed:
		return "TRASHED"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// ConnectionError wraps an I/O failure on one connection. Requests failed
// with it are safe to retry on another host.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return "connection error to " + e.Address + ": " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthenticationError is fatal to the connection and must not be retried.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string {
	return "authentication error: " + e.Message
}

var (
	// ErrNoStreams reports a saturated connection.
	ErrNoStreams = errors.New("no streams available on connection")

	// ErrConnClosed reports use of a closed connection.
	ErrConnClosed = errors.New("connection closed")
)

// An Authenticator drives the client side of the SASL exchange started by an
// AUTHENTICATE response.
type Authenticator interface {
	// Challenge produces the response to a server challenge. The initial
	// challenge is nil.
	Challenge(req []byte) ([]byte, error)
	// Success consumes the final token of a successful exchange.
	Success(data []byte) error
}

// PasswordAuthenticator implements SASL PLAIN.
type PasswordAuthenticator struct {
	Username string
	Password string
}

func (p PasswordAuthenticator) Challenge([]byte) ([]byte, error) {
	resp := make([]byte, 0, len(p.Username)+len(p.Password)+2)
	resp = append(resp, 0)
	resp = append(resp, p.Username...)
	resp = append(resp, 0)
	resp = append(resp, p.Password...)
	return resp, nil
}

func (p PasswordAuthenticator) Success([]byte) error { return nil }

// EventHandler receives server-push frames arriving on the event stream.
type EventHandler func(frame cqlproto.Frame)

type callResp struct {
	frame cqlproto.Frame
	err   error
}

type callReq struct {
	stream int
	resp   chan callResp

	// set when the caller gave up; the response, when it arrives, is
	// dropped and only reclaims the stream
	orphaned atomic.Bool
}

// Conn is one connection to one node, multiplexing requests over protocol
// streams. All methods are safe for concurrent use.
type Conn struct {
	cfg    Config
	logger log.Logger

	address string
	conn    net.Conn
	proto   cqlproto.Version
	streams *streams.IDGenerator

	state atomic.Int32

	writeMu sync.Mutex

	callMu sync.Mutex
	calls  map[int]*callReq

	lastWrite atomic.Int64

	onEvent EventHandler

	// onStreamRelease fires after every reclaimed stream; the pool uses it
	// to wake waiters and drain trashed connections
	onStreamRelease func()
	onClose         func(*Conn, error)

	closeOnce sync.Once
	closeErr  atomic.Error
	done      chan struct{}
}

// Options configures the callbacks a Conn reports into.
type Options struct {
	OnEvent         EventHandler
	OnStreamRelease func()
	OnClose         func(*Conn, error)
}

// Dial opens, handshakes and starts serving a connection to address using
// the given protocol version.
func Dial(ctx context.Context, address string, proto cqlproto.Version, cfg Config, opts Options, logger log.Logger) (*Conn, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	d := net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: cfg.KeepAlive}
	nc, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &ConnectionError{Address: address, Err: err}
	}
	if cfg.TLS != nil {
		tc := tls.Client(nc, cfg.TLS)
		if err := tc.HandshakeContext(ctx); err != nil {
			nc.Close()
			return nil, &ConnectionError{Address: address, Err: err}
		}
		nc = tc
	}

	c := &Conn{
		cfg:             cfg,
		logger:          log.With(logger, "address", address),
		address:         address,
		conn:            nc,
		proto:           proto.Version(),
		streams:         streams.New(proto.MaxStreams()),
		calls:           make(map[int]*callReq),
		onEvent:         opts.OnEvent,
		onStreamRelease: opts.OnStreamRelease,
		onClose:         opts.OnClose,
		done:            make(chan struct{}),
	}
	c.lastWrite.Store(time.Now().UnixNano())

	go c.serve()

	if err := c.startup(ctx); err != nil {
		c.closeWithError(err)
		return nil, err
	}
	c.state.Store(int32(StateOpen))

	if cfg.HeartbeatInterval > 0 {
		go c.heartbeatLoop()
	}
	return c, nil
}

func (c *Conn) Address() string         { return c.address }
func (c *Conn) Proto() cqlproto.Version { return c.proto }
func (c *Conn) State() State            { return State(c.state.Load()) }
func (c *Conn) InFlight() int           { return c.streams.InUse() }
func (c *Conn) AvailableStreams() int   { return c.streams.Available() }

// Trash removes the connection from borrow rotation. It keeps serving until
// its in-flight requests drain. Returns false if the connection was not
// open.
func (c *Conn) Trash() bool {
	return c.state.CompareAndSwap(int32(StateOpen), int32(StateTrashed))
}

// startup drives STARTUP and the optional authentication exchange on the
// reserved stream 0.
func (c *Conn) startup(ctx context.Context) error {
	opts := map[string]string{"CQL_VERSION": "3.0.0"}
	if c.cfg.Compressor != nil {
		opts["COMPRESSION"] = c.cfg.Compressor.Name()
	}

	frame, err := c.execStream(ctx, &cqlproto.StartupFrame{Opts: opts}, 0)
	if err != nil {
		return err
	}
	return c.finishHandshake(ctx, frame)
}

func (c *Conn) finishHandshake(ctx context.Context, frame cqlproto.Frame) error {
	switch v := frame.(type) {
	case *cqlproto.ReadyFrame:
		return nil
	case *cqlproto.AuthenticateFrame:
		if c.cfg.Authenticator == nil {
			return &AuthenticationError{Message: "server requires authentication with " + v.Class}
		}
		return c.authLoop(ctx)
	case cqlproto.RequestError:
		return v
	default:
		return cqlproto.NewErrProtocol("unexpected startup response: %v", frame)
	}
}

func (c *Conn) authLoop(ctx context.Context) error {
	challenge := []byte(nil)
	for {
		resp, err := c.cfg.Authenticator.Challenge(challenge)
		if err != nil {
			return &AuthenticationError{Message: err.Error()}
		}

		frame, err := c.execStream(ctx, &cqlproto.AuthResponseFrame{Data: resp}, 0)
		if err != nil {
			return err
		}
		switch v := frame.(type) {
		case *cqlproto.AuthSuccessFrame:
			if err := c.cfg.Authenticator.Success(v.Data); err != nil {
				return &AuthenticationError{Message: err.Error()}
			}
			return nil
		case *cqlproto.AuthChallengeFrame:
			challenge = v.Data
		default:
			return cqlproto.NewErrProtocol("unexpected auth response: %v", frame)
		}
	}
}

// Exec writes one request frame and waits for its response. The stream id is
// allocated from the connection's free set and reclaimed exactly once,
// whether the response arrives, the context expires, or the connection
// closes.
func (c *Conn) Exec(ctx context.Context, req cqlproto.FrameBuilder) (cqlproto.Frame, error) {
	if s := c.State(); s == StateClosed {
		return nil, ErrConnClosed
	}
	stream, ok := c.streams.GetStream()
	if !ok {
		return nil, ErrNoStreams
	}
	return c.execStream(ctx, req, stream)
}

func (c *Conn) execStream(ctx context.Context, req cqlproto.FrameBuilder, stream int) (cqlproto.Frame, error) {
	call := &callReq{stream: stream, resp: make(chan callResp, 1)}

	c.callMu.Lock()
	if c.calls == nil {
		c.callMu.Unlock()
		c.releaseStream(stream)
		return nil, ErrConnClosed
	}
	c.calls[stream] = call
	c.callMu.Unlock()

	framer := cqlproto.NewFramer(c.cfg.Compressor, c.proto)
	if err := req.Build(framer, stream); err != nil {
		c.forgetCall(stream)
		c.releaseStream(stream)
		return nil, err
	}

	c.writeMu.Lock()
	if c.cfg.RequestTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.cfg.RequestTimeout))
	}
	err := framer.WriteTo(c.conn)
	c.lastWrite.Store(time.Now().UnixNano())
	c.writeMu.Unlock()
	if err != nil {
		err = &ConnectionError{Address: c.address, Err: err}
		c.closeWithError(err)
		return nil, err
	}

	timeout := c.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = time.Hour
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-call.resp:
		return resp.frame, resp.err
	case <-ctx.Done():
		c.orphan(call)
		return nil, ctx.Err()
	case <-timer.C:
		c.orphan(call)
		return nil, context.DeadlineExceeded
	case <-c.done:
		return nil, &ConnectionError{Address: c.address, Err: c.closedErr()}
	}
}

// orphan abandons a call. The stream stays allocated until the server
// replies, so a late response cannot be misdelivered to a request that
// reused the id.
func (c *Conn) orphan(call *callReq) {
	call.orphaned.Store(true)
}

func (c *Conn) forgetCall(stream int) *callReq {
	c.callMu.Lock()
	defer c.callMu.Unlock()
	call := c.calls[stream]
	delete(c.calls, stream)
	return call
}

func (c *Conn) releaseStream(stream int) {
	if c.streams.Clear(stream) && c.onStreamRelease != nil {
		c.onStreamRelease()
	}
}

// serve is the connection's read loop. Frames on the event stream go to the
// event handler; everything else completes the pending call that owns the
// stream.
func (c *Conn) serve() {
	head := make([]byte, cqlproto.MaxVersion.HeaderSize())
	for {
		if err := c.readFrame(head); err != nil {
			c.closeWithError(err)
			return
		}
	}
}

func (c *Conn) readFrame(headBuf []byte) error {
	head, err := cqlproto.ReadHeader(c.conn, headBuf)
	if err != nil {
		return &ConnectionError{Address: c.address, Err: err}
	}

	framer := cqlproto.NewFramer(c.cfg.Compressor, c.proto)
	if err := framer.ReadFrame(c.conn, &head); err != nil {
		// a frame over the size limit was discarded, the connection is
		// still usable
		if errors.Is(err, cqlproto.ErrFrameTooBig) {
			c.failStream(head.Stream, err)
			return nil
		}
		return &ConnectionError{Address: c.address, Err: err}
	}

	frame, err := framer.ParseFrame()
	if err != nil {
		return err
	}

	if c.proto.IsEventStream(head.Stream) {
		if c.onEvent != nil {
			c.onEvent(frame)
		}
		return nil
	}

	call := c.forgetCall(head.Stream)
	if call == nil {
		return cqlproto.NewErrProtocol("response on unowned stream %d", head.Stream)
	}
	c.releaseStream(head.Stream)
	if !call.orphaned.Load() {
		call.resp <- callResp{frame: frame}
	}
	return nil
}

func (c *Conn) failStream(stream int, err error) {
	if call := c.forgetCall(stream); call != nil {
		c.releaseStream(stream)
		if !call.orphaned.Load() {
			call.resp <- callResp{err: err}
		}
	}
}

func (c *Conn) heartbeatLoop() {
	interval := c.cfg.HeartbeatInterval
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
		idle := time.Since(time.Unix(0, c.lastWrite.Load()))
		if idle < interval {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		frame, err := c.Exec(ctx, &cqlproto.OptionsFrame{})
		cancel()
		if err != nil {
			level.Warn(c.logger).Log("msg", "heartbeat failed, closing connection", "err", err)
			c.closeWithError(&ConnectionError{Address: c.address, Err: err})
			return
		}
		if _, ok := frame.(*cqlproto.SupportedFrame); !ok {
			level.Warn(c.logger).Log("msg", "unexpected heartbeat response", "frame", frame)
		}
	}
}

func (c *Conn) closedErr() error {
	if err := c.closeErr.Load(); err != nil {
		return err
	}
	return ErrConnClosed
}

// Close tears the connection down and fails every pending request with a
// ConnectionError so callers can retry elsewhere.
func (c *Conn) Close() {
	c.closeWithError(ErrConnClosed)
}

func (c *Conn) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.closeErr.Store(err)
		c.state.Store(int32(StateClosed))
		close(c.done)
		c.conn.Close()

		c.callMu.Lock()
		calls := c.calls
		c.calls = nil
		c.callMu.Unlock()

		for stream, call := range calls {
			c.releaseStream(stream)
			if !call.orphaned.Load() {
				call.resp <- callResp{err: &ConnectionError{Address: c.address, Err: err}}
			}
		}

		if c.onClose != nil {
			c.onClose(c, err)
		}
	})
}
