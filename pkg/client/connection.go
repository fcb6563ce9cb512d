package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"github.com/rkchat/rkchat/internal/wsconn"
	"github.com/rkchat/rkchat/pkg/protocol"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	defaultTCPPort  = "1234"
	defaultTLSPort  = "1235"
	defaultHTTPPort = "8080"

	defaultDialTimeout = 5 * time.Second
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("connection closed")

// Options tune how Dial reaches the server.
type Options struct {
	// TLSConfig is used for tls:// and wss:// addresses. A client
	// certificate in it becomes the identity on servers that require one.
	TLSConfig *tls.Config

	DialTimeout time.Duration

	// MaxElapsed bounds how long Dial keeps retrying. Zero means a single
	// attempt.
	MaxElapsed time.Duration

	Logger *zap.Logger
}

// Connection is a client connection to an RKchat server. Frames read from
// the server arrive on Frames; Send may be called from any goroutine.
type Connection struct {
	addr     string // display address with scheme
	connType string // tcp, tls or websocket
	conn     net.Conn
	logger   *zap.Logger

	incoming chan *protocol.Frame
	writeMu  sync.Mutex

	errMu   sync.Mutex
	readErr error

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	closeOnce sync.Once
	closed    atomic.Bool
	quit      chan struct{}
	done      chan struct{}
}

// Dial connects to addr, retrying with exponential backoff until
// opts.MaxElapsed has passed or ctx is done. Addresses look like
// "host:port", "tcp://host", "tls://host:port" or "ws://host:port".
func Dial(ctx context.Context, addr string, opts Options) (*Connection, error) {
	cfg, err := parseServerAddress(addr, opts)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("server", cfg.display))

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = opts.MaxElapsed
	policy.Reset()

	var conn net.Conn
	for attempt := 1; ; attempt++ {
		conn, err = cfg.dial(ctx)
		if err == nil {
			break
		}

		wait := backoff.Stop
		if opts.MaxElapsed > 0 {
			wait = policy.NextBackOff()
		}
		if wait == backoff.Stop {
			return nil, errors.Wrapf(err, "connect to %s after %d attempts", cfg.display, attempt)
		}
		logger.Warn("connect failed, retrying", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "connect to %s", cfg.display)
		}
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	c := &Connection{
		addr:     cfg.display,
		connType: cfg.connType,
		conn:     conn,
		logger:   logger,
		incoming: make(chan *protocol.Frame, 100),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	logger.Debug("connected", zap.String("type", c.connType))

	go c.readLoop()
	return c, nil
}

// Send writes one frame to the server.
func (c *Connection) Send(frame *protocol.Frame) error {
	if c.closed.Load() {
		return ErrClosed
	}
	data, err := protocol.Marshal(frame)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(data); err != nil {
		return errors.Wrap(err, "write frame")
	}
	c.bytesSent.Add(uint64(len(data)))
	c.logger.Debug("send", zap.Stringer("type", frame.Type), zap.Int("payload_len", len(frame.Payload)))
	return nil
}

// Frames delivers frames from the server. It is closed when the
// connection ends; Err then tells why.
func (c *Connection) Frames() <-chan *protocol.Frame {
	return c.incoming
}

// Err returns the error that ended the read loop, or nil while it runs and
// after a clean close.
func (c *Connection) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.readErr
}

// Done is closed once the read loop has exited.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close shuts down the connection permanently
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.quit)
		err = c.conn.Close()
		<-c.done
	})
	return err
}

// Address returns the server address with its scheme.
func (c *Connection) Address() string { return c.addr }

// Type returns tcp, tls or websocket.
func (c *Connection) Type() string { return c.connType }

// BytesSent returns the total bytes written, length prefixes included.
func (c *Connection) BytesSent() uint64 { return c.bytesSent.Load() }

// BytesReceived returns the total bytes read.
func (c *Connection) BytesReceived() uint64 { return c.bytesReceived.Load() }

func (c *Connection) readLoop() {
	defer close(c.done)
	defer close(c.incoming)

	reader := bufio.NewReader(&countingReader{r: c.conn, counter: &c.bytesReceived})
	for {
		frame, err := protocol.ReadFrame(reader)
		if err != nil {
			if c.closed.Load() {
				return
			}
			if errors.Is(err, io.EOF) {
				c.logger.Debug("connection closed by server")
			} else {
				c.logger.Warn("read error", zap.Error(err))
			}
			c.errMu.Lock()
			c.readErr = err
			c.errMu.Unlock()
			return
		}

		c.logger.Debug("recv", zap.Stringer("type", frame.Type), zap.String("sender", frame.Sender))
		select {
		case c.incoming <- frame:
		case <-c.quit:
			return
		}
	}
}

// countingReader wraps an io.Reader and counts bytes read
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.counter.Add(uint64(n))
	return n, err
}

type dialConfig struct {
	display  string
	connType string
	dial     func(ctx context.Context) (net.Conn, error)
}

func parseServerAddress(raw string, opts Options) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	hostPort := trimmed
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid server address %q", raw)
		}
		scheme = strings.ToLower(u.Scheme)
		hostPort = u.Host
	}

	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	dialer := &net.Dialer{Timeout: timeout}

	switch scheme {
	case "tcp":
		address, err := withDefaultPort(hostPort, defaultTCPPort)
		if err != nil {
			return nil, err
		}
		return &dialConfig{
			display:  "tcp://" + address,
			connType: "tcp",
			dial: func(ctx context.Context) (net.Conn, error) {
				return dialer.DialContext(ctx, "tcp", address)
			},
		}, nil

	case "tls":
		address, err := withDefaultPort(hostPort, defaultTLSPort)
		if err != nil {
			return nil, err
		}
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: opts.TLSConfig}
		return &dialConfig{
			display:  "tls://" + address,
			connType: "tls",
			dial: func(ctx context.Context) (net.Conn, error) {
				return tlsDialer.DialContext(ctx, "tcp", address)
			},
		}, nil

	case "ws", "wss":
		address, err := withDefaultPort(hostPort, defaultHTTPPort)
		if err != nil {
			return nil, err
		}
		wsURL := scheme + "://" + address + "/ws"
		wsDialer := &websocket.Dialer{
			NetDialContext:   dialer.DialContext,
			HandshakeTimeout: timeout,
			TLSClientConfig:  opts.TLSConfig,
		}
		return &dialConfig{
			display:  scheme + "://" + address,
			connType: "websocket",
			dial: func(ctx context.Context) (net.Conn, error) {
				ws, _, err := wsDialer.DialContext(ctx, wsURL, nil)
				if err != nil {
					return nil, err
				}
				return wsconn.New(ws), nil
			},
		}, nil

	default:
		return nil, errors.Newf("unsupported server scheme %q", scheme)
	}
}

func withDefaultPort(hostPort, defaultPort string) (string, error) {
	if hostPort == "" {
		return "", errors.New("missing host in server address")
	}
	if _, _, err := net.SplitHostPort(hostPort); err == nil {
		return hostPort, nil
	}
	host := strings.TrimSuffix(strings.TrimPrefix(hostPort, "["), "]")
	return net.JoinHostPort(host, defaultPort), nil
}
