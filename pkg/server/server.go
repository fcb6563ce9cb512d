package server

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"
	"github.com/rkchat/rkchat/pkg/protocol"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	metricsLogInterval  = 30 * time.Second
	httpShutdownTimeout = 5 * time.Second
)

// Server is the RKchat broker
type Server struct {
	config   ServerConfig
	logger   *zap.Logger
	registry *Registry
	router   *Router
	metrics  *Metrics

	listener      net.Listener
	tlsListener   net.Listener
	sshListener   net.Listener
	httpServer    *http.Server // public /ws endpoint
	metricsServer *http.Server // internal /metrics and /health

	shutdown       chan struct{}
	sessionsClosed chan struct{}
	stopOnce       sync.Once
	wg             sync.WaitGroup
	nextID         atomic.Uint64
	startTime      time.Time

	// Guards wg.Add for connections handed in from outside the accept loops
	connMu   sync.Mutex
	stopping bool

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// ServerConfig holds server configuration
type ServerConfig struct {
	BindAddress string
	TCPPort     int // 0 picks a free port
	TLSPort     int // 0 = disabled
	SSHPort     int // 0 = disabled
	HTTPPort    int // WebSocket endpoint, 0 = disabled
	MetricsPort int // 0 = disabled

	TLSCertFile          string
	TLSKeyFile           string
	TLSClientCAFile      string
	TLSRequireClientCert bool

	SSHHostKeyPath        string
	SSHAuthorizedKeysPath string

	MaxConnections   int           // 0 = unlimited
	IdleTimeout      time.Duration // 0 = never
	WriteTimeout     time.Duration // 0 = never
	BroadcastWorkers int
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:          1234,
		MetricsPort:      9090,
		SSHHostKeyPath:   "~/.rkchat/ssh_host_key",
		WriteTimeout:     10 * time.Second,
		BroadcastWorkers: defaultBroadcastWorkers,
	}
}

// NewServer creates a new server instance
func NewServer(config ServerConfig, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	metrics := NewMetrics()
	registry := NewRegistry()
	registry.SetMetrics(metrics)

	router, err := NewRouter(registry, config.BroadcastWorkers, logger)
	if err != nil {
		return nil, err
	}
	router.SetMetrics(metrics)

	return &Server{
		config:         config,
		logger:         logger,
		registry:       registry,
		router:         router,
		metrics:        metrics,
		shutdown:       make(chan struct{}),
		sessionsClosed: make(chan struct{}),
		startTime:      time.Now(),
	}, nil
}

// Registry exposes the live session registry.
func (s *Server) Registry() *Registry { return s.registry }

// Addr returns the plain TCP listener's address, once started.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds every configured listener and begins accepting. A listener
// that cannot bind is fatal: everything opened so far is closed again and
// the error is returned.
func (s *Server) Start() error {
	if err := s.start(); err != nil {
		s.closeListeners()
		s.router.Release()
		return err
	}

	s.wg.Add(1)
	go s.metricsLoggingLoop()
	return nil
}

func (s *Server) start() error {
	addr := listenAddr(s.config.BindAddress, s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	s.listener = listener
	s.logger.Info("TCP server listening", zap.String("addr", listener.Addr().String()))

	s.wg.Add(1)
	go s.acceptLoop(listener, "tcp", LoginAuth{})

	if s.config.TLSPort > 0 {
		if err := s.startTLSServer(); err != nil {
			return errors.Wrap(err, "start TLS server")
		}
	}

	if err := s.startSSHServer(); err != nil {
		return errors.Wrap(err, "start SSH server")
	}

	if s.config.HTTPPort > 0 {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", s.HandleWebSocket)
		srv, err := s.serveHTTP(s.config.HTTPPort, mux)
		if err != nil {
			return errors.Wrap(err, "start WebSocket server")
		}
		s.httpServer = srv
		s.logger.Info("WebSocket server listening", zap.Int("port", s.config.HTTPPort))
	}

	// Internal only; do not expose publicly
	if s.config.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		mux.HandleFunc("/health", s.HealthHandler)
		srv, err := s.serveHTTP(s.config.MetricsPort, mux)
		if err != nil {
			return errors.Wrap(err, "start metrics server")
		}
		s.metricsServer = srv
		s.logger.Info("metrics server listening", zap.Int("port", s.config.MetricsPort))
	}
	return nil
}

func (s *Server) startTLSServer() error {
	tlsConfig, err := s.loadTLSConfig()
	if err != nil {
		return err
	}

	addr := listenAddr(s.config.BindAddress, s.config.TLSPort)
	listener, err := tls.Listen("tcp", addr, tlsConfig)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	s.tlsListener = listener
	s.logger.Info("TLS server listening",
		zap.String("addr", listener.Addr().String()),
		zap.Bool("certificate_identity", s.config.TLSRequireClientCert))

	s.wg.Add(1)
	go s.acceptLoop(listener, "tls", s.tlsAuthenticator())
	return nil
}

// serveHTTP binds synchronously so a busy port fails Start, then serves in
// the background.
func (s *Server) serveHTTP(port int, handler http.Handler) (*http.Server, error) {
	addr := listenAddr(s.config.BindAddress, port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}

	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.String("addr", addr), zap.Error(err))
		}
	}()
	return srv, nil
}

// Stop gracefully stops the server. It is safe to call more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.logger.Info("graceful shutdown initiated")

		// Signal shutdown to all goroutines
		close(s.shutdown)
		s.connMu.Lock()
		s.stopping = true
		s.connMu.Unlock()
		s.closeListeners()

		n := s.router.Announce(ReasonShutdown, "Server is shutting down!")
		s.logger.Info("shutdown notice sent", zap.Int("sessions", n))

		for _, sess := range s.registry.All() {
			sess.Close()
		}
		close(s.sessionsClosed)

		s.wg.Wait()
		s.router.Release()
		s.logger.Info("graceful shutdown complete")
	})
	return nil
}

// trackConn adds a connection served by a foreign goroutine (an HTTP
// handler) to the wait group, unless Stop has begun. The caller must call
// wg.Done when it returns true.
func (s *Server) trackConn() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.stopping {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) closeListeners() {
	for _, l := range []net.Listener{s.listener, s.tlsListener, s.sshListener} {
		if l != nil {
			l.Close()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	for _, srv := range []*http.Server{s.httpServer, s.metricsServer} {
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				s.logger.Warn("HTTP server shutdown", zap.Error(err))
			}
		}
	}
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop(listener net.Listener, transport string, auth Authenticator) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Warn("accept error", zap.String("transport", transport), zap.Error(err))
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn, transport, auth)
		}()
	}
}

// serveConn runs one connection from accept to cleanup: admission,
// identity, then the read loop.
func (s *Server) serveConn(conn net.Conn, transport string, auth Authenticator) {
	// Disable Nagle's algorithm for immediate sends
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	sess := newSession(s.nextID.Inc(), conn, transport, s.config.WriteTimeout)

	// The cap is checked before Add, so concurrent accepts can overshoot it
	// by a few connections.
	if limit := s.config.MaxConnections; limit > 0 && s.registry.Count() >= limit {
		s.logger.Warn("connection rejected", append(sess.logFields(), zap.Error(ErrServerFull))...)
		s.router.reject(sess, "", ReasonServerFull, "Server is full!")
		sess.Close()
		return
	}

	s.registry.Add(sess)
	defer s.closeSession(sess)

	// Stop snapshots the registry after closing shutdown; anything added
	// later has to notice on its own
	select {
	case <-s.shutdown:
		return
	default:
	}

	s.connectionsSinceReport.Inc()
	s.metrics.RecordConnection(transport)
	s.logger.Debug("new connection", sess.logFields()...)

	identity, err := auth.Identify(conn)
	if err != nil {
		s.logger.Warn("peer identity unavailable", append(sess.logFields(), zap.Error(err))...)
		return
	}
	if identity != "" {
		// In identity mode a rejected name cannot be renegotiated
		if err := s.router.Bind(sess, identity); err != nil {
			s.logger.Warn("peer identity rejected", append(sess.logFields(), zap.Error(err))...)
			return
		}
	}

	s.messageLoop(sess)
}

// messageLoop reads frames until the connection fails. Any read or decode
// error ends the session; there is no resynchronization mid-stream.
func (s *Server) messageLoop(sess *Session) {
	for {
		frame, err := sess.Conn.ReadFrame(s.config.IdleTimeout)
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrMalformedFrame):
				s.logger.Warn("malformed frame", append(sess.logFields(), zap.Error(err))...)
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), !sess.Alive():
				s.logger.Debug("client disconnected", sess.logFields()...)
			default:
				s.logger.Debug("read error", append(sess.logFields(), zap.Error(err))...)
			}
			return
		}

		s.metrics.RecordFrameReceived(frame.Type.String())

		if err := s.router.Route(sess, frame); err != nil {
			s.logger.Debug("frame not routed", append(sess.logFields(), zap.Error(err))...)
		}
	}
}

// closeSession removes sess from the registry and releases its connection.
// Only the first call for a session does anything visible.
func (s *Server) closeSession(sess *Session) {
	removed := s.registry.Remove(sess)
	sess.Close()
	if removed {
		s.disconnectionsSinceReport.Inc()
		s.logger.Debug("session closed", sess.logFields()...)
	}
}

type healthResponse struct {
	Status        string   `json:"status"`
	UptimeSeconds int64    `json:"uptime_seconds"`
	Sessions      int      `json:"sessions"`
	Users         []string `json:"users"`
}

// HealthHandler reports liveness and who is connected.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Sessions:      s.registry.Count(),
		Users:         s.registry.Usernames(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("health response", zap.Error(err))
	}
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(metricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.logger.Info("metrics",
				zap.Int("active_sessions", s.registry.Count()),
				zap.Int64("connected", s.connectionsSinceReport.Swap(0)),
				zap.Int64("disconnected", s.disconnectionsSinceReport.Swap(0)),
				zap.Int("goroutines", runtime.NumGoroutine()))
		}
	}
}

func listenAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
