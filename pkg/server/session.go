package server

import (
	"net"
	"sync"
	"time"

	"github.com/rkchat/rkchat/pkg/protocol"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Session represents one connected client
type Session struct {
	ID          uint64
	Conn        *SafeConn // connection with write synchronization, owned by this session
	RemoteAddr  string
	Transport   string // tcp, tls, ssh or websocket
	ConnectedAt time.Time

	// username is written only by Registry.Register while it holds the
	// registry lock, and read lock-free everywhere else.
	username atomic.String
	closed   atomic.Bool

	closeOnce sync.Once
}

func newSession(id uint64, conn net.Conn, transport string, writeTimeout time.Duration) *Session {
	return &Session{
		ID:          id,
		Conn:        NewSafeConn(conn, writeTimeout),
		RemoteAddr:  conn.RemoteAddr().String(),
		Transport:   transport,
		ConnectedAt: time.Now(),
	}
}

// Username returns the bound identity, or "" before login.
func (s *Session) Username() string {
	return s.username.Load()
}

// Authenticated reports whether an identity has been bound.
func (s *Session) Authenticated() bool {
	return s.username.Load() != ""
}

// Alive reports whether the connection is still open.
func (s *Session) Alive() bool {
	return !s.closed.Load()
}

// Send marshals and writes one frame to this session.
func (s *Session) Send(frame *protocol.Frame) error {
	return s.Conn.WriteFrame(frame)
}

// Close releases the connection. Safe to call from any goroutine, any number
// of times. Closing unblocks the session's read loop, which then removes the
// session from the registry.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.Conn.Close()
	})
	return err
}

func (s *Session) logFields() []zap.Field {
	fields := []zap.Field{
		zap.Uint64("session", s.ID),
		zap.String("remote", s.RemoteAddr),
		zap.String("transport", s.Transport),
	}
	if name := s.Username(); name != "" {
		fields = append(fields, zap.String("user", name))
	}
	return fields
}
