package server

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/rkchat/rkchat/pkg/protocol"
)

// SafeConn wraps a net.Conn so that concurrent writers cannot interleave
// their bytes on the wire.
//
// A session's own read loop (login confirmations, error replies) and any
// number of broadcasting sessions may write to the same connection at once.
// Every write goes through mu; reads are done only by the owning session and
// take no lock. The mutex is per connection, so a slow peer only ever blocks
// writers that target that peer.
type SafeConn struct {
	conn         net.Conn
	reader       *bufio.Reader
	writeTimeout time.Duration
	mu           sync.Mutex // Protects writes to conn
}

// NewSafeConn wraps conn. A zero writeTimeout leaves writes unbounded.
func NewSafeConn(conn net.Conn, writeTimeout time.Duration) *SafeConn {
	return &SafeConn{
		conn:         conn,
		reader:       bufio.NewReader(conn),
		writeTimeout: writeTimeout,
	}
}

// WriteFrame marshals and sends one frame.
func (sc *SafeConn) WriteFrame(frame *protocol.Frame) error {
	data, err := protocol.Marshal(frame)
	if err != nil {
		return err
	}
	return sc.WriteBytes(data)
}

// WriteBytes writes an already marshaled frame. Broadcasts marshal once and
// hand the same slice to every recipient.
func (sc *SafeConn) WriteBytes(data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.writeTimeout > 0 {
		sc.conn.SetWriteDeadline(time.Now().Add(sc.writeTimeout))
		defer sc.conn.SetWriteDeadline(time.Time{})
	}
	_, err := sc.conn.Write(data)
	return err
}

// ReadFrame blocks until one complete frame arrives. A positive idle timeout
// turns a silent peer into a read error.
func (sc *SafeConn) ReadFrame(idle time.Duration) (*protocol.Frame, error) {
	if idle > 0 {
		sc.conn.SetReadDeadline(time.Now().Add(idle))
	}
	return protocol.ReadFrame(sc.reader)
}

// Close closes the underlying connection
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
