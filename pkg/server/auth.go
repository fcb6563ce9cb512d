package server

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrNoPeerIdentity is returned when a transport was expected to vouch for
// the client but did not.
var ErrNoPeerIdentity = errors.New("transport supplied no peer identity")

// Authenticator decides how a new connection obtains its identity. The
// server consults it once per connection, before the first frame is read;
// from then on the router treats every session the same way.
type Authenticator interface {
	// Identify returns the username the transport vouches for, or "" when
	// the client must log in with a LOGIN frame.
	Identify(conn net.Conn) (string, error)
}

// LoginAuth leaves identity to an explicit LOGIN frame.
type LoginAuth struct{}

func (LoginAuth) Identify(net.Conn) (string, error) { return "", nil }

// PeerIdentityAuth takes the identity from the transport: the subject common
// name of a verified TLS client certificate, or the user an SSH key was
// authorized for. Sessions authenticated this way never send LOGIN.
type PeerIdentityAuth struct {
	HandshakeTimeout time.Duration
}

// identityConn is implemented by transports that authenticate the peer
// before handing over the stream.
type identityConn interface {
	PeerIdentity() string
}

func (a PeerIdentityAuth) Identify(conn net.Conn) (string, error) {
	switch c := conn.(type) {
	case *tls.Conn:
		return a.certificateIdentity(c)
	case identityConn:
		if id := c.PeerIdentity(); id != "" {
			return id, nil
		}
	}
	return "", errors.Wrapf(ErrNoPeerIdentity, "%T", conn)
}

func (a PeerIdentityAuth) certificateIdentity(conn *tls.Conn) (string, error) {
	if a.HandshakeTimeout > 0 {
		conn.SetDeadline(time.Now().Add(a.HandshakeTimeout))
		defer conn.SetDeadline(time.Time{})
	}
	if err := conn.Handshake(); err != nil {
		return "", errors.Wrap(err, "tls handshake")
	}

	certs := conn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return "", errors.Wrap(ErrNoPeerIdentity, "no client certificate")
	}
	cn := certs[0].Subject.CommonName
	if cn == "" {
		return "", errors.Wrap(ErrNoPeerIdentity, "client certificate has an empty common name")
	}
	return cn, nil
}
