package server

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"time"

	"github.com/cockroachdb/errors"
)

const tlsHandshakeTimeout = 10 * time.Second

// loadTLSConfig builds the listener's TLS configuration. With a client CA the
// server verifies any certificate a client presents; RequireClientCert makes
// one mandatory and switches the listener to certificate identities.
func (s *Server) loadTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.config.TLSCertFile, s.config.TLSKeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "load server certificate")
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if s.config.TLSClientCAFile != "" {
		pem, err := os.ReadFile(s.config.TLSClientCAFile)
		if err != nil {
			return nil, errors.Wrap(err, "read client CA")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Newf("no certificates found in %s", s.config.TLSClientCAFile)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}

	if s.config.TLSRequireClientCert {
		if cfg.ClientCAs == nil {
			return nil, errors.New("require_client_cert needs client_ca_file")
		}
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// tlsAuthenticator picks the identity strategy for the TLS listener.
func (s *Server) tlsAuthenticator() Authenticator {
	if s.config.TLSRequireClientCert {
		return PeerIdentityAuth{HandshakeTimeout: tlsHandshakeTimeout}
	}
	return LoginAuth{}
}
