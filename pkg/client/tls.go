package client

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/cockroachdb/errors"
)

// TLSFiles names the PEM files for a tls:// or wss:// connection. All are
// optional: without CAFile the system roots verify the server, without a
// certificate the client stays anonymous and logs in with LOGIN.
type TLSFiles struct {
	CertFile   string
	KeyFile    string
	CAFile     string
	ServerName string
}

// Empty reports whether no file was given.
func (f TLSFiles) Empty() bool {
	return f.CertFile == "" && f.KeyFile == "" && f.CAFile == "" && f.ServerName == ""
}

// Config loads the files into a tls.Config.
func (f TLSFiles) Config() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: f.ServerName,
	}

	if (f.CertFile == "") != (f.KeyFile == "") {
		return nil, errors.New("client certificate and key must be given together")
	}
	if f.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "load client certificate")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if f.CAFile != "" {
		data, err := os.ReadFile(f.CAFile)
		if err != nil {
			return nil, errors.Wrap(err, "read CA file")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return nil, errors.Newf("no certificates found in %s", f.CAFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
