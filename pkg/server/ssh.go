package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

const (
	sshIdentityExtension = "rkchat-identity"
	sshHandshakeTimeout  = 10 * time.Second
)

// startSSHServer starts the SSH listener on the configured port. With an
// authorized_keys file the SSH user becomes the session's identity;
// without one any client may connect and must LOGIN like a TCP client.
func (s *Server) startSSHServer() error {
	if s.config.SSHPort <= 0 {
		s.logger.Info("SSH server disabled", zap.Int("ssh_port", s.config.SSHPort))
		return nil
	}

	sshConfig, auth, err := s.sshServerConfig()
	if err != nil {
		return err
	}

	addr := listenAddr(s.config.BindAddress, s.config.SSHPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	s.sshListener = listener
	s.logger.Info("SSH server listening", zap.String("addr", listener.Addr().String()))

	s.wg.Add(1)
	go s.acceptSSHLoop(listener, sshConfig, auth)
	return nil
}

func (s *Server) sshServerConfig() (*ssh.ServerConfig, Authenticator, error) {
	hostKey, err := s.loadOrGenerateHostKey()
	if err != nil {
		return nil, nil, errors.Wrap(err, "load host key")
	}

	cfg := &ssh.ServerConfig{ServerVersion: "SSH-2.0-RKchat"}
	var auth Authenticator = LoginAuth{}

	if s.config.SSHAuthorizedKeysPath != "" {
		keys, err := loadAuthorizedKeys(expandHome(s.config.SSHAuthorizedKeysPath))
		if err != nil {
			return nil, nil, err
		}
		cfg.PublicKeyCallback = keys.authenticate
		auth = PeerIdentityAuth{}
	} else {
		cfg.NoClientAuth = true
	}
	cfg.AddHostKey(hostKey)
	return cfg, auth, nil
}

// acceptSSHLoop accepts incoming SSH connections
func (s *Server) acceptSSHLoop(listener net.Listener, config *ssh.ServerConfig, auth Authenticator) {
	defer s.wg.Done()
	defer listener.Close()

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
				s.logger.Warn("SSH accept error", zap.Error(err))
				continue
			}
		}

		s.wg.Add(1)
		go s.handleSSHConnection(conn, config, auth)
	}
}

// handleSSHConnection performs the handshake and serves every session
// channel the client opens as its own chat session.
func (s *Server) handleSSHConnection(conn net.Conn, config *ssh.ServerConfig, auth Authenticator) {
	defer s.wg.Done()
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(sshHandshakeTimeout))
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	conn.SetDeadline(time.Time{})
	if err != nil {
		s.logger.Debug("SSH handshake failed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		return
	}
	defer sshConn.Close()

	// Closing a session only closes its channel; the connection itself has
	// to be dropped on shutdown or chans never drains. Waiting for
	// sessionsClosed lets the shutdown notice go out first.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.sessionsClosed:
			sshConn.Close()
		case <-done:
		}
	}()

	go ssh.DiscardRequests(reqs)

	identity := ""
	if sshConn.Permissions != nil {
		identity = sshConn.Permissions.Extensions[sshIdentityExtension]
	}

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			s.logger.Warn("could not accept SSH channel", zap.Error(err))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			go replyToChannelRequests(requests)
			s.serveConn(&sshChannelConn{
				channel:  channel,
				local:    sshConn.LocalAddr(),
				remote:   sshConn.RemoteAddr(),
				identity: identity,
			}, "ssh", auth)
		}()
	}
}

// replyToChannelRequests accepts the terminal requests interactive clients
// send before the byte stream starts.
func replyToChannelRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		if !req.WantReply {
			continue
		}
		switch req.Type {
		case "shell", "pty-req", "env", "window-change":
			req.Reply(true, nil)
		default:
			req.Reply(false, nil)
		}
	}
}

// sshChannelConn presents an SSH channel as a net.Conn. Channels have no
// deadlines, so idle and write timeouts do not apply to SSH sessions.
type sshChannelConn struct {
	channel  ssh.Channel
	local    net.Addr
	remote   net.Addr
	identity string
}

func (c *sshChannelConn) Read(b []byte) (int, error)  { return c.channel.Read(b) }
func (c *sshChannelConn) Write(b []byte) (int, error) { return c.channel.Write(b) }
func (c *sshChannelConn) Close() error                { return c.channel.Close() }
func (c *sshChannelConn) LocalAddr() net.Addr         { return c.local }
func (c *sshChannelConn) RemoteAddr() net.Addr        { return c.remote }
func (c *sshChannelConn) PeerIdentity() string        { return c.identity }

func (c *sshChannelConn) SetDeadline(time.Time) error      { return nil }
func (c *sshChannelConn) SetReadDeadline(time.Time) error  { return nil }
func (c *sshChannelConn) SetWriteDeadline(time.Time) error { return nil }

// authorizedKeys maps key fingerprints to the SSH user allowed to present
// them. An empty user means the key may log in under any name.
type authorizedKeys map[string]string

// loadAuthorizedKeys parses an OpenSSH authorized_keys file. The comment of
// each line, when present, pins the key to that username.
func loadAuthorizedKeys(path string) (authorizedKeys, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read authorized keys")
	}

	keys := make(authorizedKeys)
	for len(data) > 0 {
		pubKey, comment, _, rest, err := ssh.ParseAuthorizedKey(data)
		if err != nil {
			// ParseAuthorizedKey skips blank and comment lines and only
			// fails once nothing parseable is left
			break
		}
		keys[ssh.FingerprintSHA256(pubKey)] = strings.TrimSpace(comment)
		data = rest
	}
	if len(keys) == 0 {
		return nil, errors.Newf("no keys found in %s", path)
	}
	return keys, nil
}

func (k authorizedKeys) authenticate(conn ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
	fingerprint := ssh.FingerprintSHA256(pubKey)
	user, ok := k[fingerprint]
	if !ok {
		return nil, errors.Newf("unknown key %s", fingerprint)
	}
	if user != "" && user != conn.User() {
		return nil, errors.Newf("key %s is not authorized for %q", fingerprint, conn.User())
	}
	return &ssh.Permissions{
		Extensions: map[string]string{
			sshIdentityExtension: conn.User(),
			"pubkey_fp":          fingerprint,
		},
	}, nil
}

func (s *Server) loadOrGenerateHostKey() (ssh.Signer, error) {
	keyPath := expandHome(s.config.SSHHostKeyPath)
	if strings.TrimSpace(keyPath) == "" {
		return nil, errors.New("ssh host key path is empty")
	}

	keyBytes, err := os.ReadFile(keyPath)
	if err == nil {
		key, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, errors.Wrap(err, "parse host key")
		}
		s.logger.Info("loaded SSH host key", zap.String("path", keyPath))
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "read host key")
	}

	s.logger.Info("generating SSH host key", zap.String("path", keyPath))

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, errors.Wrap(err, "generate key")
	}
	privateKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})

	if err := os.MkdirAll(filepath.Dir(keyPath), 0o755); err != nil {
		return nil, errors.Wrap(err, "create key directory")
	}
	if err := os.WriteFile(keyPath, privateKeyPEM, 0o600); err != nil {
		return nil, errors.Wrap(err, "write host key")
	}

	return ssh.ParsePrivateKey(privateKeyPEM)
}
