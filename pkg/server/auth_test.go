package server

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/ssh"
)

func TestLoginAuth(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	identity, err := LoginAuth{}.Identify(a)
	require.NoError(t, err)
	assert.Empty(t, identity)
}

func TestPeerIdentityAuth(t *testing.T) {
	t.Run("plain connection has no identity", func(t *testing.T) {
		a, b := net.Pipe()
		defer a.Close()
		defer b.Close()

		_, err := PeerIdentityAuth{}.Identify(a)
		assert.True(t, errors.Is(err, ErrNoPeerIdentity))
	})

	t.Run("ssh channel carries the authorized user", func(t *testing.T) {
		identity, err := PeerIdentityAuth{}.Identify(&sshChannelConn{identity: "erin"})
		require.NoError(t, err)
		assert.Equal(t, "erin", identity)
	})

	t.Run("ssh channel without a user", func(t *testing.T) {
		_, err := PeerIdentityAuth{}.Identify(&sshChannelConn{})
		assert.True(t, errors.Is(err, ErrNoPeerIdentity))
	})
}

func TestLoadAuthorizedKeys(t *testing.T) {
	anyUser := newSSHSigner(t)
	pinned := newSSHSigner(t)

	path := filepath.Join(t.TempDir(), "authorized_keys")
	content := "# team keys\n\n" +
		string(ssh.MarshalAuthorizedKey(anyUser.PublicKey())) +
		"  " + string(bytes.TrimSpace(ssh.MarshalAuthorizedKey(pinned.PublicKey()))) + " dave\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	keys, err := loadAuthorizedKeys(path)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "", keys[ssh.FingerprintSHA256(anyUser.PublicKey())])
	assert.Equal(t, "dave", keys[ssh.FingerprintSHA256(pinned.PublicKey())])

	t.Run("empty file", func(t *testing.T) {
		empty := filepath.Join(t.TempDir(), "authorized_keys")
		require.NoError(t, os.WriteFile(empty, []byte("# nothing here\n"), 0o600))
		_, err := loadAuthorizedKeys(empty)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := loadAuthorizedKeys(filepath.Join(t.TempDir(), "nope"))
		assert.Error(t, err)
	})
}

func TestLoadOrGenerateHostKey(t *testing.T) {
	config := DefaultConfig()
	config.SSHHostKeyPath = filepath.Join(t.TempDir(), "keys", "ssh_host_key")
	srv, err := NewServer(config, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer srv.router.Release()

	generated, err := srv.loadOrGenerateHostKey()
	require.NoError(t, err)

	info, err := os.Stat(config.SSHHostKeyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := srv.loadOrGenerateHostKey()
	require.NoError(t, err)
	assert.Equal(t, generated.PublicKey().Marshal(), loaded.PublicKey().Marshal())
}
