package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "rkchatd.toml")

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig(), config)

	// The generated file parses back to the same defaults
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var reloaded TOMLConfig
	_, err = toml.Decode(string(data), &reloaded)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig(), reloaded)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rkchatd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
bind_address = "127.0.0.1"
tcp_port = 4000
tls_port = 4001

[tls]
cert_file = "/etc/rkchat/server.crt"
key_file = "/etc/rkchat/server.key"
client_ca_file = "/etc/rkchat/ca.crt"
require_client_cert = true

[limits]
max_connections = 500
idle_timeout_seconds = 300

[log]
level = "debug"
file = "/var/log/rkchatd.log"
`), 0o600))

	config, err := LoadConfig(path)
	require.NoError(t, err)

	sc := config.ToServerConfig()
	assert.Equal(t, "127.0.0.1", sc.BindAddress)
	assert.Equal(t, 4000, sc.TCPPort)
	assert.Equal(t, 4001, sc.TLSPort)
	assert.Equal(t, 9090, sc.MetricsPort, "unset keys keep their defaults")
	assert.True(t, sc.TLSRequireClientCert)
	assert.Equal(t, "/etc/rkchat/ca.crt", sc.TLSClientCAFile)
	assert.Equal(t, 500, sc.MaxConnections)
	assert.Equal(t, 5*time.Minute, sc.IdleTimeout)
	assert.Equal(t, 10*time.Second, sc.WriteTimeout)
	assert.Equal(t, defaultBroadcastWorkers, sc.BroadcastWorkers)
	assert.Equal(t, "~/.rkchat/ssh_host_key", sc.SSHHostKeyPath)

	lc := config.LogConfig()
	assert.Equal(t, "debug", lc.Level)
	assert.Equal(t, "console", lc.Format)
	assert.Equal(t, "/var/log/rkchatd.log", lc.File.Filename)
	assert.Equal(t, 100, lc.File.MaxSize)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rkchatd.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\ntcp_port = 4000\n"), 0o600))

	t.Setenv("RKCHAT_SERVER_TCP_PORT", "5000")
	t.Setenv("RKCHAT_SERVER_SSH_PORT", "not-a-number")
	t.Setenv("RKCHAT_TLS_REQUIRE_CLIENT_CERT", "true")
	t.Setenv("RKCHAT_SSH_AUTHORIZED_KEYS", "/etc/rkchat/authorized_keys")
	t.Setenv("RKCHAT_LIMITS_WRITE_TIMEOUT_SECONDS", "3")
	t.Setenv("RKCHAT_LOG_FORMAT", "json")

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 5000, config.Server.TCPPort)
	assert.Zero(t, config.Server.SSHPort, "unparsable values are ignored")
	assert.True(t, config.TLS.RequireClientCert)
	assert.Equal(t, "/etc/rkchat/authorized_keys", config.SSH.AuthorizedKeys)
	assert.Equal(t, 3*time.Second, config.ToServerConfig().WriteTimeout)
	assert.Equal(t, "json", config.LogConfig().Format)
}

func TestLoadConfigRejectsBadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rkchatd.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\ntcp_port = "), 0o600))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".rkchat", "key"), expandHome("~/.rkchat/key"))
	assert.Equal(t, "/abs/path", expandHome("/abs/path"))
	assert.Equal(t, "", expandHome(""))
}
