package server

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/rkchat/rkchat/pkg/logging"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	TLS    TLSSection    `toml:"tls"`
	SSH    SSHSection    `toml:"ssh"`
	Limits LimitsSection `toml:"limits"`
	Log    LogSection    `toml:"log"`
}

type ServerSection struct {
	BindAddress string `toml:"bind_address"`
	TCPPort     int    `toml:"tcp_port"`
	TLSPort     int    `toml:"tls_port"`
	SSHPort     int    `toml:"ssh_port"`
	HTTPPort    int    `toml:"http_port"`
	MetricsPort int    `toml:"metrics_port"`
}

type TLSSection struct {
	CertFile          string `toml:"cert_file"`
	KeyFile           string `toml:"key_file"`
	ClientCAFile      string `toml:"client_ca_file"`
	RequireClientCert bool   `toml:"require_client_cert"`
}

type SSHSection struct {
	HostKey        string `toml:"host_key"`
	AuthorizedKeys string `toml:"authorized_keys"`
}

type LimitsSection struct {
	MaxConnections      int `toml:"max_connections"`
	IdleTimeoutSeconds  int `toml:"idle_timeout_seconds"`
	WriteTimeoutSeconds int `toml:"write_timeout_seconds"`
	BroadcastWorkers    int `toml:"broadcast_workers"`
}

type LogSection struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:     1234,
			MetricsPort: 9090,
		},
		SSH: SSHSection{
			HostKey: "~/.rkchat/ssh_host_key",
		},
		Limits: LimitsSection{
			WriteTimeoutSeconds: 10,
			BroadcastWorkers:    defaultBroadcastWorkers,
		},
		Log: LogSection{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path = expandHome(path)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// A read-only home still gets a working server on defaults
		_ = writeDefaultConfig(path)
		return applyEnvOverrides(config), nil
	}

	// Keys missing from the file keep their defaults
	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, errors.Wrap(err, "parse config file")
	}

	return applyEnvOverrides(config), nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Variables follow the pattern RKCHAT_SECTION_KEY, e.g. RKCHAT_SERVER_TCP_PORT=4000.
// Values that fail to parse are ignored.
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	envString("RKCHAT_SERVER_BIND_ADDRESS", &config.Server.BindAddress)
	envInt("RKCHAT_SERVER_TCP_PORT", &config.Server.TCPPort)
	envInt("RKCHAT_SERVER_TLS_PORT", &config.Server.TLSPort)
	envInt("RKCHAT_SERVER_SSH_PORT", &config.Server.SSHPort)
	envInt("RKCHAT_SERVER_HTTP_PORT", &config.Server.HTTPPort)
	envInt("RKCHAT_SERVER_METRICS_PORT", &config.Server.MetricsPort)

	envString("RKCHAT_TLS_CERT_FILE", &config.TLS.CertFile)
	envString("RKCHAT_TLS_KEY_FILE", &config.TLS.KeyFile)
	envString("RKCHAT_TLS_CLIENT_CA_FILE", &config.TLS.ClientCAFile)
	envBool("RKCHAT_TLS_REQUIRE_CLIENT_CERT", &config.TLS.RequireClientCert)

	envString("RKCHAT_SSH_HOST_KEY", &config.SSH.HostKey)
	envString("RKCHAT_SSH_AUTHORIZED_KEYS", &config.SSH.AuthorizedKeys)

	envInt("RKCHAT_LIMITS_MAX_CONNECTIONS", &config.Limits.MaxConnections)
	envInt("RKCHAT_LIMITS_IDLE_TIMEOUT_SECONDS", &config.Limits.IdleTimeoutSeconds)
	envInt("RKCHAT_LIMITS_WRITE_TIMEOUT_SECONDS", &config.Limits.WriteTimeoutSeconds)
	envInt("RKCHAT_LIMITS_BROADCAST_WORKERS", &config.Limits.BroadcastWorkers)

	envString("RKCHAT_LOG_LEVEL", &config.Log.Level)
	envString("RKCHAT_LOG_FORMAT", &config.Log.Format)
	envString("RKCHAT_LOG_FILE", &config.Log.File)
	envInt("RKCHAT_LOG_MAX_SIZE_MB", &config.Log.MaxSizeMB)
	envInt("RKCHAT_LOG_MAX_BACKUPS", &config.Log.MaxBackups)
	envInt("RKCHAT_LOG_MAX_AGE_DAYS", &config.Log.MaxAgeDays)

	return config
}

func envString(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

const defaultConfigTemplate = `# RKchat Server Configuration
# This file was auto-generated with default values
# Commented settings show available options
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# RKCHAT_SECTION_KEY (e.g., RKCHAT_SERVER_TCP_PORT=4000)

[server]
# Interface to bind; empty means all interfaces
# bind_address = "127.0.0.1"

# Port for plain TCP clients
tcp_port = 1234

# Port for TLS clients (requires [tls] cert_file and key_file)
# Set to 0 to disable
tls_port = 0

# Port for SSH clients
# Set to 0 to disable
ssh_port = 0

# Port for the WebSocket endpoint (/ws)
# Set to 0 to disable
http_port = 0

# Port for /metrics and /health (internal only, do not expose publicly)
metrics_port = 9090

[tls]
# cert_file = "/etc/rkchat/server.crt"
# key_file = "/etc/rkchat/server.key"

# CA that signs client certificates
# client_ca_file = "/etc/rkchat/clients-ca.crt"

# When true every TLS client must present a certificate, and its subject
# common name becomes the username (no LOGIN frame needed)
require_client_cert = false

[ssh]
# Generated on first start if missing
host_key = "~/.rkchat/ssh_host_key"

# With an authorized_keys file the SSH user name becomes the username.
# A key's comment, when present, restricts it to that user name.
# Without one, SSH clients connect freely and log in like TCP clients.
# authorized_keys = "~/.rkchat/authorized_keys"

[limits]
# Maximum concurrent connections (0 = unlimited)
max_connections = 0

# Disconnect clients silent for this long (0 = never)
idle_timeout_seconds = 0

# Give up on a recipient that cannot accept a frame within this time
write_timeout_seconds = 10

# Goroutines used to fan out one broadcast
broadcast_workers = 256

[log]
# debug, info, warn or error
level = "info"

# console or json
format = "console"

# Also write to a rotated file
# file = "~/.rkchat/rkchatd.log"
max_size_mb = 100
max_backups = 5
max_age_days = 30
`

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create config directory")
	}
	if err := os.WriteFile(path, []byte(defaultConfigTemplate), 0o644); err != nil {
		return errors.Wrap(err, "write config")
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	cfg.BindAddress = c.Server.BindAddress
	cfg.TCPPort = c.Server.TCPPort
	cfg.TLSPort = c.Server.TLSPort
	cfg.SSHPort = c.Server.SSHPort
	cfg.HTTPPort = c.Server.HTTPPort
	cfg.MetricsPort = c.Server.MetricsPort

	cfg.TLSCertFile = expandHome(c.TLS.CertFile)
	cfg.TLSKeyFile = expandHome(c.TLS.KeyFile)
	cfg.TLSClientCAFile = expandHome(c.TLS.ClientCAFile)
	cfg.TLSRequireClientCert = c.TLS.RequireClientCert

	if strings.TrimSpace(c.SSH.HostKey) != "" {
		cfg.SSHHostKeyPath = c.SSH.HostKey
	}
	cfg.SSHAuthorizedKeysPath = c.SSH.AuthorizedKeys

	cfg.MaxConnections = c.Limits.MaxConnections
	cfg.IdleTimeout = time.Duration(c.Limits.IdleTimeoutSeconds) * time.Second
	cfg.WriteTimeout = time.Duration(c.Limits.WriteTimeoutSeconds) * time.Second
	if c.Limits.BroadcastWorkers > 0 {
		cfg.BroadcastWorkers = c.Limits.BroadcastWorkers
	}

	return cfg
}

// LogConfig converts the [log] section for logging.New.
func (c *TOMLConfig) LogConfig() logging.Config {
	return logging.Config{
		Level:  c.Log.Level,
		Format: c.Log.Format,
		File: logging.FileConfig{
			Filename:   c.Log.File,
			MaxSize:    c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxDays:    c.Log.MaxAgeDays,
		},
	}
}

// expandHome replaces a leading ~/ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
