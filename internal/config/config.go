// Package config loads runtime configuration from file and environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the runtime parameters shared by relayd and the device tools.
type Config struct {
	LogLevel            string        `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
	Relay               RelayConfig   `mapstructure:"relay"`
	Sync                SyncConfig    `mapstructure:"sync"`
	Auth                AuthConfig    `mapstructure:"auth"`
	Storage             StorageConfig `mapstructure:"storage"`
	Vault               VaultConfig   `mapstructure:"vault"`
	Admin               AdminConfig   `mapstructure:"admin"`
}

// RelayConfig describes the WebSocket relay surface.
type RelayConfig struct {
	Address           string        `mapstructure:"address"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	IdleWindow        time.Duration `mapstructure:"idle_window"`
	SendBuffer        int           `mapstructure:"send_buffer"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
}

// SyncConfig tunes the message sync worker and ingest endpoint.
type SyncConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
	Endpoint      string        `mapstructure:"endpoint"`
}

// AuthConfig describes where the token signing key comes from.
type AuthConfig struct {
	SigningKeyEnv string        `mapstructure:"signing_key_env"`
	TokenTTL      time.Duration `mapstructure:"token_ttl"`
}

// StorageConfig describes the registry database and local outbox location.
type StorageConfig struct {
	PostgresDSN string `mapstructure:"postgres_dsn"`
	OutboxPath  string `mapstructure:"outbox_path"`
}

// VaultConfig describes how the local device vault is initialized.
type VaultConfig struct {
	Path          string `mapstructure:"path"`
	PassphraseEnv string `mapstructure:"passphrase_env"`
}

// AdminConfig describes the admin/metrics listener.
type AdminConfig struct {
	Address           string        `mapstructure:"address"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

const (
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second

	defaultRelayAddress      = "0.0.0.0:8080"
	defaultHeartbeatInterval = 30 * time.Second
	defaultIdleWindow        = 90 * time.Second
	defaultSendBuffer        = 64
	defaultReconnectAttempts = 5
	defaultReconnectDelay    = 3 * time.Second

	defaultBatchSize     = 50
	defaultFlushInterval = 500 * time.Millisecond
	defaultBackoffBase   = 2 * time.Second
	defaultBackoffMax    = 300 * time.Second

	defaultSigningKeyEnv = "SESSIONWIRE_AUTH_SIGNING_KEY"
	defaultTokenTTL      = 24 * time.Hour

	defaultOutboxPath = "data/outbox.json"

	defaultVaultPath          = "data/vault.json"
	defaultVaultPassphraseEnv = "SESSIONWIRE_VAULT_PASSPHRASE"

	defaultAdminAddress      = "127.0.0.1:9090"
	defaultReadHeaderTimeout = 5 * time.Second
)

// Load reads configuration from the provided file path (if any) and the
// environment. Environment variables are prefixed with SESSIONWIRE_ and can
// override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SESSIONWIRE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("relay.address", defaultRelayAddress)
	v.SetDefault("relay.heartbeat_interval", defaultHeartbeatInterval.String())
	v.SetDefault("relay.idle_window", defaultIdleWindow.String())
	v.SetDefault("relay.send_buffer", defaultSendBuffer)
	v.SetDefault("relay.reconnect_attempts", defaultReconnectAttempts)
	v.SetDefault("relay.reconnect_delay", defaultReconnectDelay.String())
	v.SetDefault("sync.batch_size", defaultBatchSize)
	v.SetDefault("sync.flush_interval", defaultFlushInterval.String())
	v.SetDefault("sync.backoff_base", defaultBackoffBase.String())
	v.SetDefault("sync.backoff_max", defaultBackoffMax.String())
	v.SetDefault("sync.endpoint", "")
	v.SetDefault("auth.signing_key_env", defaultSigningKeyEnv)
	v.SetDefault("auth.token_ttl", defaultTokenTTL.String())
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.outbox_path", defaultOutboxPath)
	v.SetDefault("vault.path", defaultVaultPath)
	v.SetDefault("vault.passphrase_env", defaultVaultPassphraseEnv)
	v.SetDefault("admin.address", defaultAdminAddress)
	v.SetDefault("admin.read_header_timeout", defaultReadHeaderTimeout.String())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	durations := []struct {
		key      string
		target   *time.Duration
		fallback time.Duration
	}{
		{"shutdown_grace_period", &cfg.ShutdownGracePeriod, defaultShutdownGracePeriod},
		{"relay.heartbeat_interval", &cfg.Relay.HeartbeatInterval, defaultHeartbeatInterval},
		{"relay.idle_window", &cfg.Relay.IdleWindow, defaultIdleWindow},
		{"relay.reconnect_delay", &cfg.Relay.ReconnectDelay, defaultReconnectDelay},
		{"sync.flush_interval", &cfg.Sync.FlushInterval, defaultFlushInterval},
		{"sync.backoff_base", &cfg.Sync.BackoffBase, defaultBackoffBase},
		{"sync.backoff_max", &cfg.Sync.BackoffMax, defaultBackoffMax},
		{"auth.token_ttl", &cfg.Auth.TokenTTL, defaultTokenTTL},
		{"admin.read_header_timeout", &cfg.Admin.ReadHeaderTimeout, defaultReadHeaderTimeout},
	}
	for _, d := range durations {
		if !v.IsSet(d.key) {
			*d.target = d.fallback
			continue
		}
		dur, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.target = dur
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.Relay.Address == "" {
		cfg.Relay.Address = defaultRelayAddress
	}
	if cfg.Relay.SendBuffer <= 0 {
		cfg.Relay.SendBuffer = defaultSendBuffer
	}
	if cfg.Relay.ReconnectAttempts <= 0 {
		cfg.Relay.ReconnectAttempts = defaultReconnectAttempts
	}
	if cfg.Sync.BatchSize <= 0 {
		cfg.Sync.BatchSize = defaultBatchSize
	}
	if cfg.Auth.SigningKeyEnv == "" {
		cfg.Auth.SigningKeyEnv = defaultSigningKeyEnv
	}
	if cfg.Storage.OutboxPath == "" {
		cfg.Storage.OutboxPath = defaultOutboxPath
	}
	if cfg.Vault.Path == "" {
		cfg.Vault.Path = defaultVaultPath
	}
	if cfg.Vault.PassphraseEnv == "" {
		cfg.Vault.PassphraseEnv = defaultVaultPassphraseEnv
	}

	return cfg, nil
}

// SigningKey fetches the token signing key from the configured environment variable.
func (c Config) SigningKey() (string, error) {
	env := c.Auth.SigningKeyEnv
	if env == "" {
		env = defaultSigningKeyEnv
	}
	val := strings.TrimSpace(getenv(env))
	if val == "" {
		return "", fmt.Errorf("auth signing key env %s is empty", env)
	}
	return val, nil
}

// VaultPassphrase fetches the vault passphrase from the configured environment variable.
func (c Config) VaultPassphrase() (string, error) {
	env := c.Vault.PassphraseEnv
	if env == "" {
		env = defaultVaultPassphraseEnv
	}
	val := strings.TrimSpace(getenv(env))
	if val == "" {
		return "", fmt.Errorf("vault passphrase env %s is empty", env)
	}
	return val, nil
}

// split out for testing.
var getenv = os.Getenv
