// Package config loads the runtime configuration for the parley daemon.
//
// Configuration is environment-driven with a closed set of keys. An optional
// YAML file can provide base values; environment variables always win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
)

// Defaults for every tunable. Values mirror what production runs with.
const (
	DefaultMaxMessageLimit          = 2500
	DefaultTokenCheckpointThreshold = 50000
	DefaultGCInterval               = 5 * time.Minute
	DefaultSessionInactivity        = 30 * time.Minute
	DefaultShutdownGrace            = 10 * time.Second
	DefaultCancelTimeout            = 5 * time.Second
	DefaultMaxSessionsPerUser       = 300
	DefaultBusQueueSize             = 256
	DefaultListenAddr               = ":8420"
)

// Config is the closed set of runtime settings.
type Config struct {
	DatabaseResource string `yaml:"database_resource"`
	ListenAddr       string `yaml:"listen_addr"`
	DefaultHost      string `yaml:"default_host"`

	// EncryptionKey is the hex-encoded 16/24/32-byte key used to seal
	// start tokens. Required for serving; validated by pkg/token.
	EncryptionKey string `yaml:"encryption_key"`

	// JWTSecret signs and verifies caller bearer tokens on the HTTP API.
	JWTSecret string `yaml:"jwt_secret"`

	SessionSecurityScope string `yaml:"session_security_scope"`

	CheckpointFunctionID string `yaml:"checkpoint_function_id"`
	TitleFunctionID      string `yaml:"title_function_id"`
	DelegationFuncID     string `yaml:"delegation_func_id"`

	TokenCheckpointThreshold int `yaml:"token_checkpoint_threshold"`
	MaxMessageLimit          int `yaml:"max_message_limit"`
	MaxSessionsPerUser       int `yaml:"max_sessions_per_user"`
	BusQueueSize             int `yaml:"bus_queue_size"`

	GCInterval        time.Duration `yaml:"gc_interval"`
	SessionInactivity time.Duration `yaml:"session_inactivity"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
	CancelTimeout     time.Duration `yaml:"cancel_timeout"`

	LogLevel string `yaml:"log_level"`
}

// Default returns a Config populated with defaults only.
func Default() Config {
	return Config{
		ListenAddr:               DefaultListenAddr,
		TokenCheckpointThreshold: DefaultTokenCheckpointThreshold,
		MaxMessageLimit:          DefaultMaxMessageLimit,
		MaxSessionsPerUser:       DefaultMaxSessionsPerUser,
		BusQueueSize:             DefaultBusQueueSize,
		GCInterval:               DefaultGCInterval,
		SessionInactivity:        DefaultSessionInactivity,
		ShutdownGrace:            DefaultShutdownGrace,
		CancelTimeout:            DefaultCancelTimeout,
		LogLevel:                 "info",
	}
}

// Load builds the configuration from an optional YAML file at path (empty
// path skips the file) with environment overrides applied on top.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file %q: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.DatabaseResource, "PARLEY_DATABASE_RESOURCE")
	setString(&c.ListenAddr, "PARLEY_LISTEN_ADDR")
	setString(&c.DefaultHost, "PARLEY_DEFAULT_HOST")
	setString(&c.EncryptionKey, "PARLEY_ENCRYPTION_KEY")
	setString(&c.JWTSecret, "PARLEY_JWT_SECRET")
	setString(&c.SessionSecurityScope, "PARLEY_SESSION_SECURITY_SCOPE")
	setString(&c.CheckpointFunctionID, "PARLEY_CHECKPOINT_FUNCTION_ID")
	setString(&c.TitleFunctionID, "PARLEY_TITLE_FUNCTION_ID")
	setString(&c.DelegationFuncID, "PARLEY_DELEGATION_FUNC_ID")
	setString(&c.LogLevel, "PARLEY_LOG_LEVEL")

	if err := setInt(&c.TokenCheckpointThreshold, "PARLEY_TOKEN_CHECKPOINT_THRESHOLD"); err != nil {
		return err
	}
	if err := setInt(&c.MaxMessageLimit, "PARLEY_MAX_MESSAGE_LIMIT"); err != nil {
		return err
	}
	if err := setInt(&c.MaxSessionsPerUser, "PARLEY_MAX_SESSIONS_PER_USER"); err != nil {
		return err
	}
	if err := setInt(&c.BusQueueSize, "PARLEY_BUS_QUEUE_SIZE"); err != nil {
		return err
	}

	if err := setDuration(&c.GCInterval, "PARLEY_GC_INTERVAL"); err != nil {
		return err
	}
	if err := setDuration(&c.SessionInactivity, "PARLEY_SESSION_INACTIVITY"); err != nil {
		return err
	}
	if err := setDuration(&c.ShutdownGrace, "PARLEY_SHUTDOWN_GRACE"); err != nil {
		return err
	}
	return setDuration(&c.CancelTimeout, "PARLEY_CANCEL_TIMEOUT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	// Accept plain seconds for compatibility with older deployments.
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Second
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}
