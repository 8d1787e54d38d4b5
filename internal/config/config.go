package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "GRAVITY"

	defaultAppKey        = "gravity"
	defaultAppVersion    = "1"
	defaultDatabasePath  = "gravity-sync.db"
	defaultLocalBackend  = LocalBackendSQLite
	defaultRemoteKind    = RemoteKindHTTP
	defaultRemoteTimeout = 15 * time.Second
	defaultDebounce      = 900 * time.Millisecond
	defaultEchoWindow    = 1400 * time.Millisecond
	defaultBatchSize     = 200
	defaultFlushMaxOps   = 50
	defaultProbeInterval = 10 * time.Second
	defaultStatePath     = "gravity-state.json"
	defaultLogLevel      = "info"
)

// Local storage backends.
const (
	LocalBackendSQLite = "sqlite"
	LocalBackendRedis  = "redis"
)

// Remote store kinds.
const (
	RemoteKindHTTP     = "http"
	RemoteKindPostgres = "postgres"
)

// AppConfig captures runtime configuration for the sync engine.
type AppConfig struct {
	UserID     string
	AppKey     string
	AppVersion string

	LocalBackend string
	DatabasePath string
	RedisURL     string

	RemoteKind        string
	RemoteURL         string
	RemoteToken       string
	RemoteDatabaseURL string
	RemoteTimeout     time.Duration

	Debounce      time.Duration
	EchoWindow    time.Duration
	BatchSize     int
	FlushMaxOps   int
	Realtime      bool
	ProbeInterval time.Duration

	StatePath string
	LogLevel  string
	LogFile   string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("app.key", defaultAppKey)
	configViper.SetDefault("app.version", defaultAppVersion)
	configViper.SetDefault("local.backend", defaultLocalBackend)
	configViper.SetDefault("local.database_path", defaultDatabasePath)
	configViper.SetDefault("remote.kind", defaultRemoteKind)
	configViper.SetDefault("remote.timeout", defaultRemoteTimeout)
	configViper.SetDefault("sync.debounce", defaultDebounce)
	configViper.SetDefault("sync.echo_window", defaultEchoWindow)
	configViper.SetDefault("sync.batch_size", defaultBatchSize)
	configViper.SetDefault("sync.flush_max_ops", defaultFlushMaxOps)
	configViper.SetDefault("sync.realtime", true)
	configViper.SetDefault("connectivity.probe_interval", defaultProbeInterval)
	configViper.SetDefault("state.path", defaultStatePath)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		UserID:            strings.TrimSpace(configViper.GetString("user.id")),
		AppKey:            strings.TrimSpace(configViper.GetString("app.key")),
		AppVersion:        configViper.GetString("app.version"),
		LocalBackend:      strings.ToLower(strings.TrimSpace(configViper.GetString("local.backend"))),
		DatabasePath:      configViper.GetString("local.database_path"),
		RedisURL:          configViper.GetString("redis.url"),
		RemoteKind:        strings.ToLower(strings.TrimSpace(configViper.GetString("remote.kind"))),
		RemoteURL:         configViper.GetString("remote.url"),
		RemoteToken:       configViper.GetString("remote.token"),
		RemoteDatabaseURL: configViper.GetString("remote.database_url"),
		RemoteTimeout:     configViper.GetDuration("remote.timeout"),
		Debounce:          configViper.GetDuration("sync.debounce"),
		EchoWindow:        configViper.GetDuration("sync.echo_window"),
		BatchSize:         configViper.GetInt("sync.batch_size"),
		FlushMaxOps:       configViper.GetInt("sync.flush_max_ops"),
		Realtime:          configViper.GetBool("sync.realtime"),
		ProbeInterval:     configViper.GetDuration("connectivity.probe_interval"),
		StatePath:         configViper.GetString("state.path"),
		LogLevel:          configViper.GetString("log.level"),
		LogFile:           configViper.GetString("log.file"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadLocal parses only the settings needed to open local storage, for
// commands that inspect the queue without talking to the remote.
func LoadLocal(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		UserID:       strings.TrimSpace(configViper.GetString("user.id")),
		LocalBackend: strings.ToLower(strings.TrimSpace(configViper.GetString("local.backend"))),
		DatabasePath: configViper.GetString("local.database_path"),
		RedisURL:     configViper.GetString("redis.url"),
		LogLevel:     configViper.GetString("log.level"),
		LogFile:      configViper.GetString("log.file"),
	}
	if err := cfg.validateLocal(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.UserID == "" {
		return fmt.Errorf("user.id is required")
	}
	if c.AppKey == "" {
		return fmt.Errorf("app.key is required")
	}
	if err := c.validateLocal(); err != nil {
		return err
	}
	switch c.RemoteKind {
	case RemoteKindHTTP:
		if strings.TrimSpace(c.RemoteURL) == "" {
			return fmt.Errorf("remote.url is required for remote.kind %q", RemoteKindHTTP)
		}
	case RemoteKindPostgres:
		if strings.TrimSpace(c.RemoteDatabaseURL) == "" {
			return fmt.Errorf("remote.database_url is required for remote.kind %q", RemoteKindPostgres)
		}
	default:
		return fmt.Errorf("remote.kind must be %q or %q, got %q", RemoteKindHTTP, RemoteKindPostgres, c.RemoteKind)
	}
	if c.RemoteTimeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive")
	}
	if c.Debounce <= 0 {
		return fmt.Errorf("sync.debounce must be positive")
	}
	if c.EchoWindow < 0 {
		return fmt.Errorf("sync.echo_window must not be negative")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive")
	}
	if c.FlushMaxOps <= 0 {
		return fmt.Errorf("sync.flush_max_ops must be positive")
	}
	if strings.TrimSpace(c.StatePath) == "" {
		return fmt.Errorf("state.path is required")
	}
	return nil
}

func (c AppConfig) validateLocal() error {
	switch c.LocalBackend {
	case LocalBackendSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("local.database_path is required")
		}
	case LocalBackendRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return fmt.Errorf("redis.url is required for local.backend %q", LocalBackendRedis)
		}
	default:
		return fmt.Errorf("local.backend must be %q or %q, got %q", LocalBackendSQLite, LocalBackendRedis, c.LocalBackend)
	}
	return nil
}
