package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                     = "REPLISYNC"
	defaultHTTPAddress            = "0.0.0.0:8080"
	defaultDatabaseDriver         = "sqlite"
	defaultDatabaseDSN            = "replisync.db"
	defaultMaxTransactionAttempts = 10
	defaultLogLevel               = "info"
	defaultLogMaxSizeMB           = 100
	defaultLogMaxBackups          = 5
	defaultLogMaxAgeDays          = 28
	defaultCacheMaxClientGroups   = 10000
	defaultCacheSnapshotsPerGroup = 4
	defaultCacheTTL               = 24 * time.Hour
	defaultSessionIssuer          = "replisync"
	defaultCookieName             = "replisync_session"
)

// AppConfig captures runtime configuration for the sync server.
type AppConfig struct {
	HTTPAddress string
	Database    DatabaseConfig
	Log         LogConfig
	CVRCache    CVRCacheConfig
	Auth        AuthConfig
}

// DatabaseConfig selects the store.
type DatabaseConfig struct {
	Driver                 string
	DSN                    string
	MaxTransactionAttempts int
}

// LogConfig controls the zap logger and optional file rotation.
type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// CVRCacheConfig bounds the in-memory snapshot cache.
type CVRCacheConfig struct {
	MaxClientGroups   int
	SnapshotsPerGroup int
	TTL               time.Duration
}

// AuthConfig enables session cookie identity when SigningSecret is set.
// Without it the acting user is taken from the userID query parameter.
type AuthConfig struct {
	SigningSecret string
	Issuer        string
	CookieName    string
}

// SessionsEnabled reports whether requests authenticate through a session cookie.
func (a AuthConfig) SessionsEnabled() bool {
	return strings.TrimSpace(a.SigningSecret) != ""
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

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("database.max_transaction_attempts", defaultMaxTransactionAttempts)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("log.max_size_mb", defaultLogMaxSizeMB)
	configViper.SetDefault("log.max_backups", defaultLogMaxBackups)
	configViper.SetDefault("log.max_age_days", defaultLogMaxAgeDays)
	configViper.SetDefault("cvr_cache.max_client_groups", defaultCacheMaxClientGroups)
	configViper.SetDefault("cvr_cache.snapshots_per_group", defaultCacheSnapshotsPerGroup)
	configViper.SetDefault("cvr_cache.ttl", defaultCacheTTL)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultSessionIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress: configViper.GetString("http.address"),
		Database: DatabaseConfig{
			Driver:                 strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
			DSN:                    configViper.GetString("database.dsn"),
			MaxTransactionAttempts: configViper.GetInt("database.max_transaction_attempts"),
		},
		Log: LogConfig{
			Level:      configViper.GetString("log.level"),
			File:       configViper.GetString("log.file"),
			MaxSizeMB:  configViper.GetInt("log.max_size_mb"),
			MaxBackups: configViper.GetInt("log.max_backups"),
			MaxAgeDays: configViper.GetInt("log.max_age_days"),
		},
		CVRCache: CVRCacheConfig{
			MaxClientGroups:   configViper.GetInt("cvr_cache.max_client_groups"),
			SnapshotsPerGroup: configViper.GetInt("cvr_cache.snapshots_per_group"),
			TTL:               configViper.GetDuration("cvr_cache.ttl"),
		},
		Auth: AuthConfig{
			SigningSecret: configViper.GetString("auth.signing_secret"),
			Issuer:        configViper.GetString("auth.issuer"),
			CookieName:    configViper.GetString("auth.cookie_name"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Database.MaxTransactionAttempts < 1 {
		return fmt.Errorf("database.max_transaction_attempts must be positive")
	}
	if c.CVRCache.MaxClientGroups < 1 || c.CVRCache.SnapshotsPerGroup < 1 {
		return fmt.Errorf("cvr_cache limits must be positive")
	}
	if c.CVRCache.TTL <= 0 {
		return fmt.Errorf("cvr_cache.ttl must be positive")
	}
	if c.Auth.SessionsEnabled() && strings.TrimSpace(c.Auth.Issuer) == "" {
		return fmt.Errorf("auth.issuer is required when auth.signing_secret is set")
	}
	return nil
}
