// Package config loads server configuration from environment variables,
// an optional YAML file, and an optional .env file, in that order of
// precedence (environment wins). Keys use dots internally; the environment
// form replaces dots with underscores, so "database.url" is DATABASE_URL.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig covers the HTTP/websocket listener.
type ServerConfig struct {
	Host            string
	Port            int
	FrontendOrigin  string
	BodyLimit       string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig covers the PostgreSQL pool.
type DatabaseConfig struct {
	URL     string
	PoolMax int
	SSLMode string
}

// BlobConfig covers the S3-compatible snapshot store. Snapshots are
// disabled when Bucket is empty.
type BlobConfig struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// Enabled reports whether snapshot storage is configured.
func (b BlobConfig) Enabled() bool { return b.Bucket != "" }

// AuthConfig covers session-token verification.
type AuthConfig struct {
	JWKSURL   string
	Issuer    string
	Audience  string
	DevSecret string
}

// SnapshotConfig controls when hubs compact document state.
type SnapshotConfig struct {
	EveryNUpdates int
	Every         time.Duration
	Prune         bool
	HubIdle       time.Duration
}

// ExecConfig controls the execution queue and sandbox.
type ExecConfig struct {
	QueueURL        string
	Timeout         time.Duration
	CodeMaxBytes    int
	OutputMaxBytes  int
	MaxConcurrency  int
	RateLimitPerMin int
	WorkerIdle      time.Duration
	ResultTTL       time.Duration
	EventsAMQPURL   string
	LanguagesFile   string
	LocalFallback   bool
	FallbackPath    string
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level  string
	Format string
}

// Config is the root configuration passed to every component at
// construction. Module-level singletons are deliberately avoided; the
// bootstrap owns one Config and hands out references.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Blob     BlobConfig
	Auth     AuthConfig
	Snapshot SnapshotConfig
	Exec     ExecConfig
	Logging  LoggingConfig
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("frontend.origin", "")
	v.SetDefault("body.limit", "2M")
	v.SetDefault("read.timeout", "30s")
	v.SetDefault("write.timeout", "30s")
	v.SetDefault("shutdown.timeout", "15s")

	v.SetDefault("database.url", "")
	v.SetDefault("pg.pool.max", 10)
	v.SetDefault("db.ssl.mode", "prefer")

	v.SetDefault("blob.endpoint", "")
	v.SetDefault("blob.region", "us-east-1")
	v.SetDefault("blob.bucket", "")
	v.SetDefault("blob.access.key.id", "")
	v.SetDefault("blob.secret.access.key", "")

	v.SetDefault("auth.jwks.url", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.dev.secret", "")

	v.SetDefault("queue.url", "")
	v.SetDefault("snapshot.every.n.updates", 50)
	v.SetDefault("snapshot.every.ms", 30000)
	v.SetDefault("prune.updates.before.snapshot", false)
	v.SetDefault("hub.idle.ms", 300000)

	v.SetDefault("exec.timeout.ms", 10000)
	v.SetDefault("exec.code.max.bytes", 100000)
	v.SetDefault("exec.output.max.bytes", 1048576)
	v.SetDefault("exec.max.concurrency", 2)
	v.SetDefault("exec.rate.limit.per.min", 10)
	v.SetDefault("worker.idle.ms", 30000)
	v.SetDefault("exec.result.ttl.ms", 30000)
	v.SetDefault("events.amqp.url", "")
	v.SetDefault("exec.languages.file", "")
	v.SetDefault("exec.local.fallback", false)
	v.SetDefault("exec.fallback.path", "exec-fallback.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration. cfgFile may be empty, in which case only
// defaults, an optional ./config.yaml, a .env file, and the environment
// apply.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	// Merge .env if present.
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.MergeInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		Server: ServerConfig{
			Host:            v.GetString("host"),
			Port:            v.GetInt("port"),
			FrontendOrigin:  v.GetString("frontend.origin"),
			BodyLimit:       v.GetString("body.limit"),
			ReadTimeout:     v.GetDuration("read.timeout"),
			WriteTimeout:    v.GetDuration("write.timeout"),
			ShutdownTimeout: v.GetDuration("shutdown.timeout"),
		},
		Database: DatabaseConfig{
			URL:     v.GetString("database.url"),
			PoolMax: v.GetInt("pg.pool.max"),
			SSLMode: v.GetString("db.ssl.mode"),
		},
		Blob: BlobConfig{
			Endpoint:        v.GetString("blob.endpoint"),
			Region:          v.GetString("blob.region"),
			Bucket:          v.GetString("blob.bucket"),
			AccessKeyID:     v.GetString("blob.access.key.id"),
			SecretAccessKey: v.GetString("blob.secret.access.key"),
		},
		Auth: AuthConfig{
			JWKSURL:   v.GetString("auth.jwks.url"),
			Issuer:    v.GetString("auth.issuer"),
			Audience:  v.GetString("auth.audience"),
			DevSecret: v.GetString("auth.dev.secret"),
		},
		Snapshot: SnapshotConfig{
			EveryNUpdates: v.GetInt("snapshot.every.n.updates"),
			Every:         time.Duration(v.GetInt64("snapshot.every.ms")) * time.Millisecond,
			Prune:         v.GetBool("prune.updates.before.snapshot"),
			HubIdle:       time.Duration(v.GetInt64("hub.idle.ms")) * time.Millisecond,
		},
		Exec: ExecConfig{
			QueueURL:        v.GetString("queue.url"),
			Timeout:         time.Duration(v.GetInt64("exec.timeout.ms")) * time.Millisecond,
			CodeMaxBytes:    v.GetInt("exec.code.max.bytes"),
			OutputMaxBytes:  v.GetInt("exec.output.max.bytes"),
			MaxConcurrency:  v.GetInt("exec.max.concurrency"),
			RateLimitPerMin: v.GetInt("exec.rate.limit.per.min"),
			WorkerIdle:      time.Duration(v.GetInt64("worker.idle.ms")) * time.Millisecond,
			ResultTTL:       time.Duration(v.GetInt64("exec.result.ttl.ms")) * time.Millisecond,
			EventsAMQPURL:   v.GetString("events.amqp.url"),
			LanguagesFile:   v.GetString("exec.languages.file"),
			LocalFallback:   v.GetBool("exec.local.fallback"),
			FallbackPath:    v.GetString("exec.fallback.path"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot start with.
func Validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Server.Port)
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.Database.PoolMax < 1 {
		return fmt.Errorf("PG_POOL_MAX must be at least 1")
	}
	if cfg.Exec.Timeout <= 0 {
		return fmt.Errorf("EXEC_TIMEOUT_MS must be positive")
	}
	if cfg.Exec.MaxConcurrency < 1 {
		return fmt.Errorf("EXEC_MAX_CONCURRENCY must be at least 1")
	}
	if cfg.Snapshot.EveryNUpdates < 1 {
		return fmt.Errorf("SNAPSHOT_EVERY_N_UPDATES must be at least 1")
	}
	return nil
}
