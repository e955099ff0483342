// Package config loads fluxrun settings from defaults, an optional YAML file
// and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable derived from a key,
// e.g. FLUXRUN_SERVER_ADDR for server.addr.
const EnvPrefix = "FLUXRUN"

// Config is the complete fluxrun configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Mongo     MongoConfig     `mapstructure:"mongo"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

// DatabaseConfig selects and tunes the run store.
type DatabaseConfig struct {
	// URL picks the backend by scheme. Empty means a local SQLite file at
	// SQLitePath.
	URL          string        `mapstructure:"url"`
	SQLitePath   string        `mapstructure:"sqlite_path"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	PingTimeout  time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Prefix string `mapstructure:"prefix"`
}

type MongoConfig struct {
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

type LifecycleConfig struct {
	MaxUpdateAttempts int `mapstructure:"max_update_attempts"`
}

type ExecutorConfig struct {
	MaxStepRetries int `mapstructure:"max_step_retries"`
	// Concurrency bounds parallel provisioners; 0 means unbounded.
	Concurrency int `mapstructure:"concurrency"`
	// AutoProvision makes serve run the executor in the background for
	// every launched or resumed run.
	AutoProvision bool `mapstructure:"auto_provision"`
	Workers       int  `mapstructure:"workers"`
	QueueSize     int  `mapstructure:"queue_size"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8000",
			ShutdownTimeout:   15 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			SQLitePath:   "tmp/fluxrun.db",
			MaxOpenConns: 10,
			PingTimeout:  2 * time.Second,
		},
		Redis: RedisConfig{
			Prefix: "fluxrun:",
		},
		Mongo: MongoConfig{
			Database:   "fluxrun",
			Collection: "workflow_runs",
		},
		Lifecycle: LifecycleConfig{
			MaxUpdateAttempts: 10,
		},
		Executor: ExecutorConfig{
			MaxStepRetries: 3,
			Workers:        2,
			QueueSize:      1024,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// SetDefaults registers every default with v.
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("server.addr", defaults.Server.Addr)
	v.SetDefault("server.shutdown_timeout", defaults.Server.ShutdownTimeout)
	v.SetDefault("server.read_header_timeout", defaults.Server.ReadHeaderTimeout)

	v.SetDefault("database.url", defaults.Database.URL)
	v.SetDefault("database.sqlite_path", defaults.Database.SQLitePath)
	v.SetDefault("database.max_open_conns", defaults.Database.MaxOpenConns)
	v.SetDefault("database.ping_timeout", defaults.Database.PingTimeout)

	v.SetDefault("redis.prefix", defaults.Redis.Prefix)
	v.SetDefault("mongo.database", defaults.Mongo.Database)
	v.SetDefault("mongo.collection", defaults.Mongo.Collection)

	v.SetDefault("lifecycle.max_update_attempts", defaults.Lifecycle.MaxUpdateAttempts)
	v.SetDefault("executor.max_step_retries", defaults.Executor.MaxStepRetries)
	v.SetDefault("executor.concurrency", defaults.Executor.Concurrency)
	v.SetDefault("executor.auto_provision", defaults.Executor.AutoProvision)
	v.SetDefault("executor.workers", defaults.Executor.Workers)
	v.SetDefault("executor.queue_size", defaults.Executor.QueueSize)

	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.format", defaults.Log.Format)
}

// BindEnv enables FLUXRUN_* variables for every key and the conventional
// unprefixed names DATABASE_URL, SQLITE_DB_PATH and MAX_STEP_RETRIES.
// Prefixed names win over unprefixed ones.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("database.url", EnvPrefix+"_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("database.sqlite_path", EnvPrefix+"_DATABASE_SQLITE_PATH", "SQLITE_DB_PATH")
	_ = v.BindEnv("executor.max_step_retries", EnvPrefix+"_EXECUTOR_MAX_STEP_RETRIES", "MAX_STEP_RETRIES")
}

// New returns a viper instance with defaults and environment bindings.
// When file is non-empty it is read as the config file; otherwise
// fluxrun.yaml is looked up in the working directory and missing is fine.
func New(file string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	BindEnv(v)

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
		return v, nil
	}

	v.SetConfigName("fluxrun")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Load reads the configuration from v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}
