package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

const (
	EnvironmentDevelopment = "development"
	EnvironmentProduction  = "production"

	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config is the signal mailbox server configuration.
type Config struct {
	Port           string        `yaml:"port"`
	Environment    string        `yaml:"environment"`
	AllowedOrigins []string      `yaml:"allowedOrigins"`
	JWTSecret      string        `yaml:"jwtSecret"`
	Store          string        `yaml:"store"`
	Redis          RedisConfig   `yaml:"redis"`
	Log            LogConfig     `yaml:"log"`
	Mailbox        MailboxConfig `yaml:"mailbox"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// MailboxConfig controls signal retention and room defaults.
type MailboxConfig struct {
	SweepInterval   time.Duration `yaml:"sweepInterval"`
	MaxSignalAge    time.Duration `yaml:"maxSignalAge"`
	RoomLifetime    time.Duration `yaml:"roomLifetime"`
	DefaultCapacity int           `yaml:"defaultCapacity"`
}

func defaults() *Config {
	return &Config{
		Port:           "8080",
		Environment:    EnvironmentDevelopment,
		AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		JWTSecret:      "change-me-in-production",
		Store:          StoreRedis,
		Redis: RedisConfig{
			Host: "localhost",
			Port: "6379",
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Mailbox: MailboxConfig{
			SweepInterval:   30 * time.Second,
			MaxSignalAge:    5 * time.Minute,
			RoomLifetime:    30 * time.Minute,
			DefaultCapacity: 10,
		},
	}
}

// Load resolves the server configuration from defaults, an optional YAML
// file, the environment and finally command-line flags.
func Load(args []string) (*Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup lookupFunc, args []string) (*Config, error) {
	cfg := defaults()

	fs := pflag.NewFlagSet("signaling", pflag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file (env CONFIG_FILE)")
	port := fs.String("port", "", "listen port (env PORT)")
	environment := fs.String("environment", "", "development or production (env ENVIRONMENT)")
	store := fs.String("store", "", "signal store: redis or memory (env STORE)")
	logLevel := fs.String("log-level", "", "log level (env LOG_LEVEL)")
	logFormat := fs.String("log-format", "", "log format: text or json (env LOG_FORMAT)")
	sweep := fs.Duration("sweep-interval", 0, "signal sweeper interval (env SWEEP_INTERVAL)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	env := environ(lookup)
	path := env.str("CONFIG_FILE", "")
	if fs.Changed("config") {
		path = *configPath
	}
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	cfg.Port = env.str("PORT", cfg.Port)
	cfg.Environment = env.str("ENVIRONMENT", cfg.Environment)
	cfg.AllowedOrigins = env.list("ALLOWED_ORIGINS", cfg.AllowedOrigins)
	cfg.JWTSecret = env.str("JWT_SECRET", cfg.JWTSecret)
	cfg.Store = env.str("STORE", cfg.Store)
	cfg.Redis.Host = env.str("REDIS_HOST", cfg.Redis.Host)
	cfg.Redis.Port = env.str("REDIS_PORT", cfg.Redis.Port)
	cfg.Redis.Password = env.str("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Log.Level = env.str("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = env.str("LOG_FORMAT", cfg.Log.Format)

	var err error
	if cfg.Redis.DB, err = env.integer("REDIS_DB", cfg.Redis.DB); err != nil {
		return nil, err
	}
	if cfg.Mailbox.SweepInterval, err = env.duration("SWEEP_INTERVAL", cfg.Mailbox.SweepInterval); err != nil {
		return nil, err
	}
	if cfg.Mailbox.MaxSignalAge, err = env.duration("MAX_SIGNAL_AGE", cfg.Mailbox.MaxSignalAge); err != nil {
		return nil, err
	}
	if cfg.Mailbox.RoomLifetime, err = env.duration("ROOM_LIFETIME", cfg.Mailbox.RoomLifetime); err != nil {
		return nil, err
	}
	if cfg.Mailbox.DefaultCapacity, err = env.integer("ROOM_DEFAULT_CAPACITY", cfg.Mailbox.DefaultCapacity); err != nil {
		return nil, err
	}

	if fs.Changed("port") {
		cfg.Port = *port
	}
	if fs.Changed("environment") {
		cfg.Environment = *environment
	}
	if fs.Changed("store") {
		cfg.Store = *store
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if fs.Changed("log-format") {
		cfg.Log.Format = *logFormat
	}
	if fs.Changed("sweep-interval") {
		cfg.Mailbox.SweepInterval = *sweep
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store {
	case StoreRedis, StoreMemory:
	default:
		return fmt.Errorf("invalid store %q (expected %s or %s)", c.Store, StoreRedis, StoreMemory)
	}
	if c.Mailbox.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	if c.Mailbox.DefaultCapacity < 2 || c.Mailbox.DefaultCapacity > 50 {
		return fmt.Errorf("default capacity %d outside 2..50", c.Mailbox.DefaultCapacity)
	}
	if c.Environment == EnvironmentProduction && c.JWTSecret == defaults().JWTSecret {
		return fmt.Errorf("JWT_SECRET must be set in production")
	}
	return nil
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, EnvironmentProduction)
}
