package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	Presence  PresenceConfig
	Store     StoreConfig
	Bus       BusConfig
	Signaling SignalingConfig
	Transport TransportConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address      string
	AllowOrigins string `mapstructure:"allowOrigins"`
}

type AuthConfig struct {
	JWTSecret  string `mapstructure:"jwtSecret"`
	CookieName string `mapstructure:"cookieName"`
}

type PresenceConfig struct {
	TTL               time.Duration `mapstructure:"ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeatInterval"`
	SweepInterval     time.Duration `mapstructure:"sweepInterval"`
	Retention         time.Duration `mapstructure:"retention"`
}

type StoreConfig struct {
	Driver   string        `mapstructure:"driver"` // "memory" or "redis"
	RedisURL string        `mapstructure:"redisURL"`
	Prefix   string        `mapstructure:"prefix"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type BusConfig struct {
	Driver        string `mapstructure:"driver"` // "local" or "nats"
	NATSURL       string `mapstructure:"natsURL"`
	SubjectPrefix string `mapstructure:"subjectPrefix"`
}

type SignalingConfig struct {
	NotifyUnavailable bool `mapstructure:"notifyUnavailable"`
}

type TransportConfig struct {
	SendBuffer  int `mapstructure:"sendBuffer"`
	HistorySize int `mapstructure:"historySize"`
}

type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from an optional yaml file and PELUSA_* environment
// variables. Extra search paths are tried after the working directory.
func Load(logger *slog.Logger, fileName string, paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix("PELUSA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		logger.Warn("Config file not found. relying on defaults/env vars", slog.String("name", fileName))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":3000")
	v.SetDefault("server.allowOrigins", "*")
	v.SetDefault("auth.jwtSecret", "default-secret-key-change-me")
	v.SetDefault("auth.cookieName", "token")
	v.SetDefault("presence.ttl", "60s")
	v.SetDefault("presence.heartbeatInterval", "25s")
	v.SetDefault("presence.sweepInterval", "5s")
	v.SetDefault("presence.retention", "10m")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.redisURL", "redis://localhost:6379/0")
	v.SetDefault("store.prefix", "{pelusa}")
	v.SetDefault("store.timeout", "2s")
	v.SetDefault("bus.driver", "local")
	v.SetDefault("bus.natsURL", "nats://localhost:4222")
	v.SetDefault("bus.subjectPrefix", "pelusa")
	v.SetDefault("signaling.notifyUnavailable", false)
	v.SetDefault("transport.sendBuffer", 64)
	v.SetDefault("transport.historySize", 50)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func (c *Config) Validate() error {
	p := c.Presence
	if p.TTL <= 0 {
		return errors.New("presence.ttl must be positive")
	}
	if p.HeartbeatInterval <= 0 || p.HeartbeatInterval >= p.TTL {
		return fmt.Errorf("presence.heartbeatInterval (%s) must be positive and shorter than presence.ttl (%s)", p.HeartbeatInterval, p.TTL)
	}
	if p.SweepInterval <= 0 {
		return errors.New("presence.sweepInterval must be positive")
	}
	if p.Retention < p.TTL {
		return fmt.Errorf("presence.retention (%s) must not be shorter than presence.ttl (%s)", p.Retention, p.TTL)
	}
	switch c.Store.Driver {
	case "memory":
	case "redis":
		if c.Store.Prefix != "" && !hasHashTag(c.Store.Prefix) {
			return fmt.Errorf("store.prefix %q must contain a {hash tag} so every key lands in one cluster slot", c.Store.Prefix)
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	switch c.Bus.Driver {
	case "local", "nats":
	default:
		return fmt.Errorf("unknown bus.driver %q", c.Bus.Driver)
	}
	if c.Transport.SendBuffer <= 0 {
		return errors.New("transport.sendBuffer must be positive")
	}
	return nil
}

// hasHashTag reports whether key carries a non-empty Redis Cluster hash tag.
func hasHashTag(key string) bool {
	open := strings.IndexByte(key, '{')
	if open < 0 {
		return false
	}
	end := strings.IndexByte(key[open+1:], '}')
	return end > 0
}
