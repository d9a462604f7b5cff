// Package config loads server settings from file, environment and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "GLASSHUB"

// Directory sources.
const (
	SourceFile   = "file"
	SourceMongo  = "mongo"
	SourceMemory = "memory"
)

type Config struct {
	Server struct {
		Addr           string   `mapstructure:"addr"`
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	} `mapstructure:"server"`

	Session struct {
		ReconnectGrace    time.Duration `mapstructure:"reconnect_grace"`
		AudioBufferFrames int           `mapstructure:"audio_buffer_frames"`
	} `mapstructure:"session"`

	Display struct {
		Throttle     time.Duration `mapstructure:"throttle"`
		BootDuration time.Duration `mapstructure:"boot_duration"`
	} `mapstructure:"display"`

	Apps struct {
		ActivationTimeout time.Duration `mapstructure:"activation_timeout"`
		SystemPackage     string        `mapstructure:"system_package"`
	} `mapstructure:"apps"`

	Webhook struct {
		MaxAttempts    int           `mapstructure:"max_attempts"`
		BaseDelay      time.Duration `mapstructure:"base_delay"`
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
	} `mapstructure:"webhook"`

	Microphone struct {
		Debounce time.Duration `mapstructure:"debounce"`
	} `mapstructure:"microphone"`

	Auth struct {
		JWTSecret      string `mapstructure:"jwt_secret"`
		AllowAnonymous bool   `mapstructure:"allow_anonymous"`
	} `mapstructure:"auth"`

	Directory struct {
		Source string `mapstructure:"source"`
		File   string `mapstructure:"file"`
		Watch  bool   `mapstructure:"watch"`
	} `mapstructure:"directory"`

	Users struct {
		Source string `mapstructure:"source"`
	} `mapstructure:"users"`

	Mongo struct {
		URI              string        `mapstructure:"uri"`
		Database         string        `mapstructure:"database"`
		OperationTimeout time.Duration `mapstructure:"operation_timeout"`
		MinPoolSize      uint64        `mapstructure:"min_pool_size"`
		MaxPoolSize      uint64        `mapstructure:"max_pool_size"`
	} `mapstructure:"mongo"`

	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`

	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"metrics"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8420")
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("session.reconnect_grace", 5*time.Minute)
	v.SetDefault("session.audio_buffer_frames", 512)

	v.SetDefault("display.throttle", 200*time.Millisecond)
	v.SetDefault("display.boot_duration", 3*time.Second)

	v.SetDefault("apps.activation_timeout", 5*time.Second)
	v.SetDefault("apps.system_package", "org.augmentos.dashboard")

	v.SetDefault("webhook.max_attempts", 2)
	v.SetDefault("webhook.base_delay", time.Second)
	v.SetDefault("webhook.request_timeout", 5*time.Second)

	v.SetDefault("microphone.debounce", time.Second)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.allow_anonymous", false)

	v.SetDefault("directory.source", SourceFile)
	v.SetDefault("directory.file", "apps.toml")
	v.SetDefault("directory.watch", true)

	v.SetDefault("users.source", SourceMemory)

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "glasshub")
	v.SetDefault("mongo.operation_timeout", 5*time.Second)
	v.SetDefault("mongo.min_pool_size", 0)
	v.SetDefault("mongo.max_pool_size", 100)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("metrics.enabled", true)
}

// Load reads path when given, otherwise looks for glasshub.{yaml,toml,json}
// in the working directory and carries on with defaults if there is none.
// GLASSHUB_ environment variables override both, with dots as underscores.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		v.SetConfigName("glasshub")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	switch c.Directory.Source {
	case SourceFile, SourceMongo, SourceMemory:
	default:
		return fmt.Errorf("directory.source: unknown source %q", c.Directory.Source)
	}
	switch c.Users.Source {
	case SourceMongo, SourceMemory:
	default:
		return fmt.Errorf("users.source: unknown source %q", c.Users.Source)
	}
	if c.Webhook.MaxAttempts < 1 {
		return fmt.Errorf("webhook.max_attempts must be at least 1, got %d", c.Webhook.MaxAttempts)
	}
	if c.Session.AudioBufferFrames < 1 {
		return fmt.Errorf("session.audio_buffer_frames must be positive, got %d", c.Session.AudioBufferFrames)
	}
	return nil
}

// UsesMongo reports whether any store is backed by MongoDB.
func (c *Config) UsesMongo() bool {
	return c.Directory.Source == SourceMongo || c.Users.Source == SourceMongo
}
