package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Port   int    `mapstructure:"port"`
	Origin string `mapstructure:"origin"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type TavusConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Multiplier     float64       `mapstructure:"multiplier"`
	Jitter         float64       `mapstructure:"jitter"`
}

type LogConfig struct {
	Mode string `mapstructure:"mode"` // "prod" or "dev"
}

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Tavus   TavusConfig   `mapstructure:"tavus"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Log     LogConfig     `mapstructure:"log"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("brevedu")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.brevedu")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.origin", "http://localhost:8080")
	v.SetDefault("storage.db_path", filepath.Join(os.Getenv("HOME"), ".brevedu", "brevedu.db"))
	v.SetDefault("tavus.base_url", "https://tavusapi.com")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff", time.Second)
	v.SetDefault("retry.max_backoff", 10*time.Second)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter", 0.1)
	v.SetDefault("log.mode", "prod")

	if err := v.ReadInConfig(); err != nil {
		// A missing file means defaults; a malformed file is an error.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Expand environment variables in the API key
	cfg.Tavus.APIKey = expandEnv(cfg.Tavus.APIKey)

	return &cfg, nil
}

func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	return s
}
