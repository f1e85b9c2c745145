// Package config handles loading and validating gateway configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level configuration for the xjp gateway.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Store    StoreConfig    `koanf:"store"`
	Registry RegistryConfig `koanf:"registry"`
	Log      LogConfig      `koanf:"log"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	IdleTimeout  time.Duration `koanf:"idle_timeout"`
}

// StoreConfig holds the SQLite persistence settings.
type StoreConfig struct {
	DSN string `koanf:"dsn"`
}

// RegistryConfig points at the model-registry TOML file.
type RegistryConfig struct {
	Path string `koanf:"path"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level string `koanf:"level"`
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  90 * time.Second,
		},
		Store:    StoreConfig{DSN: "xjp.db"},
		Registry: RegistryConfig{Path: "config/xjp.example.toml"},
		Log:      LogConfig{Level: "info"},
	}
}

// Load reads configuration from a TOML file, layers environment variable
// overrides on top, and returns a fully populated Config. If path does
// not exist, defaults are used and only env overrides apply.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
				return nil, fmt.Errorf("config: loading %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	// XJP_SERVER_PORT -> server.port
	if err := k.Load(env.Provider("XJP_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "XJP_")), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("config: loading env vars: %w", err)
	}

	cfg := defaultConfig()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling: %w", err)
	}

	// Bare PORT, the deploy-platform convention (Heroku/Render/Fly and
	// similar), takes precedence over both the file and XJP_SERVER_PORT.
	if raw := os.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("config: parsing PORT: %w", err)
		}
		cfg.Server.Port = port
	}

	return &cfg, nil
}
