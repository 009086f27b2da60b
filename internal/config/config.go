// Package config loads service configuration from a TOML file and VOIDRUN_*
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pelletier/go-toml/v2"
)

// Config is the full configuration surface of the server.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Backend BackendConfig `toml:"backend"`
	Limits  LimitsConfig  `toml:"limits"`
	Ports   PortsConfig   `toml:"ports"`
	Log     LogConfig     `toml:"log"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
	// PublicBase overrides the synthesised deployment URL base.
	PublicBase string `toml:"public_base"`
	// CleanupIntervalSec is the janitor sweep period.
	CleanupIntervalSec int `toml:"cleanup_interval_sec"`
}

type BackendConfig struct {
	// Name selects the isolation backend: "docker" or "procjail".
	Name string `toml:"name"`
	// JailRoot is the base dir for procjail sandbox directories.
	JailRoot string `toml:"jail_root"`
}

type LimitsConfig struct {
	DefaultTimeoutMS int `toml:"default_timeout_ms"`
	MaxTimeoutMS     int `toml:"max_timeout_ms"`
	DefaultMemoryMB  int `toml:"default_memory_mb"`
	MaxMemoryMB      int `toml:"max_memory_mb"`
	MaxSandboxes     int `toml:"max_sandboxes"`
}

type PortsConfig struct {
	First int `toml:"first"`
	Last  int `toml:"last"`
}

type LogConfig struct {
	Level string `toml:"level"`
	// Format is "console" or "json".
	Format string `toml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:               "127.0.0.1",
			Port:               8070,
			CleanupIntervalSec: 300,
		},
		Backend: BackendConfig{
			Name:     "docker",
			JailRoot: "/tmp",
		},
		Limits: LimitsConfig{
			DefaultTimeoutMS: 30000,
			MaxTimeoutMS:     3600000,
			DefaultMemoryMB:  256,
			MaxMemoryMB:      2048,
			MaxSandboxes:     10,
		},
		Ports: PortsConfig{
			First: 8071,
			Last:  8170,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads the optional TOML file at path, then applies environment
// overrides, then validates. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr("VOIDRUN_HOST", &c.Server.Host)
	envInt("VOIDRUN_PORT", &c.Server.Port)
	envStr("VOIDRUN_PUBLIC_BASE", &c.Server.PublicBase)
	envInt("VOIDRUN_CLEANUP_INTERVAL_SEC", &c.Server.CleanupIntervalSec)
	envStr("VOIDRUN_BACKEND", &c.Backend.Name)
	envStr("VOIDRUN_JAIL_ROOT", &c.Backend.JailRoot)
	envInt("VOIDRUN_DEFAULT_TIMEOUT_MS", &c.Limits.DefaultTimeoutMS)
	envInt("VOIDRUN_MAX_TIMEOUT_MS", &c.Limits.MaxTimeoutMS)
	envInt("VOIDRUN_DEFAULT_MEMORY_MB", &c.Limits.DefaultMemoryMB)
	envInt("VOIDRUN_MAX_MEMORY_MB", &c.Limits.MaxMemoryMB)
	envInt("VOIDRUN_MAX_SANDBOXES", &c.Limits.MaxSandboxes)
	envInt("VOIDRUN_PORT_RANGE_FIRST", &c.Ports.First)
	envInt("VOIDRUN_PORT_RANGE_LAST", &c.Ports.Last)
	envStr("VOIDRUN_LOG_LEVEL", &c.Log.Level)
	envStr("VOIDRUN_LOG_FORMAT", &c.Log.Format)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate rejects unusable configurations.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Backend.Name != "docker" && c.Backend.Name != "procjail" {
		return fmt.Errorf("unknown backend %q", c.Backend.Name)
	}
	if c.Ports.First <= 0 || c.Ports.Last < c.Ports.First {
		return fmt.Errorf("invalid port range %d-%d", c.Ports.First, c.Ports.Last)
	}
	if c.Limits.MaxTimeoutMS < c.Limits.DefaultTimeoutMS {
		return fmt.Errorf("max_timeout_ms below default_timeout_ms")
	}
	if c.Limits.MaxMemoryMB < c.Limits.DefaultMemoryMB {
		return fmt.Errorf("max_memory_mb below default_memory_mb")
	}
	return nil
}

// PublicBase returns the externally visible URL base for deployment links.
func (c *Config) PublicBase() string {
	if c.Server.PublicBase != "" {
		return c.Server.PublicBase
	}
	return fmt.Sprintf("http://%s:%d", c.Server.Host, c.Server.Port)
}

// ListenAddr returns the host:port string the server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
