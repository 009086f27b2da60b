package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8070", cfg.ListenAddr())
	assert.Equal(t, "docker", cfg.Backend.Name)
	assert.Equal(t, 30000, cfg.Limits.DefaultTimeoutMS)
	assert.Equal(t, 10, cfg.Limits.MaxSandboxes)
	assert.Equal(t, 8071, cfg.Ports.First)
	assert.Equal(t, 8170, cfg.Ports.Last)
	assert.Equal(t, "http://127.0.0.1:8070", cfg.PublicBase())
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voidrun.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
host = "0.0.0.0"
port = 9090

[backend]
name = "procjail"
jail_root = "/var/tmp/jails"

[limits]
max_sandboxes = 3

[ports]
first = 10000
last = 10010

[log]
level = "debug"
format = "json"
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.ListenAddr())
	assert.Equal(t, "procjail", cfg.Backend.Name)
	assert.Equal(t, "/var/tmp/jails", cfg.Backend.JailRoot)
	assert.Equal(t, 3, cfg.Limits.MaxSandboxes)
	assert.Equal(t, 10000, cfg.Ports.First)
	// Sections absent from the file keep their defaults.
	assert.Equal(t, 30000, cfg.Limits.DefaultTimeoutMS)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VOIDRUN_PORT", "9999")
	t.Setenv("VOIDRUN_BACKEND", "procjail")
	t.Setenv("VOIDRUN_MAX_SANDBOXES", "2")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "procjail", cfg.Backend.Name)
	assert.Equal(t, 2, cfg.Limits.MaxSandboxes)
}

func TestValidateRejects(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.Server.Port = -1 },
		func(c *Config) { c.Backend.Name = "firecracker" },
		func(c *Config) { c.Ports.First = 9000; c.Ports.Last = 8000 },
		func(c *Config) { c.Limits.MaxTimeoutMS = 1 },
		func(c *Config) { c.Limits.MaxMemoryMB = 1 },
	}
	for i, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), "case %d", i)
	}
}

func TestBadTOMLFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("server = not-toml"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}
