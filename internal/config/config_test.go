package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, TierHobby, cfg.Tier)
	assert.Equal(t, 1, cfg.Engine.MaxConcurrent)
	assert.Equal(t, 2, cfg.Import.MaxConcurrent)
	assert.Equal(t, 1000, cfg.Import.SessionGameCap)
	assert.Equal(t, 3, cfg.Quota.AnonymousDailyCap)
}

func TestLoadFromYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
engine:
  executable_path: /opt/stockfish
  default_depth: 18
http:
  port: 9090
database_url: postgres://localhost/chessmirror_test
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/opt/stockfish", cfg.Engine.ExecutablePath)
	assert.Equal(t, 18, cfg.Engine.DefaultDepth)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	// Untouched fields keep their defaults.
	assert.Equal(t, 8, cfg.Engine.HashMB)
}

func TestEnvironmentWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  default_depth: 18\n"), 0o644))

	t.Setenv("CM_DEFAULT_DEPTH", "22")
	t.Setenv("CM_HTTP_PORT", "7070")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 22, cfg.Engine.DefaultDepth)
	assert.Equal(t, 7070, cfg.HTTP.Port)
}

func TestProTierRaisesLimits(t *testing.T) {
	t.Setenv("CM_TIER_PRESET", "pro")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, TierPro, cfg.Tier)
	assert.Equal(t, 128, cfg.Engine.HashMB)
	assert.Equal(t, 4, cfg.Engine.MaxConcurrent)
	assert.Equal(t, 5, cfg.Import.MaxConcurrent)
	assert.Equal(t, 5000, cfg.Import.SessionGameCap)
}

func TestValidateRejectsBrokenConfigs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown tier", func(c *Config) { c.Tier = "platinum" }},
		{"missing engine path", func(c *Config) { c.Engine.ExecutablePath = "" }},
		{"zero engine concurrency", func(c *Config) { c.Engine.MaxConcurrent = 0 }},
		{"zero cache ttl", func(c *Config) { c.CacheTTL = 0 }},
		{"zero import concurrency", func(c *Config) { c.Import.MaxConcurrent = 0 }},
		{"zero session cap", func(c *Config) { c.Import.SessionGameCap = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestCacheTTLFromEnvironment(t *testing.T) {
	t.Setenv("CM_CACHE_TTL_SECONDS", "900")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, cfg.CacheTTL)
}
