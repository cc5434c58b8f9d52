package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// TierPreset names a bundle of resource limits selected at startup.
type TierPreset string

const (
	TierHobby TierPreset = "hobby"
	TierPro   TierPreset = "pro"
)

// EngineConfig holds chess engine subprocess settings.
type EngineConfig struct {
	ExecutablePath   string  `yaml:"executable_path"`
	HashMB           int     `yaml:"hash_mb"`
	Threads          int     `yaml:"threads"`
	MaxConcurrent    int     `yaml:"max_concurrent"`
	DefaultDepth     int     `yaml:"default_depth"`
	DefaultMoveTime  float64 `yaml:"default_time_seconds"`
	SkillLevel       int     `yaml:"skill_level"`
}

// ImportConfig holds importer limits.
type ImportConfig struct {
	MaxConcurrent  int `yaml:"max_concurrent"`
	SessionGameCap int `yaml:"session_game_cap"`
}

// QuotaConfig holds tenant quota windows.
type QuotaConfig struct {
	AnonymousDailyCap   int `yaml:"anonymous_daily_cap"`
	FreeTierMonthlyCap  int `yaml:"free_tier_monthly_cap"`
}

// HTTPConfig holds server bind settings.
type HTTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Config is the composition-root configuration. Loaded once at startup;
// components receive explicit handles, never globals.
type Config struct {
	Tier     TierPreset   `yaml:"tier_preset"`
	Engine   EngineConfig `yaml:"engine"`
	Import   ImportConfig `yaml:"import"`
	Quota    QuotaConfig  `yaml:"quota"`
	HTTP     HTTPConfig   `yaml:"http"`
	DatabaseURL string    `yaml:"database_url"`
	RedisAddr   string    `yaml:"redis_addr"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	Debug       bool      `yaml:"debug"`
}

// Default returns the hobby-tier baseline sized for a memory-constrained
// deployment (peak under 400 MB with two concurrent imports and one engine).
func Default() Config {
	return Config{
		Tier: TierHobby,
		Engine: EngineConfig{
			ExecutablePath:  "/usr/bin/stockfish",
			HashMB:          8,
			Threads:         1,
			MaxConcurrent:   1,
			DefaultDepth:    12,
			DefaultMoveTime: 0.5,
			SkillLevel:      20,
		},
		Import: ImportConfig{
			MaxConcurrent:  2,
			SessionGameCap: 1000,
		},
		Quota: QuotaConfig{
			AnonymousDailyCap:  3,
			FreeTierMonthlyCap: 100,
		},
		HTTP: HTTPConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		CacheTTL: 20 * time.Minute,
	}
}

// applyTier overrides resource limits for the selected preset.
func (c *Config) applyTier() {
	switch c.Tier {
	case TierPro:
		c.Engine.HashMB = 128
		c.Engine.Threads = 2
		c.Engine.MaxConcurrent = 4
		c.Import.MaxConcurrent = 5
		c.Import.SessionGameCap = 5000
	case TierHobby:
		// Defaults already match the hobby preset.
	}
}

// Load builds the configuration from an optional YAML file overlaid with
// environment variables. Environment wins over file, file over defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if v := os.Getenv("CM_TIER_PRESET"); v != "" {
		cfg.Tier = TierPreset(v)
	}
	cfg.applyTier()

	if v := os.Getenv("CM_ENGINE_PATH"); v != "" {
		cfg.Engine.ExecutablePath = v
	}
	overrideInt("CM_ENGINE_HASH_MB", &cfg.Engine.HashMB)
	overrideInt("CM_ENGINE_THREADS", &cfg.Engine.Threads)
	overrideInt("CM_ENGINE_CONCURRENCY", &cfg.Engine.MaxConcurrent)
	overrideInt("CM_DEFAULT_DEPTH", &cfg.Engine.DefaultDepth)
	overrideFloat("CM_DEFAULT_TIME_SECONDS", &cfg.Engine.DefaultMoveTime)
	overrideInt("CM_MAX_CONCURRENT_IMPORTS", &cfg.Import.MaxConcurrent)
	overrideInt("CM_SESSION_IMPORT_CAP", &cfg.Import.SessionGameCap)
	overrideInt("CM_ANONYMOUS_DAILY_CAP", &cfg.Quota.AnonymousDailyCap)
	overrideInt("CM_FREE_TIER_MONTHLY_CAP", &cfg.Quota.FreeTierMonthlyCap)

	if v := os.Getenv("CM_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("CM_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("CM_CACHE_TTL_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.CacheTTL = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("CM_HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.Port = p
		}
	}
	if v := os.Getenv("CM_DEBUG"); v == "1" || v == "true" {
		cfg.Debug = true
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations that would fail at runtime.
func (c *Config) Validate() error {
	if c.Tier != TierHobby && c.Tier != TierPro {
		return fmt.Errorf("unknown tier preset %q", c.Tier)
	}
	if c.Engine.ExecutablePath == "" {
		return fmt.Errorf("engine executable path is required")
	}
	if c.Engine.MaxConcurrent < 1 {
		return fmt.Errorf("engine concurrency must be >= 1, got %d", c.Engine.MaxConcurrent)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache TTL must be positive, got %v", c.CacheTTL)
	}
	if c.Import.MaxConcurrent < 1 {
		return fmt.Errorf("import concurrency must be >= 1, got %d", c.Import.MaxConcurrent)
	}
	if c.Import.SessionGameCap < 1 {
		return fmt.Errorf("session import cap must be >= 1, got %d", c.Import.SessionGameCap)
	}
	return nil
}

func overrideInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func overrideFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
