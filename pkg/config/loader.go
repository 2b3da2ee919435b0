package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Load reads the YAML file at path, expands environment variables, applies
// defaults for unset fields, validates the result, and returns the umbrella
// Config. A sibling ".env" file (if present) is loaded into the process
// environment first so ExpandEnv sees it.
func Load(path string) (*Config, error) {
	dir := filepath.Dir(path)
	envPath := filepath.Join(dir, ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("failed to load .env at %s: %w", envPath, err)
		}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	expanded := ExpandEnv(raw)

	cfg := Default()
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.configPath = dir

	if key := os.Getenv("LMX_ADMIN_KEY"); key != "" {
		cfg.Security.AdminKey = key
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Default returns a Config populated with documented defaults for every
// option group, prior to any YAML override being applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:              "0.0.0.0:8080",
			ShutdownGraceSec:        30,
			SSEHeartbeatIntervalSec: 30,
		},
		Models: ModelsConfig{
			CacheDir:         "./models",
			KeepAliveSeconds: 1800,
			LoaderTimeoutSec: 120,
			WarmupOnLoad:     true,
			PerModelCaps:     map[string]int{},
		},
		Memory: MemoryConfig{
			HighWatermarkPct: 90,
			PollIntervalSec:  5,
		},
		Routing: RoutingConfig{
			Aliases: map[string][]string{},
		},
		Security: SecurityConfig{
			MTLSMode:       "off",
			RateLimitRPS:   5,
			RateLimitBurst: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Agents: AgentsConfig{
			MaxQueueSize:         256,
			QueueBackend:         "badger",
			QueueDBPath:          "./data/run-queue",
			WorkerCount:          4,
			StepRetryAttempts:    2,
			RetainCompletedRuns:  500,
			DefaultTokenBudget:   100_000,
			DefaultCostBudgetUSD: 5.0,
		},
		Skills: SkillsConfig{
			ManifestDir:        "./skills",
			MaxConcurrentCalls: 8,
			DefaultTimeoutSec:  30,
			QueueBackend:       "local",
			QueueDBPath:        "./data/skill-queue",
			MaxQueueSize:       256,
			WorkerCount:        4,
		},
		Sandbox: SandboxConfig{
			Profile: "restricted",
		},
	}
}

// Validate checks cross-field invariants the loader cannot express as
// zero-value defaults alone.
func (c *Config) Validate() error {
	if c.Models.KeepAliveSeconds < 0 {
		return fmt.Errorf("models.keep_alive_seconds cannot be negative")
	}
	if c.Memory.HighWatermarkPct <= 0 || c.Memory.HighWatermarkPct > 100 {
		return fmt.Errorf("memory.high_watermark_pct must be in (0, 100]")
	}
	switch c.Security.MTLSMode {
	case "off", "optional", "required":
	default:
		return fmt.Errorf("security.mtls_mode must be one of off|optional|required, got %q", c.Security.MTLSMode)
	}
	if c.Agents.MaxQueueSize < 1 {
		return fmt.Errorf("agents.max_queue_size must be at least 1")
	}
	switch c.Agents.QueueBackend {
	case "memory", "badger":
	default:
		return fmt.Errorf("agents.queue_backend must be one of memory|badger, got %q", c.Agents.QueueBackend)
	}
	switch c.Skills.QueueBackend {
	case "local", "memory", "badger":
	default:
		return fmt.Errorf("skills.queue_backend must be one of local|memory|badger, got %q", c.Skills.QueueBackend)
	}
	switch c.Sandbox.Profile {
	case "trusted", "restricted", "strict":
	default:
		return fmt.Errorf("sandbox.profile must be one of trusted|restricted|strict, got %q", c.Sandbox.Profile)
	}
	return nil
}
