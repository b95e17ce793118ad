// Package config loads cascade engine configuration from a TOML file
// with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config is the full engine configuration.
type Config struct {
	Engine    EngineConfig              `toml:"engine"`
	Backend   BackendConfig             `toml:"backend"`
	Tiers     map[string][]string       `toml:"tiers"`     // "1" -> model chain
	RateLimit map[string]ProviderLimits `toml:"ratelimit"` // provider -> budgets
	Costs     map[string]float64        `toml:"costs"`     // model -> $ per 1K tokens
	Store     StoreConfig               `toml:"store"`
	Observer  ObserverConfig            `toml:"observer"`
}

// EngineConfig holds the executor and filesystem settings.
type EngineConfig struct {
	MaxConcurrency       int     `toml:"max_concurrency"`
	GlobalTimeoutSeconds float64 `toml:"global_timeout_seconds"`
	PromptsDir           string  `toml:"prompts_dir"`
	RunsDir              string  `toml:"runs_dir"`
	ArtifactsDir         string  `toml:"artifacts_dir"`
	CheckpointDir        string  `toml:"checkpoint_dir"`
	StatsFile            string  `toml:"stats_file"`
}

// BackendConfig selects the chat backend.
type BackendConfig struct {
	Provider string `toml:"provider"` // e.g. "openai"
	BaseURL  string `toml:"base_url"`
	APIKey   string `toml:"api_key"`
}

// ProviderLimits overrides the default rate budgets for one provider.
type ProviderLimits struct {
	RPM int `toml:"rpm"`
	TPM int `toml:"tpm"`
}

// StoreConfig selects the run-record store.
type StoreConfig struct {
	Driver string `toml:"driver"` // "sqlite" or "postgres"
	Path   string `toml:"path"`   // sqlite file path
	DSN    string `toml:"dsn"`    // postgres connection string
}

// ObserverConfig toggles OTEL observability.
type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			MaxConcurrency: 10,
			PromptsDir:     "prompts",
			RunsDir:        "runs",
			ArtifactsDir:   "artifacts",
		},
		Store: StoreConfig{Driver: "sqlite", Path: "cascade.db"},
	}
}

// Load reads configuration from path (TOML), falling back to defaults
// for absent values, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if cfg.Engine.MaxConcurrency <= 0 {
		cfg.Engine.MaxConcurrency = 10
	}
	return cfg, nil
}

// LoadDefaultPath loads from CASCADE_CONFIG, then ./cascade.toml, then
// ~/.config/cascade/config.toml; a missing file is not an error.
func LoadDefaultPath() (Config, error) {
	if p := os.Getenv("CASCADE_CONFIG"); p != "" {
		return Load(p)
	}
	for _, p := range candidatePaths() {
		if _, err := os.Stat(p); err == nil {
			return Load(p)
		}
	}
	return Load("")
}

func candidatePaths() []string {
	paths := []string{"cascade.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "cascade", "config.toml"))
	}
	return paths
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CASCADE_API_KEY"); v != "" {
		cfg.Backend.APIKey = v
	}
	if v := os.Getenv("CASCADE_BASE_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("CASCADE_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("CASCADE_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.MaxConcurrency = n
		}
	}
	if v := os.Getenv("CASCADE_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}
}

// TierChains converts the string-keyed tier table into the int-keyed form
// the router expects. Malformed keys are reported, not skipped.
func (c Config) TierChains() (map[int][]string, error) {
	chains := make(map[int][]string, len(c.Tiers))
	for key, models := range c.Tiers {
		tier, err := strconv.Atoi(key)
		if err != nil || tier < 0 || tier > 5 {
			return nil, fmt.Errorf("invalid tier key %q", key)
		}
		chains[tier] = models
	}
	return chains, nil
}
