// Package config provides configuration management for cachesync.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultOrchestratorPort is the HTTP port the page process listens on.
	DefaultOrchestratorPort = 37801

	// DefaultWorkerPort is the HTTP/gRPC-health port the worker process
	// multiplexes with cmux.
	DefaultWorkerPort = 37802

	// DefaultSyncInterval is the BSE replay ticker period.
	DefaultSyncInterval = 30 * time.Second

	// DefaultLLMTimeout bounds the Search Orchestrator's LLM call.
	DefaultLLMTimeout = 60 * time.Second
)

// Config holds the application configuration, shared by both processes.
type Config struct {
	OrchestratorPort int    `yaml:"orchestrator_port"`
	WorkerPort       int    `yaml:"worker_port"`
	DataDir          string `yaml:"data_dir"`

	SupabaseURL             string `yaml:"supabase_url"`
	SupabaseKey             string `yaml:"supabase_key"`
	SupabaseEdgeFunctionURL string `yaml:"supabase_edge_function_url"`

	CacheWebhookURL       string `yaml:"cache_webhook_url"`
	CacheWebhookSecret    string `yaml:"cache_webhook_secret"`
	CacheSimilarityQuery  string `yaml:"cache_similarity_query"`
	CacheSimilarityAPIKey string `yaml:"cache_similarity_api_key"`
	CacheSyncIntervalSecs int    `yaml:"cache_sync_interval_secs"`

	RedisAddr string `yaml:"redis_addr"`

	LLMEndpoint string `yaml:"llm_endpoint"`
	LLMAPIKey   string `yaml:"llm_api_key"`

	// SimilarityDSN, if set, connects the Postgres store the Similarity
	// Cache Gateway uses for both its tiers. Empty disables the gateway
	// entirely: no similarity lookup runs.
	SimilarityDSN string `yaml:"similarity_dsn"`
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// DataDir returns the data directory path (~/.cachesync).
func DataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cachesync")
}

// SettingsPath returns the YAML config file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.yaml")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		OrchestratorPort:      DefaultOrchestratorPort,
		WorkerPort:            DefaultWorkerPort,
		DataDir:               DataDir(),
		CacheSyncIntervalSecs: int(DefaultSyncInterval.Seconds()),
		RedisAddr:             "localhost:6379",
	}
}

// SyncInterval returns the configured BSE replay period.
func (c *Config) SyncInterval() time.Duration {
	if c.CacheSyncIntervalSecs <= 0 {
		return DefaultSyncInterval
	}
	return time.Duration(c.CacheSyncIntervalSecs) * time.Second
}

// Load loads configuration: defaults, then the YAML settings file if
// present, then environment variable overrides.
func Load() (*Config, error) {
	cfg := Default()

	if data, err := os.ReadFile(SettingsPath()); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			log.Warn().Err(err).Msg("config: ignoring malformed settings file")
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SUPABASE_URL"); v != "" {
		cfg.SupabaseURL = v
	}
	if v := os.Getenv("SUPABASE_KEY"); v != "" {
		cfg.SupabaseKey = v
	}
	if v := os.Getenv("SUPABASE_EDGE_FUNCTION_URL"); v != "" {
		cfg.SupabaseEdgeFunctionURL = v
	}
	if v := os.Getenv("CACHE_WEBHOOK_URL"); v != "" {
		cfg.CacheWebhookURL = v
	}
	if v := os.Getenv("CACHE_WEBHOOK_SECRET"); v != "" {
		cfg.CacheWebhookSecret = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("CACHE_SIMILARITY_QUERY"); v != "" {
		cfg.CacheSimilarityQuery = v
	}
	if v := os.Getenv("CACHE_SIMILARITY_API_KEY"); v != "" {
		cfg.CacheSimilarityAPIKey = v
	}
	if v := os.Getenv("CACHE_SYNC_INTERVAL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.CacheSyncIntervalSecs = secs
		}
	}
	if v := os.Getenv("CACHE_SIMILARITY_DSN"); v != "" {
		cfg.SimilarityDSN = v
	}
	// SW_MINIFY is a build-time bundler flag in the original browser
	// extension with no process-level equivalent here; intentionally
	// not read.
}

// Get returns the global configuration, loading it if necessary.
func Get() *Config {
	configOnce.Do(func() {
		var err error
		globalConfig, err = Load()
		if err != nil {
			log.Warn().Err(err).Msg("config: load failed, using defaults")
			globalConfig = Default()
		}
	})

	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
