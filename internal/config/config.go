// Package config loads application configuration from file, environment
// and defaults using Viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/trial-match-server/internal/domain"
)

// Manager loads and serves the application configuration.
type Manager struct {
	config *domain.Config
}

// NewManager creates a configuration manager and loads configuration.
func NewManager() (*Manager, error) {
	m := &Manager{}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

// loadConfig loads configuration from file, environment and defaults.
func (m *Manager) loadConfig() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/trial-match-server/")

	viper.SetEnvPrefix("TRIAL_MATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	m.setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; defaults and environment apply.
	}

	config := &domain.Config{}
	if err := viper.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.config = config
	return nil
}

func (m *Manager) setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.rate_limit_rps", 50)

	// Lexical index defaults
	viper.SetDefault("search.addresses", []string{"http://localhost:9200"})
	viper.SetDefault("search.index", "clinical_trials")
	viper.SetDefault("search.timeout", "10s")

	// Dense retrieval defaults; empty paths run lexical-only
	viper.SetDefault("dense.index_path", "")
	viper.SetDefault("dense.meta_path", "")
	viper.SetDefault("dense.encoder_url", "")
	viper.SetDefault("dense.encoder_model", "")
	viper.SetDefault("dense.timeout", "15s")

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.database", "clinical_trials")
	viper.SetDefault("database.username", "postgres")
	viper.SetDefault("database.password", "")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_conns", 25)
	viper.SetDefault("database.min_conns", 2)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("database.conn_max_idle", "10m")

	// Cache defaults
	viper.SetDefault("cache.redis_url", "redis://localhost:6379")
	viper.SetDefault("cache.enabled", false)
	viper.SetDefault("cache.default_ttl", "24h")
	viper.SetDefault("cache.max_retries", 3)
	viper.SetDefault("cache.pool_size", 10)
	viper.SetDefault("cache.pool_timeout", "4s")
	viper.SetDefault("cache.lru_size", 1024)

	// Concept linker defaults; empty base URL selects the stub
	viper.SetDefault("linker.base_url", "")
	viper.SetDefault("linker.timeout", "10s")

	// Synonym dictionary
	viper.SetDefault("synonyms.path", "data/synonyms.json")

	// Ranking pipeline defaults
	viper.SetDefault("ranking.candidate_size", 1000)
	viper.SetDefault("ranking.min_search_pool", 50)
	viper.SetDefault("ranking.feasibility_weight", 0.6)
	viper.SetDefault("ranking.rrf_k", 60)
	viper.SetDefault("ranking.parallelism", 8)

	// Feedback store defaults
	viper.SetDefault("feedback.backend", "sqlite")
	viper.SetDefault("feedback.sqlite_path", "data/feedback.db")
	viper.SetDefault("feedback.database_url", "")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")
}

// GetConfig returns the complete configuration.
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// GetServerConfig returns server configuration.
func (m *Manager) GetServerConfig() *domain.ServerConfig {
	return &m.config.Server
}

// GetSearchConfig returns lexical index configuration.
func (m *Manager) GetSearchConfig() *domain.SearchConfig {
	return &m.config.Search
}

// GetRankingConfig returns ranking pipeline configuration.
func (m *Manager) GetRankingConfig() *domain.RankingConfig {
	return &m.config.Ranking
}

// Reload reloads the configuration.
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// Validate checks the configuration for invalid combinations.
func (m *Manager) Validate() error {
	cfg := m.config

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if len(cfg.Search.Addresses) == 0 {
		return fmt.Errorf("at least one search address is required")
	}
	if cfg.Search.Index == "" {
		return fmt.Errorf("search index name is required")
	}
	if cfg.Ranking.FeasibilityWeight < 0 || cfg.Ranking.FeasibilityWeight > 1 {
		return fmt.Errorf("ranking feasibility_weight must be in [0, 1], got %g", cfg.Ranking.FeasibilityWeight)
	}
	if cfg.Ranking.CandidateSize <= 0 {
		return fmt.Errorf("ranking candidate_size must be positive, got %d", cfg.Ranking.CandidateSize)
	}
	if cfg.Ranking.RRFK <= 0 {
		return fmt.Errorf("ranking rrf_k must be positive, got %d", cfg.Ranking.RRFK)
	}
	switch cfg.Feedback.Backend {
	case "sqlite", "postgres", "":
	default:
		return fmt.Errorf("feedback backend must be sqlite or postgres, got %q", cfg.Feedback.Backend)
	}
	if (cfg.Dense.IndexPath == "") != (cfg.Dense.MetaPath == "") {
		return fmt.Errorf("dense index_path and meta_path must be set together")
	}
	return nil
}
