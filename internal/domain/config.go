package domain

import "time"

// Config is the complete application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Search   SearchConfig   `mapstructure:"search"`
	Dense    DenseConfig    `mapstructure:"dense"`
	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Linker   LinkerConfig   `mapstructure:"linker"`
	Synonyms SynonymsConfig `mapstructure:"synonyms"`
	Ranking  RankingConfig  `mapstructure:"ranking"`
	Feedback FeedbackConfig `mapstructure:"feedback"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	RateLimitRPS float64       `mapstructure:"rate_limit_rps"`
}

// SearchConfig holds lexical (Elasticsearch) index settings.
type SearchConfig struct {
	Addresses []string      `mapstructure:"addresses"`
	Index     string        `mapstructure:"index"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// DenseConfig holds dense retrieval artifacts and encoder settings.
type DenseConfig struct {
	IndexPath    string        `mapstructure:"index_path"`
	MetaPath     string        `mapstructure:"meta_path"`
	EncoderURL   string        `mapstructure:"encoder_url"`
	EncoderModel string        `mapstructure:"encoder_model"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig holds relational store settings.
type DatabaseConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Database    string        `mapstructure:"database"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	SSLMode     string        `mapstructure:"ssl_mode"`
	MaxConns    int32         `mapstructure:"max_conns"`
	MinConns    int32         `mapstructure:"min_conns"`
	MaxConnLife time.Duration `mapstructure:"conn_max_lifetime"`
	MaxConnIdle time.Duration `mapstructure:"conn_max_idle"`
}

// CacheConfig holds Redis cache settings for external client responses.
type CacheConfig struct {
	RedisURL    string        `mapstructure:"redis_url"`
	Enabled     bool          `mapstructure:"enabled"`
	DefaultTTL  time.Duration `mapstructure:"default_ttl"`
	MaxRetries  int           `mapstructure:"max_retries"`
	PoolSize    int           `mapstructure:"pool_size"`
	PoolTimeout time.Duration `mapstructure:"pool_timeout"`
	LRUSize     int           `mapstructure:"lru_size"`
}

// LinkerConfig holds concept linker settings. An empty BaseURL selects the
// stub linker.
type LinkerConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SynonymsConfig locates the synonym dictionary.
type SynonymsConfig struct {
	Path string `mapstructure:"path"`
}

// RankingConfig holds ranking pipeline defaults.
type RankingConfig struct {
	CandidateSize     int     `mapstructure:"candidate_size"`
	MinSearchPool     int     `mapstructure:"min_search_pool"`
	FeasibilityWeight float64 `mapstructure:"feasibility_weight"`
	RRFK              int     `mapstructure:"rrf_k"`
	Parallelism       int     `mapstructure:"parallelism"`
}

// FeedbackConfig selects the clinician feedback store backend.
type FeedbackConfig struct {
	Backend     string `mapstructure:"backend"` // "sqlite" or "postgres"
	SQLitePath  string `mapstructure:"sqlite_path"`
	DatabaseURL string `mapstructure:"database_url"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
