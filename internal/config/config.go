// Package config provides application configuration with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (SHOPMIND_* prefix, runtime override)
//  2. Config file (./shopmind.yaml or path from SHOPMIND_CONFIG)
//  3. Default values
//
// Main categories:
//   - AI: generation/embedding model selection
//   - Retrieval: result limit, similarity floor, candidate pool
//   - Cache: response cache TTL, embedding cache sizing
//   - Storage: PostgreSQL and Redis connections (see storage.go)
//   - Tools: recognized tool names
//
// Validation lives in validation.go with sentinel errors so callers can use
// errors.Is().
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrInvalidModelName indicates the generation model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidEmbedderModel indicates the embedder model is invalid.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidEmbedDimension indicates the embedding dimension is out of range.
	ErrInvalidEmbedDimension = errors.New("invalid embedding dimension")

	// ErrInvalidRetrievalLimit indicates the retrieval limit is out of range.
	ErrInvalidRetrievalLimit = errors.New("invalid retrieval limit")

	// ErrInvalidSimilarityFloor indicates the similarity floor is out of [0,1).
	ErrInvalidSimilarityFloor = errors.New("invalid similarity floor")

	// ErrInvalidCacheTTL indicates the response cache TTL is not positive.
	ErrInvalidCacheTTL = errors.New("invalid cache TTL")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is missing.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidRedisAddr indicates the Redis address is missing.
	ErrInvalidRedisAddr = errors.New("invalid Redis address")

	// ErrNoTools indicates the recognized tool list is empty.
	ErrNoTools = errors.New("no recognized tools configured")
)

// Defaults applied when neither the environment nor the config file provides
// a value.
const (
	// DefaultEmbedderModel is the default embedding model identifier.
	DefaultEmbedderModel = "gemini-embedding-001"

	// DefaultEmbedDimension matches the pgvector column width in the schema.
	// gemini-embedding-001 supports truncation via OutputDimensionality.
	DefaultEmbedDimension = 768

	// DefaultRetrievalLimit caps ranked context items per query.
	DefaultRetrievalLimit = 6

	// DefaultSimilarityFloor is below which vector matches are treated as
	// noise. Tunable: the right value depends on the embedding model.
	DefaultSimilarityFloor = 0.25

	// DefaultCacheTTL is how long a cached response stays servable.
	DefaultCacheTTL = 30 * time.Minute

	// DefaultEmbedCacheSize bounds the in-process embedding cache.
	DefaultEmbedCacheSize = 512

	// DefaultEmbedCacheTTL expires embedding cache entries.
	DefaultEmbedCacheTTL = 5 * time.Minute

	// DefaultEmbedTimeout bounds a single upstream embedding call.
	DefaultEmbedTimeout = 10 * time.Second
)

// Config stores application configuration.
type Config struct {
	// AI model configuration
	Provider       string `mapstructure:"provider"`        // "googleai" (default) or "ollama"
	ModelName      string `mapstructure:"model_name"`      // generation model, e.g. "googleai/gemini-2.5-flash"
	EmbedderModel  string `mapstructure:"embedder_model"`  // embedding model identifier
	EmbedDimension int    `mapstructure:"embed_dimension"` // fixed embedding vector length
	OllamaHost     string `mapstructure:"ollama_host"`     // only used when provider is "ollama"

	// Retrieval tuning
	RetrievalLimit  int     `mapstructure:"retrieval_limit"`
	SimilarityFloor float64 `mapstructure:"similarity_floor"`

	// Response cache
	CacheTTL time.Duration `mapstructure:"cache_ttl"`

	// Embedding cache
	EmbedCacheSize int           `mapstructure:"embed_cache_size"`
	EmbedCacheTTL  time.Duration `mapstructure:"embed_cache_ttl"`
	EmbedTimeout   time.Duration `mapstructure:"embed_timeout"`

	// Recognized tool names (allow list for tool dispatch)
	Tools []string `mapstructure:"tools"`

	// PostgreSQL connection (see storage.go for DSN helpers)
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDBName   string `mapstructure:"postgres_dbname"`
	PostgresSSLMode  string `mapstructure:"postgres_sslmode"`

	// Redis connection (response cache)
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	// HTTP server
	ListenAddr string `mapstructure:"listen_addr"`

	// Logging
	LogLevel string `mapstructure:"log_level"` // debug|info|warn|error
	LogJSON  bool   `mapstructure:"log_json"`
}

// Load reads configuration from defaults, an optional config file, and the
// environment.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("shopmind")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/shopmind")

	v.SetEnvPrefix("SHOPMIND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults + env suffice.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, err
	}
	if err := cfg.parseRedisURL(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults registers default values for all configuration keys.
func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", "googleai")
	v.SetDefault("model_name", "googleai/gemini-2.5-flash")
	v.SetDefault("embedder_model", DefaultEmbedderModel)
	v.SetDefault("embed_dimension", DefaultEmbedDimension)
	v.SetDefault("ollama_host", "http://localhost:11434")

	v.SetDefault("retrieval_limit", DefaultRetrievalLimit)
	v.SetDefault("similarity_floor", DefaultSimilarityFloor)

	v.SetDefault("cache_ttl", DefaultCacheTTL)
	v.SetDefault("embed_cache_size", DefaultEmbedCacheSize)
	v.SetDefault("embed_cache_ttl", DefaultEmbedCacheTTL)
	v.SetDefault("embed_timeout", DefaultEmbedTimeout)

	v.SetDefault("tools", []string{"apply_filter", "navigate", "cart_add"})

	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "shopmind")
	v.SetDefault("postgres_password", "")
	v.SetDefault("postgres_dbname", "shopmind")
	v.SetDefault("postgres_sslmode", "disable")

	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)

	v.SetDefault("listen_addr", ":8080")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
}
