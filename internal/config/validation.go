package config

import "fmt"

// Validate checks the configuration values required to serve traffic.
// Returns the first violation found, wrapped around a sentinel error.
func (c *Config) Validate() error {
	if c.ModelName == "" {
		return fmt.Errorf("%w: model name must not be empty", ErrInvalidModelName)
	}
	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder model must not be empty", ErrInvalidEmbedderModel)
	}
	if c.EmbedDimension < 64 || c.EmbedDimension > 4096 {
		return fmt.Errorf("%w: dimension %d outside [64, 4096]", ErrInvalidEmbedDimension, c.EmbedDimension)
	}
	if c.RetrievalLimit < 1 || c.RetrievalLimit > 50 {
		return fmt.Errorf("%w: limit %d outside [1, 50]", ErrInvalidRetrievalLimit, c.RetrievalLimit)
	}
	if c.SimilarityFloor < 0 || c.SimilarityFloor >= 1 {
		return fmt.Errorf("%w: floor %v outside [0, 1)", ErrInvalidSimilarityFloor, c.SimilarityFloor)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("%w: ttl %v must be positive", ErrInvalidCacheTTL, c.CacheTTL)
	}
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host must not be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: port %d outside [1, 65535]", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidRedisAddr)
	}
	if len(c.Tools) == 0 {
		return ErrNoTools
	}
	return nil
}
