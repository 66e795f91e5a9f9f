package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/shopmind/shopmind/internal/knowledge"
)

// ServerConfig contains configuration for creating the API server.
type ServerConfig struct {
	Logger         *slog.Logger
	Runner         TurnRunner       // Required: executes chat turns
	KnowledgeStore *knowledge.Store // Optional: nil disables knowledge management API
	Pool           *pgxpool.Pool    // Optional: nil skips the postgres readiness check
	Redis          *redis.Client    // Optional: nil skips the redis readiness check
	TrustProxy     bool             // Trust X-Real-IP/X-Forwarded-For headers (behind reverse proxy)
	RateBurst      int              // Rate limiter burst size per IP (0 = default 60)
}

// Server is the JSON/SSE API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates a new API server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Runner == nil {
		return nil, errors.New("turn runner is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ch := &chatHandler{runner: cfg.Runner, logger: logger}

	mux := http.NewServeMux()

	// Chat
	mux.HandleFunc("POST /api/v1/chat/stream", ch.stream)

	// Knowledge management (optional — only registered if store is provided)
	if cfg.KnowledgeStore != nil {
		kh := &knowledgeHandler{store: cfg.KnowledgeStore, logger: logger}
		mux.HandleFunc("GET /api/v1/knowledge", kh.listKnowledge)
		mux.HandleFunc("GET /api/v1/knowledge/{id}", kh.getKnowledge)
		mux.HandleFunc("DELETE /api/v1/knowledge/{id}", kh.deleteKnowledge)
		mux.HandleFunc("DELETE /api/v1/knowledge", kh.deleteAllKnowledge)
	}

	// Rate limiter: per-IP token bucket (1 token/sec refill)
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newRateLimiter(1.0, burst)

	// Build middleware stack (outermost first):
	//   Recovery → RequestID → Logging → RateLimit → Routes
	// RequestID must be before Logging so request_id is available in log attributes.
	var handler http.Handler = mux
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Top-level mux keeps health probes outside the middleware stack so
	// kubelet probes never hit the rate limiter.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health)
	topMux.Handle("GET /ready", readiness(cfg.Pool, cfg.Redis))
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
