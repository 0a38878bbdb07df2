package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/aussiebroadwan/authcore/pkg/httpx"
	"github.com/aussiebroadwan/authcore/pkg/jwtx"
	"github.com/aussiebroadwan/authcore/pkg/slogx"
	"go.opentelemetry.io/otel"
)

// Pinger is anything readyz can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// KeySource is what the key endpoints need from the token service.
type KeySource interface {
	JWKS(ctx context.Context) (jwtx.JWKS, error)
	Ready(ctx context.Context) error
}

// Router holds shared dependencies for HTTP handlers.
type Router struct {
	Mux         *http.ServeMux
	middlewares []httpx.Middleware

	buildVersion string
	startTime    time.Time
	logger       *slog.Logger

	Keys         KeySource
	Database     Pinger
	RefreshStore Pinger // optional, set when refresh tokens live in redis

	// JWKSLimit throttles the public key endpoint per client IP.
	JWKSLimit httpx.RateLimitConfig
}

func NewRouter(keys KeySource, db Pinger, buildVersion string, logger *slog.Logger) *Router {
	r := &Router{
		Mux:          http.NewServeMux(),
		Keys:         keys,
		Database:     db,
		buildVersion: buildVersion,
		startTime:    time.Now(),
		logger:       logger,
		JWKSLimit:    httpx.PublicLimit,
	}

	// Set default middleware chain
	r.middlewares = []httpx.Middleware{
		httpx.Tracing(otel.Tracer("github.com/aussiebroadwan/authcore/internal/auth/http")),
		slogx.HTTPMiddleware(r.logger),
	}

	return r
}

func (r *Router) ApplyRoutes() {
	r.registerKeys()
	r.registerSystem()
}

// ServeHTTP implements http.Handler for Router and applies the global middleware chain.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	httpx.Chain(r.Mux, r.middlewares...).ServeHTTP(w, req)
}

func (r *Router) registerKeys() {
	// GET /jwks.json - public endpoint with high limit
	r.Mux.Handle("GET /.well-known/jwks.json",
		httpx.Chain(JWKSHandler(r.Keys),
			httpx.RateLimitByIP(r.JWKSLimit),
		),
	)
}

func (r *Router) registerSystem() {
	// Health check endpoints - lenient rate limits (monitoring systems may poll frequently)
	r.Mux.Handle("GET /livez",
		httpx.Chain(LivezHandler(r.startTime, r.buildVersion),
			httpx.RateLimitByIP(httpx.LenientLimit),
		),
	)
	r.Mux.Handle("GET /readyz",
		httpx.Chain(ReadyzHandler(r.startTime, r.buildVersion, r.Database, r.RefreshStore, r.Keys),
			httpx.RateLimitByIP(httpx.LenientLimit),
		),
	)
}
