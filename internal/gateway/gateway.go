package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/crosslogic/usage-meter/internal/config"
	"github.com/crosslogic/usage-meter/internal/ledger"
	"github.com/crosslogic/usage-meter/internal/metering"
	"github.com/crosslogic/usage-meter/pkg/cache"
)

// Readiness is anything that can report whether its backends are reachable.
type Readiness interface {
	Health(ctx context.Context) error
}

// Options configures the HTTP surface.
type Options struct {
	AdminToken     string
	AccountHeader  string
	CORSOrigins    []string
	RequestTimeout time.Duration
	MetricsPath    string

	// RequestsPerMinute caps requests per account. Zero disables the limit.
	RequestsPerMinute int
}

// OptionsFromConfig maps the service configuration onto gateway options.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		AdminToken:     cfg.Security.AdminAPIToken,
		AccountHeader:  cfg.Security.AccountHeader,
		CORSOrigins:    cfg.Server.CORSOrigins,
		RequestTimeout: cfg.Server.WriteTimeout,
		MetricsPath:    cfg.Monitoring.MetricsPath,
	}
	if cfg.RateLimit.Enabled {
		opts.RequestsPerMinute = cfg.RateLimit.RequestsPerMinute
	}
	return opts
}

// Gateway serves the metering API
type Gateway struct {
	opts        Options
	engine      *metering.Engine
	ready       Readiness
	retention   *ledger.RetentionJob
	rateLimiter *RateLimiter
	router      *chi.Mux
	logger      *zap.Logger
	now         func() time.Time
}

// NewGateway wires the routes. ready, retention and c may be nil: readiness
// then always succeeds, the retention endpoint answers 404 and requests are
// not rate limited.
func NewGateway(opts Options, engine *metering.Engine, ready Readiness, retention *ledger.RetentionJob, c *cache.Cache, logger *zap.Logger) *Gateway {
	if opts.AccountHeader == "" {
		opts.AccountHeader = "X-Account-ID"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}

	g := &Gateway{
		opts:      opts,
		engine:    engine,
		ready:     ready,
		retention: retention,
		router:    chi.NewRouter(),
		logger:    logger,
		now:       time.Now,
	}
	if c != nil && opts.RequestsPerMinute > 0 {
		g.rateLimiter = NewRateLimiter(c, opts.RequestsPerMinute, logger)
	}

	g.setupRoutes()
	return g
}

// setupRoutes configures the HTTP routes
func (g *Gateway) setupRoutes() {
	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.RealIP)
	g.router.Use(g.loggerMiddleware)
	g.router.Use(g.metricsMiddleware)
	g.router.Use(middleware.Recoverer)
	g.router.Use(middleware.Timeout(g.opts.RequestTimeout))
	g.router.Use(responseHeaders)
	g.router.Use(g.requireJSON)
	g.router.Use(limitBody)

	g.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   g.opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", g.opts.AccountHeader, "X-Admin-Token"},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	g.registerMetrics()

	g.router.Get("/health", g.handleHealth)
	g.router.Get("/ready", g.handleReady)

	// Account-scoped endpoints; identity comes from the auth proxy.
	g.router.Group(func(r chi.Router) {
		r.Use(g.accountMiddleware)
		r.Use(g.rateLimitMiddleware)

		r.Post("/v1/entitlements/check", g.handleCheckEntitlement)
		r.Post("/v1/usage/completions", g.handleRecordCompletion)
		r.Get("/v1/usage", g.handleGetUsage)
	})

	g.router.Group(func(r chi.Router) {
		r.Use(g.adminAuthMiddleware)

		r.Get("/admin/analytics", g.handleCostAnalytics)
		r.Get("/admin/accounts/{accountID}/usage", g.handleAccountUsage)
		r.Post("/admin/retention/run", g.handleRunRetention)
		r.Get("/admin/pricing", g.handlePricing)
	})
}

// ServeHTTP implements http.Handler
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// Middleware implementations

func (g *Gateway) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		g.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

type contextKey string

const accountIDKey contextKey = "account_id"

func accountIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(accountIDKey).(string)
	return id
}

func (g *Gateway) accountMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID := r.Header.Get(g.opts.AccountHeader)
		if accountID == "" {
			g.writeError(w, http.StatusUnauthorized, "authentication_error", "missing "+g.opts.AccountHeader+" header")
			return
		}
		ctx := context.WithValue(r.Context(), accountIDKey, accountID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *Gateway) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.rateLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		accountID := accountIDFrom(r.Context())

		allowed, info, err := g.rateLimiter.Allow(r.Context(), accountID, g.now())
		if err != nil {
			// A redis outage must not take metering down with it.
			g.logger.Warn("rate limit check failed, allowing request",
				zap.String("account_id", accountID),
				zap.Error(err),
			)
			next.ServeHTTP(w, r)
			return
		}
		for k, v := range info.Headers() {
			w.Header().Set(k, v)
		}
		if !allowed {
			rateLimited.Inc()
			g.writeError(w, http.StatusTooManyRequests, "rate_limit_error", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		adminToken := r.Header.Get("X-Admin-Token")
		if adminToken == "" {
			g.writeError(w, http.StatusUnauthorized, "authentication_error", "missing admin token")
			return
		}

		// Constant-time comparison to prevent timing attacks
		if g.opts.AdminToken == "" || subtle.ConstantTimeCompare([]byte(adminToken), []byte(g.opts.AdminToken)) != 1 {
			g.logger.Warn("invalid admin token",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("path", r.URL.Path),
			)
			g.writeError(w, http.StatusUnauthorized, "authentication_error", "invalid admin token")
			return
		}

		g.logger.Info("admin action authenticated",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)

		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   g.now().UTC().Format(time.RFC3339),
	})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.ready != nil {
		if err := g.ready.Health(r.Context()); err != nil {
			g.logger.Warn("readiness check failed", zap.Error(err))
			g.writeError(w, http.StatusServiceUnavailable, "unavailable_error", "backends not ready")
			return
		}
	}

	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

// Utility methods

func (g *Gateway) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		g.logger.Debug("failed to write response", zap.Error(err))
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, statusCode int, errType, message string) {
	g.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]string{
			"message": message,
			"type":    errType,
		},
	})
}
