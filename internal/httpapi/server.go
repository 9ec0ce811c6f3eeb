// Package httpapi exposes the entitlement engine over HTTP.
//
// License holders use the /v1 validate, activate, deactivate and heartbeat
// endpoints. Operators use /v1/admin, guarded by the X-API-Key header.
// Failures are rendered as {"error":{"code","message"}}.
package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/CloudNativeWorks/cnw-license-server/entitlement"
	"github.com/CloudNativeWorks/cnw-license-server/internal/logging"
)

const defaultRequestTimeout = 10 * time.Second

var tracer = otel.Tracer("github.com/CloudNativeWorks/cnw-license-server/internal/httpapi")

// Server serves the license API for one Engine.
type Server struct {
	engine         *entitlement.Engine
	log            zerolog.Logger
	adminKey       string
	requestTimeout time.Duration
	registry       *prometheus.Registry
	metrics        *httpMetrics
	validate       *validator.Validate
	healthCheck    func(context.Context) error
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger. Default: zerolog.Nop().
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// WithAdminKey enables the /v1/admin routes behind X-API-Key.
func WithAdminKey(key string) Option {
	return func(s *Server) {
		s.adminKey = key
	}
}

// WithRequestTimeout bounds each /v1 request.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.requestTimeout = d
	}
}

// WithRegistry registers the HTTP collectors with reg and serves it on
// /metrics. Pass the registry the engine metrics were registered with.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.registry = reg
	}
}

// WithHealthCheck sets the probe behind /healthz, typically the store's Ping.
func WithHealthCheck(fn func(context.Context) error) Option {
	return func(s *Server) {
		s.healthCheck = fn
	}
}

// New creates a Server.
func New(engine *entitlement.Engine, opts ...Option) *Server {
	s := &Server{
		engine:         engine,
		log:            zerolog.Nop(),
		requestTimeout: defaultRequestTimeout,
		validate:       newValidator(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.metrics = newHTTPMetrics(s.registry)
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.instrument)

	r.Get("/healthz", s.health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(s.requestTimeout))

		r.Post("/validate", s.traced("validate", s.handleValidate))
		r.Post("/activate", s.traced("activate", s.handleActivate))
		r.Post("/deactivate", s.traced("deactivate", s.handleDeactivate))
		r.Post("/heartbeat", s.traced("heartbeat", s.handleHeartbeat))

		if s.adminKey != "" {
			r.Route("/admin", s.adminRoutes)
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, CodeNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed")
	})
	return r
}

// logRequests attaches a request-scoped logger to the context and writes
// one access line per request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, reqID := logging.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		logger := s.log.With().Str("request_id", reqID).Logger()
		ctx = logger.WithContext(ctx)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))

		logger.Info().
			Str("method", r.Method).
			Str("route", routePattern(r)).
			Int("status", statusOf(ww)).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-API-Key")
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.adminKey)) != 1 {
			writeError(w, r, http.StatusUnauthorized, CodeUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// traced wraps a handler in a span named after the operation.
func (s *Server) traced(op string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "httpapi."+op,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("request_id", middleware.GetReqID(r.Context())),
			),
		)
		defer span.End()
		h(w, r.WithContext(ctx))
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.healthCheck != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.healthCheck(ctx); err != nil {
			zerolog.Ctx(r.Context()).Warn().Err(err).Msg("health check failed")
			render.Status(r, http.StatusServiceUnavailable)
			render.JSON(w, r, map[string]string{"status": "unavailable"})
			return
		}
	}
	render.JSON(w, r, map[string]string{"status": "ok"})
}
