package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/linewatch/internal/linestatus"
	"github.com/JakeFAU/linewatch/internal/metrics"
	"github.com/JakeFAU/linewatch/internal/service"
)

// DefaultRequestTimeout bounds every request; a check with retries can take
// well over a minute.
const DefaultRequestTimeout = 2 * time.Minute

// Service is the application surface the handlers call.
type Service interface {
	CheckAndNotify(ctx context.Context) linestatus.CheckResult
	CurrentState() linestatus.SchedulerState
	GetStatus(ctx context.Context, useCache bool) (linestatus.Snapshot, error)
	Subscribe(ctx context.Context, sub linestatus.Subscriber) error
	Unsubscribe(ctx context.Context, endpoint string) (bool, error)
	Notify(ctx context.Context, title, body, status string) (service.NotifyResult, error)
}

// Options configure the Server.
type Options struct {
	// AdminToken returns the current bearer token for operator routes. It is
	// read per request so the token can be rotated without a restart. An
	// empty token rejects every operator request.
	AdminToken func() string
	// VAPIDPublicKey is handed to browsers before they subscribe.
	VAPIDPublicKey string
	// Ready reports whether downstream dependencies are usable.
	Ready          func(ctx context.Context) error
	RequestTimeout time.Duration
	// AllowedOrigin is sent as Access-Control-Allow-Origin on public routes.
	AllowedOrigin string
}

// Server wires HTTP handlers to the service.
type Server struct {
	router chi.Router
	svc    Service
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc Service, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.AdminToken == nil {
		opts.AdminToken = func() string { return "" }
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.AllowedOrigin == "" {
		opts.AllowedOrigin = "*"
	}
	s := &Server{
		svc:    svc,
		opts:   opts,
		logger: logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(corsMiddleware(opts.AllowedOrigin))
			r.Get("/status", s.getStatus)
			r.Options("/status", noContent)
			r.Post("/subscriptions", s.subscribe)
			r.Options("/subscriptions", noContent)
			r.Post("/subscriptions/unsubscribe", s.unsubscribe)
			r.Options("/subscriptions/unsubscribe", noContent)
			r.Get("/vapid-public-key", s.vapidPublicKey)
		})
		r.Group(func(r chi.Router) {
			r.Use(bearerAuthMiddleware(opts.AdminToken, s.logger))
			r.Post("/check", s.runCheck)
			r.Get("/check", s.checkState)
			r.Post("/notify", s.notify)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router, wrapped in a server span, for use with http.Server.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "linewatch.api",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/healthz" && r.URL.Path != "/metrics"
		}),
	)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		if err := s.opts.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"}, s.logger)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, s.logger)
}

func noContent(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}
