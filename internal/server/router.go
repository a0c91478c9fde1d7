package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/crushworry/comfort-gateway/internal/metrics"
	"github.com/crushworry/comfort-gateway/pkg/apierr"
)

// Routes.
const (
	RouteComfort   = "/api/comfort"
	RouteHealth    = "/health"
	RouteReadiness = "/readiness"
	RouteMetrics   = "/metrics"
)

// MaxRequestBodySize bounds inbound bodies. A 240-character problem plus
// ids fits with a wide margin.
const MaxRequestBodySize = 16 << 10

// Options holds optional collaborators for a Server. All fields may be left
// zero.
type Options struct {
	// Logger is the structured logger for request events. Defaults to
	// slog.Default().
	Logger *slog.Logger

	// Metrics enables Prometheus metrics and the /metrics route.
	Metrics *metrics.Registry

	// RequestLog receives one entry per finished comfort request.
	RequestLog RequestLogger

	// Ready is probed by GET /readiness. Nil means always ready.
	Ready func(ctx context.Context) error

	// CORSOrigins lists allowed browser origins. Empty or ["*"] allows any.
	CORSOrigins []string

	Version string
}

// Server serves the comfort endpoint and the operational routes.
type Server struct {
	limiter  Limiter
	upstream Completer

	log     *slog.Logger
	metrics *metrics.Registry
	reqLog  RequestLogger
	ready   func(ctx context.Context) error
	cors    []string
	version string

	srv *fasthttp.Server
}

// New creates a Server. limiter and up are required.
func New(limiter Limiter, up Completer, opts Options) *Server {
	if limiter == nil || up == nil {
		panic("server: limiter and upstream must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		limiter:  limiter,
		upstream: up,
		log:      log,
		metrics:  opts.Metrics,
		reqLog:   opts.RequestLog,
		ready:    opts.Ready,
		cors:     opts.CORSOrigins,
		version:  opts.Version,
	}

	s.srv = &fasthttp.Server{
		Handler:            s.Handler(),
		Name:               "comfort-gateway",
		ReadTimeout:        10 * time.Second,
		WriteTimeout:       30 * time.Second,
		IdleTimeout:        60 * time.Second,
		MaxRequestBodySize: MaxRequestBodySize,
	}

	return s
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	// Every method reaches the comfort handler so 405 keeps the flat body.
	r.ANY(RouteComfort, s.handleComfort)
	r.GET(RouteHealth, s.handleHealth)
	r.GET(RouteReadiness, s.handleReadiness)

	if s.metrics != nil {
		r.GET(RouteMetrics, s.metrics.Handler())
	}

	r.NotFound = func(ctx *fasthttp.RequestCtx) {
		apierr.Write(ctx, fasthttp.StatusNotFound, apierr.MsgNotFound)
	}

	return applyMiddleware(r.Handler,
		recovery(s.log),
		requestID,
		timing,
		observe(s.metrics),
		corsHandler(s.cors),
		securityHeaders,
	)
}

// ListenAndServe serves HTTP on addr (e.g. ":8080") until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	return s.srv.ListenAndServe(addr)
}

// Shutdown stops accepting connections and waits for in-flight requests, or
// for ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	apierr.WriteJSON(ctx, fasthttp.StatusOK, map[string]any{
		"status":   "ok",
		"version":  s.version,
		"upstream": s.upstream.Model(),
		"has_key":  s.upstream.HasCredential(),
	})
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.ready == nil {
		apierr.WriteJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	if err := s.ready(probeCtx); err != nil {
		s.log.WarnContext(ctx, "readiness_failed", slog.String("error", err.Error()))
		apierr.WriteJSON(ctx, fasthttp.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	apierr.WriteJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
}
