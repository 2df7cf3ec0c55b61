// Package api serves the canonical developer-URL table and run history over
// HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/storefront-sync/internal/store"
	"github.com/sells-group/storefront-sync/internal/storefront"
)

const defaultRequestTimeout = 30 * time.Second

// Options configures the API server.
type Options struct {
	// CanonicalPath is the canonical parquet table. It is re-read per request.
	CanonicalPath string
	// Runs serves run history. Nil disables the /v1/runs routes (503).
	Runs store.Store
	// Registry lists the known storefronts. Nil uses the defaults.
	Registry *storefront.Registry
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	// AllowedOrigins enables CORS for these origins.
	AllowedOrigins []string
	RequestTimeout time.Duration
}

type server struct {
	opts Options
	log  *zap.Logger
}

// NewServer builds the router.
func NewServer(opts Options) *chi.Mux {
	if opts.Registry == nil {
		opts.Registry = storefront.DefaultRegistry()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	s := &server{opts: opts, log: zap.L().With(zap.String("component", "api"))}

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Timeout(opts.RequestTimeout),
		s.logRequests,
	)
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stores", s.listStores)
		r.Get("/apps", s.listApps)
		r.Get("/apps/{bundleID}", s.getApp)
		r.Get("/runs", s.listRuns)
		r.Get("/runs/{runID}", s.getRun)
	})
	return r
}

// logRequests logs each request at debug level.
func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
