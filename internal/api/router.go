/**
 * @description
 * This file sets up the HTTP router for the ledger-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/prometheus/client_golang: Prometheus metrics exposition.
 */

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "ledger_http_request_duration_seconds",
	Help:    "HTTP request latency by method, route and status",
	Buckets: prometheus.DefBuckets,
}, []string{"method", "route", "status"})

// metricsMiddleware records a latency observation per request, labeled with the
// chi route pattern rather than the raw path so ids do not explode cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		httpRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Observe(time.Since(start).Seconds())
	})
}

// LedgerRoutes creates and returns a new router for the ledger service.
func LedgerRoutes(h *LedgerHandlers, jwksURL, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(metricsMiddleware)

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Prometheus exposition: HTTP latency histograms and reconcile sweep counters.
	r.Handle("/metrics", promhttp.Handler())

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwksURL))

		// Hold management endpoints
		r.Post("/holds", h.CreateHoldHandler)
		r.Get("/holds", h.ListHoldsHandler)
		r.Get("/holds/{id}", h.GetHoldHandler)
		r.Post("/holds/{id}/release", h.ReleaseHoldHandler)
		r.Post("/holds/{id}/transfers", h.InitiateTransferHandler)

		// Transfer attempt endpoints
		r.Post("/attempts/{id}/cancel", h.CancelAttemptHandler)

		// Linked funding sources
		r.Get("/accounts", h.ListAccountsHandler)
	})

	// Service-to-service endpoints guarded by the shared internal key.
	r.Group(func(r chi.Router) {
		r.Use(InternalAPIKeyMiddleware(internalAPIKey))

		r.Post("/internal/reconcile", h.ReconcileHandler)
	})

	return r
}
