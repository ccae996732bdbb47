/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestLogger: request id (uuid) + zap logger in the context, one
                    access log line per request
  2. Recoverer:     panic recovery (500 instead of crash)
  3. CORS:          cross-origin requests for the dashboard
  4. RateLimit:     token bucket on POST /api/upload only

ROUTE GROUPS:
  /api/upload, /api/validation-logs   Upload pipeline
  /api/payments/*                     Ledger reads
  /api/loans/*                        Loans, history, snapshots
  /api/arrears                        Arrears scanner output
  /api/scenarios/*                    Demo portfolios
  /healthz                            Liveness

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/warp/loan-ledger/logger"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RouterOptions configures cross-cutting middleware.
type RouterOptions struct {
	Logger         *zap.Logger
	AllowedOrigins []string

	// UploadRatePerSecond <= 0 disables upload throttling.
	UploadRatePerSecond float64
	UploadRateBurst     int
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(RequestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	uploadLimit := func(next http.Handler) http.Handler { return next }
	if opts.UploadRatePerSecond > 0 {
		burst := opts.UploadRateBurst
		if burst <= 0 {
			burst = 1
		}
		uploadLimit = RateLimit(rate.NewLimiter(rate.Limit(opts.UploadRatePerSecond), burst))
	}

	r.Get("/healthz", h.Health)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.With(uploadLimit).Post("/upload", h.Upload)
		r.Get("/validation-logs", h.ListValidationLogs)

		r.Route("/payments", func(r chi.Router) {
			r.Get("/", h.ListPayments)
			r.Get("/{id}", h.GetPayment)
		})

		r.Route("/loans", func(r chi.Router) {
			r.Get("/", h.ListLoans)
			r.Get("/{id}", h.GetLoan)
			r.Get("/{id}/payments", h.GetLoanPayments)
			r.Get("/{id}/snapshots/{date}", h.GetSnapshot)
		})

		r.Get("/arrears", h.GetArrears)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// RequestLogger tags each request with an id (taken from X-Request-ID when the
// caller sends one), stores a request-scoped logger in the context and logs
// the outcome.
func RequestLogger(base *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}
			w.Header().Set("X-Request-ID", requestID)

			l := base.With(zap.String("request_id", requestID))
			ctx := logger.WithContext(r.Context(), l)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(ctx))

			l.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

// RateLimit rejects requests with 429 once the limiter's bucket is empty.
func RateLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				logger.FromContext(r.Context()).Warn("rate limit exceeded", zap.String("path", r.URL.Path))
				writeError(w, http.StatusTooManyRequests, "rate_limited", http.StatusText(http.StatusTooManyRequests), nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
