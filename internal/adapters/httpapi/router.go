package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type RouterOptions struct {
	Logger *zap.Logger
	// Gatherer, when set, is served on /metrics.
	Gatherer prometheus.Gatherer
	// AdminToken guards the back-office routes; empty disables the check.
	AdminToken string
}

// NewRouter constructs the API HTTP router.
func NewRouter(s *Server, opts RouterOptions) http.Handler {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(log))
	r.Use(middleware.Recoverer)

	// Health endpoint is unauthenticated (used for infra checks).
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(NewAdminTokenMiddleware(opts.AdminToken))
		r.Get("/federation", s.ListFederationRecords)
		r.Post("/federation/{memberId}/confirm", s.ConfirmOrRevoke)
		r.Post("/federation/{memberId}/approve", s.Approve)
		r.Post("/federation/{memberId}/revoke", s.Revoke)
	})

	r.Route("/members/{email}/federation", func(r chi.Router) {
		r.Get("/", s.GetFederationRecord)
		r.Post("/", s.RegisterFederation)
		r.Put("/documents", s.UpdateDocuments)
		r.Post("/auto-renew", s.ToggleAutoRenew)
		r.Get("/documents/{side}", s.GetDocument)
	})

	return r
}

// RequestLogger logs one line per request once the handler returns.
func RequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("http request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
