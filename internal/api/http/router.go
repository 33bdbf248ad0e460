package apihttp

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"scada-core/internal/auth"
	"scada-core/internal/logging"
)

// Mounter is implemented by every context handler.
type Mounter interface {
	Routes(r chi.Router)
}

// Routes groups the context handlers mounted under /api/v1. Nil entries are
// skipped.
type Routes struct {
	Supervision   Mounter
	Alarms        Mounter
	Tags          Mounter
	Commands      Mounter
	Configuration http.Handler
}

// NewRouter builds the HTTP handler. Health and metrics stay outside auth.
func NewRouter(routes Routes, authMiddleware *auth.Middleware, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogging(logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if authMiddleware != nil {
			r.Use(authMiddleware.Wrap)
		}
		mount(r, "/supervision", routes.Supervision)
		mount(r, "/alarms", routes.Alarms)
		mount(r, "/tags", routes.Tags)
		mount(r, "/commands", routes.Commands)
		if routes.Configuration != nil {
			r.Method(http.MethodPost, "/configuration", routes.Configuration)
		}
	})
	return r
}

func mount(r chi.Router, pattern string, m Mounter) {
	if m == nil {
		return
	}
	r.Route(pattern, m.Routes)
}

// requestLogging logs one line per request and carries the chi request id
// as correlation id.
func requestLogging(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := r.Context()
			if id := chimiddleware.GetReqID(ctx); id != "" {
				ctx = logging.WithCorrelationID(ctx, id)
			}
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Str("correlation_id", logging.CorrelationID(ctx)).
				Msg("http request")
		})
	}
}
