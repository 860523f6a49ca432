package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"communityloans/observability"
)

// Observability records request metrics and, optionally, access logs for a
// named route group. Tracing is handled by otelhttp at the server root.
type Observability struct {
	module      string
	logRequests bool
	logger      *slog.Logger
}

func NewObservability(module string, logRequests bool, logger *slog.Logger) *Observability {
	if logger == nil {
		logger = slog.Default()
	}
	if module == "" {
		module = "loanpool"
	}
	return &Observability{module: module, logRequests: logRequests, logger: logger}
}

func (o *Observability) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			duration := time.Since(start)
			observability.ModuleMetrics().Observe(o.module, route, recorder.status, duration)
			if o.logRequests {
				o.logger.Info("request",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("route", route),
					slog.Int("status", recorder.status),
					slog.Duration("duration", duration))
			}
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer to http.ResponseController, which the
// websocket upgrade relies on.
func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }
