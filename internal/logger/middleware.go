package logger

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Middleware injects a request-scoped logger into the request context and
// logs completions. Handlers retrieve it with FromContext.
func Middleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqLogger := log.With().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("request_id", middleware.GetReqID(r.Context())).
				Logger()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r.WithContext(WithContext(r.Context(), reqLogger)))

			reqLogger.Debug().
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request.completed")
		})
	}
}
