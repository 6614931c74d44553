package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Logger attaches a request-scoped logger to the context, tagged with the
// request id, and logs one line per completed request. Handlers retrieve it
// with zerolog.Ctx; fields added later through UpdateContext, such as the
// authenticated user, also appear on the completion line.
func Logger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := logger.With().
				Str("request_id", chimw.GetReqID(r.Context())).
				Logger().
				WithContext(r.Context())
			r = r.WithContext(ctx)
			reqLogger := zerolog.Ctx(ctx)

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				status := ww.Status()
				level := zerolog.InfoLevel
				switch {
				case status >= http.StatusInternalServerError:
					level = zerolog.ErrorLevel
				case status == http.StatusTooManyRequests, status == http.StatusForbidden:
					level = zerolog.WarnLevel
				}
				reqLogger.WithLevel(level).
					Str("method", r.Method).
					Str("path", normalizePath(r.URL.Path)).
					Int("status", status).
					Int("bytes", ww.BytesWritten()).
					Dur("latency", time.Since(start)).
					Str("ip", RealIP(r)).
					Msg("request completed")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
