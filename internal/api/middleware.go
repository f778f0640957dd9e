package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// requestLogger logs each request with the capture session active when it
// finished. Health checks and docs pages log at debug.
func requestLogger(svc Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			level := slog.LevelInfo
			if r.URL.Path == "/health" || strings.HasPrefix(r.URL.Path, "/docs") || r.URL.Path == "/openapi.json" {
				level = slog.LevelDebug
			}
			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			}
			if st, err := svc.Status(); err == nil {
				attrs = append(attrs, "session_id", st.Session.SessionID, "session_state", st.Session.State)
			}
			slog.Log(r.Context(), level, "http request", attrs...)
		})
	}
}
