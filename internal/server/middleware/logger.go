package middleware

import (
	"log/slog"
	"net/http"
	"strings"
)

// NewRequestLogger logs every request reaching the relay's HTTP surface.
// WebSocket upgrade attempts are tagged so they can be told apart from the
// plain REST endpoints when tracing a client that never completes a join.
func NewRequestLogger(logger *slog.Logger) Middleware {
	log := logger.With(slog.String("component", "http"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			var ip string
			if ok {
				ip = reqMeta.IP
			}
			upgrade := strings.EqualFold(r.Header.Get("Upgrade"), "websocket")

			log.Info("Relay request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("ip", ip),
				slog.Bool("upgrade", upgrade),
			)
			next.ServeHTTP(w, r)
		})
	}
}
