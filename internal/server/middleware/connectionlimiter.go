package middleware

import (
	"log/slog"
	"net/http"

	"github.com/e2echat/relay/pkg/config"
)

// IPConnectionCounter reports how many live websocket connections an address
// currently holds.
type IPConnectionCounter func(ip string) int

// NewConnectionLimiter rejects websocket upgrades from addresses that already
// hold MaxPerIP live connections. The relay has no user identities before a
// join completes, so the remote address is the only thing to limit on.
func NewConnectionLimiter(
	logger *slog.Logger,
	counter IPConnectionCounter,
	config config.ConnectionLimitConfig,
) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config.MaxPerIP <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				logger.Error("Connection limiter could not find request metadata in context. Check middleware order.")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			if count := counter(reqMeta.IP); count >= config.MaxPerIP {
				logger.Warn("Connection limit reached",
					slog.String("ip", reqMeta.IP),
					slog.Int("count", count),
				)
				http.Error(w, "Too Many Active Connections", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
