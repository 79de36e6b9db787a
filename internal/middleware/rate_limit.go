package middleware

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/asketov/OpenIdentityFramework-sub000/internal/storage"
	"github.com/asketov/OpenIdentityFramework-sub000/pkg/errors"
)

// RateLimitMiddleware limits requests per remote address. It guards the
// endpoints reached before client authentication; the token handler enforces
// per-client limits separately once the client is known.
func RateLimitMiddleware(limiter storage.RateLimiter, logger *zap.Logger, limit int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}

			exceeded, err := limiter.CheckRateLimit(r.Context(), "addr:"+host, limit, window)
			if err != nil {
				logger.Error("Rate limit check failed", zap.Error(err))
				http.Error(w, "Internal server error", http.StatusInternalServerError)
				return
			}

			if exceeded {
				protoErr := errors.ErrTemporarilyUnavailable
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
				w.WriteHeader(protoErr.Status)
				w.Write([]byte(`{"error":"` + protoErr.Code + `","error_description":"` + protoErr.Description + `"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
