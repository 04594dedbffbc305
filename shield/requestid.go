package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/idemirror/idgen"
	"github.com/hazyhaar/idemirror/kit"
)

var requestIDs = idgen.NanoID(8)

// RequestID generates a random ID for each request and injects it into the
// context, response headers, and a per-request structured logger. The ID is
// stored under kit.RequestIDKey and the logger under LoggerKey.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := requestIDs()

		ctx := kit.WithRequestID(r.Context(), id)
		w.Header().Set("X-Request-ID", id)

		logger := slog.Default().With(
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)
		ctx = context.WithValue(ctx, LoggerKey, logger)
		logger.Debug("request")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
