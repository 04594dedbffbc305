// Package shield provides HTTP hardening middleware for the web surface:
// security headers, request IDs with per-request loggers, body limits,
// per-IP rate limiting, and HEAD method handling.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultStack() {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// GetLogger retrieves the per-request logger from the context. Returns
// slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// DefaultStack returns the standard middleware stack for the mirror's web
// surface. Ordered: HeadToGet, SecurityHeaders, MaxJSONBody, RequestID,
// rate limiter. The SSE endpoint is excluded from rate limiting since one
// subscription holds the connection open.
func DefaultStack() []func(http.Handler) http.Handler {
	rl := NewRateLimiter(DefaultRateLimit(), "/health", "/api/events")
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxJSONBody(1 << 20),
		RequestID,
		rl.Middleware,
	}
}
