// Package kit provides the transport-agnostic endpoint abstraction: an
// operation is written once as an Endpoint and exposed over HTTP or MCP by
// thin edge adapters.
package kit

import "context"

// Endpoint is one operation. Decoding happens at the transport edge; the
// endpoint sees a typed request and returns a serialisable response.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint with cross-cutting behaviour.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares. The first middleware is outermost: it runs
// first on the way in and last on the way out.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
