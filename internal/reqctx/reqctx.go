// Package reqctx carries the per-HTTP-request identifier minted by
// internal/server's RequestID middleware through context.Context and
// down into the resolver that serves that request, so its failure log
// line can be correlated with the HTTP access log line for the same
// request. Scheduler log lines do not carry the id.
package reqctx

import "context"

type key struct{}

// WithID returns a context carrying id as the in-flight request's
// identifier.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, key{}, id)
}

// FromContext returns the request identifier stored in ctx by WithID, or
// "" if ctx carries none (e.g. a background sync, or a call made outside
// any HTTP request).
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(key{}).(string)
	return id
}
