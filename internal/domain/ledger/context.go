package ledger

import "context"

type metaKey struct{}

// RequestMeta carries the per-request attributes that belong on audit events
// but are only known at the HTTP edge. Middleware populates it; domain
// services read it when they append events.
type RequestMeta struct {
	ActorID      string
	ActorDisplay string
	IP           string
	RequestID    string
	Purpose      string
	BreakGlass   bool
}

// WithRequestMeta returns a context carrying m.
func WithRequestMeta(ctx context.Context, m RequestMeta) context.Context {
	return context.WithValue(ctx, metaKey{}, m)
}

// MetaFromContext returns the request metadata from ctx, or the zero value
// when none was attached.
func MetaFromContext(ctx context.Context) RequestMeta {
	m, _ := ctx.Value(metaKey{}).(RequestMeta)
	return m
}
