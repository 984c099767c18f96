// Package remote holds the HTTP plumbing shared by the HTR and refinement
// clients: request metadata propagation, an instrumented transport and
// client-side rate limiting.
package remote

import "context"

// RequestMeta travels on the context into outgoing requests so that every
// call can be correlated with the run and page it belongs to.
type RequestMeta struct {
	RunID string
	Page  int
	Stage string
}

type requestMetaKey struct{}

// WithRequestMeta merges add into any meta already on ctx. Zero values do not
// overwrite existing values.
func WithRequestMeta(ctx context.Context, add RequestMeta) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	cur := RequestMetaFromContext(ctx)

	if add.RunID != "" {
		cur.RunID = add.RunID
	}
	if add.Page != 0 {
		cur.Page = add.Page
	}
	if add.Stage != "" {
		cur.Stage = add.Stage
	}

	return context.WithValue(ctx, requestMetaKey{}, cur)
}

// RequestMetaFromContext returns the meta stored on ctx, or the zero value.
func RequestMetaFromContext(ctx context.Context) RequestMeta {
	if ctx == nil {
		return RequestMeta{}
	}
	m, ok := ctx.Value(requestMetaKey{}).(RequestMeta)
	if !ok {
		return RequestMeta{}
	}
	return m
}
