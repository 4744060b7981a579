package worker

import (
	"context"

	"github.com/flowctl/flowctl/pkg/kvstore"
)

type sharedContextKey struct{}

// WithSharedContext attaches the engine's shared key/value store client to
// ctx. The dispatch entry point (pkg/node.Dispatch) calls this before
// ProtectedRun so every stage of the lifecycle can reach the store.
func WithSharedContext(ctx context.Context, c *kvstore.Client) context.Context {
	return context.WithValue(ctx, sharedContextKey{}, c)
}

// SharedContext returns the engine's shared key/value store client, if the
// current invocation was dispatched with one attached.
func SharedContext(ctx context.Context) (*kvstore.Client, bool) {
	c, ok := ctx.Value(sharedContextKey{}).(*kvstore.Client)
	return c, ok
}
