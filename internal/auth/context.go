package auth

import (
	"context"

	"github.com/BuzzLyutic/taskboard-sync/internal/model"
)

type ctxKey struct{}

func WithIdentity(ctx context.Context, id model.Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// CurrentUser returns the identity attached by Authenticate, if any.
func CurrentUser(ctx context.Context) (model.Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(model.Identity)
	return id, ok && id.ID != ""
}
