package api

import (
	"context"

	"github.com/hyperengineering/recordsync/internal/auth"
)

type contextKey string

const actorKey contextKey = "actor"

// WithActor stores the authenticated actor in the request context.
func WithActor(ctx context.Context, actor auth.Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext returns the authenticated actor, or a zero actor when
// the request never passed the auth middleware.
func ActorFromContext(ctx context.Context) auth.Actor {
	if a, ok := ctx.Value(actorKey).(auth.Actor); ok {
		return a
	}
	return auth.Actor{}
}
