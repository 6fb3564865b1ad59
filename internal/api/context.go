package api

import (
	"context"
	"errors"

	"github.com/overhaulhq/shopsync/internal/types"
)

// actorContextKey is the context key for the authenticated actor.
type actorContextKey struct{}

// ErrNoActorInContext indicates no actor was found in the context.
var ErrNoActorInContext = errors.New("no actor in context")

// WithActor returns a new context with the actor attached.
func WithActor(ctx context.Context, actor types.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the authenticated actor from the context.
// Returns ErrNoActorInContext if not present.
func ActorFromContext(ctx context.Context) (types.Actor, error) {
	actor, ok := ctx.Value(actorContextKey{}).(types.Actor)
	if !ok || actor.UserID == "" {
		return types.Actor{}, ErrNoActorInContext
	}
	return actor, nil
}

// MustActorFromContext extracts the actor or panics.
// Use only when middleware guarantees actor presence.
func MustActorFromContext(ctx context.Context) types.Actor {
	actor, err := ActorFromContext(ctx)
	if err != nil {
		panic("actor not in context: middleware misconfiguration")
	}
	return actor
}
