package httpapi

import (
	"context"

	"github.com/safetrade/escrow-engine/internal/domain/escrow"
)

type actorKey struct{}

func withActor(ctx context.Context, actor escrow.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFromContext(ctx context.Context) escrow.Actor {
	actor, _ := ctx.Value(actorKey{}).(escrow.Actor)
	return actor
}
