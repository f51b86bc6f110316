package shared

import "context"

type actorContextKey struct{}

// ContextWithActor stores the acting user id in context. Handlers set it from
// the authenticated request; services read it for audit attribution.
func ContextWithActor(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, actorContextKey{}, userID)
}

// ActorFromContext extracts the acting user id, zero when absent.
func ActorFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(actorContextKey{}).(int64)
	return id
}
