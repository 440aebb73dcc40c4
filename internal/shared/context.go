package shared

import "context"

// SystemActor identifies changes made by background jobs.
const SystemActor = "system"

type actorContextKey struct{}

// ContextWithActor stores the authenticated API user in context.
func ContextWithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext returns the authenticated user or SystemActor.
func ActorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(actorContextKey{}).(string); ok && actor != "" {
		return actor
	}
	return SystemActor
}
