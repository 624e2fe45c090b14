package auth

import (
	"context"

	"tessera.org/internal/ability"
)

type actorContextKey struct{}
type tokenContextKey struct{}

// ContextWithActor attaches the authenticated actor to the context.
func ContextWithActor(ctx context.Context, actor ability.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, &actor)
}

// ActorFromContext extracts the authenticated actor from the context.
func ActorFromContext(ctx context.Context) (ability.Actor, bool) {
	if ctx == nil {
		return ability.Actor{}, false
	}
	v, ok := ctx.Value(actorContextKey{}).(*ability.Actor)
	if !ok || v == nil {
		return ability.Actor{}, false
	}
	return *v, true
}

// UserIDFromContext returns the id of the authenticated actor, if any.
func UserIDFromContext(ctx context.Context) (string, bool) {
	a, ok := ActorFromContext(ctx)
	if !ok || a.ID == "" {
		return "", false
	}
	return a.ID, true
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
