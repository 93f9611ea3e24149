package appctx

import "context"

// ContextKey is the shared type for all context keys in this codebase.
// Keeping it in a tiny package avoids import cycles (config <-> utils).
type ContextKey string

func (c ContextKey) String() string { return string(c) }

var (
	// ContextKeyOrgId identifies the procurement organization that owns the
	// contracts being operated on. Every query scopes org_id explicitly.
	ContextKeyOrgId = ContextKey("OrgId")

	// ContextKeyActorId is the acting user for the request. There is no
	// implicit default actor; mutations fail when it is absent.
	ContextKeyActorId = ContextKey("ActorId")

	ContextKeyActorName     = ContextKey("ActorName")
	ContextKeyCorrelationId = ContextKey("CorrelationId")
)

func GetString(ctx context.Context, key ContextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	return v, ok
}

func GetBool(ctx context.Context, key ContextKey) (bool, bool) {
	v, ok := ctx.Value(key).(bool)
	return v, ok
}

func GetInt(ctx context.Context, key ContextKey) (int, bool) {
	v, ok := ctx.Value(key).(int)
	return v, ok
}

func Set(ctx context.Context, key ContextKey, value any) context.Context {
	return context.WithValue(ctx, key, value)
}
