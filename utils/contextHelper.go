package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/contracts_backend/appctx"
)

var (
	ContextKeyOrgId         = appctx.ContextKeyOrgId
	ContextKeyActorId       = appctx.ContextKeyActorId
	ContextKeyActorName     = appctx.ContextKeyActorName
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
)

func GetOrgIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyOrgId)
}

func GetActorIdFromContext(ctx context.Context) (int, bool) {
	return appctx.GetInt(ctx, ContextKeyActorId)
}

func GetActorNameFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyActorName)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetOrgIdInContext(ctx context.Context, orgId string) context.Context {
	return appctx.Set(ctx, ContextKeyOrgId, orgId)
}

func SetActorIdInContext(ctx context.Context, actorId int) context.Context {
	return appctx.Set(ctx, ContextKeyActorId, actorId)
}

func SetActorNameInContext(ctx context.Context, actorName string) context.Context {
	return appctx.Set(ctx, ContextKeyActorName, actorName)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}
