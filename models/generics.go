package models

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/contracts_backend/utils"
)

type Resource interface {
	GetOrgId() string
}

func (c Contract) GetOrgId() string { return c.OrgId }

// GetResource looks the record up in redis first, then the DB scoped by the
// context's org id, caching the result. Contracts and their line items are
// immutable after creation (amendments live in their own tables), so cached
// copies never go stale.
func GetResource[T Resource](ctx context.Context, id int, associations ...string) (*T, error) {
	orgId, ok := utils.GetOrgIdFromContext(ctx)
	if !ok || orgId == "" {
		return nil, errors.New("org id is required")
	}
	result, err := utils.RetrieveRedis[T](id)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result, err = utils.FetchModel[T](ctx, orgId, id, associations...)
		if err != nil {
			return nil, err
		}
		if err := utils.StoreRedis[T](result, id); err != nil {
			return nil, err
		}
	} else if (*result).GetOrgId() != orgId {
		return nil, errors.New("cannot access resource owned by other organization")
	}

	return result, nil
}
