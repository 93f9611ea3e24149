package utils

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/contracts_backend/config"
	"github.com/bsm/redislock"
)

func GetCacheLifespan() time.Duration {
	lifespan, err := strconv.Atoi(os.Getenv("CACHE_LIFESPAN"))
	if err != nil {
		lifespan = 1
	}
	return time.Duration(lifespan) * time.Hour
}

/* model caching */

// store instance, Type:$id
func StoreRedis[T any](obj any, id int) error {
	key := GetTypeName[T]() + ":" + fmt.Sprint(id)
	return config.SetRedisObject(key, &obj, GetCacheLifespan())
}

// get from redis
// returns nil if does not exist
func RetrieveRedis[T any](id int) (*T, error) {
	var result *T
	key := GetTypeName[T]() + ":" + fmt.Sprint(id)
	exists, err := config.GetRedisObject(key, &result)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	return result, nil
}

// remove an instance, Type:$id
func RemoveRedisItem[T any](id int) error {
	key := GetTypeName[T]() + ":" + fmt.Sprint(id)
	return config.RemoveRedisKey(key)
}

/* line item locking */

// ObtainLineItemLock serializes balance-affecting appends for one line item.
// The caller MUST release the returned lock after its transaction commits or
// rolls back; holding it across the whole check-then-append sequence is what
// keeps two concurrent callers from both passing validation on the same
// balance. Returns (nil, nil) when Redis is not configured (single-node dev,
// unit tests): the DB row lock in the append transaction is then the only
// serialization.
func ObtainLineItemLock(ctx context.Context, orgId string, lineItemId int) (*redislock.Lock, error) {
	locker := config.GetRedisLock()
	if locker == nil {
		return nil, nil
	}

	lockKey := fmt.Sprintf("lineItemLock:%s:%d", orgId, lineItemId)
	lock, err := locker.Obtain(ctx, lockKey, 30*time.Second, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 20),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		logger := config.GetLogger()
		config.LogError(logger, "utils", "ObtainLineItemLock", "could not obtain line item lock", lockKey, err)
		return nil, errors.New("could not obtain lock for line item")
	} else if err != nil {
		return nil, err
	}
	return lock, nil
}

// ReleaseLineItemLock is nil-safe for the no-Redis case.
func ReleaseLineItemLock(ctx context.Context, lock *redislock.Lock) {
	if lock == nil {
		return
	}
	_ = lock.Release(ctx)
}
