/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package workqueue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	apperrors "github.com/DevelopmentCats/govwatcher/internal/errors"
)

// releaseScript deletes the lock only when the caller still holds it
// (compare-and-delete).
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end
`)

// Lock is a Redis-backed distributed lock with a TTL and fencing
// identifier. The scheduler uses it to keep two instances from enqueuing
// the same site.
type Lock struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewLock creates a lock client.
func NewLock(rdb *redis.Client, logger *zap.Logger) *Lock {
	return &Lock{rdb: rdb, logger: logger}
}

func lockKey(name string) string { return "lock:" + name }

// Acquire tries to take the named lock for ttl, polling until wait has
// elapsed. It returns the fencing identifier on success and "" when the
// lock stayed held by someone else.
func (l *Lock) Acquire(ctx context.Context, name string, wait, ttl time.Duration) (string, error) {
	identifier := uuid.NewString()

	var acquired bool
	backoff := retry.WithMaxDuration(wait, retry.NewConstant(100*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		ok, err := l.rdb.SetNX(ctx, lockKey(name), identifier, ttl).Result()
		if err != nil {
			return apperrors.Wrapf(err, apperrors.ErrorTypeNetwork, "acquire lock %s", name)
		}
		if !ok {
			return retry.RetryableError(apperrors.Newf(apperrors.ErrorTypeConflict, "lock %s held", name))
		}
		acquired = true
		return nil
	})
	if err != nil && !acquired {
		if apperrors.IsType(err, apperrors.ErrorTypeConflict) {
			l.logger.Debug("lock not acquired", zap.String("lock", name), zap.Duration("wait", wait))
			return "", nil
		}
		return "", err
	}

	l.logger.Debug("lock acquired", zap.String("lock", name), zap.String("identifier", identifier))
	return identifier, nil
}

// Release frees the named lock if identifier still owns it. Reports
// whether the lock was actually released.
func (l *Lock) Release(ctx context.Context, name, identifier string) (bool, error) {
	res, err := releaseScript.Run(ctx, l.rdb, []string{lockKey(name)}, identifier).Int()
	if err != nil {
		return false, apperrors.Wrapf(err, apperrors.ErrorTypeNetwork, "release lock %s", name)
	}
	if res == 0 {
		l.logger.Warn("lock not released: not the owner", zap.String("lock", name))
		return false, nil
	}
	return true, nil
}
