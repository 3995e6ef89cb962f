package repository

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/beam-cloud/airsync/pkg/common"
	"github.com/beam-cloud/airsync/pkg/types"
	"github.com/redis/go-redis/v9"
)

// Lock values are "<acquiredAtMillis>|<holderID>"

var releaseLockScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
	return 0
end
local sep = string.find(v, '|', 1, true)
if sep and string.sub(v, sep + 1) == ARGV[1] then
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`)

var refreshLockScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
	return nil
end
local sep = string.find(v, '|', 1, true)
if sep and string.sub(v, sep + 1) == ARGV[1] then
	if tonumber(ARGV[2]) > 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
end
return v
`)

// LockRedisRepository implements LockRepository with SET NX so every
// gateway replica sees the same holder
type LockRedisRepository struct {
	rdb *common.RedisClient
}

func NewLockRedisRepository(rdb *common.RedisClient) *LockRedisRepository {
	return &LockRedisRepository{rdb: rdb}
}

func encodeLock(holderID string, at time.Time) string {
	return fmt.Sprintf("%d|%s", at.UnixMilli(), holderID)
}

func decodeLock(fileID, v string) (*types.FileLock, error) {
	ms, holder, ok := strings.Cut(v, "|")
	if !ok {
		return nil, fmt.Errorf("malformed lock value for %s", fileID)
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed lock timestamp for %s: %w", fileID, err)
	}
	return &types.FileLock{FileID: fileID, HolderID: holder, AcquiredAt: time.UnixMilli(n)}, nil
}

func (r *LockRedisRepository) Acquire(ctx context.Context, fileID, userID string, ttl time.Duration) (*types.FileLock, error) {
	key := common.Keys.LockFile(fileID)

	// Two passes: the existing lock may expire between SETNX and the refresh
	for attempt := 0; attempt < 2; attempt++ {
		now := time.Now()
		ok, err := r.rdb.SetNX(ctx, key, encodeLock(userID, now), ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock: %w", err)
		}
		if ok {
			return &types.FileLock{FileID: fileID, HolderID: userID, AcquiredAt: time.UnixMilli(now.UnixMilli())}, nil
		}

		v, err := refreshLockScript.Run(ctx, r.rdb, []string{key}, userID, ttl.Milliseconds()).Text()
		if common.IsNil(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("lock refresh: %w", err)
		}

		lock, err := decodeLock(fileID, v)
		if err != nil {
			return nil, err
		}
		if lock.HolderID != userID {
			return nil, &types.ErrAlreadyLocked{FileID: fileID, HolderID: lock.HolderID}
		}
		return lock, nil
	}

	return nil, fmt.Errorf("lock: contention on %s", fileID)
}

func (r *LockRedisRepository) Release(ctx context.Context, fileID, userID string) error {
	n, err := releaseLockScript.Run(ctx, r.rdb, []string{common.Keys.LockFile(fileID)}, userID).Int()
	if err != nil {
		return fmt.Errorf("unlock: %w", err)
	}
	if n == 0 {
		return &types.ErrNotLockHolder{FileID: fileID, UserID: userID}
	}
	return nil
}

func (r *LockRedisRepository) Holder(ctx context.Context, fileID string) (*types.FileLock, error) {
	v, err := r.rdb.Get(ctx, common.Keys.LockFile(fileID)).Result()
	if common.IsNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeLock(fileID, v)
}
