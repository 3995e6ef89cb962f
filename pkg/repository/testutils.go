package repository

import (
	"github.com/alicebob/miniredis/v2"
	"github.com/beam-cloud/airsync/pkg/common"
	"github.com/beam-cloud/airsync/pkg/types"
)

// NewRedisClientForTest creates a Redis client backed by miniredis for testing
func NewRedisClientForTest() (*common.RedisClient, error) {
	rdb, _, err := NewRedisClientAndServerForTest()
	return rdb, err
}

// NewRedisClientAndServerForTest also returns the miniredis server so tests
// can fast-forward TTLs
func NewRedisClientAndServerForTest() (*common.RedisClient, *miniredis.Miniredis, error) {
	s, err := miniredis.Run()
	if err != nil {
		return nil, nil, err
	}

	rdb, err := common.NewRedisClient(types.RedisConfig{
		Addrs: []string{s.Addr()},
		Mode:  types.RedisModeSingle,
	})
	if err != nil {
		s.Close()
		return nil, nil, err
	}

	return rdb, s, nil
}

// NewLockRedisRepositoryForTest creates a LockRepository backed by miniredis
func NewLockRedisRepositoryForTest(rdb *common.RedisClient) LockRepository {
	return NewLockRedisRepository(rdb)
}
