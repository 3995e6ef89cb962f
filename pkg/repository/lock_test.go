package repository

import (
	"context"
	"testing"
	"time"

	"github.com/beam-cloud/airsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lockRepositories(t *testing.T) map[string]LockRepository {
	rdb, err := NewRedisClientForTest()
	require.NoError(t, err)

	return map[string]LockRepository{
		"memory": NewLockMemoryRepository(),
		"redis":  NewLockRedisRepositoryForTest(rdb),
	}
}

func TestLockRepository_Exclusive(t *testing.T) {
	for name, repo := range lockRepositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			lock, err := repo.Acquire(ctx, "f1", "alice", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, "alice", lock.HolderID)

			_, err = repo.Acquire(ctx, "f1", "bob", time.Minute)
			require.Error(t, err)
			assert.True(t, (&types.ErrAlreadyLocked{}).From(err))

			holder, err := repo.Holder(ctx, "f1")
			require.NoError(t, err)
			require.NotNil(t, holder)
			assert.Equal(t, "alice", holder.HolderID)
		})
	}
}

func TestLockRepository_IdempotentForHolder(t *testing.T) {
	for name, repo := range lockRepositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first, err := repo.Acquire(ctx, "f1", "alice", time.Minute)
			require.NoError(t, err)

			second, err := repo.Acquire(ctx, "f1", "alice", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, first.HolderID, second.HolderID)
			assert.Equal(t, first.AcquiredAt.UnixMilli(), second.AcquiredAt.UnixMilli())
		})
	}
}

func TestLockRepository_Release(t *testing.T) {
	for name, repo := range lockRepositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := repo.Acquire(ctx, "f1", "alice", time.Minute)
			require.NoError(t, err)

			err = repo.Release(ctx, "f1", "bob")
			assert.True(t, (&types.ErrNotLockHolder{}).From(err))

			require.NoError(t, repo.Release(ctx, "f1", "alice"))

			holder, err := repo.Holder(ctx, "f1")
			require.NoError(t, err)
			assert.Nil(t, holder)

			err = repo.Release(ctx, "f1", "alice")
			assert.True(t, (&types.ErrNotLockHolder{}).From(err))

			_, err = repo.Acquire(ctx, "f1", "bob", time.Minute)
			assert.NoError(t, err)
		})
	}
}

func TestLockRedisRepository_Expires(t *testing.T) {
	rdb, srv, err := NewRedisClientAndServerForTest()
	require.NoError(t, err)
	defer srv.Close()

	repo := NewLockRedisRepository(rdb)
	ctx := context.Background()

	_, err = repo.Acquire(ctx, "f1", "alice", 2*time.Second)
	require.NoError(t, err)

	srv.FastForward(3 * time.Second)

	lock, err := repo.Acquire(ctx, "f1", "bob", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "bob", lock.HolderID)
}

func TestLockMemoryRepository_Expires(t *testing.T) {
	repo := NewLockMemoryRepository()
	ctx := context.Background()

	_, err := repo.Acquire(ctx, "f1", "alice", 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	holder, err := repo.Holder(ctx, "f1")
	require.NoError(t, err)
	assert.Nil(t, holder)
}
