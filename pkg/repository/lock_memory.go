package repository

import (
	"context"
	"sync"
	"time"

	"github.com/beam-cloud/airsync/pkg/types"
)

type memoryLock struct {
	lock      types.FileLock
	expiresAt time.Time
}

// LockMemoryRepository implements LockRepository in process memory
type LockMemoryRepository struct {
	mu    sync.Mutex
	locks map[string]*memoryLock
}

func NewLockMemoryRepository() *LockMemoryRepository {
	return &LockMemoryRepository{
		locks: make(map[string]*memoryLock),
	}
}

func (r *LockMemoryRepository) current(fileID string, now time.Time) *memoryLock {
	l, ok := r.locks[fileID]
	if !ok {
		return nil
	}
	if !l.expiresAt.IsZero() && now.After(l.expiresAt) {
		delete(r.locks, fileID)
		return nil
	}
	return l
}

func (r *LockMemoryRepository) Acquire(ctx context.Context, fileID, userID string, ttl time.Duration) (*types.FileLock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}

	if l := r.current(fileID, now); l != nil {
		if l.lock.HolderID != userID {
			return nil, &types.ErrAlreadyLocked{FileID: fileID, HolderID: l.lock.HolderID}
		}
		l.expiresAt = expiresAt
		lock := l.lock
		return &lock, nil
	}

	l := &memoryLock{
		lock:      types.FileLock{FileID: fileID, HolderID: userID, AcquiredAt: now},
		expiresAt: expiresAt,
	}
	r.locks[fileID] = l
	lock := l.lock
	return &lock, nil
}

func (r *LockMemoryRepository) Release(ctx context.Context, fileID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	l := r.current(fileID, time.Now())
	if l == nil || l.lock.HolderID != userID {
		return &types.ErrNotLockHolder{FileID: fileID, UserID: userID}
	}
	delete(r.locks, fileID)
	return nil
}

func (r *LockMemoryRepository) Holder(ctx context.Context, fileID string) (*types.FileLock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l := r.current(fileID, time.Now())
	if l == nil {
		return nil, nil
	}
	lock := l.lock
	return &lock, nil
}
