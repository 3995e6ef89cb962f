package repository

import (
	"context"
	"time"

	"github.com/beam-cloud/airsync/pkg/types"
)

// CanonicalStore holds the authoritative file and folder records of every
// project. Paths are root-relative and unique per project.
type CanonicalStore interface {
	GetEntry(ctx context.Context, projectID, id string) (*types.Entry, error)
	GetEntryByPath(ctx context.Context, projectID, path string) (*types.Entry, error)

	// CreateEntry computes the path from the parent chain and assigns an ID
	// when none is set. Returns ErrEntryExists if the path is taken.
	CreateEntry(ctx context.Context, entry *types.Entry) (*types.Entry, error)
	UpdateContent(ctx context.Context, projectID, id string, content []byte) (*types.Entry, error)

	// DeleteEntry removes the entry and all of its descendants, returning
	// everything that was removed (parents first).
	DeleteEntry(ctx context.Context, projectID, id string) ([]*types.Entry, error)

	// MoveEntry renames and/or reparents an entry, rewriting descendant paths
	MoveEntry(ctx context.Context, projectID, id, newParentID, newName string) (*types.Entry, error)

	ListChildren(ctx context.Context, projectID, parentID string) ([]*types.Entry, error)
	ListAll(ctx context.Context, projectID string) ([]*types.Entry, error)
}

// LockRepository stores advisory file locks
type LockRepository interface {
	// Acquire takes the lock or refreshes it for the current holder.
	// Returns ErrAlreadyLocked when someone else holds it.
	Acquire(ctx context.Context, fileID, userID string, ttl time.Duration) (*types.FileLock, error)

	// Release returns ErrNotLockHolder if userID does not hold the lock
	Release(ctx context.Context, fileID, userID string) error

	// Holder returns nil when the file is not locked
	Holder(ctx context.Context, fileID string) (*types.FileLock, error)
}
