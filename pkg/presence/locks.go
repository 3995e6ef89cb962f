package presence

import (
	"context"
	"sort"
	"time"

	"github.com/beam-cloud/airsync/pkg/types"
	"github.com/rs/zerolog/log"
)

func (c *Coordinator) publishLock(fileID string, lock *types.FileLock) {
	if c.pub == nil {
		return
	}
	payload := types.LockChanged{FileID: fileID, At: time.Now()}
	if lock != nil {
		payload.Locked = true
		payload.HolderID = lock.HolderID
	}
	c.pub.Publish(types.BroadcastEvent{
		Type: types.EventLockChanged,
		Room: types.FileRoom(fileID),
		Data: payload,
	})
}

func (c *Coordinator) track(userID, fileID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	files, ok := c.held[userID]
	if !ok {
		files = make(map[string]struct{})
		c.held[userID] = files
	}
	_, had := files[fileID]
	files[fileID] = struct{}{}
	return !had
}

func (c *Coordinator) untrack(userID, fileID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if files, ok := c.held[userID]; ok {
		delete(files, fileID)
		if len(files) == 0 {
			delete(c.held, userID)
		}
	}
}

// AcquireLock takes the advisory lock on fileID for userID. Acquiring a lock
// the user already holds refreshes it without a new notification.
func (c *Coordinator) AcquireLock(ctx context.Context, fileID, userID string) (*types.FileLock, error) {
	lock, err := c.locks.Acquire(ctx, fileID, userID, c.cfg.LockTTL)
	if err != nil {
		return nil, err
	}

	if c.track(userID, fileID) {
		c.publishLock(fileID, lock)
	}
	return lock, nil
}

// ReleaseLock drops userID's lock on fileID
func (c *Coordinator) ReleaseLock(ctx context.Context, fileID, userID string) error {
	err := c.locks.Release(ctx, fileID, userID)
	c.untrack(userID, fileID)
	if err != nil {
		return err
	}

	c.publishLock(fileID, nil)
	return nil
}

// Holder returns the current lock on fileID, or nil when unlocked
func (c *Coordinator) Holder(ctx context.Context, fileID string) (*types.FileLock, error) {
	return c.locks.Holder(ctx, fileID)
}

// HeldBy returns the file IDs userID locked through this coordinator
func (c *Coordinator) HeldBy(userID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.held[userID]))
	for fileID := range c.held[userID] {
		out = append(out, fileID)
	}
	sort.Strings(out)
	return out
}

func (c *Coordinator) releaseAll(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, fileID := range c.HeldBy(userID) {
		if err := c.ReleaseLock(ctx, fileID, userID); err != nil && !(&types.ErrNotLockHolder{}).From(err) {
			log.Warn().Err(err).Str("file_id", fileID).Str("user_id", userID).Msg("unable to release lock")
			continue
		}
		log.Debug().Str("file_id", fileID).Str("user_id", userID).Msg("released lock of disconnected user")
	}
}

// Run refreshes held locks until ctx is done so they outlive their TTL only
// while the holder is still connected.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.LockTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refresh(ctx)
		}
	}
}

func (c *Coordinator) refresh(ctx context.Context) {
	c.mu.Lock()
	held := make(map[string][]string, len(c.held))
	for userID, files := range c.held {
		for fileID := range files {
			held[userID] = append(held[userID], fileID)
		}
	}
	c.mu.Unlock()

	for userID, files := range held {
		for _, fileID := range files {
			_, err := c.locks.Acquire(ctx, fileID, userID, c.cfg.LockTTL)
			if err == nil {
				continue
			}

			// Lost to expiry and someone else took it
			if (&types.ErrAlreadyLocked{}).From(err) {
				c.untrack(userID, fileID)
				log.Info().Str("file_id", fileID).Str("user_id", userID).Msg("lock lost")
				continue
			}
			log.Warn().Err(err).Str("file_id", fileID).Msg("unable to refresh lock")
		}
	}
}
