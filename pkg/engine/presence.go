package engine

import (
	"context"

	"github.com/beam-cloud/airsync/pkg/types"
)

// JoinProject subscribes a client to project events and marks its user present
func (e *Engine) JoinProject(ctx context.Context, projectID, userID, clientID string) ([]types.PresenceEntry, error) {
	if err := e.checkProject(ctx, userID, projectID); err != nil {
		return nil, err
	}
	room := types.ProjectRoom(projectID)
	e.hub.Join(room, clientID)
	e.presence.Join(room, userID, clientID)
	return e.presence.List(room), nil
}

// OpenFile subscribes a client to a file room for cursors, typing and locks
func (e *Engine) OpenFile(ctx context.Context, projectID, fileID, userID, clientID string) ([]types.PresenceEntry, error) {
	if err := e.checkProject(ctx, userID, projectID); err != nil {
		return nil, err
	}
	room := types.FileRoom(fileID)
	e.hub.Join(room, clientID)
	e.presence.Join(room, userID, clientID)
	return e.presence.List(room), nil
}

// LeaveRoom removes the client from room. The user drops off the presence
// list once none of their connections remain there.
func (e *Engine) LeaveRoom(room, userID, clientID string) {
	e.hub.Leave(room, clientID)
	e.presence.Leave(room, userID, clientID)
}

func (e *Engine) Cursor(room, userID string, cursor types.Cursor) bool {
	return e.presence.Cursor(room, userID, cursor)
}

func (e *Engine) TypingStart(room, userID string) bool {
	return e.presence.TypingStart(room, userID)
}

func (e *Engine) TypingStop(room, userID string) {
	e.presence.TypingStop(room, userID)
}

func (e *Engine) Presence(room string) []types.PresenceEntry {
	return e.presence.List(room)
}

// AcquireLock takes the advisory lock on a file. Only users who may edit the
// file can lock it.
func (e *Engine) AcquireLock(ctx context.Context, projectID, fileID, userID string) (*types.FileLock, error) {
	if err := e.checkEdit(ctx, userID, projectID, fileID); err != nil {
		return nil, err
	}
	return e.presence.AcquireLock(ctx, fileID, userID)
}

func (e *Engine) ReleaseLock(ctx context.Context, fileID, userID string) error {
	return e.presence.ReleaseLock(ctx, fileID, userID)
}

func (e *Engine) LockHolder(ctx context.Context, fileID string) (*types.FileLock, error) {
	return e.presence.Holder(ctx, fileID)
}

// Disconnect drops a client everywhere: rooms, presence and terminal
// subscriptions
func (e *Engine) Disconnect(clientID string) {
	if _, ok := e.hub.Client(clientID); ok {
		e.hub.Unregister(clientID)
		return
	}
	e.hub.LeaveAll(clientID)
	e.onClientDropped(clientID)
}
