package engine

import (
	"context"

	"github.com/beam-cloud/airsync/pkg/reconciler"
	"github.com/beam-cloud/airsync/pkg/types"
)

// Actor identifies the user and connection behind an editor operation
type Actor = reconciler.Actor

// Editor operations are capability-checked, then applied to the canonical
// store and mirrored into the project's sandbox.

func (e *Engine) CreateFile(ctx context.Context, projectID string, actor Actor, parentID, name string, content []byte) (*types.Entry, error) {
	if err := e.checkEdit(ctx, actor.UserID, projectID, parentID); err != nil {
		return nil, err
	}
	ws, err := e.workspace(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return ws.reconciler.CreateFile(ctx, actor, parentID, name, content)
}

func (e *Engine) CreateFolder(ctx context.Context, projectID string, actor Actor, parentID, name string) (*types.Entry, error) {
	if err := e.checkEdit(ctx, actor.UserID, projectID, parentID); err != nil {
		return nil, err
	}
	ws, err := e.workspace(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return ws.reconciler.CreateFolder(ctx, actor, parentID, name)
}

func (e *Engine) SaveContent(ctx context.Context, projectID string, actor Actor, fileID string, content []byte) (*types.Entry, error) {
	if err := e.checkEdit(ctx, actor.UserID, projectID, fileID); err != nil {
		return nil, err
	}
	ws, err := e.workspace(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return ws.reconciler.SaveContent(ctx, actor, fileID, content)
}

func (e *Engine) Rename(ctx context.Context, projectID string, actor Actor, id, newName string) (*types.Entry, error) {
	if err := e.checkEdit(ctx, actor.UserID, projectID, id); err != nil {
		return nil, err
	}
	ws, err := e.workspace(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return ws.reconciler.Rename(ctx, actor, id, newName)
}

// Move requires edit rights on both the entry and its new parent
func (e *Engine) Move(ctx context.Context, projectID string, actor Actor, id, newParentID string) (*types.Entry, error) {
	if err := e.checkEdit(ctx, actor.UserID, projectID, id); err != nil {
		return nil, err
	}
	if err := e.checkEdit(ctx, actor.UserID, projectID, newParentID); err != nil {
		return nil, err
	}
	ws, err := e.workspace(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return ws.reconciler.Move(ctx, actor, id, newParentID)
}

func (e *Engine) Delete(ctx context.Context, projectID string, actor Actor, id string) ([]*types.Entry, error) {
	if err := e.checkEdit(ctx, actor.UserID, projectID, id); err != nil {
		return nil, err
	}
	ws, err := e.workspace(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return ws.reconciler.Delete(ctx, actor, id)
}

// ListEntries returns the canonical tree of a project without content
func (e *Engine) ListEntries(ctx context.Context, userID, projectID string) ([]*types.Entry, error) {
	if err := e.checkProject(ctx, userID, projectID); err != nil {
		return nil, err
	}
	entries, err := e.store.ListAll(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Entry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Summary())
	}
	return out, nil
}

// GetEntry returns one canonical entry with its content
func (e *Engine) GetEntry(ctx context.Context, userID, projectID, id string) (*types.Entry, error) {
	if err := e.checkProject(ctx, userID, projectID); err != nil {
		return nil, err
	}
	return e.store.GetEntry(ctx, projectID, id)
}
