package reconciler

import (
	"context"
	"errors"
	"io/fs"

	"github.com/beam-cloud/airsync/pkg/common"
	"github.com/beam-cloud/airsync/pkg/fsbridge"
	"github.com/beam-cloud/airsync/pkg/types"
)

var editorWrite = fsbridge.WriteOptions{Origin: fsbridge.OriginEditor}

// Actor identifies the user and connection behind an editor operation.
// ClientID is excluded from the resulting broadcast.
type Actor struct {
	UserID   string
	ClientID string
}

// Editor operations update the canonical store first and then mirror the
// change into the sandbox. A failed mirror is not rolled back; the path is
// kept pending until the next forced sync.

func (r *Reconciler) CreateFile(ctx context.Context, actor Actor, parentID, name string, content []byte) (*types.Entry, error) {
	return r.create(ctx, actor, parentID, name, types.EntryKindFile, content)
}

func (r *Reconciler) CreateFolder(ctx context.Context, actor Actor, parentID, name string) (*types.Entry, error) {
	return r.create(ctx, actor, parentID, name, types.EntryKindFolder, nil)
}

func (r *Reconciler) create(ctx context.Context, actor Actor, parentID, name string, kind types.EntryKind, content []byte) (*types.Entry, error) {
	name, err := fsbridge.NormalizeName(name)
	if err != nil {
		return nil, err
	}

	var out *types.Entry
	err = r.submit(ctx, "create", func(ctx context.Context) error {
		e, err := r.store.CreateEntry(ctx, &types.Entry{
			ProjectID: r.projectID,
			ParentID:  parentID,
			Name:      name,
			Kind:      kind,
			Content:   content,
		})
		if err != nil {
			return err
		}

		change := types.ChangeFileCreated
		if e.IsFolder() {
			change = types.ChangeFolderCreated
			r.mirrorMkdir(ctx, e.Path)
		} else {
			r.mirrorWrite(ctx, e.Path, content)
		}

		r.publishChange(change, e, fsbridge.OriginEditor, actor.ClientID)
		out = e
		return nil
	})
	return out, err
}

func (r *Reconciler) SaveContent(ctx context.Context, actor Actor, id string, content []byte) (*types.Entry, error) {
	var out *types.Entry
	err := r.submit(ctx, "save", func(ctx context.Context) error {
		e, err := r.store.GetEntry(ctx, r.projectID, id)
		if err != nil {
			return err
		}
		if e.IsFolder() {
			return &types.ErrPathInvalid{Path: e.Path, Reason: "cannot write content to a folder"}
		}
		if e.ContentHash == common.ContentHash(content) {
			out = e
			return nil
		}

		e, err = r.store.UpdateContent(ctx, r.projectID, id, content)
		if err != nil {
			return err
		}
		r.mirrorWrite(ctx, e.Path, content)
		r.publishChange(types.ChangeFileModified, e, fsbridge.OriginEditor, actor.ClientID)
		out = e
		return nil
	})
	return out, err
}

// Rename changes the name of an entry in place
func (r *Reconciler) Rename(ctx context.Context, actor Actor, id, newName string) (*types.Entry, error) {
	newName, err := fsbridge.NormalizeName(newName)
	if err != nil {
		return nil, err
	}
	return r.move(ctx, actor, id, func(e *types.Entry) (string, string) { return e.ParentID, newName })
}

// Move reparents an entry, keeping its name
func (r *Reconciler) Move(ctx context.Context, actor Actor, id, newParentID string) (*types.Entry, error) {
	return r.move(ctx, actor, id, func(e *types.Entry) (string, string) { return newParentID, e.Name })
}

func (r *Reconciler) move(ctx context.Context, actor Actor, id string, target func(*types.Entry) (string, string)) (*types.Entry, error) {
	var out *types.Entry
	err := r.submit(ctx, "move", func(ctx context.Context) error {
		old, err := r.store.GetEntry(ctx, r.projectID, id)
		if err != nil {
			return err
		}

		parentID, name := target(old)
		if parentID == old.ParentID && name == old.Name {
			out = old
			return nil
		}

		e, err := r.store.MoveEntry(ctx, r.projectID, id, parentID, name)
		if err != nil {
			return err
		}

		r.moveTree(old.Path, e.Path)
		if err := r.bridge.Rename(ctx, old.Path, e.Path, editorWrite); err != nil {
			r.markPending(old.Path, err)
			r.markPending(e.Path, err)
		}

		r.publish(types.BroadcastEvent{
			Type: types.EventFileSystemUpdate,
			Data: types.FileSystemUpdate{
				Kind:    types.ChangeEntryMoved,
				Path:    e.Path,
				OldPath: old.Path,
				Entry:   e.Summary(),
				Origin:  string(fsbridge.OriginEditor),
			},
			Exclude: actor.ClientID,
		})
		out = e
		return nil
	})
	return out, err
}

// Delete removes an entry and its descendants, returning what was removed
func (r *Reconciler) Delete(ctx context.Context, actor Actor, id string) ([]*types.Entry, error) {
	var out []*types.Entry
	err := r.submit(ctx, "delete", func(ctx context.Context) error {
		e, err := r.store.GetEntry(ctx, r.projectID, id)
		if err != nil {
			return err
		}

		removed, err := r.store.DeleteEntry(ctx, r.projectID, id)
		if err != nil {
			return err
		}
		r.forgetTree(e.Path)

		if err := r.bridge.Remove(ctx, e.Path, editorWrite); err != nil {
			r.markPending(e.Path, err)
		}

		kind := types.ChangeFileDeleted
		if e.IsFolder() {
			kind = types.ChangeFolderDeleted
		}
		r.publishChange(kind, e, fsbridge.OriginEditor, actor.ClientID)
		out = removed
		return nil
	})
	return out, err
}

func (r *Reconciler) mirrorWrite(ctx context.Context, p string, content []byte) {
	if err := r.bridge.Write(ctx, p, content, editorWrite); err != nil {
		r.markPending(p, err)
		return
	}
	r.setHash(p, common.ContentHash(content))
	r.clearPending(p)
}

func (r *Reconciler) mirrorMkdir(ctx context.Context, p string) {
	if err := r.bridge.Mkdir(ctx, p, editorWrite); err != nil {
		r.markPending(p, err)
		return
	}
	r.clearPending(p)
}

// materialize makes the sandbox at p match the canonical store
func (r *Reconciler) materialize(ctx context.Context, p string) error {
	e, err := r.lookup(ctx, p)
	if err != nil {
		return err
	}
	if e == nil {
		return r.bridge.Remove(ctx, p, editorWrite)
	}
	if !e.IsFolder() {
		if err := r.bridge.Write(ctx, p, e.Content, editorWrite); err != nil {
			return err
		}
		r.setHash(p, e.ContentHash)
		return nil
	}

	if err := r.bridge.Mkdir(ctx, p, editorWrite); err != nil {
		return err
	}
	all, err := r.store.ListAll(ctx, r.projectID)
	if err != nil {
		return err
	}
	for _, child := range all {
		if !fsbridge.IsWithin(child.Path, p) || child.Path == p {
			continue
		}
		if child.IsFolder() {
			err = r.bridge.Mkdir(ctx, child.Path, editorWrite)
		} else if err = r.bridge.Write(ctx, child.Path, child.Content, editorWrite); err == nil {
			r.setHash(child.Path, child.ContentHash)
		}
		if err != nil && !errors.Is(err, fs.ErrExist) {
			return err
		}
	}
	return nil
}
