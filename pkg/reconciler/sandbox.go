package reconciler

import (
	"context"
	"errors"
	"io/fs"
	"path"

	"github.com/beam-cloud/airsync/pkg/common"
	"github.com/beam-cloud/airsync/pkg/fsbridge"
	"github.com/beam-cloud/airsync/pkg/types"
	"github.com/beam-cloud/airsync/pkg/watcher"
	"github.com/rs/zerolog/log"
)

func (r *Reconciler) applyEvents(ctx context.Context, events []types.ChangeEvent) types.SyncCounts {
	var counts types.SyncCounts
	for _, ev := range events {
		c, err := r.applyChange(ctx, ev)
		counts.Add(c)
		if err != nil {
			log.Warn().Err(err).
				Str("project_id", r.projectID).
				Str("path", ev.Path).
				Str("kind", string(ev.Kind)).
				Msg("skipping sandbox change")
		}
	}
	return counts
}

func (r *Reconciler) applyChange(ctx context.Context, ev types.ChangeEvent) (types.SyncCounts, error) {
	switch ev.Kind {
	case types.ChangeFolderCreated:
		_, counts, err := r.ensureFolder(ctx, ev.Path)
		return counts, err
	case types.ChangeFileCreated, types.ChangeFileModified:
		if watcher.IsOversized(ev.Hash) {
			log.Debug().Str("project_id", r.projectID).Str("path", ev.Path).Msg("file above size limit, content not synced")
			return types.SyncCounts{}, nil
		}
		return r.syncFile(ctx, ev.Path)
	case types.ChangeFileDeleted, types.ChangeFolderDeleted:
		return r.removePath(ctx, ev.Path)
	}
	return types.SyncCounts{}, nil
}

// ensureFolder makes sure a canonical folder exists at p, synthesizing
// missing parents top-down
func (r *Reconciler) ensureFolder(ctx context.Context, p string) (*types.Entry, types.SyncCounts, error) {
	var counts types.SyncCounts

	ancestors := fsbridge.Ancestors(p)
	dirs := make([]string, 0, len(ancestors)+1)
	for i := len(ancestors) - 1; i >= 0; i-- {
		dirs = append(dirs, ancestors[i])
	}
	dirs = append(dirs, p)

	parentID := types.RootParentID
	var folder *types.Entry
	for _, dir := range dirs {
		e, c, err := r.folderAt(ctx, parentID, dir)
		counts.Add(c)
		if err != nil {
			return nil, counts, err
		}
		parentID = e.ID
		folder = e
	}
	return folder, counts, nil
}

func (r *Reconciler) folderAt(ctx context.Context, parentID, dir string) (*types.Entry, types.SyncCounts, error) {
	var counts types.SyncCounts

	existing, err := r.lookup(ctx, dir)
	if err != nil {
		return nil, counts, err
	}
	if existing != nil {
		if existing.IsFolder() {
			return existing, counts, nil
		}
		// A stale file record sits where the sandbox now has a folder
		d, err := r.deleteEntry(ctx, existing, fsbridge.OriginSandbox, "")
		counts.Add(d)
		if err != nil {
			return nil, counts, err
		}
	}

	e, err := r.store.CreateEntry(ctx, &types.Entry{
		ProjectID: r.projectID,
		ParentID:  parentID,
		Name:      path.Base(dir),
		Kind:      types.EntryKindFolder,
	})
	if (&types.ErrEntryExists{}).From(err) {
		e, err = r.lookup(ctx, dir)
		if err == nil && e == nil {
			err = &types.ErrEntryNotFound{ProjectID: r.projectID, Key: dir}
		}
		return e, counts, err
	}
	if err != nil {
		return nil, counts, err
	}

	counts.Created++
	r.publishChange(types.ChangeFolderCreated, e, fsbridge.OriginSandbox, "")
	return e, counts, nil
}

func (r *Reconciler) parentFor(ctx context.Context, p string) (string, types.SyncCounts, error) {
	dir := fsbridge.ParentOf(p)
	if dir == "" {
		return types.RootParentID, types.SyncCounts{}, nil
	}
	folder, counts, err := r.ensureFolder(ctx, dir)
	if err != nil {
		return "", counts, err
	}
	return folder.ID, counts, nil
}

// syncFile copies the sandbox content of p into the canonical store. A
// created event for an existing entry is handled as a modification.
func (r *Reconciler) syncFile(ctx context.Context, p string) (types.SyncCounts, error) {
	var counts types.SyncCounts

	content, err := r.bridge.Read(ctx, p)
	if errors.Is(err, fs.ErrNotExist) {
		// Gone again; the delete arrives with a later scan
		return counts, nil
	}
	if err != nil {
		return counts, err
	}
	if r.cfg.MaxFileSize > 0 && int64(len(content)) > r.cfg.MaxFileSize {
		log.Debug().Str("project_id", r.projectID).Str("path", p).Int("size", len(content)).Msg("file above size limit, content not synced")
		return counts, nil
	}
	hash := common.ContentHash(content)

	existing, err := r.lookup(ctx, p)
	if err != nil {
		return counts, err
	}
	if existing != nil && existing.IsFolder() {
		d, err := r.deleteEntry(ctx, existing, fsbridge.OriginSandbox, "")
		counts.Add(d)
		if err != nil {
			return counts, err
		}
		existing = nil
	}

	if existing == nil {
		parentID, c, err := r.parentFor(ctx, p)
		counts.Add(c)
		if err != nil {
			return counts, err
		}

		e, err := r.store.CreateEntry(ctx, &types.Entry{
			ProjectID: r.projectID,
			ParentID:  parentID,
			Name:      path.Base(p),
			Kind:      types.EntryKindFile,
			Content:   content,
		})
		if err == nil {
			r.setHash(p, hash)
			r.clearPending(p)
			counts.Created++
			r.publishChange(types.ChangeFileCreated, e, fsbridge.OriginSandbox, "")
			return counts, nil
		}
		if !(&types.ErrEntryExists{}).From(err) {
			return counts, err
		}

		// Someone created the path first; continue as a modification
		if existing, err = r.lookup(ctx, p); err != nil || existing == nil {
			return counts, err
		}
	}

	if existing.ContentHash == hash {
		r.setHash(p, hash)
		r.clearPending(p)
		return counts, nil
	}

	if last, ok := r.knownHash(p); ok && existing.ContentHash != last {
		// Both sides changed since the last sync; the sandbox write is newer
		log.Warn().Err(&types.ErrSyncConflict{Path: p}).Str("project_id", r.projectID).Msg("concurrent edit, keeping sandbox version")
		r.publish(types.BroadcastEvent{
			Type: types.EventSyncConflict,
			Data: types.SyncConflict{
				Path:    p,
				EntryID: existing.ID,
				Message: "file changed in the editor and in the sandbox; the sandbox version was kept",
				Reload:  true,
			},
		})
	}

	e, err := r.store.UpdateContent(ctx, r.projectID, existing.ID, content)
	if err != nil {
		return counts, err
	}
	r.setHash(p, hash)
	r.clearPending(p)
	counts.Updated++
	r.publishChange(types.ChangeFileModified, e, fsbridge.OriginSandbox, "")
	return counts, nil
}

// removePath deletes the canonical entry at p, if any. Paths with editor
// changes still waiting to reach the sandbox are kept.
func (r *Reconciler) removePath(ctx context.Context, p string) (types.SyncCounts, error) {
	if r.isPendingTree(p) {
		log.Debug().Str("project_id", r.projectID).Str("path", p).Msg("sandbox delete of pending path ignored")
		return types.SyncCounts{}, nil
	}

	existing, err := r.lookup(ctx, p)
	if err != nil || existing == nil {
		return types.SyncCounts{}, err
	}
	return r.deleteEntry(ctx, existing, fsbridge.OriginSandbox, "")
}

func (r *Reconciler) deleteEntry(ctx context.Context, e *types.Entry, origin fsbridge.Origin, exclude string) (types.SyncCounts, error) {
	removed, err := r.store.DeleteEntry(ctx, r.projectID, e.ID)
	if (&types.ErrEntryNotFound{}).From(err) {
		return types.SyncCounts{}, nil
	}
	if err != nil {
		return types.SyncCounts{}, err
	}

	r.forgetTree(e.Path)

	kind := types.ChangeFileDeleted
	if e.IsFolder() {
		kind = types.ChangeFolderDeleted
	}
	r.publishChange(kind, e, origin, exclude)
	return types.SyncCounts{Deleted: len(removed)}, nil
}
