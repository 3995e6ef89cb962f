package reconciler

import (
	"context"
	"sort"

	"github.com/beam-cloud/airsync/pkg/fsbridge"
	"github.com/beam-cloud/airsync/pkg/repository"
	"github.com/beam-cloud/airsync/pkg/types"
	"github.com/beam-cloud/airsync/pkg/watcher"
	"github.com/rs/zerolog/log"
)

// Hydrate writes the canonical tree into a freshly provisioned sandbox and
// takes a baseline scan so the watcher does not report it back. Returns the
// number of entries written.
func (r *Reconciler) Hydrate(ctx context.Context) (int, error) {
	var written int
	err := r.submit(ctx, "hydrate", func(ctx context.Context) error {
		entries, err := r.store.ListAll(ctx, r.projectID)
		if err != nil {
			return err
		}
		repository.SortByPath(entries)

		for _, e := range entries {
			if e.IsFolder() {
				r.mirrorMkdir(ctx, e.Path)
			} else {
				r.mirrorWrite(ctx, e.Path, e.Content)
			}
			written++
		}

		if r.scanner != nil {
			events, err := r.scanner.Scan(ctx)
			if err != nil {
				return err
			}
			r.applyEvents(ctx, events)
		}
		return nil
	})
	if err == nil {
		log.Info().Str("project_id", r.projectID).Int("entries", written).Msg("sandbox hydrated from canonical store")
	}
	return written, err
}

// ForceSync retries pending editor mirrors, forces a watcher scan and then
// reconciles the whole sandbox tree against the canonical store.
func (r *Reconciler) ForceSync(ctx context.Context) (types.SyncCounts, error) {
	var counts types.SyncCounts
	err := r.submit(ctx, "force_sync", func(ctx context.Context) error {
		r.retryPending(ctx)

		if r.scanner != nil {
			events, err := r.scanner.Scan(ctx)
			if err != nil {
				return err
			}
			counts.Add(r.applyEvents(ctx, events))
		}

		c, err := r.reconcileTree(ctx)
		counts.Add(c)
		return err
	})
	if err != nil {
		return counts, err
	}

	log.Info().
		Str("project_id", r.projectID).
		Int("created", counts.Created).
		Int("updated", counts.Updated).
		Int("deleted", counts.Deleted).
		Msg("forced sync complete")
	return counts, nil
}

func (r *Reconciler) retryPending(ctx context.Context) {
	for _, p := range r.Pending() {
		if err := r.materialize(ctx, p); err != nil {
			log.Warn().Err(err).Str("project_id", r.projectID).Str("path", p).Msg("pending path still failing")
			continue
		}
		r.clearPending(p)
	}
}

// reconcileTree creates and updates canonical entries from the sandbox tree
// and deletes canonical entries the sandbox no longer has
func (r *Reconciler) reconcileTree(ctx context.Context) (types.SyncCounts, error) {
	var counts types.SyncCounts

	tree, err := r.sandboxTree(ctx)
	if err != nil {
		return counts, err
	}

	entries, err := r.store.ListAll(ctx, r.projectID)
	if err != nil {
		return counts, err
	}
	byPath := make(map[string]*types.Entry, len(entries))
	for _, e := range entries {
		byPath[e.Path] = e
	}

	paths := make([]string, 0, len(tree))
	for p := range tree {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		n := tree[p]
		e := byPath[p]

		var c types.SyncCounts
		switch {
		case n.IsDir:
			if e != nil && e.IsFolder() {
				continue
			}
			_, c, err = r.ensureFolder(ctx, p)
		case watcher.IsOversized(n.Hash):
			continue
		case e == nil || e.IsFolder() || e.ContentHash != n.Hash:
			c, err = r.syncFile(ctx, p)
		default:
			r.setHash(p, n.Hash)
			continue
		}
		counts.Add(c)
		if err != nil {
			log.Warn().Err(err).Str("project_id", r.projectID).Str("path", p).Msg("skipping path during full reconcile")
		}
	}

	repository.SortByPath(entries)
	var removed []string
	for _, e := range entries {
		if _, ok := tree[e.Path]; ok {
			continue
		}
		if r.scanner != nil && r.scanner.Ignores(e.Path) {
			continue
		}
		if within(e.Path, removed) || r.isPendingTree(e.Path) {
			continue
		}

		c, err := r.deleteEntry(ctx, e, fsbridge.OriginSandbox, "")
		counts.Add(c)
		if err != nil {
			log.Warn().Err(err).Str("project_id", r.projectID).Str("path", e.Path).Msg("failed to delete entry missing from sandbox")
			continue
		}
		removed = append(removed, e.Path)
	}
	return counts, nil
}

// sandboxTree returns the watcher's latest snapshot, or walks the bridge
// when no watcher is attached
func (r *Reconciler) sandboxTree(ctx context.Context) (watcher.Snapshot, error) {
	if r.scanner != nil {
		return r.scanner.Current(), nil
	}

	tree := watcher.Snapshot{}
	err := r.bridge.Walk(ctx, "", func(fi types.FileInfo, hash string) error {
		tree[fi.Path] = watcher.Node{IsDir: fi.IsDir, Size: fi.Size, ModTime: fi.ModTime, Hash: hash}
		return nil
	})
	return tree, err
}

func within(p string, dirs []string) bool {
	for _, d := range dirs {
		if fsbridge.IsWithin(p, d) {
			return true
		}
	}
	return false
}
