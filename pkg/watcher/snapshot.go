package watcher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/beam-cloud/airsync/pkg/common"
	"github.com/beam-cloud/airsync/pkg/fsbridge"
	"github.com/beam-cloud/airsync/pkg/types"
)

// Node is the watcher's view of one path
type Node struct {
	IsDir   bool
	Size    int64
	ModTime time.Time
	Hash    string
}

// Snapshot maps root-relative paths to nodes
type Snapshot map[string]Node

func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// oversizedHash stands in for content hashes of files above the size limit
func oversizedHash(size int64, mtime time.Time) string {
	return "~" + strconv.FormatInt(size, 16) + "-" + strconv.FormatInt(mtime.UnixNano(), 16)
}

// IsOversized reports whether a hash came from a file above the size limit
func IsOversized(hash string) bool {
	return strings.HasPrefix(hash, "~")
}

type ignoreMatcher []string

func (m ignoreMatcher) match(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if strings.HasPrefix(seg, fsbridge.TempPrefix) {
			return true
		}
		for _, pattern := range m {
			if seg == pattern {
				return true
			}
			if ok, _ := filepath.Match(pattern, seg); ok {
				return true
			}
		}
	}
	return false
}

// takeSnapshot walks root. Content is only re-hashed when size or mtime
// changed since prev.
func takeSnapshot(ctx context.Context, root string, prev Snapshot, ignore ignoreMatcher, maxFileSize int64) (Snapshot, error) {
	snap := make(Snapshot, len(prev))

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Entries can vanish mid-walk
			if errors.Is(err, fs.ErrNotExist) && p != root {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p == root {
			return nil
		}
		if d.Type()&os.ModeSymlink != 0 {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if ignore.match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}

		if d.IsDir() {
			snap[rel] = Node{IsDir: true, ModTime: info.ModTime(), Hash: common.FolderHash}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		node := Node{Size: info.Size(), ModTime: info.ModTime()}
		if old, ok := prev[rel]; ok && !old.IsDir && old.Size == node.Size && old.ModTime.Equal(node.ModTime) {
			node.Hash = old.Hash
		} else if maxFileSize > 0 && node.Size > maxFileSize {
			node.Hash = oversizedHash(node.Size, node.ModTime)
		} else {
			f, err := os.Open(p)
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			if err != nil {
				return err
			}
			node.Hash, err = common.ReaderHash(f)
			f.Close()
			if err != nil {
				return err
			}
		}
		snap[rel] = node
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Diff computes the change events that turn prev into cur. Deletions come
// first, children before their folders; creations and modifications follow,
// folders before their children. A path that changed type is deleted and
// recreated.
func Diff(prev, cur Snapshot, now time.Time) []types.ChangeEvent {
	var deletes, upserts []types.ChangeEvent

	for p, old := range prev {
		n, ok := cur[p]
		if ok && n.IsDir == old.IsDir {
			continue
		}
		kind := types.ChangeFileDeleted
		if old.IsDir {
			kind = types.ChangeFolderDeleted
		}
		deletes = append(deletes, types.ChangeEvent{Kind: kind, Path: p, Timestamp: now})
	}

	for p, n := range cur {
		old, ok := prev[p]
		switch {
		case !ok || old.IsDir != n.IsDir:
			kind := types.ChangeFileCreated
			if n.IsDir {
				kind = types.ChangeFolderCreated
			}
			upserts = append(upserts, types.ChangeEvent{Kind: kind, Path: p, Timestamp: now, Hash: n.Hash})
		case !n.IsDir && old.Hash != n.Hash:
			upserts = append(upserts, types.ChangeEvent{Kind: types.ChangeFileModified, Path: p, Timestamp: now, Hash: n.Hash})
		}
	}

	sort.Slice(deletes, func(i, j int) bool { return deletes[i].Path > deletes[j].Path })
	sort.Slice(upserts, func(i, j int) bool { return upserts[i].Path < upserts[j].Path })
	return append(deletes, upserts...)
}
