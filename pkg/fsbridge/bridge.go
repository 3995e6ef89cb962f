package fsbridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/beam-cloud/airsync/pkg/common"
	"github.com/beam-cloud/airsync/pkg/types"
	"github.com/rs/zerolog/log"
)

// Origin identifies who caused a filesystem mutation
type Origin string

const (
	OriginEditor  Origin = "editor"
	OriginSandbox Origin = "sandbox"
)

// TempPrefix marks in-flight writes; watchers skip these names
const TempPrefix = ".airsync-"

type WriteOptions struct {
	Origin Origin
}

// Config for creating a Bridge
type Config struct {
	Retry     common.RetryPolicy
	OpTimeout time.Duration

	// OnFailure is called when an operation exhausts its retries
	OnFailure func(error)
}

// Bridge performs idempotent file operations inside one sandbox working
// directory. Editor-originated mutations are recorded in the echo tracker
// before they touch the disk.
type Bridge struct {
	root string
	echo *EchoTracker
	cfg  Config
}

func New(root string, echo *EchoTracker, cfg Config) *Bridge {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 10 * time.Second
	}
	if echo == nil {
		echo = NewEchoTracker(0, 0)
	}
	return &Bridge{root: root, echo: echo, cfg: cfg}
}

func (b *Bridge) Root() string {
	return b.root
}

func (b *Bridge) Echo() *EchoTracker {
	return b.echo
}

func (b *Bridge) abs(rel string) string {
	return filepath.Join(b.root, filepath.FromSlash(rel))
}

// do runs op with the per-operation timeout and retry policy. Errors that
// retrying cannot fix are returned immediately.
func (b *Bridge) do(ctx context.Context, name, path string, op func() error) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.OpTimeout)
	defer cancel()

	err := b.cfg.Retry.Do(ctx, func() error {
		err := op()
		if err != nil && isPermanent(err) {
			return common.Permanent(err)
		}
		return err
	})
	if err == nil || isPermanent(err) {
		return err
	}

	log.Warn().Err(err).Str("op", name).Str("path", path).Msg("sandbox filesystem operation failed")
	if b.cfg.OnFailure != nil {
		b.cfg.OnFailure(err)
	}
	return fmt.Errorf("%s %s: %w", name, path, err)
}

func isPermanent(err error) bool {
	var pathErr *types.ErrPathInvalid
	return errors.As(err, &pathErr) ||
		errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, fs.ErrExist) ||
		errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// checkNoSymlinks rejects paths that traverse a symlink below the root
func (b *Bridge) checkNoSymlinks(rel string) error {
	cur := b.root
	for _, seg := range splitPath(rel) {
		cur = filepath.Join(cur, seg)
		info, err := os.Lstat(cur)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return &types.ErrPathInvalid{Path: rel, Reason: "path crosses a symlink"}
		}
	}
	return nil
}

func splitPath(rel string) []string {
	var out []string
	start := 0
	for i := 0; i < len(rel); i++ {
		if rel[i] == '/' {
			out = append(out, rel[start:i])
			start = i + 1
		}
	}
	return append(out, rel[start:])
}

func (b *Bridge) prepare(path string) (string, error) {
	rel, err := NormalizePath(path)
	if err != nil {
		return "", err
	}
	if err := b.checkNoSymlinks(rel); err != nil {
		return "", err
	}
	return rel, nil
}

// Write stores content at path, creating parent folders. Writing content
// that is already on disk is a no-op.
func (b *Bridge) Write(ctx context.Context, path string, content []byte, opts WriteOptions) error {
	rel, err := b.prepare(path)
	if err != nil {
		return err
	}
	hash := common.ContentHash(content)
	target := b.abs(rel)

	return b.do(ctx, "write", rel, func() error {
		if info, err := os.Lstat(target); err == nil && info.IsDir() {
			return &types.ErrPathInvalid{Path: rel, Reason: "is a folder"}
		}
		if existing, err := os.ReadFile(target); err == nil && bytes.Equal(existing, content) {
			return nil
		}

		if err := b.mkdirAll(ParentOf(rel), opts); err != nil {
			return err
		}
		if opts.Origin == OriginEditor {
			b.echo.Tag(rel, hash)
		}

		tmp, err := os.CreateTemp(filepath.Dir(target), TempPrefix+"*")
		if err != nil {
			return err
		}
		tmpName := tmp.Name()
		if _, err := tmp.Write(content); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return err
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmpName)
			return err
		}
		if err := os.Chmod(tmpName, 0644); err != nil {
			os.Remove(tmpName)
			return err
		}
		if err := os.Rename(tmpName, target); err != nil {
			os.Remove(tmpName)
			return err
		}
		return nil
	})
}

func (b *Bridge) Read(ctx context.Context, path string) ([]byte, error) {
	rel, err := b.prepare(path)
	if err != nil {
		return nil, err
	}

	var content []byte
	err = b.do(ctx, "read", rel, func() error {
		var err error
		content, err = os.ReadFile(b.abs(rel))
		return err
	})
	return content, err
}

// List returns the direct children of a folder ("" lists the root)
func (b *Bridge) List(ctx context.Context, path string) ([]types.FileInfo, error) {
	rel := ""
	if path != "" && path != "/" && path != "." {
		var err error
		if rel, err = b.prepare(path); err != nil {
			return nil, err
		}
	}

	var out []types.FileInfo
	err := b.do(ctx, "list", rel, func() error {
		entries, err := os.ReadDir(b.abs(rel))
		if err != nil {
			return err
		}
		out = out[:0]
		for _, e := range entries {
			info, err := e.Info()
			if err != nil {
				continue
			}
			if info.Mode()&os.ModeSymlink != 0 {
				continue
			}
			out = append(out, fileInfo(joinRel(rel, e.Name()), info))
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, err
}

func (b *Bridge) Stat(ctx context.Context, path string) (types.FileInfo, error) {
	rel, err := b.prepare(path)
	if err != nil {
		return types.FileInfo{}, err
	}

	var fi types.FileInfo
	err = b.do(ctx, "stat", rel, func() error {
		info, err := os.Lstat(b.abs(rel))
		if err != nil {
			return err
		}
		fi = fileInfo(rel, info)
		return nil
	})
	return fi, err
}

// Mkdir creates a folder and any missing parents. Existing folders are a no-op.
func (b *Bridge) Mkdir(ctx context.Context, path string, opts WriteOptions) error {
	rel, err := b.prepare(path)
	if err != nil {
		return err
	}
	return b.do(ctx, "mkdir", rel, func() error {
		return b.mkdirAll(rel, opts)
	})
}

// mkdirAll creates missing folders top-down, tagging each one it creates
func (b *Bridge) mkdirAll(rel string, opts WriteOptions) error {
	if rel == "" {
		return nil
	}

	dirs := append([]string{rel}, Ancestors(rel)...)
	for i := len(dirs) - 1; i >= 0; i-- {
		dir := b.abs(dirs[i])
		info, err := os.Lstat(dir)
		if err == nil {
			if !info.IsDir() {
				return &types.ErrPathInvalid{Path: dirs[i], Reason: "not a folder"}
			}
			continue
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if opts.Origin == OriginEditor {
			b.echo.Tag(dirs[i], common.FolderHash)
		}
		if err := os.Mkdir(dir, 0755); err != nil && !errors.Is(err, fs.ErrExist) {
			return err
		}
	}
	return nil
}

// Remove deletes a file or a folder tree. Missing paths are a no-op.
func (b *Bridge) Remove(ctx context.Context, path string, opts WriteOptions) error {
	rel, err := b.prepare(path)
	if err != nil {
		return err
	}
	return b.do(ctx, "remove", rel, func() error {
		target := b.abs(rel)
		if _, err := os.Lstat(target); errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if opts.Origin == OriginEditor {
			b.echo.Tag(rel, common.DeletedHash)
		}
		return os.RemoveAll(target)
	})
}

// Rename moves a file or folder. Renaming onto itself, or a source that is
// gone while the destination exists, is a no-op.
func (b *Bridge) Rename(ctx context.Context, from, to string, opts WriteOptions) error {
	relFrom, err := b.prepare(from)
	if err != nil {
		return err
	}
	relTo, err := b.prepare(to)
	if err != nil {
		return err
	}
	if relFrom == relTo {
		return nil
	}
	if IsWithin(relTo, relFrom) {
		return &types.ErrPathInvalid{Path: relTo, Reason: "cannot move a folder into itself"}
	}

	return b.do(ctx, "rename", relFrom, func() error {
		src, dst := b.abs(relFrom), b.abs(relTo)
		if _, err := os.Lstat(src); errors.Is(err, fs.ErrNotExist) {
			if _, err := os.Lstat(dst); err == nil {
				return nil
			}
			return err
		}
		if _, err := os.Lstat(dst); err == nil {
			return &types.ErrPathInvalid{Path: relTo, Reason: "destination exists"}
		}

		if err := b.mkdirAll(ParentOf(relTo), opts); err != nil {
			return err
		}

		if opts.Origin == OriginEditor {
			// The watcher sees a rename as deletes plus creates
			b.echo.Tag(relFrom, common.DeletedHash)
			err := b.walk(relFrom, func(fi types.FileInfo, hash string) error {
				b.echo.Tag(relTo+fi.Path[len(relFrom):], hash)
				return nil
			})
			if err != nil {
				return err
			}
		}

		return os.Rename(src, dst)
	})
}

// Walk visits path and everything below it, parents before children
func (b *Bridge) Walk(ctx context.Context, path string, fn func(fi types.FileInfo, hash string) error) error {
	rel := ""
	if path != "" && path != "/" && path != "." {
		var err error
		if rel, err = b.prepare(path); err != nil {
			return err
		}
	}
	return b.walk(rel, fn)
}

func (b *Bridge) walk(rel string, fn func(fi types.FileInfo, hash string) error) error {
	base := b.abs(rel)
	return filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&os.ModeSymlink != 0 {
			return nil
		}

		sub, err := filepath.Rel(b.root, p)
		if err != nil {
			return err
		}
		sub = filepath.ToSlash(sub)
		if sub == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}

		hash := common.FolderHash
		if !d.IsDir() {
			f, err := os.Open(p)
			if err != nil {
				return nil
			}
			hash, err = common.ReaderHash(f)
			f.Close()
			if err != nil {
				return err
			}
		}
		return fn(fileInfo(sub, info), hash)
	})
}

func fileInfo(rel string, info fs.FileInfo) types.FileInfo {
	return types.FileInfo{
		Path:    rel,
		Name:    info.Name(),
		IsDir:   info.IsDir(),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
}

func joinRel(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

// ParentOf returns the parent folder of a root-relative path ("" at top level)
func ParentOf(rel string) string {
	if a := Ancestors(rel); len(a) > 0 {
		return a[0]
	}
	return ""
}

// IsWithin reports whether p equals dir or lies below it
func IsWithin(p, dir string) bool {
	return p == dir || (len(p) > len(dir) && p[:len(dir)] == dir && p[len(dir)] == '/')
}
