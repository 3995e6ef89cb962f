package reconciler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/beam-cloud/airsync/pkg/common"
	"github.com/beam-cloud/airsync/pkg/fsbridge"
	"github.com/beam-cloud/airsync/pkg/repository"
	"github.com/beam-cloud/airsync/pkg/types"
	"github.com/beam-cloud/airsync/pkg/watcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const projectID = "proj-1"

type recorder struct {
	mu     sync.Mutex
	events []types.BroadcastEvent
}

func (r *recorder) Publish(e types.BroadcastEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) changes() []types.FileSystemUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []types.FileSystemUpdate
	for _, e := range r.events {
		if u, ok := e.Data.(types.FileSystemUpdate); ok {
			out = append(out, u)
		}
	}
	return out
}

func (r *recorder) ofType(t types.EventType) []types.BroadcastEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []types.BroadcastEvent
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

type fixture struct {
	root    string
	store   *repository.MemoryCanonicalStore
	bridge  *fsbridge.Bridge
	watcher *watcher.PollingWatcher
	pub     *recorder
	rec     *Reconciler
}

func newFixture(t *testing.T, maxFileSize int64) *fixture {
	t.Helper()

	root := t.TempDir()
	echo := fsbridge.NewEchoTracker(256, time.Minute)
	f := &fixture{
		root:   root,
		store:  repository.NewMemoryCanonicalStore(),
		bridge: fsbridge.New(root, echo, fsbridge.Config{Retry: common.RetryPolicy{MaxRetries: 1, InitialInterval: time.Millisecond}}),
		pub:    &recorder{},
	}
	f.watcher = watcher.NewPollingWatcher(root, watcher.Config{
		Interval:    time.Hour,
		Ignore:      []string{".git"},
		MaxFileSize: maxFileSize,
		Echo:        echo,
	})
	f.rec = New(context.Background(), Config{ProjectID: projectID, MaxFileSize: maxFileSize}, f.store, f.bridge, f.watcher, f.pub)
	f.rec.Start()
	t.Cleanup(f.rec.Stop)
	return f
}

func (f *fixture) write(t *testing.T, rel, content string) {
	t.Helper()
	p := filepath.Join(f.root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
}

func (f *fixture) disk(t *testing.T, rel string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(f.root, rel))
	require.NoError(t, err)
	return string(b)
}

func (f *fixture) entry(t *testing.T, path string) *types.Entry {
	t.Helper()
	e, err := f.store.GetEntryByPath(context.Background(), projectID, path)
	require.NoError(t, err, path)
	return e
}

// barrier waits until every job queued so far has run
func (f *fixture) barrier(t *testing.T) {
	t.Helper()
	require.NoError(t, f.rec.submit(context.Background(), "barrier", func(context.Context) error { return nil }))
}

func TestEditorCreateFile_MirrorsWithoutEcho(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	actor := Actor{UserID: "alice", ClientID: "conn-a"}

	folder, err := f.rec.CreateFolder(ctx, actor, types.RootParentID, "src")
	require.NoError(t, err)
	file, err := f.rec.CreateFile(ctx, actor, folder.ID, "app.py", []byte("print(1)"))
	require.NoError(t, err)
	assert.Equal(t, "src/app.py", file.Path)

	assert.Equal(t, "print(1)", f.disk(t, "src/app.py"))

	changes := f.pub.changes()
	require.Len(t, changes, 2)
	assert.Equal(t, types.ChangeFolderCreated, changes[0].Kind)
	assert.Equal(t, types.ChangeFileCreated, changes[1].Kind)
	assert.Equal(t, "editor", changes[1].Origin)
	for _, e := range f.pub.ofType(types.EventFileSystemUpdate) {
		assert.Equal(t, "conn-a", e.Exclude)
		assert.Equal(t, types.ProjectRoom(projectID), e.Room)
	}

	// The watcher never reports the editor's own writes back
	f.pub.reset()
	counts, err := f.rec.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.SyncCounts{}, counts)
	assert.Empty(t, f.pub.changes())
}

func TestShellCreatedFileAppearsInCanonicalStore(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	f.write(t, "Hello/hello.py", "print('hello')")

	counts, err := f.rec.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.SyncCounts{Created: 2}, counts)

	folder := f.entry(t, "Hello")
	assert.True(t, folder.IsFolder())
	file := f.entry(t, "Hello/hello.py")
	assert.Equal(t, folder.ID, file.ParentID)
	assert.Equal(t, "print('hello')", string(file.Content))

	changes := f.pub.changes()
	require.Len(t, changes, 2)
	assert.Equal(t, "Hello", changes[0].Path)
	assert.Equal(t, "Hello/hello.py", changes[1].Path)
	assert.Equal(t, "sandbox", changes[1].Origin)
	assert.Nil(t, changes[1].Entry.Content)
}

func TestEnqueuedEventsSynthesizeMissingParents(t *testing.T) {
	f := newFixture(t, 0)

	f.write(t, "a/b/c.txt", "deep")
	f.rec.Enqueue([]types.ChangeEvent{{Kind: types.ChangeFileCreated, Path: "a/b/c.txt", Timestamp: time.Now()}})
	f.barrier(t)

	a := f.entry(t, "a")
	b := f.entry(t, "a/b")
	c := f.entry(t, "a/b/c.txt")
	assert.Equal(t, types.RootParentID, a.ParentID)
	assert.Equal(t, a.ID, b.ParentID)
	assert.Equal(t, b.ID, c.ParentID)

	// A repeated create is handled as a modification and is a no-op here
	f.rec.Enqueue([]types.ChangeEvent{{Kind: types.ChangeFileCreated, Path: "a/b/c.txt"}})
	f.barrier(t)
	assert.Equal(t, c.UpdatedAt, f.entry(t, "a/b/c.txt").UpdatedAt)
}

func TestShellModifyAndDelete(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	f.write(t, "lib/util.go", "package lib")
	f.write(t, "lib/more.go", "package lib")
	_, err := f.rec.ForceSync(ctx)
	require.NoError(t, err)

	f.write(t, "lib/util.go", "package lib // changed")
	counts, err := f.rec.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.SyncCounts{Updated: 1}, counts)
	assert.Equal(t, "package lib // changed", string(f.entry(t, "lib/util.go").Content))

	require.NoError(t, os.RemoveAll(filepath.Join(f.root, "lib")))
	counts, err = f.rec.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.SyncCounts{Deleted: 3}, counts)

	all, err := f.store.ListAll(ctx, projectID)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestConcurrentEditIsLastWriteWinsWithConflictNotice(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	e, err := f.rec.CreateFile(ctx, Actor{UserID: "alice"}, types.RootParentID, "notes.md", []byte("v1"))
	require.NoError(t, err)

	// Canonical content changes without reaching the sandbox
	_, err = f.store.UpdateContent(ctx, projectID, e.ID, []byte("v2 from elsewhere"))
	require.NoError(t, err)

	f.write(t, "notes.md", "v3 from the shell")
	counts, err := f.rec.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Updated)

	assert.Equal(t, "v3 from the shell", string(f.entry(t, "notes.md").Content))

	conflicts := f.pub.ofType(types.EventSyncConflict)
	require.Len(t, conflicts, 1)
	notice := conflicts[0].Data.(types.SyncConflict)
	assert.Equal(t, "notes.md", notice.Path)
	assert.Equal(t, e.ID, notice.EntryID)
	assert.True(t, notice.Reload)
}

func TestFailedMirrorIsPendingUntilForceSync(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	// Canonical has a folder where the sandbox has a plain file
	lib, err := f.store.CreateEntry(ctx, &types.Entry{ProjectID: projectID, Name: "lib", Kind: types.EntryKindFolder})
	require.NoError(t, err)
	f.write(t, "lib", "not a folder")

	e, err := f.rec.CreateFile(ctx, Actor{}, lib.ID, "x.py", []byte("x = 1"))
	require.NoError(t, err, "canonical write succeeds even when the mirror fails")
	assert.Equal(t, "lib/x.py", e.Path)
	assert.Equal(t, []string{"lib/x.py"}, f.rec.Pending())

	// A sandbox delete must not drop the pending path
	f.rec.Enqueue([]types.ChangeEvent{{Kind: types.ChangeFolderDeleted, Path: "lib"}})
	f.barrier(t)
	f.entry(t, "lib/x.py")

	require.NoError(t, os.Remove(filepath.Join(f.root, "lib")))
	counts, err := f.rec.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.SyncCounts{}, counts)
	assert.Empty(t, f.rec.Pending())
	assert.Equal(t, "x = 1", f.disk(t, "lib/x.py"))
}

func TestEditorRenameAndMove(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	actor := Actor{ClientID: "conn-a"}

	src, err := f.rec.CreateFolder(ctx, actor, types.RootParentID, "src")
	require.NoError(t, err)
	dst, err := f.rec.CreateFolder(ctx, actor, types.RootParentID, "dst")
	require.NoError(t, err)
	file, err := f.rec.CreateFile(ctx, actor, src.ID, "a.txt", []byte("a"))
	require.NoError(t, err)

	renamed, err := f.rec.Rename(ctx, actor, src.ID, "source")
	require.NoError(t, err)
	assert.Equal(t, "source", renamed.Path)
	assert.Equal(t, "a", f.disk(t, "source/a.txt"))
	assert.NoDirExists(t, filepath.Join(f.root, "src"))
	assert.Equal(t, "source/a.txt", f.entry(t, "source/a.txt").Path)

	moved, err := f.rec.Move(ctx, actor, file.ID, dst.ID)
	require.NoError(t, err)
	assert.Equal(t, "dst/a.txt", moved.Path)
	assert.Equal(t, "a", f.disk(t, "dst/a.txt"))

	var moves []types.FileSystemUpdate
	for _, c := range f.pub.changes() {
		if c.Kind == types.ChangeEntryMoved {
			moves = append(moves, c)
		}
	}
	require.Len(t, moves, 2)
	assert.Equal(t, "src", moves[0].OldPath)
	assert.Equal(t, "source/a.txt", moves[1].OldPath)
	assert.Equal(t, "dst/a.txt", moves[1].Path)

	f.pub.reset()
	counts, err := f.rec.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.SyncCounts{}, counts)
	assert.Empty(t, f.pub.changes())
}

func TestEditorDeleteAndSave(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	dir, err := f.rec.CreateFolder(ctx, Actor{}, types.RootParentID, "docs")
	require.NoError(t, err)
	file, err := f.rec.CreateFile(ctx, Actor{}, dir.ID, "README.md", []byte("# hi"))
	require.NoError(t, err)

	saved, err := f.rec.SaveContent(ctx, Actor{}, file.ID, []byte("# hello"))
	require.NoError(t, err)
	assert.Equal(t, common.ContentHash([]byte("# hello")), saved.ContentHash)
	assert.Equal(t, "# hello", f.disk(t, "docs/README.md"))

	_, err = f.rec.SaveContent(ctx, Actor{}, dir.ID, []byte("x"))
	assert.True(t, (&types.ErrPathInvalid{}).From(err))

	removed, err := f.rec.Delete(ctx, Actor{}, dir.ID)
	require.NoError(t, err)
	assert.Len(t, removed, 2)
	assert.NoDirExists(t, filepath.Join(f.root, "docs"))

	counts, err := f.rec.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.SyncCounts{}, counts)
}

func TestEditorRejectsInvalidNames(t *testing.T) {
	f := newFixture(t, 0)

	_, err := f.rec.CreateFile(context.Background(), Actor{}, types.RootParentID, "../escape", nil)
	assert.True(t, (&types.ErrPathInvalid{}).From(err))

	_, err = f.rec.CreateFile(context.Background(), Actor{}, types.RootParentID, "a.txt", nil)
	require.NoError(t, err)
	_, err = f.rec.CreateFile(context.Background(), Actor{}, types.RootParentID, "a.txt", nil)
	assert.True(t, (&types.ErrEntryExists{}).From(err))
}

func TestTypeChangeReplacesEntry(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	f.write(t, "thing", "file first")
	_, err := f.rec.ForceSync(ctx)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(f.root, "thing")))
	f.write(t, "thing/inner.txt", "now a folder")
	_, err = f.rec.ForceSync(ctx)
	require.NoError(t, err)

	assert.True(t, f.entry(t, "thing").IsFolder())
	assert.Equal(t, "now a folder", string(f.entry(t, "thing/inner.txt").Content))
}

func TestOversizedFilesAreNotSynced(t *testing.T) {
	f := newFixture(t, 8)
	ctx := context.Background()

	f.write(t, "big.bin", "0123456789abcdef")
	f.write(t, "small.txt", "ok")

	counts, err := f.rec.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.SyncCounts{Created: 1}, counts)

	_, err = f.store.GetEntryByPath(ctx, projectID, "big.bin")
	assert.True(t, (&types.ErrEntryNotFound{}).From(err))
}

func TestIgnoredCanonicalEntriesSurviveFullReconcile(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, err := f.store.CreateEntry(ctx, &types.Entry{ProjectID: projectID, Name: ".git", Kind: types.EntryKindFolder})
	require.NoError(t, err)

	counts, err := f.rec.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.SyncCounts{}, counts)
	f.entry(t, ".git")
}

func TestHydrateWritesCanonicalTree(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	dir, err := f.store.CreateEntry(ctx, &types.Entry{ProjectID: projectID, Name: "pkg", Kind: types.EntryKindFolder})
	require.NoError(t, err)
	_, err = f.store.CreateEntry(ctx, &types.Entry{ProjectID: projectID, ParentID: dir.ID, Name: "main.go", Content: []byte("package main")})
	require.NoError(t, err)

	n, err := f.rec.Hydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "package main", f.disk(t, "pkg/main.go"))
	assert.Empty(t, f.pub.changes())

	events, err := f.watcher.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestStoppedReconcilerRejectsOperations(t *testing.T) {
	f := newFixture(t, 0)
	f.rec.Stop()

	_, err := f.rec.CreateFile(context.Background(), Actor{}, types.RootParentID, "late.txt", nil)
	assert.True(t, (&types.ErrSandboxUnavailable{}).From(err))

	// Enqueue never blocks once stopped
	f.rec.Enqueue([]types.ChangeEvent{{Kind: types.ChangeFileCreated, Path: "x"}})
}
