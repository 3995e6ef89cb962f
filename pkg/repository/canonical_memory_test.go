package repository

import (
	"context"
	"testing"

	"github.com/beam-cloud/airsync/pkg/common"
	"github.com/beam-cloud/airsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createFolder(t *testing.T, s CanonicalStore, projectID, parentID, name string) *types.Entry {
	t.Helper()
	e, err := s.CreateEntry(context.Background(), &types.Entry{
		ProjectID: projectID,
		ParentID:  parentID,
		Name:      name,
		Kind:      types.EntryKindFolder,
	})
	require.NoError(t, err)
	return e
}

func createFile(t *testing.T, s CanonicalStore, projectID, parentID, name, content string) *types.Entry {
	t.Helper()
	e, err := s.CreateEntry(context.Background(), &types.Entry{
		ProjectID: projectID,
		ParentID:  parentID,
		Name:      name,
		Kind:      types.EntryKindFile,
		Content:   []byte(content),
	})
	require.NoError(t, err)
	return e
}

func TestMemoryCanonicalStore_CreateComputesPath(t *testing.T) {
	s := NewMemoryCanonicalStore()
	ctx := context.Background()

	src := createFolder(t, s, "p1", types.RootParentID, "src")
	assert.Equal(t, "src", src.Path)
	assert.NotEmpty(t, src.ID)

	file := createFile(t, s, "p1", src.ID, "app.py", "print(1)")
	assert.Equal(t, "src/app.py", file.Path)
	assert.Equal(t, common.ContentHash([]byte("print(1)")), file.ContentHash)

	got, err := s.GetEntryByPath(ctx, "p1", "src/app.py")
	require.NoError(t, err)
	assert.Equal(t, file.ID, got.ID)
	assert.Equal(t, "print(1)", string(got.Content))
}

func TestMemoryCanonicalStore_FirstWriterWins(t *testing.T) {
	s := NewMemoryCanonicalStore()
	ctx := context.Background()

	createFile(t, s, "p1", types.RootParentID, "main.go", "a")

	_, err := s.CreateEntry(ctx, &types.Entry{ProjectID: "p1", Name: "main.go", Kind: types.EntryKindFile, Content: []byte("b")})
	require.Error(t, err)
	assert.True(t, (&types.ErrEntryExists{}).From(err))

	got, err := s.GetEntryByPath(ctx, "p1", "main.go")
	require.NoError(t, err)
	assert.Equal(t, "a", string(got.Content))

	// Same path in another project is independent
	createFile(t, s, "p2", types.RootParentID, "main.go", "c")
}

func TestMemoryCanonicalStore_RejectsFileParent(t *testing.T) {
	s := NewMemoryCanonicalStore()

	file := createFile(t, s, "p1", types.RootParentID, "a.txt", "")
	_, err := s.CreateEntry(context.Background(), &types.Entry{ProjectID: "p1", ParentID: file.ID, Name: "b.txt"})
	assert.True(t, (&types.ErrPathInvalid{}).From(err))
}

func TestMemoryCanonicalStore_DeleteCascades(t *testing.T) {
	s := NewMemoryCanonicalStore()
	ctx := context.Background()

	src := createFolder(t, s, "p1", types.RootParentID, "src")
	pkg := createFolder(t, s, "p1", src.ID, "pkg")
	createFile(t, s, "p1", pkg.ID, "a.go", "a")
	createFile(t, s, "p1", types.RootParentID, "srcfile", "keep")

	removed, err := s.DeleteEntry(ctx, "p1", src.ID)
	require.NoError(t, err)
	require.Len(t, removed, 3)
	assert.Equal(t, "src", removed[0].Path)
	assert.Equal(t, "src/pkg", removed[1].Path)
	assert.Equal(t, "src/pkg/a.go", removed[2].Path)

	all, err := s.ListAll(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "srcfile", all[0].Path)

	_, err = s.DeleteEntry(ctx, "p1", src.ID)
	assert.True(t, (&types.ErrEntryNotFound{}).From(err))
}

func TestMemoryCanonicalStore_MoveRewritesDescendants(t *testing.T) {
	s := NewMemoryCanonicalStore()
	ctx := context.Background()

	src := createFolder(t, s, "p1", types.RootParentID, "src")
	lib := createFolder(t, s, "p1", types.RootParentID, "lib")
	createFile(t, s, "p1", src.ID, "a.go", "a")

	moved, err := s.MoveEntry(ctx, "p1", src.ID, lib.ID, "code")
	require.NoError(t, err)
	assert.Equal(t, "lib/code", moved.Path)

	child, err := s.GetEntryByPath(ctx, "p1", "lib/code/a.go")
	require.NoError(t, err)
	assert.Equal(t, "a", string(child.Content))

	_, err = s.GetEntryByPath(ctx, "p1", "src/a.go")
	assert.True(t, (&types.ErrEntryNotFound{}).From(err))

	_, err = s.MoveEntry(ctx, "p1", lib.ID, moved.ID, "loop")
	assert.True(t, (&types.ErrPathInvalid{}).From(err))
}

func TestMemoryCanonicalStore_MoveOntoExistingPath(t *testing.T) {
	s := NewMemoryCanonicalStore()

	a := createFile(t, s, "p1", types.RootParentID, "a.txt", "a")
	createFile(t, s, "p1", types.RootParentID, "b.txt", "b")

	_, err := s.MoveEntry(context.Background(), "p1", a.ID, types.RootParentID, "b.txt")
	assert.True(t, (&types.ErrEntryExists{}).From(err))
}

func TestMemoryCanonicalStore_UpdateContent(t *testing.T) {
	s := NewMemoryCanonicalStore()
	ctx := context.Background()

	file := createFile(t, s, "p1", types.RootParentID, "a.txt", "one")
	updated, err := s.UpdateContent(ctx, "p1", file.ID, []byte("two"))
	require.NoError(t, err)
	assert.Equal(t, common.ContentHash([]byte("two")), updated.ContentHash)

	folder := createFolder(t, s, "p1", types.RootParentID, "dir")
	_, err = s.UpdateContent(ctx, "p1", folder.ID, []byte("x"))
	assert.True(t, (&types.ErrPathInvalid{}).From(err))
}

func TestMemoryCanonicalStore_ListChildren(t *testing.T) {
	s := NewMemoryCanonicalStore()

	src := createFolder(t, s, "p1", types.RootParentID, "src")
	createFile(t, s, "p1", src.ID, "b.go", "")
	createFile(t, s, "p1", src.ID, "a.go", "")
	createFile(t, s, "p1", types.RootParentID, "README.md", "")

	children, err := s.ListChildren(context.Background(), "p1", src.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "src/a.go", children[0].Path)
	assert.Equal(t, "src/b.go", children[1].Path)

	roots, err := s.ListChildren(context.Background(), "p1", types.RootParentID)
	require.NoError(t, err)
	assert.Len(t, roots, 2)
}
