package repository

import (
	"context"
	"sync"
	"time"

	"github.com/beam-cloud/airsync/pkg/common"
	"github.com/beam-cloud/airsync/pkg/types"
	"github.com/google/uuid"
)

// MemoryCanonicalStore implements CanonicalStore using in-memory storage.
// This is used for local mode where we don't have Postgres.
type MemoryCanonicalStore struct {
	mu       sync.RWMutex
	projects map[string]*memoryProject
}

type memoryProject struct {
	byID   map[string]*types.Entry
	byPath map[string]*types.Entry
}

// NewMemoryCanonicalStore creates a new in-memory canonical store
func NewMemoryCanonicalStore() *MemoryCanonicalStore {
	return &MemoryCanonicalStore{
		projects: make(map[string]*memoryProject),
	}
}

func (s *MemoryCanonicalStore) project(projectID string) *memoryProject {
	p, ok := s.projects[projectID]
	if !ok {
		p = &memoryProject{
			byID:   make(map[string]*types.Entry),
			byPath: make(map[string]*types.Entry),
		}
		s.projects[projectID] = p
	}
	return p
}

func copyEntry(e *types.Entry) *types.Entry {
	c := *e
	if e.Content != nil {
		c.Content = append([]byte(nil), e.Content...)
	}
	return &c
}

func (s *MemoryCanonicalStore) GetEntry(ctx context.Context, projectID, id string) (*types.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[projectID]
	if !ok {
		return nil, &types.ErrEntryNotFound{ProjectID: projectID, Key: id}
	}
	e, ok := p.byID[id]
	if !ok {
		return nil, &types.ErrEntryNotFound{ProjectID: projectID, Key: id}
	}
	return copyEntry(e), nil
}

func (s *MemoryCanonicalStore) GetEntryByPath(ctx context.Context, projectID, path string) (*types.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[projectID]
	if !ok {
		return nil, &types.ErrEntryNotFound{ProjectID: projectID, Key: path}
	}
	e, ok := p.byPath[path]
	if !ok {
		return nil, &types.ErrEntryNotFound{ProjectID: projectID, Key: path}
	}
	return copyEntry(e), nil
}

func (s *MemoryCanonicalStore) CreateEntry(ctx context.Context, entry *types.Entry) (*types.Entry, error) {
	if !validName(entry.Name) {
		return nil, &types.ErrPathInvalid{Path: entry.Name, Reason: "invalid name"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.project(entry.ProjectID)

	parentPath := ""
	if entry.ParentID != types.RootParentID {
		parent, ok := p.byID[entry.ParentID]
		if !ok {
			return nil, &types.ErrEntryNotFound{ProjectID: entry.ProjectID, Key: entry.ParentID}
		}
		if !parent.IsFolder() {
			return nil, &types.ErrPathInvalid{Path: parent.Path, Reason: "parent is not a folder"}
		}
		parentPath = parent.Path
	}

	fullPath := JoinPath(parentPath, entry.Name)
	if _, exists := p.byPath[fullPath]; exists {
		return nil, &types.ErrEntryExists{ProjectID: entry.ProjectID, Path: fullPath}
	}

	now := time.Now()
	e := copyEntry(entry)
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if _, exists := p.byID[e.ID]; exists {
		return nil, &types.ErrEntryExists{ProjectID: entry.ProjectID, Path: fullPath}
	}
	e.Path = fullPath
	if e.Kind == "" {
		e.Kind = types.EntryKindFile
	}
	if e.IsFolder() {
		e.Content = nil
		e.ContentHash = ""
	} else {
		e.ContentHash = common.ContentHash(e.Content)
	}
	e.CreatedAt = now
	e.UpdatedAt = now

	p.byID[e.ID] = e
	p.byPath[e.Path] = e
	return copyEntry(e), nil
}

func (s *MemoryCanonicalStore) UpdateContent(ctx context.Context, projectID, id string, content []byte) (*types.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.project(projectID)
	e, ok := p.byID[id]
	if !ok {
		return nil, &types.ErrEntryNotFound{ProjectID: projectID, Key: id}
	}
	if e.IsFolder() {
		return nil, &types.ErrPathInvalid{Path: e.Path, Reason: "cannot write content to a folder"}
	}

	e.Content = append([]byte(nil), content...)
	e.ContentHash = common.ContentHash(content)
	e.UpdatedAt = time.Now()
	return copyEntry(e), nil
}

func (s *MemoryCanonicalStore) DeleteEntry(ctx context.Context, projectID, id string) ([]*types.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.project(projectID)
	e, ok := p.byID[id]
	if !ok {
		return nil, &types.ErrEntryNotFound{ProjectID: projectID, Key: id}
	}

	removed := []*types.Entry{e}
	for path, child := range p.byPath {
		if IsDescendant(path, e.Path) {
			removed = append(removed, child)
		}
	}
	SortByPath(removed)

	out := make([]*types.Entry, 0, len(removed))
	for _, r := range removed {
		delete(p.byID, r.ID)
		delete(p.byPath, r.Path)
		out = append(out, r.Summary())
	}
	return out, nil
}

func (s *MemoryCanonicalStore) MoveEntry(ctx context.Context, projectID, id, newParentID, newName string) (*types.Entry, error) {
	if !validName(newName) {
		return nil, &types.ErrPathInvalid{Path: newName, Reason: "invalid name"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.project(projectID)
	e, ok := p.byID[id]
	if !ok {
		return nil, &types.ErrEntryNotFound{ProjectID: projectID, Key: id}
	}

	parentPath := ""
	if newParentID != types.RootParentID {
		parent, ok := p.byID[newParentID]
		if !ok {
			return nil, &types.ErrEntryNotFound{ProjectID: projectID, Key: newParentID}
		}
		if !parent.IsFolder() {
			return nil, &types.ErrPathInvalid{Path: parent.Path, Reason: "parent is not a folder"}
		}
		if parent.ID == e.ID || IsDescendant(parent.Path, e.Path) {
			return nil, &types.ErrPathInvalid{Path: parent.Path, Reason: "cannot move a folder into itself"}
		}
		parentPath = parent.Path
	}

	oldPath := e.Path
	newPath := JoinPath(parentPath, newName)
	if newPath == oldPath {
		return copyEntry(e), nil
	}
	if _, exists := p.byPath[newPath]; exists {
		return nil, &types.ErrEntryExists{ProjectID: projectID, Path: newPath}
	}

	now := time.Now()
	var descendants []*types.Entry
	for path, child := range p.byPath {
		if IsDescendant(path, oldPath) {
			descendants = append(descendants, child)
		}
	}

	delete(p.byPath, oldPath)
	e.ParentID = newParentID
	e.Name = newName
	e.Path = newPath
	e.UpdatedAt = now
	p.byPath[newPath] = e

	for _, child := range descendants {
		delete(p.byPath, child.Path)
	}
	for _, child := range descendants {
		child.Path = newPath + child.Path[len(oldPath):]
		child.UpdatedAt = now
		p.byPath[child.Path] = child
	}

	return copyEntry(e), nil
}

func (s *MemoryCanonicalStore) ListChildren(ctx context.Context, projectID, parentID string) ([]*types.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[projectID]
	if !ok {
		return nil, nil
	}

	var out []*types.Entry
	for _, e := range p.byID {
		if e.ParentID == parentID {
			out = append(out, copyEntry(e))
		}
	}
	SortByPath(out)
	return out, nil
}

func (s *MemoryCanonicalStore) ListAll(ctx context.Context, projectID string) ([]*types.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[projectID]
	if !ok {
		return nil, nil
	}

	out := make([]*types.Entry, 0, len(p.byID))
	for _, e := range p.byID {
		out = append(out, copyEntry(e))
	}
	SortByPath(out)
	return out, nil
}
