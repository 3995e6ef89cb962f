package types

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// RootParentID is the parent of every top-level entry in a project
const RootParentID = ""

// EntryKind distinguishes files from folders in the canonical store
type EntryKind string

const (
	EntryKindFile   EntryKind = "file"
	EntryKindFolder EntryKind = "folder"
)

// Entry is a canonical file or folder record
type Entry struct {
	ID          string    `json:"id" db:"id"`
	ProjectID   string    `json:"project_id" db:"project_id"`
	ParentID    string    `json:"parent_id" db:"parent_id"`
	Name        string    `json:"name" db:"name"`
	Path        string    `json:"path" db:"path"`
	Kind        EntryKind `json:"kind" db:"kind"`
	Content     []byte    `json:"content,omitempty" db:"content"`
	ContentHash string    `json:"content_hash,omitempty" db:"content_hash"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// IsFolder returns true if this entry is a folder
func (e *Entry) IsFolder() bool {
	return e.Kind == EntryKindFolder
}

// Summary returns a copy of the entry without its content, for broadcasting
func (e *Entry) Summary() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	c.Content = nil
	return &c
}

// ChangeKind is the type of a sandbox filesystem mutation
type ChangeKind string

const (
	ChangeFileCreated   ChangeKind = "file_created"
	ChangeFileModified  ChangeKind = "file_modified"
	ChangeFileDeleted   ChangeKind = "file_deleted"
	ChangeFolderCreated ChangeKind = "folder_created"
	ChangeFolderDeleted ChangeKind = "folder_deleted"

	// ChangeEntryMoved is only broadcast for editor renames and moves
	ChangeEntryMoved ChangeKind = "entry_moved"
)

// IsFolder returns true for folder change kinds
func (k ChangeKind) IsFolder() bool {
	return k == ChangeFolderCreated || k == ChangeFolderDeleted
}

// IsDelete returns true for delete change kinds
func (k ChangeKind) IsDelete() bool {
	return k == ChangeFileDeleted || k == ChangeFolderDeleted
}

// ChangeEvent is an ephemeral notification produced by the change watcher
type ChangeEvent struct {
	Kind      ChangeKind `json:"kind"`
	Path      string     `json:"path"`
	Timestamp time.Time  `json:"timestamp"`
	Hash      string     `json:"hash,omitempty"`
}

// FileInfo describes a path inside a sandbox filesystem
type FileInfo struct {
	Path    string    `json:"path"`
	Name    string    `json:"name"`
	IsDir   bool      `json:"is_dir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// SyncCounts summarizes the canonical changes made by a forced sync
type SyncCounts struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
}

// Add accumulates another set of counts
func (c *SyncCounts) Add(o SyncCounts) {
	c.Created += o.Created
	c.Updated += o.Updated
	c.Deleted += o.Deleted
}

// WatcherStatus describes the change watcher of a project sandbox
type WatcherStatus struct {
	Active     bool      `json:"active"`
	Backend    string    `json:"backend,omitempty"`
	LastScanAt time.Time `json:"last_scan_at"`
	LastError  string    `json:"last_error,omitempty"`
	Scans      int64     `json:"scans"`
	Tracked    int       `json:"tracked"`
}

// GeneratePathID generates a stable ID for a path (for Redis keys)
func GeneratePathID(path string) string {
	hash := sha256.Sum256([]byte(path))
	return hex.EncodeToString(hash[:16]) // 32 hex chars
}
