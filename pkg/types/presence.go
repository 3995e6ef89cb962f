package types

import (
	"fmt"
	"time"
)

// Cursor is a caret position plus optional selection inside a file
type Cursor struct {
	Line      int `json:"line"`
	Column    int `json:"column"`
	EndLine   int `json:"end_line,omitempty"`
	EndColumn int `json:"end_column,omitempty"`
}

// PresenceEntry tracks one user in one project or file room
type PresenceEntry struct {
	Room     string    `json:"room"`
	UserID   string    `json:"user_id"`
	Online   bool      `json:"online"`
	Typing   bool      `json:"typing"`
	Cursor   *Cursor   `json:"cursor,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

// FileLock is an advisory single-writer marker on a file
type FileLock struct {
	FileID     string    `json:"file_id"`
	HolderID   string    `json:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Room names

func ProjectRoom(projectID string) string {
	return fmt.Sprintf("project:%s", projectID)
}

func FileRoom(fileID string) string {
	return fmt.Sprintf("file:%s", fileID)
}

func TerminalRoom(sessionID string) string {
	return fmt.Sprintf("terminal:%s", sessionID)
}
