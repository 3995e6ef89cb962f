package types

import "time"

// EventType names a message delivered to connected clients
type EventType string

const (
	EventFileSystemUpdate EventType = "file_system_update"
	EventPresenceUpdate   EventType = "presence_update"
	EventLockChanged      EventType = "lock_changed"
	EventTerminalOutput   EventType = "terminal_output"
	EventTerminalReady    EventType = "terminal_ready"
	EventTerminalExit     EventType = "terminal_exit"
	EventSyncConflict     EventType = "sync_conflict"
	EventSandboxStatus    EventType = "sandbox_status"

	// Replies to a single client request
	EventAck   EventType = "ack"
	EventError EventType = "error"
)

// BroadcastEvent is a normalized event fanned out to a room
type BroadcastEvent struct {
	Type EventType `json:"type"`
	Room string    `json:"room"`
	Data any       `json:"data,omitempty"`

	// RequestID correlates acks and errors with the client message that caused them
	RequestID string `json:"request_id,omitempty"`

	// Exclude is a client ID that should not receive this event
	Exclude string `json:"exclude,omitempty"`

	// Local events are never relayed to other gateway replicas
	Local bool `json:"-"`
}

// FileSystemUpdate is the payload of a file_system_update event
type FileSystemUpdate struct {
	Kind    ChangeKind `json:"kind"`
	Path    string     `json:"path"`
	OldPath string     `json:"old_path,omitempty"`
	Entry   *Entry     `json:"entry,omitempty"`
	Origin  string     `json:"origin"` // "editor" or "sandbox"
}

// PresenceUpdate is the payload of a presence_update event
type PresenceUpdate struct {
	Action string        `json:"action"` // joined, left, offline, typing, cursor
	Entry  PresenceEntry `json:"entry"`
}

// LockChanged is the payload of a lock_changed event
type LockChanged struct {
	FileID   string    `json:"file_id"`
	Locked   bool      `json:"locked"`
	HolderID string    `json:"holder_id,omitempty"`
	At       time.Time `json:"at"`
}

// TerminalOutput is the payload of a terminal_output event
type TerminalOutput struct {
	SessionID string `json:"session_id"`
	TabID     string `json:"tab_id"`
	Offset    int64  `json:"offset"`
	Data      []byte `json:"data"`
}

// TerminalExit is the payload of a terminal_exit event
type TerminalExit struct {
	SessionID string         `json:"session_id"`
	TabID     string         `json:"tab_id"`
	Status    TerminalStatus `json:"status"`
	ExitCode  int            `json:"exit_code"`
	Error     string         `json:"error,omitempty"`
}

// SyncConflict is the payload of a sync_conflict notification
type SyncConflict struct {
	Path    string `json:"path"`
	EntryID string `json:"entry_id,omitempty"`
	Message string `json:"message"`
	Reload  bool   `json:"reload"`
}
