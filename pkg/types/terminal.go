package types

import "time"

// TerminalStatus is the liveness state of a terminal session
type TerminalStatus string

const (
	TerminalStatusInitializing TerminalStatus = "initializing"
	TerminalStatusReady        TerminalStatus = "ready"
	TerminalStatusClosed       TerminalStatus = "closed"
	TerminalStatusErrored      TerminalStatus = "errored"
)

// IsTerminal returns true for states a session never leaves
func (s TerminalStatus) IsTerminal() bool {
	return s == TerminalStatusClosed || s == TerminalStatusErrored
}

// TerminalSessionState describes one interactive shell inside a sandbox
type TerminalSessionState struct {
	SessionID string         `json:"session_id"`
	ProjectID string         `json:"project_id"`
	SandboxID string         `json:"sandbox_id"`
	TabID     string         `json:"tab_id"`
	Cols      uint16         `json:"cols"`
	Rows      uint16         `json:"rows"`
	Status    TerminalStatus `json:"status"`
	ExitCode  int            `json:"exit_code"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`

	// Offset is the total number of output bytes produced so far
	Offset int64 `json:"offset"`
}

// TerminalChunk is a slice of terminal output starting at Offset
type TerminalChunk struct {
	Offset int64  `json:"offset"`
	Data   []byte `json:"data"`
}

// TerminalAttachment is returned when a client (re)attaches to a session
type TerminalAttachment struct {
	Session  TerminalSessionState `json:"session"`
	Replay   []TerminalChunk      `json:"replay,omitempty"`
	Attached bool                 `json:"attached"` // false when a new session was opened
}
