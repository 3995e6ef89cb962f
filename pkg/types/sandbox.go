package types

import "time"

// SandboxStatus represents the lifecycle state of a project sandbox
type SandboxStatus string

const (
	SandboxStatusProvisioning SandboxStatus = "provisioning"
	SandboxStatusReady        SandboxStatus = "ready"
	SandboxStatusDegraded     SandboxStatus = "degraded"
	SandboxStatusStopped      SandboxStatus = "stopped"
)

// IsActive returns true if the sandbox can serve filesystem and process operations
func (s SandboxStatus) IsActive() bool {
	return s == SandboxStatusReady || s == SandboxStatusDegraded
}

// SandboxState is a point-in-time view of a project sandbox
type SandboxState struct {
	// ID changes every time the project is provisioned
	ID string `json:"id"`

	// ProjectID is the project this sandbox belongs to
	ProjectID string `json:"project_id"`

	// Status is the current lifecycle state
	Status SandboxStatus `json:"status"`

	// WorkDir is the root of the sandbox filesystem on the host
	WorkDir string `json:"work_dir"`

	// RefCount is the number of attached terminal sessions
	RefCount int `json:"ref_count"`

	// Error holds the last provisioning or degradation error
	Error string `json:"error,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// SandboxSpec describes how a project sandbox is provisioned
type SandboxSpec struct {
	ProjectID string            `json:"project_id"`
	WorkDir   string            `json:"work_dir"`
	Shell     []string          `json:"shell"`
	Wrapper   []string          `json:"wrapper,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// SandboxRequestStatus is the coarse answer to a sandbox request
type SandboxRequestStatus string

const (
	SandboxRequestReady   SandboxRequestStatus = "ready"
	SandboxRequestPending SandboxRequestStatus = "pending"
	SandboxRequestError   SandboxRequestStatus = "error"
)

// SandboxRequestResult is returned by a non-blocking sandbox request
type SandboxRequestResult struct {
	Status  SandboxRequestStatus `json:"status"`
	Sandbox *SandboxState        `json:"sandbox,omitempty"`
	Error   string               `json:"error,omitempty"`

	// Retryable is set when the client should offer an "environment unavailable, retry" action
	Retryable bool `json:"retryable,omitempty"`
}
