package types

import (
	"errors"
	"fmt"
)

// ErrSandboxUnavailable is returned when provisioning failed or the sandbox crashed.
// Callers may retry.
type ErrSandboxUnavailable struct {
	ProjectID string
	Cause     error
}

func (e *ErrSandboxUnavailable) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("sandbox unavailable for project %s: %v", e.ProjectID, e.Cause)
	}
	return fmt.Sprintf("sandbox unavailable for project %s", e.ProjectID)
}

func (e *ErrSandboxUnavailable) Unwrap() error {
	return e.Cause
}

// From checks if the given error is an ErrSandboxUnavailable
func (e *ErrSandboxUnavailable) From(err error) bool {
	var target *ErrSandboxUnavailable
	return errors.As(err, &target)
}

// ErrPathInvalid is returned for traversal attempts and malformed paths
type ErrPathInvalid struct {
	Path   string
	Reason string
}

func (e *ErrPathInvalid) Error() string {
	return fmt.Sprintf("invalid path %q: %s", e.Path, e.Reason)
}

func (e *ErrPathInvalid) From(err error) bool {
	var target *ErrPathInvalid
	return errors.As(err, &target)
}

// ErrAlreadyLocked is returned when another user holds the file lock
type ErrAlreadyLocked struct {
	FileID   string
	HolderID string
}

func (e *ErrAlreadyLocked) Error() string {
	return fmt.Sprintf("file %s is locked by %s", e.FileID, e.HolderID)
}

func (e *ErrAlreadyLocked) From(err error) bool {
	var target *ErrAlreadyLocked
	return errors.As(err, &target)
}

// ErrNotLockHolder is returned when releasing a lock held by someone else (or nobody)
type ErrNotLockHolder struct {
	FileID string
	UserID string
}

func (e *ErrNotLockHolder) Error() string {
	return fmt.Sprintf("user %s does not hold the lock on file %s", e.UserID, e.FileID)
}

func (e *ErrNotLockHolder) From(err error) bool {
	var target *ErrNotLockHolder
	return errors.As(err, &target)
}

// ErrSyncConflict describes concurrent external edits resolved by last-write-wins
type ErrSyncConflict struct {
	Path string
}

func (e *ErrSyncConflict) Error() string {
	return fmt.Sprintf("concurrent changes to %s, last write applied", e.Path)
}

func (e *ErrSyncConflict) From(err error) bool {
	var target *ErrSyncConflict
	return errors.As(err, &target)
}

// ErrTerminalProcessExited is returned for input sent to a session whose process ended
type ErrTerminalProcessExited struct {
	SessionID string
	ExitCode  int
}

func (e *ErrTerminalProcessExited) Error() string {
	return fmt.Sprintf("terminal %s exited with code %d", e.SessionID, e.ExitCode)
}

func (e *ErrTerminalProcessExited) From(err error) bool {
	var target *ErrTerminalProcessExited
	return errors.As(err, &target)
}

// ErrSessionNotFound is returned when a terminal session is unknown
type ErrSessionNotFound struct {
	SessionID string
}

func (e *ErrSessionNotFound) Error() string {
	return fmt.Sprintf("terminal session not found: %s", e.SessionID)
}

func (e *ErrSessionNotFound) From(err error) bool {
	var target *ErrSessionNotFound
	return errors.As(err, &target)
}

// ErrEntryExists is returned when a canonical entry already exists at a path
type ErrEntryExists struct {
	ProjectID string
	Path      string
}

func (e *ErrEntryExists) Error() string {
	return fmt.Sprintf("entry already exists: %s%s", e.ProjectID, e.Path)
}

func (e *ErrEntryExists) From(err error) bool {
	var target *ErrEntryExists
	return errors.As(err, &target)
}

// ErrEntryNotFound is returned when a canonical entry cannot be found
type ErrEntryNotFound struct {
	ProjectID string
	Key       string
}

func (e *ErrEntryNotFound) Error() string {
	return fmt.Sprintf("entry not found: %s/%s", e.ProjectID, e.Key)
}

func (e *ErrEntryNotFound) From(err error) bool {
	var target *ErrEntryNotFound
	return errors.As(err, &target)
}

// ErrPermissionDenied is returned when the capability check fails
type ErrPermissionDenied struct {
	UserID   string
	Resource string
}

func (e *ErrPermissionDenied) Error() string {
	return fmt.Sprintf("user %s may not access %s", e.UserID, e.Resource)
}

func (e *ErrPermissionDenied) From(err error) bool {
	var target *ErrPermissionDenied
	return errors.As(err, &target)
}
