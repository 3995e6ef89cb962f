package auth

import (
	"context"
	"errors"
)

type ctxKey int

const identityKey ctxKey = iota

var (
	ErrAuthRequired = errors.New("authentication required")
	ErrForbidden    = errors.New("access denied")
)

// Identity is the caller resolved from a request token
type Identity struct {
	UserID   string
	Projects []string // empty = every project
	ReadOnly bool
}

func (i *Identity) HasProjectAccess(projectID string) bool {
	if i == nil {
		return false
	}
	if len(i.Projects) == 0 {
		return true
	}
	for _, p := range i.Projects {
		if p == "*" || p == projectID {
			return true
		}
	}
	return false
}

// --- Context get/set ---

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey).(*Identity)
	return id
}

// UserID returns the caller's user ID or an empty string
func UserID(ctx context.Context) string {
	if id := IdentityFromContext(ctx); id != nil {
		return id.UserID
	}
	return ""
}

// --- Authorization checks ---

func RequireAuth(ctx context.Context) error {
	if IdentityFromContext(ctx) == nil {
		return ErrAuthRequired
	}
	return nil
}

func RequireProjectAccess(ctx context.Context, projectID string) error {
	id := IdentityFromContext(ctx)
	if id == nil {
		return ErrAuthRequired
	}
	if !id.HasProjectAccess(projectID) {
		return ErrForbidden
	}
	return nil
}
