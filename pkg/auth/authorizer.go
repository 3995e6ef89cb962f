package auth

import (
	"context"
	"crypto/subtle"

	"github.com/beam-cloud/airsync/pkg/types"
)

// Authorizer is the yes/no capability check consumed by the engine.
// Products plug their own policy in here.
type Authorizer interface {
	CanEdit(ctx context.Context, userID, fileID string) bool
	CanAccessProject(ctx context.Context, userID, projectID string) bool
}

// Authenticator resolves bearer tokens to identities
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// AllowAll grants every capability. Tokens are accepted verbatim as user IDs.
type AllowAll struct{}

func (AllowAll) CanEdit(ctx context.Context, userID, fileID string) bool { return true }

func (AllowAll) CanAccessProject(ctx context.Context, userID, projectID string) bool { return true }

func (AllowAll) Authenticate(ctx context.Context, token string) (*Identity, error) {
	userID := token
	if userID == "" {
		userID = "anonymous"
	}
	return &Identity{UserID: userID}, nil
}

// StaticAuthorizer checks capabilities against token rules from config
type StaticAuthorizer struct {
	rules []types.StaticTokenRule
	users map[string]*Identity
}

func NewStaticAuthorizer(rules []types.StaticTokenRule) *StaticAuthorizer {
	a := &StaticAuthorizer{
		rules: rules,
		users: make(map[string]*Identity, len(rules)),
	}
	for _, r := range rules {
		a.users[r.UserID] = identityFromRule(r)
	}
	return a
}

func identityFromRule(r types.StaticTokenRule) *Identity {
	return &Identity{
		UserID:   r.UserID,
		Projects: r.Projects,
		ReadOnly: r.ReadOnly,
	}
}

func (a *StaticAuthorizer) Authenticate(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrAuthRequired
	}
	for _, r := range a.rules {
		if subtle.ConstantTimeCompare([]byte(r.Token), []byte(token)) == 1 {
			return identityFromRule(r), nil
		}
	}
	return nil, ErrForbidden
}

func (a *StaticAuthorizer) CanEdit(ctx context.Context, userID, fileID string) bool {
	id, ok := a.users[userID]
	return ok && !id.ReadOnly
}

func (a *StaticAuthorizer) CanAccessProject(ctx context.Context, userID, projectID string) bool {
	id, ok := a.users[userID]
	return ok && id.HasProjectAccess(projectID)
}

// NewFromConfig returns the authorizer selected by auth.mode
func NewFromConfig(cfg types.AuthConfig) (Authorizer, Authenticator) {
	if cfg.Mode == types.AuthModeStatic {
		a := NewStaticAuthorizer(cfg.Tokens)
		return a, a
	}
	return AllowAll{}, AllowAll{}
}
