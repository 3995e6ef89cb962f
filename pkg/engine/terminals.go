package engine

import (
	"context"

	"github.com/beam-cloud/airsync/pkg/terminal"
	"github.com/beam-cloud/airsync/pkg/types"
)

// OpenTerminal starts a shell in the project's sandbox, or reattaches to the
// live session of the same tab. The requesting client joins the terminal room.
func (e *Engine) OpenTerminal(ctx context.Context, userID string, req terminal.OpenRequest) (*types.TerminalAttachment, error) {
	if err := e.checkProject(ctx, userID, req.ProjectID); err != nil {
		return nil, err
	}
	att, err := e.terminals.Open(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.ClientID != "" {
		e.hub.Join(types.TerminalRoom(att.Session.SessionID), req.ClientID)
	}
	return att, nil
}

// AttachTerminal reattaches a client and returns the output it missed
func (e *Engine) AttachTerminal(ctx context.Context, userID string, req terminal.AttachRequest) (*types.TerminalAttachment, error) {
	if req.ProjectID != "" {
		if err := e.checkProject(ctx, userID, req.ProjectID); err != nil {
			return nil, err
		}
	}
	att, err := e.terminals.Attach(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := e.checkProject(ctx, userID, att.Session.ProjectID); err != nil {
		e.terminals.Detach(att.Session.SessionID, req.ClientID)
		return nil, err
	}
	if req.ClientID != "" {
		e.hub.Join(types.TerminalRoom(att.Session.SessionID), req.ClientID)
	}
	return att, nil
}

func (e *Engine) DetachTerminal(sessionID, clientID string) {
	e.hub.Leave(types.TerminalRoom(sessionID), clientID)
	e.terminals.Detach(sessionID, clientID)
}

func (e *Engine) SendInput(ctx context.Context, sessionID string, data []byte) error {
	return e.terminals.Input(ctx, sessionID, data)
}

func (e *Engine) Resize(ctx context.Context, sessionID string, cols, rows uint16) error {
	return e.terminals.Resize(ctx, sessionID, cols, rows)
}

func (e *Engine) CloseTerminal(sessionID string) error {
	return e.terminals.Close(sessionID)
}

func (e *Engine) GetTerminal(sessionID string) (types.TerminalSessionState, error) {
	return e.terminals.Get(sessionID)
}

func (e *Engine) ListTerminals(projectID string) []types.TerminalSessionState {
	return e.terminals.List(projectID)
}
