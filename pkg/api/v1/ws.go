package apiv1

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/beam-cloud/airsync/pkg/auth"
	"github.com/beam-cloud/airsync/pkg/broadcast"
	"github.com/beam-cloud/airsync/pkg/common"
	"github.com/beam-cloud/airsync/pkg/engine"
	"github.com/beam-cloud/airsync/pkg/terminal"
	"github.com/beam-cloud/airsync/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// Client message types
const (
	MsgPing           = "ping"
	MsgRequestSandbox = "request_sandbox"
	MsgForceSync      = "force_sync"
	MsgWatcherStatus  = "watcher_status"

	MsgJoinFile    = "join_file"
	MsgLeaveFile   = "leave_file"
	MsgCursor      = "cursor"
	MsgTypingStart = "typing_start"
	MsgTypingStop  = "typing_stop"
	MsgLockAcquire = "lock_acquire"
	MsgLockRelease = "lock_release"

	MsgCreateFile   = "create_file"
	MsgCreateFolder = "create_folder"
	MsgSaveContent  = "save_content"
	MsgRename       = "rename"
	MsgMove         = "move"
	MsgDelete       = "delete"

	MsgTerminalOpen   = "terminal_open"
	MsgTerminalAttach = "terminal_attach"
	MsgTerminalDetach = "terminal_detach"
	MsgTerminalInput  = "terminal_input"
	MsgTerminalResize = "terminal_resize"
	MsgTerminalClose  = "terminal_close"
)

// ClientMessage is a request from a websocket client. Every request is
// answered with an ack or error event carrying the same request_id.
type ClientMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type fileParams struct {
	FileID   string `json:"file_id"`
	ParentID string `json:"parent_id"`
	Name     string `json:"name"`
	Content  string `json:"content"`
}

type cursorParams struct {
	FileID string `json:"file_id"`
	types.Cursor
}

type terminalParams struct {
	SessionID string `json:"session_id"`
	TabID     string `json:"tab_id"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
	Since     int64  `json:"since"`
	Data      []byte `json:"data"`
}

// ErrorPayload is the data of an error event
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Status  int    `json:"status"`
}

type WSGroup struct {
	routerGroup *echo.Group
	engine      *engine.Engine
	upgrader    websocket.Upgrader
	opTimeout   time.Duration
}

func NewWSGroup(routerGroup *echo.Group, e *engine.Engine, allowedOrigins []string, opTimeout time.Duration) *WSGroup {
	if opTimeout <= 0 {
		opTimeout = 30 * time.Second
	}
	g := &WSGroup{
		routerGroup: routerGroup,
		engine:      e,
		opTimeout:   opTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
	routerGroup.GET("/projects/:project_id/ws", g.Connect, RequireProject())
	return g
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

// Connect upgrades to a websocket, joins the project room and serves the
// client protocol until the connection closes
func (g *WSGroup) Connect(c echo.Context) error {
	ctx := c.Request().Context()
	projectID := c.Param("project_id")
	userID := auth.UserID(ctx)

	conn, err := g.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Warn().Err(err).Str("project_id", projectID).Msg("websocket upgrade failed")
		return nil
	}

	client := broadcast.NewWSClient(common.GenerateClientID(), userID, conn, broadcast.DefaultSendBuffer)
	hub := g.engine.Hub()
	hub.Register(client)
	go client.WritePump()

	members, err := g.engine.JoinProject(context.Background(), projectID, userID, client.ID())
	if err != nil {
		g.reply(client.ID(), "", nil, err)
		g.engine.Disconnect(client.ID())
		return nil
	}

	log.Info().Str("project_id", projectID).Str("user_id", userID).Str("client_id", client.ID()).Msg("client connected")
	g.reply(client.ID(), "", map[string]any{
		"client_id": client.ID(),
		"presence":  members,
	}, nil)

	session := &wsSession{group: g, projectID: projectID, userID: userID, clientID: client.ID()}
	client.ReadPump(session.handle)

	g.engine.Disconnect(client.ID())
	log.Info().Str("project_id", projectID).Str("client_id", client.ID()).Msg("client disconnected")
	return nil
}

func (g *WSGroup) reply(clientID, requestID string, data any, err error) {
	event := types.BroadcastEvent{Type: types.EventAck, RequestID: requestID, Data: data}
	if err != nil {
		status, code := ErrorStatus(err)
		event.Type = types.EventError
		event.Data = ErrorPayload{Message: err.Error(), Code: code, Status: status}
	}
	g.engine.Hub().SendTo(clientID, event)
}

type wsSession struct {
	group     *WSGroup
	projectID string
	userID    string
	clientID  string
}

func (s *wsSession) handle(raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.group.reply(s.clientID, "", nil, &types.ErrPathInvalid{Path: "message", Reason: "malformed json"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.group.opTimeout)
	defer cancel()

	data, err := s.dispatch(ctx, msg)
	s.group.reply(s.clientID, msg.RequestID, data, err)
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("invalid message data: %w", err)
	}
	return v, nil
}

func (s *wsSession) dispatch(ctx context.Context, msg ClientMessage) (any, error) {
	e := s.group.engine
	actor := engine.Actor{UserID: s.userID, ClientID: s.clientID}

	switch msg.Type {
	case MsgPing:
		return map[string]string{"pong": time.Now().UTC().Format(time.RFC3339Nano)}, nil

	case MsgRequestSandbox:
		return e.RequestSandbox(ctx, s.userID, s.projectID)

	case MsgForceSync:
		return e.ForceSync(ctx, s.userID, s.projectID)

	case MsgWatcherStatus:
		return e.GetWatcherStatus(ctx, s.userID, s.projectID)

	case MsgJoinFile, MsgLeaveFile, MsgTypingStart, MsgTypingStop, MsgLockAcquire, MsgLockRelease, MsgCursor:
		return s.presence(ctx, msg)

	case MsgCreateFile, MsgCreateFolder, MsgSaveContent, MsgRename, MsgMove, MsgDelete:
		p, err := decode[fileParams](msg.Data)
		if err != nil {
			return nil, &types.ErrPathInvalid{Path: msg.Type, Reason: err.Error()}
		}
		return s.files(ctx, msg.Type, actor, p)

	case MsgTerminalOpen, MsgTerminalAttach, MsgTerminalDetach, MsgTerminalInput, MsgTerminalResize, MsgTerminalClose:
		p, err := decode[terminalParams](msg.Data)
		if err != nil {
			return nil, &types.ErrPathInvalid{Path: msg.Type, Reason: err.Error()}
		}
		return s.terminal(ctx, msg.Type, p)
	}

	return nil, &types.ErrPathInvalid{Path: msg.Type, Reason: "unknown message type"}
}

func (s *wsSession) presence(ctx context.Context, msg ClientMessage) (any, error) {
	e := s.group.engine

	p, err := decode[cursorParams](msg.Data)
	if err != nil || p.FileID == "" {
		return nil, &types.ErrPathInvalid{Path: msg.Type, Reason: "file_id is required"}
	}
	room := types.FileRoom(p.FileID)

	switch msg.Type {
	case MsgJoinFile:
		members, err := e.OpenFile(ctx, s.projectID, p.FileID, s.userID, s.clientID)
		if err != nil {
			return nil, err
		}
		holder, err := e.LockHolder(ctx, p.FileID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"presence": members, "lock": holder}, nil
	case MsgLeaveFile:
		e.LeaveRoom(room, s.userID, s.clientID)
	case MsgCursor:
		e.Cursor(room, s.userID, p.Cursor)
	case MsgTypingStart:
		e.TypingStart(room, s.userID)
	case MsgTypingStop:
		e.TypingStop(room, s.userID)
	case MsgLockAcquire:
		return e.AcquireLock(ctx, s.projectID, p.FileID, s.userID)
	case MsgLockRelease:
		return nil, e.ReleaseLock(ctx, p.FileID, s.userID)
	}
	return nil, nil
}

func (s *wsSession) files(ctx context.Context, kind string, actor engine.Actor, p fileParams) (any, error) {
	e := s.group.engine

	var (
		entry *types.Entry
		err   error
	)
	switch kind {
	case MsgCreateFile:
		entry, err = e.CreateFile(ctx, s.projectID, actor, p.ParentID, p.Name, []byte(p.Content))
	case MsgCreateFolder:
		entry, err = e.CreateFolder(ctx, s.projectID, actor, p.ParentID, p.Name)
	case MsgSaveContent:
		entry, err = e.SaveContent(ctx, s.projectID, actor, p.FileID, []byte(p.Content))
	case MsgRename:
		entry, err = e.Rename(ctx, s.projectID, actor, p.FileID, p.Name)
	case MsgMove:
		entry, err = e.Move(ctx, s.projectID, actor, p.FileID, p.ParentID)
	case MsgDelete:
		removed, err := e.Delete(ctx, s.projectID, actor, p.FileID)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(removed))
		for _, r := range removed {
			ids = append(ids, r.ID)
		}
		return map[string][]string{"deleted": ids}, nil
	}
	if err != nil {
		return nil, err
	}
	return entry.Summary(), nil
}

func (s *wsSession) terminal(ctx context.Context, kind string, p terminalParams) (any, error) {
	e := s.group.engine

	switch kind {
	case MsgTerminalOpen:
		return e.OpenTerminal(ctx, s.userID, terminal.OpenRequest{
			ProjectID: s.projectID,
			TabID:     p.TabID,
			ClientID:  s.clientID,
			Cols:      p.Cols,
			Rows:      p.Rows,
			Since:     p.Since,
		})
	case MsgTerminalAttach:
		return e.AttachTerminal(ctx, s.userID, terminal.AttachRequest{
			SessionID: p.SessionID,
			ProjectID: s.projectID,
			TabID:     p.TabID,
			ClientID:  s.clientID,
			Since:     p.Since,
		})
	}

	// The remaining operations address a session of this project
	state, err := e.GetTerminal(p.SessionID)
	if err != nil {
		return nil, err
	}
	if state.ProjectID != s.projectID {
		return nil, &types.ErrSessionNotFound{SessionID: p.SessionID}
	}

	switch kind {
	case MsgTerminalDetach:
		e.DetachTerminal(p.SessionID, s.clientID)
		return nil, nil
	case MsgTerminalInput:
		return nil, e.SendInput(ctx, p.SessionID, p.Data)
	case MsgTerminalResize:
		return nil, e.Resize(ctx, p.SessionID, p.Cols, p.Rows)
	}
	return nil, e.CloseTerminal(p.SessionID)
}
