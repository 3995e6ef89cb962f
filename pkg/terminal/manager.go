package terminal

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/beam-cloud/airsync/pkg/common"
	"github.com/beam-cloud/airsync/pkg/sandbox"
	"github.com/beam-cloud/airsync/pkg/types"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
)

const (
	readBufferSize = 32 * 1024
	closeWait      = 5 * time.Second
)

// Publisher fans events out to connected clients
type Publisher interface {
	Publish(event types.BroadcastEvent)
}

// Sandboxes hands out sandbox references; every session holds one
type Sandboxes interface {
	Acquire(ctx context.Context, projectID, holderID string) (*sandbox.Handle, error)
	Release(projectID, holderID string)
	Touch(projectID string)
}

type Config struct {
	GracePeriod time.Duration
	BufferSize  int
	DefaultCols uint16
	DefaultRows uint16
}

func ConfigFromApp(cfg types.TerminalConfig) Config {
	return Config{
		GracePeriod: cfg.GracePeriod,
		BufferSize:  cfg.BufferSize,
		DefaultCols: cfg.DefaultCols,
		DefaultRows: cfg.DefaultRows,
	}
}

// OpenRequest opens a terminal tab, or reattaches to the live one
type OpenRequest struct {
	ProjectID string
	TabID     string
	ClientID  string
	Cols      uint16
	Rows      uint16

	// Since is the first output offset the client has not seen. Zero resumes
	// from where the client, or the tab's last subscriber, disconnected.
	Since int64
}

// AttachRequest locates a session by ID, or by project and tab
type AttachRequest struct {
	SessionID string
	ProjectID string
	TabID     string
	ClientID  string
	Since     int64
}

type session struct {
	mu          sync.Mutex
	state       types.TerminalSessionState
	proc        Process
	output      *OutputBuffer
	subscribers map[string]struct{}
	resume      map[string]int64 // client ID -> output offset at detach
	lastDetach  int64            // output offset when the last subscriber left
	closing     bool
	ready       chan struct{} // closed once spawning finished, either way
	done        chan struct{} // closed once the session is finished
}

func (s *session) snapshot() types.TerminalSessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	st.Offset = s.output.Offset()
	return st
}

// Manager runs interactive shells inside project sandboxes and keeps their
// output replayable across client reconnects
type Manager struct {
	cfg       Config
	sandboxes Sandboxes
	spawner   Spawner
	pub       Publisher

	mu       sync.Mutex
	sessions map[string]*session
	byTab    map[string]string // project/tab -> session ID

	// Finished sessions, so late input and reattaches get a precise answer
	finished *expirable.LRU[string, types.TerminalSessionState]

	grace *common.Debouncer
}

func NewManager(cfg Config, sandboxes Sandboxes, spawner Spawner, pub Publisher) *Manager {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 30 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256 * 1024
	}
	if cfg.DefaultCols == 0 {
		cfg.DefaultCols = 80
	}
	if cfg.DefaultRows == 0 {
		cfg.DefaultRows = 24
	}
	if spawner == nil {
		spawner = PTYSpawner{}
	}

	return &Manager{
		cfg:       cfg,
		sandboxes: sandboxes,
		spawner:   spawner,
		pub:       pub,
		sessions:  make(map[string]*session),
		byTab:     make(map[string]string),
		finished:  expirable.NewLRU[string, types.TerminalSessionState](1024, nil, 10*time.Minute),
		grace:     common.NewDebouncer(cfg.GracePeriod),
	}
}

func tabKey(projectID, tabID string) string {
	return projectID + "/" + tabID
}

func (m *Manager) publish(e types.BroadcastEvent) {
	if m.pub != nil {
		m.pub.Publish(e)
	}
}

// Open starts a shell for the tab. A live session for the same project and
// tab is reattached instead, with its buffered output replayed.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (*types.TerminalAttachment, error) {
	if req.Cols == 0 || req.Rows == 0 {
		req.Cols, req.Rows = m.cfg.DefaultCols, m.cfg.DefaultRows
	}

	m.mu.Lock()
	if req.TabID != "" {
		if id, ok := m.byTab[tabKey(req.ProjectID, req.TabID)]; ok {
			if s, ok := m.sessions[id]; ok {
				m.mu.Unlock()
				return m.attach(ctx, s, req.ClientID, req.Since)
			}
		}
	}

	sessionID := common.GenerateSessionID()
	s := &session{
		state: types.TerminalSessionState{
			SessionID: sessionID,
			ProjectID: req.ProjectID,
			TabID:     req.TabID,
			Cols:      req.Cols,
			Rows:      req.Rows,
			Status:    types.TerminalStatusInitializing,
			CreatedAt: time.Now(),
		},
		output:      NewOutputBuffer(m.cfg.BufferSize),
		subscribers: make(map[string]struct{}),
		resume:      make(map[string]int64),
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
	}
	if req.ClientID != "" {
		s.subscribers[req.ClientID] = struct{}{}
	}
	m.sessions[sessionID] = s
	if req.TabID != "" {
		m.byTab[tabKey(req.ProjectID, req.TabID)] = sessionID
	}
	m.mu.Unlock()

	if err := m.start(ctx, s); err != nil {
		return nil, err
	}

	// Sessions opened without a subscriber follow the same grace period as
	// detached ones, so they cannot pin the sandbox forever
	if req.ClientID == "" {
		m.graceIfIdle(s)
	}
	return &types.TerminalAttachment{Session: s.snapshot()}, nil
}

func (m *Manager) start(ctx context.Context, s *session) error {
	defer close(s.ready)

	sessionID, projectID := s.state.SessionID, s.state.ProjectID

	h, err := m.sandboxes.Acquire(ctx, projectID, sessionID)
	if err != nil {
		m.fail(s, err, false)
		return err
	}

	proc, err := m.spawner.Spawn(ctx, SpawnSpec{
		Command: h.Command,
		Dir:     h.WorkDir,
		Env:     h.Env,
		Cols:    s.state.Cols,
		Rows:    s.state.Rows,
	})
	if err != nil {
		m.fail(s, err, true)
		return &types.ErrSandboxUnavailable{ProjectID: projectID, Cause: err}
	}

	s.mu.Lock()
	s.proc = proc
	s.state.SandboxID = h.ID
	s.state.Status = types.TerminalStatusReady
	closing := s.closing
	s.mu.Unlock()

	h.OnStop(func() { m.Close(sessionID) })

	log.Info().Str("project_id", projectID).Str("session_id", sessionID).Str("tab_id", s.state.TabID).Msg("terminal session opened")
	m.publish(types.BroadcastEvent{
		Type:  types.EventTerminalReady,
		Room:  types.TerminalRoom(sessionID),
		Data:  s.snapshot(),
		Local: true,
	})

	go m.pump(s)

	if closing {
		m.kill(s)
	}
	return nil
}

// fail moves a session that never became ready to errored
func (m *Manager) fail(s *session, cause error, release bool) {
	s.mu.Lock()
	s.state.Status = types.TerminalStatusErrored
	s.state.Error = cause.Error()
	state := s.state
	s.mu.Unlock()

	log.Warn().Err(cause).Str("project_id", state.ProjectID).Str("session_id", state.SessionID).Msg("terminal session failed to start")

	if release {
		m.sandboxes.Release(state.ProjectID, state.SessionID)
	}
	m.forget(s, state)
	close(s.done)
}

func (m *Manager) forget(s *session, state types.TerminalSessionState) {
	m.mu.Lock()
	if cur, ok := m.sessions[state.SessionID]; ok && cur == s {
		delete(m.sessions, state.SessionID)
	}
	key := tabKey(state.ProjectID, state.TabID)
	if id, ok := m.byTab[key]; ok && id == state.SessionID {
		delete(m.byTab, key)
	}
	m.mu.Unlock()

	m.grace.Cancel(state.SessionID)
	m.finished.Add(state.SessionID, state)
}

// pump copies process output to the replay buffer and to subscribers
func (m *Manager) pump(s *session) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.proc.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			offset := s.output.Append(data)
			m.publish(types.BroadcastEvent{
				Type: types.EventTerminalOutput,
				Room: types.TerminalRoom(s.state.SessionID),
				Data: types.TerminalOutput{
					SessionID: s.state.SessionID,
					TabID:     s.state.TabID,
					Offset:    offset,
					Data:      data,
				},
				Local: true,
			})
		}
		if err != nil {
			break
		}
	}

	code, err := s.proc.Wait()
	s.proc.Close()
	m.finish(s, code, err)
}

// finish records the exit of a ready session
func (m *Manager) finish(s *session, code int, waitErr error) {
	s.mu.Lock()
	s.state.ExitCode = code
	if waitErr != nil && !s.closing {
		s.state.Status = types.TerminalStatusErrored
		s.state.Error = waitErr.Error()
	} else {
		s.state.Status = types.TerminalStatusClosed
		s.state.Error = (&types.ErrTerminalProcessExited{SessionID: s.state.SessionID, ExitCode: code}).Error()
	}
	s.state.Offset = s.output.Offset()
	state := s.state
	s.mu.Unlock()

	log.Info().
		Str("project_id", state.ProjectID).
		Str("session_id", state.SessionID).
		Int("exit_code", code).
		Str("status", string(state.Status)).
		Msg("terminal session ended")

	m.sandboxes.Release(state.ProjectID, state.SessionID)
	m.forget(s, state)

	m.publish(types.BroadcastEvent{
		Type: types.EventTerminalExit,
		Room: types.TerminalRoom(state.SessionID),
		Data: types.TerminalExit{
			SessionID: state.SessionID,
			TabID:     state.TabID,
			Status:    state.Status,
			ExitCode:  code,
			Error:     state.Error,
		},
		Local: true,
	})
	close(s.done)
}

func (m *Manager) lookup(sessionID string) (*session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if ok {
		return s, nil
	}
	if state, ok := m.finished.Get(sessionID); ok {
		return nil, &types.ErrTerminalProcessExited{SessionID: sessionID, ExitCode: state.ExitCode}
	}
	return nil, &types.ErrSessionNotFound{SessionID: sessionID}
}

// live returns the session once it is ready
func (m *Manager) live(ctx context.Context, sessionID string) (*session, Process, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return nil, nil, err
	}

	select {
	case <-s.ready:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Status.IsTerminal() || s.proc == nil {
		return nil, nil, &types.ErrTerminalProcessExited{SessionID: sessionID, ExitCode: s.state.ExitCode}
	}
	return s, s.proc, nil
}

// Input writes keystrokes to the session's process
func (m *Manager) Input(ctx context.Context, sessionID string, data []byte) error {
	s, proc, err := m.live(ctx, sessionID)
	if err != nil {
		return err
	}
	if _, err := proc.Write(data); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return &types.ErrTerminalProcessExited{SessionID: sessionID, ExitCode: s.snapshot().ExitCode}
	}
	m.sandboxes.Touch(s.state.ProjectID)
	return nil
}

// Resize changes the terminal geometry. Zero dimensions keep the current size.
func (m *Manager) Resize(ctx context.Context, sessionID string, cols, rows uint16) error {
	s, proc, err := m.live(ctx, sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if cols == 0 {
		cols = s.state.Cols
	}
	if rows == 0 {
		rows = s.state.Rows
	}
	s.state.Cols, s.state.Rows = cols, rows
	s.mu.Unlock()

	if err := proc.Resize(cols, rows); err != nil {
		log.Debug().Err(err).Str("session_id", sessionID).Msg("terminal resize ignored")
	}
	return nil
}

// Close kills the session's process and waits for it to finish
func (m *Manager) Close(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		if _, ok := m.finished.Peek(sessionID); ok {
			return nil
		}
		return &types.ErrSessionNotFound{SessionID: sessionID}
	}

	m.kill(s)

	select {
	case <-s.done:
	case <-time.After(closeWait):
		log.Warn().Str("session_id", sessionID).Msg("terminal session did not exit in time")
	}
	return nil
}

func (m *Manager) kill(s *session) {
	s.mu.Lock()
	s.closing = true
	proc := s.proc
	s.mu.Unlock()

	if proc == nil {
		// Still spawning; start() kills it once the process exists
		return
	}
	if err := proc.Kill(); err != nil {
		log.Debug().Err(err).Str("session_id", s.state.SessionID).Msg("terminal kill failed")
	}
	proc.Close()
}

// CloseAll closes every session of a project
func (m *Manager) CloseAll(projectID string) {
	var ids []string
	m.mu.Lock()
	for id, s := range m.sessions {
		if s.state.ProjectID == projectID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Close(id)
	}
}

// Attach subscribes a client to a session and returns the output it has not
// seen yet. Attaching cancels a pending grace-period close.
func (m *Manager) Attach(ctx context.Context, req AttachRequest) (*types.TerminalAttachment, error) {
	sessionID := req.SessionID
	if sessionID == "" {
		m.mu.Lock()
		sessionID = m.byTab[tabKey(req.ProjectID, req.TabID)]
		m.mu.Unlock()
		if sessionID == "" {
			return nil, &types.ErrSessionNotFound{SessionID: req.TabID}
		}
	}

	s, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	if req.ProjectID != "" && s.state.ProjectID != req.ProjectID {
		return nil, &types.ErrSessionNotFound{SessionID: sessionID}
	}
	return m.attach(ctx, s, req.ClientID, req.Since)
}

func (m *Manager) attach(ctx context.Context, s *session, clientID string, since int64) (*types.TerminalAttachment, error) {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	if s.state.Status.IsTerminal() {
		s.mu.Unlock()
		return nil, &types.ErrTerminalProcessExited{SessionID: s.state.SessionID, ExitCode: s.state.ExitCode}
	}
	if since <= 0 {
		since = s.resumeOffsetLocked(clientID)
	}
	if clientID != "" {
		s.subscribers[clientID] = struct{}{}
		delete(s.resume, clientID)
	}
	s.mu.Unlock()

	// Anonymous attaches only read the buffer and do not keep the session alive
	if clientID != "" {
		m.grace.Cancel(s.state.SessionID)
	}

	att := &types.TerminalAttachment{Session: s.snapshot(), Attached: true}
	if chunk := s.output.Since(since); len(chunk.Data) > 0 {
		att.Replay = []types.TerminalChunk{chunk}
	}
	return att, nil
}

// Detach removes a subscriber. When the last one leaves, the session is
// closed unless someone attaches within the grace period.
func (m *Manager) Detach(sessionID, clientID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	if _, ok := s.subscribers[clientID]; ok {
		delete(s.subscribers, clientID)
		s.resume[clientID] = s.output.Offset()
	}
	empty := len(s.subscribers) == 0
	if empty {
		s.lastDetach = s.output.Offset()
	}
	s.mu.Unlock()

	if empty {
		m.grace.Call(sessionID, func() { m.expire(sessionID) })
	}
}

// graceIfIdle starts the grace countdown for a session nobody subscribes to
func (m *Manager) graceIfIdle(s *session) {
	s.mu.Lock()
	empty := len(s.subscribers) == 0
	s.mu.Unlock()

	if empty {
		sessionID := s.state.SessionID
		m.grace.Call(sessionID, func() { m.expire(sessionID) })
	}
}

// resumeOffsetLocked picks where a replay starts for a client that did not
// name an offset: its own disconnect point, else the point where the session
// lost its last subscriber, else the start of the buffer
func (s *session) resumeOffsetLocked(clientID string) int64 {
	if off, ok := s.resume[clientID]; ok && clientID != "" {
		return off
	}
	if len(s.subscribers) == 0 {
		return s.lastDetach
	}
	return 0
}

// DetachClient detaches a client from every session it is subscribed to
func (m *Manager) DetachClient(clientID string) {
	var ids []string
	m.mu.Lock()
	for id, s := range m.sessions {
		s.mu.Lock()
		if _, ok := s.subscribers[clientID]; ok {
			ids = append(ids, id)
		}
		s.mu.Unlock()
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Detach(id, clientID)
	}
}

func (m *Manager) expire(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	empty := len(s.subscribers) == 0
	s.mu.Unlock()
	if !empty {
		return
	}

	log.Info().Str("session_id", sessionID).Msg("terminal grace period over, closing session")
	m.Close(sessionID)
}

func (m *Manager) Get(sessionID string) (types.TerminalSessionState, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		if state, ok := m.finished.Get(sessionID); ok {
			return state, nil
		}
		return types.TerminalSessionState{}, err
	}
	return s.snapshot(), nil
}

// List returns the live sessions of a project
func (m *Manager) List(projectID string) []types.TerminalSessionState {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.state.ProjectID == projectID {
			sessions = append(sessions, s)
		}
	}
	m.mu.Unlock()

	out := make([]types.TerminalSessionState, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Shutdown closes every session
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Close(id)
	}
	m.grace.Stop()
}
