package engine

import (
	"context"
	"sync"

	"github.com/beam-cloud/airsync/pkg/auth"
	"github.com/beam-cloud/airsync/pkg/broadcast"
	"github.com/beam-cloud/airsync/pkg/common"
	"github.com/beam-cloud/airsync/pkg/presence"
	"github.com/beam-cloud/airsync/pkg/repository"
	"github.com/beam-cloud/airsync/pkg/sandbox"
	"github.com/beam-cloud/airsync/pkg/terminal"
	"github.com/beam-cloud/airsync/pkg/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Options carries the collaborators the engine is built from. Nil fields
// fall back to in-process implementations.
type Options struct {
	Store       repository.CanonicalStore
	Locks       repository.LockRepository
	Provisioner sandbox.Provisioner
	Authorizer  auth.Authorizer
	Spawner     terminal.Spawner

	// Bus relays broadcast events between replicas (optional)
	Bus *common.EventBus

	// ProvisionLock guards provisioning across replicas (optional)
	ProvisionLock *common.RedisLock
}

// Engine is the workspace sandbox and synchronization core. It owns the
// sandbox registry and, for every running sandbox, a filesystem bridge,
// change watcher and reconciler. Terminals, presence and broadcasting are
// shared across projects.
type Engine struct {
	cfg   types.AppConfig
	store repository.CanonicalStore
	authz auth.Authorizer

	registry  *sandbox.Registry
	hub       *broadcast.Hub
	terminals *terminal.Manager
	presence  *presence.Coordinator

	mu         sync.Mutex
	workspaces map[string]*workspace // project ID -> workspace of the running sandbox
	group      singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
}

func New(ctx context.Context, cfg types.AppConfig, opts Options) *Engine {
	if opts.Store == nil {
		opts.Store = repository.NewMemoryCanonicalStore()
	}
	if opts.Locks == nil {
		opts.Locks = repository.NewLockMemoryRepository()
	}
	if opts.Provisioner == nil {
		opts.Provisioner = sandbox.NewLocalProvisioner(cfg.Sandbox.RootDir)
	}
	if opts.Authorizer == nil {
		opts.Authorizer = auth.AllowAll{}
	}
	if opts.Spawner == nil {
		opts.Spawner = terminal.PTYSpawner{}
	}

	ctx, cancel := context.WithCancel(ctx)

	sandboxCfg := sandbox.ConfigFromApp(cfg.Sandbox)
	sandboxCfg.Lock = opts.ProvisionLock

	e := &Engine{
		cfg:        cfg,
		store:      opts.Store,
		authz:      opts.Authorizer,
		registry:   sandbox.NewRegistry(ctx, sandboxCfg, opts.Provisioner),
		hub:        broadcast.NewHub(opts.Bus),
		workspaces: make(map[string]*workspace),
		ctx:        ctx,
		cancel:     cancel,
	}
	e.terminals = terminal.NewManager(terminal.ConfigFromApp(cfg.Terminal), e.registry, opts.Spawner, e.hub)
	e.presence = presence.NewCoordinator(presence.ConfigFromApp(cfg.Presence), opts.Locks, e.hub)

	e.registry.OnStatus(e.onSandboxStatus)
	e.hub.OnDrop(e.onClientDropped)
	return e
}

// Hub returns the broadcaster clients register with
func (e *Engine) Hub() *broadcast.Hub {
	return e.hub
}

func (e *Engine) Store() repository.CanonicalStore {
	return e.store
}

// Run drives background work (lock refresh) until ctx is done
func (e *Engine) Run(ctx context.Context) {
	e.presence.Run(ctx)
}

// Close stops every terminal and sandbox and disconnects all clients
func (e *Engine) Close() {
	e.terminals.Shutdown()
	e.registry.Close()
	e.presence.Close()
	e.hub.Close()
	e.cancel()
}

func (e *Engine) onSandboxStatus(state types.SandboxState) {
	e.hub.Publish(types.BroadcastEvent{
		Type: types.EventSandboxStatus,
		Room: types.ProjectRoom(state.ProjectID),
		Data: state,
	})

	if state.Status != types.SandboxStatusReady {
		return
	}

	// Bring the workspace up as soon as the sandbox is ready
	go func() {
		h, ok := e.registry.Handle(state.ProjectID)
		if !ok || h.ID != state.ID {
			return
		}
		if _, err := e.ensureWorkspace(h.Context(), h); err != nil {
			log.Warn().Err(err).Str("project_id", state.ProjectID).Msg("unable to start workspace")
		}
	}()
}

func (e *Engine) onClientDropped(clientID string) {
	e.presence.Disconnect(clientID)
	e.terminals.DetachClient(clientID)
}

// RequestSandbox answers ready, pending or error without blocking for the
// whole provisioning.
func (e *Engine) RequestSandbox(ctx context.Context, userID, projectID string) (types.SandboxRequestResult, error) {
	if err := e.checkProject(ctx, userID, projectID); err != nil {
		return types.SandboxRequestResult{}, err
	}
	return e.registry.Request(ctx, projectID), nil
}

func (e *Engine) GetSandbox(projectID string) (types.SandboxState, bool) {
	return e.registry.Get(projectID)
}

func (e *Engine) ListSandboxes() []types.SandboxState {
	return e.registry.List()
}

// TeardownSandbox stops the project's sandbox together with its terminals
// and watcher
func (e *Engine) TeardownSandbox(ctx context.Context, userID, projectID string) error {
	if err := e.checkProject(ctx, userID, projectID); err != nil {
		return err
	}
	return e.registry.Teardown(ctx, projectID)
}

func (e *Engine) checkProject(ctx context.Context, userID, projectID string) error {
	if !e.authz.CanAccessProject(ctx, userID, projectID) {
		return &types.ErrPermissionDenied{UserID: userID, Resource: "project " + projectID}
	}
	return nil
}

func (e *Engine) checkEdit(ctx context.Context, userID, projectID, fileID string) error {
	if err := e.checkProject(ctx, userID, projectID); err != nil {
		return err
	}
	if fileID == types.RootParentID {
		fileID = projectID
	}
	if !e.authz.CanEdit(ctx, userID, fileID) {
		return &types.ErrPermissionDenied{UserID: userID, Resource: "file " + fileID}
	}
	return nil
}
