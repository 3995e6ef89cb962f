package engine

import (
	"context"
	"errors"

	"github.com/beam-cloud/airsync/pkg/common"
	"github.com/beam-cloud/airsync/pkg/fsbridge"
	"github.com/beam-cloud/airsync/pkg/reconciler"
	"github.com/beam-cloud/airsync/pkg/sandbox"
	"github.com/beam-cloud/airsync/pkg/types"
	"github.com/beam-cloud/airsync/pkg/watcher"
	"github.com/rs/zerolog/log"
)

// workspace is the sync machinery of one running sandbox
type workspace struct {
	sandboxID  string
	projectID  string
	bridge     *fsbridge.Bridge
	watcher    watcher.Watcher
	reconciler *reconciler.Reconciler
	cancel     context.CancelFunc
}

func (e *Engine) lookupWorkspace(projectID string) (*workspace, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ws, ok := e.workspaces[projectID]
	return ws, ok
}

// workspace returns the running workspace of a project, provisioning the
// sandbox when there is none
func (e *Engine) workspace(ctx context.Context, projectID string) (*workspace, error) {
	h, err := e.registry.Acquire(ctx, projectID, "")
	if err != nil {
		return nil, err
	}
	return e.ensureWorkspace(ctx, h)
}

// ensureWorkspace wires a bridge, watcher and reconciler to the sandbox,
// hydrates it from the canonical store and starts watching. Concurrent
// callers for the same sandbox share one setup.
func (e *Engine) ensureWorkspace(ctx context.Context, h *sandbox.Handle) (*workspace, error) {
	if ws, ok := e.lookupWorkspace(h.ProjectID); ok && ws.sandboxID == h.ID {
		return ws, nil
	}

	// Setup is bound to the sandbox, not to the caller that triggered it
	ch := e.group.DoChan(h.ID, func() (any, error) {
		if ws, ok := e.lookupWorkspace(h.ProjectID); ok && ws.sandboxID == h.ID {
			return ws, nil
		}
		return e.startWorkspace(h.Context(), h)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*workspace), nil
	}
}

func (e *Engine) startWorkspace(ctx context.Context, h *sandbox.Handle) (*workspace, error) {
	projectID := h.ProjectID
	if h.Stopped() {
		return nil, &types.ErrSandboxUnavailable{ProjectID: projectID}
	}

	echo := fsbridge.NewEchoTracker(e.cfg.Sync.EchoCacheSize, e.cfg.Sync.EchoWindow)
	bridge := fsbridge.New(h.WorkDir, echo, fsbridge.Config{
		Retry:     common.DefaultRetryPolicy(e.cfg.Sync.Retries),
		OpTimeout: e.cfg.Sync.OpTimeout,
		OnFailure: func(err error) { e.registry.MarkDegraded(projectID, err) },
	})

	ws := &workspace{sandboxID: h.ID, projectID: projectID, bridge: bridge}
	ws.watcher = watcher.New(e.cfg.Watcher.Backend, h.WorkDir, watcher.Config{
		Interval:    e.cfg.Watcher.Interval,
		Ignore:      e.cfg.Watcher.Ignore,
		MaxFileSize: e.cfg.Watcher.MaxFileSize,
		Retry:       common.DefaultRetryPolicy(e.cfg.Watcher.Retries),
		Echo:        echo,
		OnEvents: func(events []types.ChangeEvent) {
			ws.reconciler.Enqueue(events)
			e.registry.Touch(projectID)
		},
		OnError:   func(err error) { e.registry.MarkDegraded(projectID, err) },
		OnRecover: func() { e.registry.MarkReady(projectID) },
	})
	ws.reconciler = reconciler.New(h.Context(), reconciler.Config{
		ProjectID:   projectID,
		QueueSize:   e.cfg.Sync.QueueSize,
		MaxFileSize: e.cfg.Watcher.MaxFileSize,
	}, e.store, bridge, ws.watcher, e.hub)
	ws.reconciler.Start()

	written, err := ws.reconciler.Hydrate(ctx)
	if err != nil {
		ws.reconciler.Stop()
		if (&types.ErrSandboxUnavailable{}).From(err) || errors.Is(err, context.Canceled) {
			return nil, &types.ErrSandboxUnavailable{ProjectID: projectID, Cause: err}
		}
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(h.Context())
	ws.cancel = cancel
	go func() {
		if err := ws.watcher.Run(watchCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Str("project_id", projectID).Msg("watcher stopped")
		}
	}()

	e.mu.Lock()
	e.workspaces[projectID] = ws
	e.mu.Unlock()

	h.OnStop(func() { e.stopWorkspace(ws) })

	log.Info().Str("project_id", projectID).Str("sandbox_id", h.ID).Int("entries", written).Msg("workspace started")
	return ws, nil
}

func (e *Engine) stopWorkspace(ws *workspace) {
	ws.cancel()
	ws.reconciler.Stop()

	e.mu.Lock()
	if cur, ok := e.workspaces[ws.projectID]; ok && cur == ws {
		delete(e.workspaces, ws.projectID)
	}
	e.mu.Unlock()

	log.Info().Str("project_id", ws.projectID).Str("sandbox_id", ws.sandboxID).Msg("workspace stopped")
}

// ForceSync reconciles the whole sandbox tree against the canonical store
func (e *Engine) ForceSync(ctx context.Context, userID, projectID string) (types.SyncCounts, error) {
	if err := e.checkProject(ctx, userID, projectID); err != nil {
		return types.SyncCounts{}, err
	}
	ws, err := e.workspace(ctx, projectID)
	if err != nil {
		return types.SyncCounts{}, err
	}
	e.registry.Touch(projectID)
	return ws.reconciler.ForceSync(ctx)
}

// GetWatcherStatus reports the change watcher of the project's running
// sandbox. A project without one reports an inactive watcher.
func (e *Engine) GetWatcherStatus(ctx context.Context, userID, projectID string) (types.WatcherStatus, error) {
	if err := e.checkProject(ctx, userID, projectID); err != nil {
		return types.WatcherStatus{}, err
	}
	ws, ok := e.lookupWorkspace(projectID)
	if !ok {
		return types.WatcherStatus{}, nil
	}
	return ws.watcher.Status(), nil
}

// PendingPaths lists paths whose sandbox mirror is waiting for a forced sync
func (e *Engine) PendingPaths(projectID string) []string {
	ws, ok := e.lookupWorkspace(projectID)
	if !ok {
		return nil
	}
	return ws.reconciler.Pending()
}
