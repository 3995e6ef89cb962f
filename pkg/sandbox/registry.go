package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/beam-cloud/airsync/pkg/common"
	"github.com/beam-cloud/airsync/pkg/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

var errTornDown = errors.New("sandbox torn down during provisioning")

// Config for creating a Registry
type Config struct {
	Shell   []string
	Wrapper []string
	Env     map[string]string

	IdleTimeout      time.Duration
	ProvisionTimeout time.Duration
	RequestWait      time.Duration
	Retry            common.RetryPolicy

	// Lock guards provisioning across gateway replicas (optional)
	Lock *common.RedisLock
}

// ConfigFromApp builds a registry config from the app config
func ConfigFromApp(cfg types.SandboxConfig) Config {
	return Config{
		Shell:            cfg.ShellCommand(),
		Wrapper:          cfg.Wrapper,
		Env:              cfg.Env,
		IdleTimeout:      cfg.IdleTimeout,
		ProvisionTimeout: cfg.ProvisionTimeout,
		RequestWait:      cfg.RequestWait,
		Retry:            common.DefaultRetryPolicy(cfg.ProvisionRetries),
	}
}

type entry struct {
	state   types.SandboxState
	handle  *Handle
	runtime *Runtime
	holders map[string]struct{}

	// tornDown is set when Teardown hits a sandbox that is still provisioning
	tornDown bool
}

// Registry owns the lifecycle of project sandboxes. At most one sandbox is
// active per project; concurrent acquisitions share a single provisioning
// attempt.
type Registry struct {
	cfg         Config
	provisioner Provisioner

	entries  map[string]*entry
	failures map[string]error
	mu       sync.Mutex

	group singleflight.Group
	idle  *common.Debouncer

	listeners []func(types.SandboxState)
	lmu       sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
}

func NewRegistry(ctx context.Context, cfg Config, provisioner Provisioner) *Registry {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.ProvisionTimeout <= 0 {
		cfg.ProvisionTimeout = 30 * time.Second
	}
	if cfg.RequestWait <= 0 {
		cfg.RequestWait = 2 * time.Second
	}

	ctx, cancel := context.WithCancel(ctx)
	return &Registry{
		cfg:         cfg,
		provisioner: provisioner,
		entries:     make(map[string]*entry),
		failures:    make(map[string]error),
		idle:        common.NewDebouncer(cfg.IdleTimeout),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// OnStatus registers a listener for lifecycle transitions
func (r *Registry) OnStatus(fn func(types.SandboxState)) {
	r.lmu.Lock()
	r.listeners = append(r.listeners, fn)
	r.lmu.Unlock()
}

func (r *Registry) notify(state types.SandboxState) {
	r.lmu.RLock()
	listeners := r.listeners
	r.lmu.RUnlock()
	for _, fn := range listeners {
		fn(state)
	}
}

func (e *entry) snapshot() types.SandboxState {
	s := e.state
	s.RefCount = len(e.holders)
	return s
}

// Acquire returns the project's ready sandbox, provisioning one if needed.
// When holderID is set it is recorded as a reference that keeps the sandbox
// alive until released.
func (r *Registry) Acquire(ctx context.Context, projectID, holderID string) (*Handle, error) {
	if h := r.retain(projectID, holderID); h != nil {
		return h, nil
	}

	ch := r.group.DoChan(projectID, func() (any, error) {
		return r.provision(projectID)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
	}

	h := r.retain(projectID, holderID)
	if h == nil {
		// Torn down between provisioning and retain
		return nil, &types.ErrSandboxUnavailable{ProjectID: projectID, Cause: errTornDown}
	}
	return h, nil
}

// retain adds a reference to an active sandbox and cancels any idle countdown
func (r *Registry) retain(projectID, holderID string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[projectID]
	if !ok || e.handle == nil || !e.state.Status.IsActive() {
		return nil
	}

	e.state.LastActivityAt = time.Now()
	if holderID != "" {
		e.holders[holderID] = struct{}{}
		r.idle.Cancel(projectID)
	} else if len(e.holders) == 0 {
		r.scheduleIdle(projectID, e.handle.ID)
	}
	return e.handle
}

func (r *Registry) provision(projectID string) (*Handle, error) {
	r.mu.Lock()
	if e, ok := r.entries[projectID]; ok && e.handle != nil && e.state.Status.IsActive() {
		r.mu.Unlock()
		return e.handle, nil
	}
	now := time.Now()
	e := &entry{
		state: types.SandboxState{
			ProjectID:      projectID,
			Status:         types.SandboxStatusProvisioning,
			CreatedAt:      now,
			LastActivityAt: now,
		},
		holders: make(map[string]struct{}),
	}
	r.entries[projectID] = e
	delete(r.failures, projectID)
	state := e.snapshot()
	r.mu.Unlock()

	r.notify(state)

	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.ProvisionTimeout)
	defer cancel()

	rt, err := r.provisionRuntime(ctx, projectID)

	r.mu.Lock()
	if err == nil && e.tornDown {
		err = errTornDown
	}
	if err != nil {
		if cur, ok := r.entries[projectID]; ok && cur == e {
			delete(r.entries, projectID)
		}
		if !e.tornDown {
			r.failures[projectID] = err
		}
		e.state.Status = types.SandboxStatusStopped
		e.state.Error = err.Error()
		state = e.snapshot()
		r.mu.Unlock()

		if rt != nil {
			r.destroy(rt)
		}
		log.Warn().Err(err).Str("project_id", projectID).Msg("sandbox provisioning failed")
		r.notify(state)
		return nil, &types.ErrSandboxUnavailable{ProjectID: projectID, Cause: err}
	}

	h := newHandle(r.ctx, rt)
	e.handle = h
	e.runtime = rt
	e.state.ID = rt.ID
	e.state.WorkDir = rt.WorkDir
	e.state.Status = types.SandboxStatusReady
	e.state.LastActivityAt = time.Now()
	state = e.snapshot()
	r.scheduleIdle(projectID, h.ID)
	r.mu.Unlock()

	r.notify(state)
	return h, nil
}

func (r *Registry) provisionRuntime(ctx context.Context, projectID string) (*Runtime, error) {
	if r.cfg.Lock != nil {
		lockKey := common.Keys.SandboxProvisionLock(projectID)
		ttl := int(r.cfg.ProvisionTimeout.Seconds()) + 1
		if err := r.cfg.Lock.Acquire(ctx, lockKey, common.RedisLockOptions{TtlS: ttl, Retries: 10}); err != nil {
			return nil, fmt.Errorf("provision lock: %w", err)
		}
		defer r.cfg.Lock.Release(lockKey)
	}

	spec := types.SandboxSpec{
		ProjectID: projectID,
		Shell:     r.cfg.Shell,
		Wrapper:   r.cfg.Wrapper,
		Env:       r.cfg.Env,
	}

	var rt *Runtime
	err := r.cfg.Retry.Do(ctx, func() error {
		var err error
		rt, err = r.provisioner.Provision(ctx, spec)
		if err != nil {
			log.Debug().Err(err).Str("project_id", projectID).Msg("provision attempt failed")
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// Release drops a reference. At zero references the idle countdown starts.
func (r *Registry) Release(projectID, holderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[projectID]
	if !ok {
		return
	}
	delete(e.holders, holderID)
	if len(e.holders) == 0 && e.handle != nil {
		r.scheduleIdle(projectID, e.handle.ID)
	}
}

// scheduleIdle must be called with r.mu held
func (r *Registry) scheduleIdle(projectID, sandboxID string) {
	r.idle.Call(projectID, func() {
		r.teardownIfIdle(projectID, sandboxID)
	})
}

func (r *Registry) teardownIfIdle(projectID, sandboxID string) {
	r.mu.Lock()
	e, ok := r.entries[projectID]
	if !ok || e.handle == nil || e.handle.ID != sandboxID || len(e.holders) > 0 {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	log.Info().Str("project_id", projectID).Str("sandbox_id", sandboxID).Msg("sandbox idle, tearing down")
	r.teardown(projectID, sandboxID)
}

// Teardown stops the project's sandbox, running its stop hooks
func (r *Registry) Teardown(ctx context.Context, projectID string) error {
	r.mu.Lock()
	e, ok := r.entries[projectID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if e.handle == nil {
		// Still provisioning; provision() destroys the runtime when it finishes
		e.tornDown = true
		r.mu.Unlock()
		return nil
	}
	sandboxID := e.handle.ID
	r.mu.Unlock()

	r.teardown(projectID, sandboxID)
	return nil
}

func (r *Registry) teardown(projectID, sandboxID string) {
	r.mu.Lock()
	e, ok := r.entries[projectID]
	if !ok || e.handle == nil || e.handle.ID != sandboxID {
		r.mu.Unlock()
		return
	}
	delete(r.entries, projectID)
	r.idle.Cancel(projectID)
	e.state.Status = types.SandboxStatusStopped
	e.holders = map[string]struct{}{}
	state := e.snapshot()
	r.mu.Unlock()

	e.handle.stop()
	r.destroy(e.runtime)

	log.Info().Str("project_id", projectID).Str("sandbox_id", sandboxID).Msg("sandbox stopped")
	r.notify(state)
}

func (r *Registry) destroy(rt *Runtime) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ProvisionTimeout)
	defer cancel()
	if err := r.provisioner.Destroy(ctx, rt); err != nil {
		log.Warn().Err(err).Str("sandbox_id", rt.ID).Msg("failed to destroy sandbox runtime")
	}
}

// Request answers ready, pending or error without blocking past RequestWait.
// A provisioning failure is reported once; the next request retries.
func (r *Registry) Request(ctx context.Context, projectID string) types.SandboxRequestResult {
	r.mu.Lock()
	if e, ok := r.entries[projectID]; ok && e.handle != nil && e.state.Status.IsActive() {
		e.state.LastActivityAt = time.Now()
		state := e.snapshot()
		r.mu.Unlock()
		return types.SandboxRequestResult{Status: types.SandboxRequestReady, Sandbox: &state}
	}
	if err, failed := r.failures[projectID]; failed {
		delete(r.failures, projectID)
		r.mu.Unlock()
		return types.SandboxRequestResult{
			Status:    types.SandboxRequestError,
			Error:     err.Error(),
			Retryable: true,
		}
	}
	r.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := r.Acquire(r.ctx, projectID, "")
		done <- err
	}()

	wait := time.NewTimer(r.cfg.RequestWait)
	defer wait.Stop()

	select {
	case err := <-done:
		if err != nil {
			r.mu.Lock()
			delete(r.failures, projectID)
			r.mu.Unlock()
			return types.SandboxRequestResult{Status: types.SandboxRequestError, Error: err.Error(), Retryable: true}
		}
		state, ok := r.Get(projectID)
		if !ok {
			return types.SandboxRequestResult{Status: types.SandboxRequestPending}
		}
		return types.SandboxRequestResult{Status: types.SandboxRequestReady, Sandbox: &state}
	case <-wait.C:
	case <-ctx.Done():
	}

	result := types.SandboxRequestResult{Status: types.SandboxRequestPending}
	if state, ok := r.Get(projectID); ok {
		result.Sandbox = &state
	}
	return result
}

// Handle returns the active sandbox handle without taking a reference
func (r *Registry) Handle(projectID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[projectID]
	if !ok || e.handle == nil || !e.state.Status.IsActive() {
		return nil, false
	}
	return e.handle, true
}

func (r *Registry) Get(projectID string) (types.SandboxState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[projectID]
	if !ok {
		return types.SandboxState{}, false
	}
	return e.snapshot(), true
}

func (r *Registry) List() []types.SandboxState {
	r.mu.Lock()
	out := make([]types.SandboxState, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.snapshot())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}

// MarkDegraded flags a sandbox whose filesystem or watcher keeps failing
func (r *Registry) MarkDegraded(projectID string, cause error) {
	r.mu.Lock()
	e, ok := r.entries[projectID]
	if !ok || e.state.Status != types.SandboxStatusReady {
		r.mu.Unlock()
		return
	}
	e.state.Status = types.SandboxStatusDegraded
	if cause != nil {
		e.state.Error = cause.Error()
	}
	state := e.snapshot()
	r.mu.Unlock()

	log.Warn().Str("project_id", projectID).Str("error", state.Error).Msg("sandbox degraded")
	r.notify(state)
}

// MarkReady clears a degraded state
func (r *Registry) MarkReady(projectID string) {
	r.mu.Lock()
	e, ok := r.entries[projectID]
	if !ok || e.state.Status != types.SandboxStatusDegraded {
		r.mu.Unlock()
		return
	}
	e.state.Status = types.SandboxStatusReady
	e.state.Error = ""
	state := e.snapshot()
	r.mu.Unlock()

	log.Info().Str("project_id", projectID).Msg("sandbox recovered")
	r.notify(state)
}

// Touch records activity. Without references it also restarts the idle countdown.
func (r *Registry) Touch(projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[projectID]
	if !ok {
		return
	}
	e.state.LastActivityAt = time.Now()
	if len(e.holders) == 0 && e.handle != nil {
		r.scheduleIdle(projectID, e.handle.ID)
	}
}

// Close tears down every sandbox
func (r *Registry) Close() {
	r.mu.Lock()
	targets := make(map[string]string, len(r.entries))
	for projectID, e := range r.entries {
		if e.handle != nil {
			targets[projectID] = e.handle.ID
		} else {
			e.tornDown = true
		}
	}
	r.mu.Unlock()

	for projectID, sandboxID := range targets {
		r.teardown(projectID, sandboxID)
	}
	r.idle.Stop()
	r.cancel()
}
