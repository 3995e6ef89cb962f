package sandbox

import (
	"context"
	"sync"
)

// Handle is a reference to a ready sandbox. It stays valid until the
// sandbox is torn down, at which point Context is cancelled and every
// OnStop hook has run.
type Handle struct {
	ID        string
	ProjectID string
	WorkDir   string
	Command   []string
	Env       []string

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	hooks   []func()
	stopped bool
}

func newHandle(parent context.Context, rt *Runtime) *Handle {
	ctx, cancel := context.WithCancel(parent)
	return &Handle{
		ID:        rt.ID,
		ProjectID: rt.ProjectID,
		WorkDir:   rt.WorkDir,
		Command:   append([]string(nil), rt.Command...),
		Env:       append([]string(nil), rt.Env...),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Context is cancelled when the sandbox stops
func (h *Handle) Context() context.Context {
	return h.ctx
}

func (h *Handle) Done() <-chan struct{} {
	return h.ctx.Done()
}

func (h *Handle) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// OnStop registers fn to run at teardown, before the runtime is destroyed.
// If the sandbox already stopped, fn runs immediately.
func (h *Handle) OnStop(fn func()) {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		fn()
		return
	}
	h.hooks = append(h.hooks, fn)
	h.mu.Unlock()
}

// stop runs hooks in reverse registration order, once
func (h *Handle) stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	hooks := h.hooks
	h.hooks = nil
	h.mu.Unlock()

	h.cancel()
	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}
