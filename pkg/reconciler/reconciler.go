package reconciler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/beam-cloud/airsync/pkg/fsbridge"
	"github.com/beam-cloud/airsync/pkg/repository"
	"github.com/beam-cloud/airsync/pkg/types"
	"github.com/beam-cloud/airsync/pkg/watcher"
	"github.com/rs/zerolog/log"
)

const defaultQueueSize = 256

// Publisher fans events out to connected clients
type Publisher interface {
	Publish(event types.BroadcastEvent)
}

// Scanner is the part of the change watcher the reconciler drives
type Scanner interface {
	Scan(ctx context.Context) ([]types.ChangeEvent, error)
	Current() watcher.Snapshot
	Ignores(path string) bool
}

type Config struct {
	ProjectID   string
	QueueSize   int
	MaxFileSize int64
}

// Reconciler keeps one sandbox and the canonical store consistent. It is the
// only writer of canonical entries derived from sandbox state and the only
// source of sandbox writes derived from editor actions. All work for the
// sandbox runs in arrival order on a single queue.
type Reconciler struct {
	projectID string
	cfg       Config
	store     repository.CanonicalStore
	bridge    *fsbridge.Bridge
	scanner   Scanner
	pub       Publisher

	queue chan job

	mu       sync.Mutex
	lastHash map[string]string    // path -> content hash both sides agreed on
	pending  map[string]time.Time // paths whose sandbox mirror failed

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

type job struct {
	name string
	fn   func(ctx context.Context) error
	done chan error
}

func New(ctx context.Context, cfg Config, store repository.CanonicalStore, bridge *fsbridge.Bridge, scanner Scanner, pub Publisher) *Reconciler {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	ctx, cancel := context.WithCancel(ctx)
	return &Reconciler{
		projectID: cfg.ProjectID,
		cfg:       cfg,
		store:     store,
		bridge:    bridge,
		scanner:   scanner,
		pub:       pub,
		queue:     make(chan job, cfg.QueueSize),
		lastHash:  make(map[string]string),
		pending:   make(map[string]time.Time),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start launches the queue worker
func (r *Reconciler) Start() {
	r.once.Do(func() { go r.run() })
}

// Stop cancels the worker and waits for it to exit. Queued editor operations
// fail with ErrSandboxUnavailable.
func (r *Reconciler) Stop() {
	r.cancel()
	r.once.Do(func() { close(r.done) })
	<-r.done
}

func (r *Reconciler) run() {
	defer close(r.done)

	for {
		select {
		case <-r.ctx.Done():
			r.drain()
			return
		case j := <-r.queue:
			err := j.fn(r.ctx)
			if j.done != nil {
				j.done <- err
			} else if err != nil {
				log.Warn().Err(err).Str("project_id", r.projectID).Str("job", j.name).Msg("reconcile job failed")
			}
		}
	}
}

func (r *Reconciler) drain() {
	for {
		select {
		case j := <-r.queue:
			if j.done != nil {
				j.done <- r.unavailable()
			}
		default:
			return
		}
	}
}

func (r *Reconciler) unavailable() error {
	return &types.ErrSandboxUnavailable{ProjectID: r.projectID}
}

// submit queues fn and waits for its result. Once queued, fn runs to
// completion even if ctx is cancelled.
func (r *Reconciler) submit(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	j := job{name: name, fn: fn, done: make(chan error, 1)}

	select {
	case r.queue <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return r.unavailable()
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return r.unavailable()
	}
}

// Enqueue queues a batch of watcher events. It blocks while the queue is full.
func (r *Reconciler) Enqueue(events []types.ChangeEvent) {
	if len(events) == 0 {
		return
	}

	j := job{name: "sandbox_events", fn: func(ctx context.Context) error {
		r.applyEvents(ctx, events)
		return nil
	}}
	select {
	case r.queue <- j:
	case <-r.ctx.Done():
	}
}

// Pending returns the paths waiting for a sandbox mirror retry
func (r *Reconciler) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.pending))
	for p := range r.pending {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (r *Reconciler) markPending(path string, err error) {
	log.Warn().Err(err).Str("project_id", r.projectID).Str("path", path).Msg("sandbox mirror failed, path pending reconciliation")

	r.mu.Lock()
	r.pending[path] = time.Now()
	r.mu.Unlock()
}

func (r *Reconciler) clearPending(path string) {
	r.mu.Lock()
	delete(r.pending, path)
	r.mu.Unlock()
}

// isPendingTree reports whether path, one of its ancestors or one of its
// descendants is pending
func (r *Reconciler) isPendingTree(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for p := range r.pending {
		if fsbridge.IsWithin(p, path) || fsbridge.IsWithin(path, p) {
			return true
		}
	}
	return false
}

func (r *Reconciler) knownHash(path string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.lastHash[path]
	return h, ok
}

func (r *Reconciler) setHash(path, hash string) {
	r.mu.Lock()
	r.lastHash[path] = hash
	r.mu.Unlock()
}

// forgetTree drops the known hashes of path and everything below it
func (r *Reconciler) forgetTree(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for p := range r.lastHash {
		if fsbridge.IsWithin(p, path) {
			delete(r.lastHash, p)
		}
	}
}

// moveTree rewrites known hashes after a rename
func (r *Reconciler) moveTree(from, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	moved := make(map[string]string)
	for p, h := range r.lastHash {
		if fsbridge.IsWithin(p, from) {
			moved[to+p[len(from):]] = h
			delete(r.lastHash, p)
		}
	}
	for p, h := range moved {
		r.lastHash[p] = h
	}
}

func (r *Reconciler) publish(e types.BroadcastEvent) {
	if r.pub == nil {
		return
	}
	if e.Room == "" {
		e.Room = types.ProjectRoom(r.projectID)
	}
	r.pub.Publish(e)
}

func (r *Reconciler) publishChange(kind types.ChangeKind, entry *types.Entry, origin fsbridge.Origin, exclude string) {
	r.publish(types.BroadcastEvent{
		Type: types.EventFileSystemUpdate,
		Data: types.FileSystemUpdate{
			Kind:   kind,
			Path:   entry.Path,
			Entry:  entry.Summary(),
			Origin: string(origin),
		},
		Exclude: exclude,
	})
}

func (r *Reconciler) lookup(ctx context.Context, path string) (*types.Entry, error) {
	e, err := r.store.GetEntryByPath(ctx, r.projectID, path)
	if (&types.ErrEntryNotFound{}).From(err) {
		return nil, nil
	}
	return e, err
}
