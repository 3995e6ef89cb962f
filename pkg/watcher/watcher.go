package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/beam-cloud/airsync/pkg/common"
	"github.com/beam-cloud/airsync/pkg/fsbridge"
	"github.com/beam-cloud/airsync/pkg/types"
	"github.com/rs/zerolog/log"
)

// Watcher detects filesystem changes inside a sandbox
type Watcher interface {
	// Run scans until ctx is done, delivering events to the configured sink
	Run(ctx context.Context) error

	// Scan forces a full diff now, bypassing the interval. The events are
	// returned instead of delivered to the sink.
	Scan(ctx context.Context) ([]types.ChangeEvent, error)

	Status() types.WatcherStatus

	// Current returns a copy of the last successful snapshot
	Current() Snapshot

	// Ignores reports whether path is excluded from snapshots
	Ignores(path string) bool
}

// Config for creating a watcher
type Config struct {
	Interval    time.Duration
	Ignore      []string
	MaxFileSize int64
	Retry       common.RetryPolicy

	// Echo drops events caused by editor-originated writes (optional)
	Echo *fsbridge.EchoTracker

	// OnEvents receives every non-empty batch produced by Run
	OnEvents func([]types.ChangeEvent)

	// OnError is called when a scan exhausts its retries
	OnError func(error)

	// OnRecover is called on the first good scan after OnError
	OnRecover func()
}

// New returns the watcher for the configured backend
func New(backend types.WatcherBackend, root string, cfg Config) Watcher {
	if backend == types.WatcherBackendNotify {
		return NewNotifyWatcher(root, cfg)
	}
	return NewPollingWatcher(root, cfg)
}

// PollingWatcher snapshots the tree at a fixed interval and diffs it
// against the previous snapshot.
type PollingWatcher struct {
	root    string
	cfg     Config
	ignore  ignoreMatcher
	backend string

	scanMu sync.Mutex // one scan at a time

	mu      sync.RWMutex
	prev    Snapshot
	status  types.WatcherStatus
	failing bool
}

func NewPollingWatcher(root string, cfg Config) *PollingWatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	return &PollingWatcher{
		root:    root,
		cfg:     cfg,
		ignore:  ignoreMatcher(cfg.Ignore),
		backend: string(types.WatcherBackendPoll),
		prev:    Snapshot{},
	}
}

func (w *PollingWatcher) Run(ctx context.Context) error {
	return w.run(ctx, nil)
}

// run scans on every tick and on every trigger
func (w *PollingWatcher) run(ctx context.Context, trigger <-chan struct{}) error {
	w.setActive(true)
	defer w.setActive(false)

	log.Debug().Str("root", w.root).Str("backend", w.backend).Dur("interval", w.cfg.Interval).Msg("watcher started")

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.tick(ctx)
		case <-trigger:
			w.tick(ctx)
		}
	}
}

func (w *PollingWatcher) tick(ctx context.Context) {
	events, err := w.Scan(ctx)
	if err != nil || len(events) == 0 {
		return
	}
	if w.cfg.OnEvents != nil {
		w.cfg.OnEvents(events)
	}
}

func (w *PollingWatcher) Scan(ctx context.Context) ([]types.ChangeEvent, error) {
	w.scanMu.Lock()
	defer w.scanMu.Unlock()

	w.mu.RLock()
	prev := w.prev
	w.mu.RUnlock()

	var snap Snapshot
	err := w.cfg.Retry.Do(ctx, func() error {
		var err error
		snap, err = takeSnapshot(ctx, w.root, prev, w.ignore, w.cfg.MaxFileSize)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		w.recordFailure(err)
		return nil, err
	}

	events := w.suppressEchoes(Diff(prev, snap, time.Now()))

	w.mu.Lock()
	w.prev = snap
	w.status.LastScanAt = time.Now()
	w.status.LastError = ""
	w.status.Scans++
	w.status.Tracked = len(snap)
	recovered := w.failing
	w.failing = false
	w.mu.Unlock()

	if recovered && w.cfg.OnRecover != nil {
		w.cfg.OnRecover()
	}
	return events, nil
}

func (w *PollingWatcher) recordFailure(err error) {
	w.mu.Lock()
	w.status.LastError = err.Error()
	w.failing = true
	w.mu.Unlock()

	log.Warn().Err(err).Str("root", w.root).Msg("watcher scan failed")
	if w.cfg.OnError != nil {
		w.cfg.OnError(err)
	}
}

func (w *PollingWatcher) suppressEchoes(events []types.ChangeEvent) []types.ChangeEvent {
	if w.cfg.Echo == nil {
		return events
	}

	out := events[:0]
	for _, ev := range events {
		var echo bool
		if ev.Kind.IsDelete() {
			echo = w.cfg.Echo.ConsumeDelete(ev.Path)
		} else {
			echo = w.cfg.Echo.Consume(ev.Path, ev.Hash)
		}
		if echo {
			log.Debug().Str("path", ev.Path).Str("kind", string(ev.Kind)).Msg("suppressed editor echo")
			continue
		}
		out = append(out, ev)
	}
	return out
}

func (w *PollingWatcher) setActive(active bool) {
	w.mu.Lock()
	w.status.Active = active
	w.mu.Unlock()
}

func (w *PollingWatcher) Status() types.WatcherStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s := w.status
	s.Backend = w.backend
	return s
}

func (w *PollingWatcher) Ignores(path string) bool {
	return w.ignore.match(path)
}

func (w *PollingWatcher) Current() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.prev.Clone()
}
