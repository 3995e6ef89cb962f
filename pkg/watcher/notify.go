package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/beam-cloud/airsync/pkg/common"
	"github.com/beam-cloud/airsync/pkg/types"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const notifyDebounce = 150 * time.Millisecond

// NotifyWatcher triggers debounced scans from native filesystem events.
// The polling interval remains as a fallback tick, and diffing is shared
// with PollingWatcher so both backends emit identical events.
type NotifyWatcher struct {
	*PollingWatcher

	mu      sync.Mutex
	watched map[string]struct{}
}

func NewNotifyWatcher(root string, cfg Config) *NotifyWatcher {
	pw := NewPollingWatcher(root, cfg)
	pw.backend = string(types.WatcherBackendNotify)
	return &NotifyWatcher{
		PollingWatcher: pw,
		watched:        make(map[string]struct{}),
	}
}

func (w *NotifyWatcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Str("root", w.root).Msg("fsnotify unavailable, falling back to polling")
		w.PollingWatcher.mu.Lock()
		w.backend = string(types.WatcherBackendPoll)
		w.PollingWatcher.mu.Unlock()
		return w.PollingWatcher.Run(ctx)
	}
	defer fw.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	trigger := make(chan struct{}, 1)
	debouncer := common.NewDebouncer(notifyDebounce)
	defer debouncer.Stop()

	fire := func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}

	w.addWatches(fw)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if ev.Op.Has(fsnotify.Chmod) && !ev.Op.Has(fsnotify.Write) {
					continue
				}
				debouncer.Call("scan", fire)
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				log.Debug().Err(err).Str("root", w.root).Msg("fsnotify error")
				debouncer.Call("scan", fire)
			}
		}
	}()

	// Re-sync watched folders after every scan so new folders are covered
	prevOnEvents := w.cfg.OnEvents
	w.cfg.OnEvents = func(events []types.ChangeEvent) {
		w.addWatches(fw)
		if prevOnEvents != nil {
			prevOnEvents(events)
		}
	}

	return w.PollingWatcher.run(ctx, trigger)
}

// addWatches registers every folder in the current snapshot with fsnotify
func (w *NotifyWatcher) addWatches(fw *fsnotify.Watcher) {
	dirs := []string{w.root}
	for p, n := range w.Current() {
		if n.IsDir {
			dirs = append(dirs, filepath.Join(w.root, filepath.FromSlash(p)))
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	live := make(map[string]struct{}, len(dirs))
	for _, d := range dirs {
		live[d] = struct{}{}
		if _, ok := w.watched[d]; ok {
			continue
		}
		if err := fw.Add(d); err != nil {
			log.Debug().Err(err).Str("dir", d).Msg("fsnotify add failed")
			continue
		}
		w.watched[d] = struct{}{}
	}
	for d := range w.watched {
		if _, ok := live[d]; !ok {
			fw.Remove(d)
			delete(w.watched, d)
		}
	}
}
