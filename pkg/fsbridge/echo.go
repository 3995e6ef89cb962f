package fsbridge

import (
	"sync"
	"time"

	"github.com/beam-cloud/airsync/pkg/common"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// EchoTracker remembers recent editor-originated writes so the watcher can
// drop the change events they cause. Tags expire after the echo window.
type EchoTracker struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, []string]
}

func NewEchoTracker(size int, window time.Duration) *EchoTracker {
	if size <= 0 {
		size = 4096
	}
	if window <= 0 {
		window = 5 * time.Second
	}
	return &EchoTracker{
		cache: expirable.NewLRU[string, []string](size, nil, window),
	}
}

// Tag records that path is about to hold content with the given hash. Any
// content tag means the ancestors exist again, so their pending deletion
// tags stop covering descendants.
func (t *EchoTracker) Tag(path, hash string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	hashes, _ := t.cache.Get(path)
	t.cache.Add(path, append(append([]string(nil), hashes...), hash))

	if hash == common.DeletedHash {
		return
	}
	for _, dir := range Ancestors(path) {
		t.dropDeletedLocked(dir)
	}
}

func (t *EchoTracker) dropDeletedLocked(path string) {
	hashes, ok := t.cache.Peek(path)
	if !ok {
		return
	}
	kept := make([]string, 0, len(hashes))
	for _, h := range hashes {
		if h != common.DeletedHash {
			kept = append(kept, h)
		}
	}
	switch {
	case len(kept) == len(hashes):
	case len(kept) == 0:
		t.cache.Remove(path)
	default:
		t.cache.Add(path, kept)
	}
}

// Consume reports whether (path, hash) matches a live tag. The matching tag
// and every older tag for the path are dropped.
func (t *EchoTracker) Consume(path, hash string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	hashes, ok := t.cache.Get(path)
	if !ok {
		return false
	}
	for i := len(hashes) - 1; i >= 0; i-- {
		if hashes[i] != hash {
			continue
		}
		if rest := hashes[i+1:]; len(rest) > 0 {
			t.cache.Add(path, append([]string(nil), rest...))
		} else {
			t.cache.Remove(path)
		}
		return true
	}
	return false
}

// ConsumeDelete matches a deletion of path, or of an ancestor whose most
// recent tag is still a deletion. Ancestor tags stay live so every
// descendant of a removed folder is matched.
func (t *EchoTracker) ConsumeDelete(path string) bool {
	if t.Consume(path, common.DeletedHash) {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, dir := range Ancestors(path) {
		hashes, ok := t.cache.Peek(dir)
		if ok && len(hashes) > 0 && hashes[len(hashes)-1] == common.DeletedHash {
			return true
		}
	}
	return false
}

func (t *EchoTracker) Len() int {
	return t.cache.Len()
}
