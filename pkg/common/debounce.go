package common

import (
	"sync"
	"time"
)

// Debouncer coalesces rapid calls on the same key into a single callback.
// Each Call resets the timer for that key and only the latest fn fires.
type Debouncer struct {
	delay time.Duration
	mu    sync.Mutex
	state map[string]*debounceEntry
}

type debounceEntry struct {
	timer *time.Timer
	gen   uint64 // callback only fires if gen still matches
}

func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{
		delay: delay,
		state: make(map[string]*debounceEntry),
	}
}

// Call schedules fn to run after delay. If called again with the same key
// before the delay expires, the timer resets.
func (d *Debouncer) Call(key string, fn func()) {
	d.CallAfter(key, d.delay, fn)
}

// CallAfter is Call with a per-call delay
func (d *Debouncer) CallAfter(key string, delay time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.state[key]
	if ok {
		e.timer.Stop()
		e.gen++
	} else {
		e = &debounceEntry{}
		d.state[key] = e
	}

	gen := e.gen
	e.timer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		if cur, ok := d.state[key]; !ok || cur != e || cur.gen != gen {
			d.mu.Unlock()
			return
		}
		delete(d.state, key)
		d.mu.Unlock()
		fn()
	})
}

// Cancel drops a pending callback. Returns true if one was pending.
func (d *Debouncer) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.state[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	e.gen++
	delete(d.state, key)
	return true
}

// Pending reports whether a callback is scheduled for key
func (d *Debouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.state[key]
	return ok
}

// Stop cancels every pending callback
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, e := range d.state {
		e.timer.Stop()
		e.gen++
		delete(d.state, key)
	}
}
