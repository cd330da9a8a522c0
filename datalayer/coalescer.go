package datalayer

import (
	"sync/atomic"
	"time"
)

// Coalescer turns a storm of change-callback invocations (one per changed
// poll or stream source) into a single debounced re-render per app, per
// spec.md §4.4: at most one scheduled render in flight, a fixed window
// after which every active session is re-rendered once with fresh data.
type Coalescer struct {
	pending atomic.Bool
	window  time.Duration
	render  func()
}

// NewCoalescer builds a Coalescer with the given debounce window. render is
// invoked at most once per window; it is the node wiring's responsibility to
// enumerate sessions and re-render each with fresh DataForPage output.
func NewCoalescer(window time.Duration, render func()) *Coalescer {
	return &Coalescer{window: window, render: render}
}

// Notify is the change callback a Context's OnChange should be wired to. If
// a render is already scheduled it returns immediately; otherwise it claims
// the pending flag and schedules one after the debounce window.
func (co *Coalescer) Notify() {
	if !co.pending.CompareAndSwap(false, true) {
		return
	}
	time.AfterFunc(co.window, func() {
		co.pending.Store(false)
		co.render()
	})
}
