// Package node implements the per-node runtime: the AppHandle registry, the
// idle reaper, and the HTTP surface browsers and the control plane talk to.
package node

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/magnetar/runtime/authsession"
	"github.com/magnetar/runtime/datalayer"
	"github.com/magnetar/runtime/isolate"
	"github.com/magnetar/runtime/session"
)

// AppHandle is the per-app runtime record co-located with its isolate
// thread: the request channel to the isolate, the session/path/subscriber
// maps, a last-activity timestamp, a parked flag, the loaded data context,
// and optionally an auth middleware.
type AppHandle struct {
	Name string

	Isolate *isolate.Host
	Sessions *session.Manager
	Data     *datalayer.Context
	Auth     *authsession.Middleware // nil if the app declares no auth

	cookieName string
	lastUsed   atomic.Int64

	deployedAt time.Time
}

// NewAppHandle wires together one app's isolate, session manager and data
// context. cookieName is the session cookie this app's handlers read/write.
func NewAppHandle(name string, host *isolate.Host, sessionGrace time.Duration, data *datalayer.Context, auth *authsession.Middleware, cookieName string) *AppHandle {
	h := &AppHandle{
		Name:       name,
		Isolate:    host,
		Data:       data,
		Auth:       auth,
		cookieName: cookieName,
		deployedAt: time.Now(),
	}
	h.Sessions = session.NewManager(sessionGrace, func(sid string) {
		h.Isolate.Submit(isolate.Request{Kind: isolate.DropSession, SID: sid}, 5*time.Second)
	})
	h.touch()
	return h
}

func (h *AppHandle) touch() { h.lastUsed.Store(time.Now().UnixNano()) }

// IdleFor reports how long it has been since this app last served a request.
func (h *AppHandle) IdleFor() time.Duration {
	return time.Since(time.Unix(0, h.lastUsed.Load()))
}

// Parked reports whether the underlying isolate is currently parked.
func (h *AppHandle) Parked() bool { return h.Isolate.IsParked() }

// EligibleForPark reports whether the idle reaper may park this app: no
// active session subscribers, and idle time beyond threshold.
func (h *AppHandle) EligibleForPark(threshold time.Duration) bool {
	return !h.Sessions.HasActiveSessions() && h.IdleFor() >= threshold && !h.Parked()
}

// Registry holds every AppHandle on this node, keyed by app name.
type Registry struct {
	mu  sync.RWMutex
	all map[string]*AppHandle
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{all: make(map[string]*AppHandle)}
}

// Put registers (or replaces) an AppHandle. Replacing closes the displaced
// handle's isolate and stops its data context workers, so in-flight senders
// against the old handle see ErrUnavailable rather than silently leaking it.
func (r *Registry) Put(h *AppHandle) {
	r.mu.Lock()
	old := r.all[h.Name]
	r.all[h.Name] = h
	r.mu.Unlock()

	if old != nil {
		old.Isolate.Close()
		old.Data.Stop()
	}
}

// Get returns the named app's handle, or nil if not deployed on this node.
func (r *Registry) Get(name string) *AppHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.all[name]
}

// Remove deregisters and tears down an app's handle.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	h, ok := r.all[name]
	delete(r.all, name)
	r.mu.Unlock()
	if ok {
		h.Isolate.Close()
		h.Data.Stop()
	}
}

// All returns a snapshot slice of every registered handle, safe to range
// over without holding the registry lock.
func (r *Registry) All() []*AppHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AppHandle, 0, len(r.all))
	for _, h := range r.all {
		out = append(out, h)
	}
	return out
}

// Count returns how many apps are currently deployed on this node.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.all)
}
