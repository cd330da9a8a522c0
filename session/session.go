// Package session implements the Session Manager: per-app tracking of
// browser-cookie-identified sessions independently of the isolate. It is the
// direct descendant of this codebase's session-registry pattern — a
// map guarded by a single mutex, one instance per app, never shared across
// apps — retargeted from HTTP-client automation sessions to browser
// long-lived-connection sessions.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/magnetar/runtime/domnode"
)

// Event is what is pushed down a subscriber channel: exactly one of
// Snapshot or Delta is set.
type Event struct {
	Snapshot *domnode.Snapshot
	Delta    *domnode.Delta
}

// NewID mints a new opaque session id suitable for a cookie value.
func NewID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("session: generate id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// subscriberSet is the set of subscriber streams for one session.
// Go maps have no defined iteration order, which is acceptable here: the
// design only requires fan-out to every writable subscriber, not a specific
// order between them.
type subscriberSet map[chan Event]struct{}

// Manager tracks per-session state for exactly one app. It must never be
// shared across apps — the concurrency model relies on one lock per app,
// never cross-app.
type Manager struct {
	mu sync.RWMutex

	path         map[string]string
	subs         map[string]subscriberSet
	lastActivity map[string]time.Time
	graceTimers  map[string]*time.Timer

	grace     time.Duration
	onExpired func(sid string)
}

// NewManager creates a Manager for one app. onExpired is invoked (off any
// lock) once a session's subscriber set has been empty for grace and it is
// time to issue DropSession to the isolate.
func NewManager(grace time.Duration, onExpired func(sid string)) *Manager {
	return &Manager{
		path:         make(map[string]string),
		subs:         make(map[string]subscriberSet),
		lastActivity: make(map[string]time.Time),
		graceTimers:  make(map[string]*time.Timer),
		grace:        grace,
		onExpired:    onExpired,
	}
}

// Attach registers ch as a subscriber of sid, canceling any pending grace
// eviction for that session (a reconnect within the grace window resurrects
// it). Returns a detach function the caller must invoke when the connection
// closes.
func (m *Manager) Attach(sid string, ch chan Event) (detach func()) {
	m.mu.Lock()
	if m.subs[sid] == nil {
		m.subs[sid] = make(subscriberSet)
	}
	m.subs[sid][ch] = struct{}{}
	m.lastActivity[sid] = time.Now()
	if t, ok := m.graceTimers[sid]; ok {
		t.Stop()
		delete(m.graceTimers, sid)
	}
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { m.detach(sid, ch) })
	}
}

// detach removes ch from sid's subscriber set. If the set becomes empty, a
// bounded grace timer is scheduled; if it fires with the set still empty,
// onExpired is called and the session's path is erased.
func (m *Manager) detach(sid string, ch chan Event) {
	m.mu.Lock()
	set, ok := m.subs[sid]
	if ok {
		delete(set, ch)
	}
	empty := !ok || len(set) == 0
	if empty {
		delete(m.subs, sid)
	}
	var timer *time.Timer
	if empty && m.onExpired != nil {
		timer = time.AfterFunc(m.grace, func() { m.expire(sid) })
		m.graceTimers[sid] = timer
	}
	m.mu.Unlock()
}

// expire runs after the grace period; it double-checks the session is still
// subscriber-less before evicting, since a reconnect may have raced the
// timer.
func (m *Manager) expire(sid string) {
	m.mu.Lock()
	_, stillSubscribed := m.subs[sid]
	delete(m.graceTimers, sid)
	if !stillSubscribed {
		delete(m.path, sid)
		delete(m.lastActivity, sid)
	}
	m.mu.Unlock()

	if !stillSubscribed && m.onExpired != nil {
		m.onExpired(sid)
	}
}

// SetPath rewrites the session's current path, e.g. in response to a
// navigate action, before the next render.
func (m *Manager) SetPath(sid, path string) {
	m.mu.Lock()
	m.path[sid] = path
	m.mu.Unlock()
}

// Path returns the session's current path, or "" if unknown.
func (m *Manager) Path(sid string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.path[sid]
}

// Broadcast fans ev out to exactly sid's subscribers — never to other
// sessions. A subscriber whose channel is full misses this event; the
// others still receive it. Subscribers leave the set only through their
// detach function.
func (m *Manager) Broadcast(sid string, ev Event) {
	m.mu.RLock()
	set := m.subs[sid]
	targets := make([]chan Event, 0, len(set))
	for ch := range set {
		targets = append(targets, ch)
	}
	m.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			// Slow/dead subscriber: drop this one event rather than block
			// the whole broadcast. Persistent failure is caught by the next
			// write to the underlying connection, which triggers Detach.
		}
	}
}

// ActiveSessions returns every session id with at least one writable
// subscriber, a snapshot safe to range over without holding the lock.
func (m *Manager) ActiveSessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.subs))
	for sid := range m.subs {
		ids = append(ids, sid)
	}
	return ids
}

// SubscriberCount returns how many subscriber streams sid currently has.
func (m *Manager) SubscriberCount(sid string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[sid])
}

// TotalSubscribers returns the sum of subscriber counts across all sessions,
// used for idle-reaper and status-endpoint reporting.
func (m *Manager) TotalSubscribers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, set := range m.subs {
		n += len(set)
	}
	return n
}

// HasActiveSessions reports whether any session currently has a subscriber,
// the signal the idle reaper uses to decide whether an app may be parked.
func (m *Manager) HasActiveSessions() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs) > 0
}
