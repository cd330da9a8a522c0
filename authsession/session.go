// Package authsession implements the auth middleware's session contract:
// opaque server-side sessions indexed by cookie value, each holding an
// access token that is silently refreshed once it has expired. It is the
// session-contract counterpart of this codebase's JWT refresh manager,
// retargeted from a single long-lived automation token to a map of
// per-browser-session tokens.
package authsession

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/magnetar/runtime/apperror"
)

// pruneGrace extends how long an expired, unrefreshable session is kept
// around before the pruner reclaims it, so a request already in flight
// against it still sees a meaningful error instead of "no such session".
const pruneGrace = 5 * time.Minute

// Session holds one authenticated browser session's token state.
type Session struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	CreatedAt    time.Time
}

func (s *Session) expired() bool {
	return !s.Expiry.IsZero() && time.Now().After(s.Expiry)
}

// RefreshFunc exchanges a refresh token for a new access token. It is the
// thin HTTP client boundary spec.md §1 calls out as out of scope beyond its
// contract: callers supply the provider-specific (OAuth2/OIDC) exchange.
type RefreshFunc func(ctx context.Context, refreshToken string) (accessToken, newRefreshToken string, expiry time.Time, err error)

// Middleware is the process-local session registry for one app: the node
// builds a separate Middleware for each app whose manifest declares auth.
// Sessions are keyed by opaque cookie value; SetCookie writes the cookie
// with Path "/".
type Middleware struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	cookieName string
	refresh    RefreshFunc

	stopCh  chan struct{}
	started sync.Once
	stopped sync.Once
}

// New creates a Middleware using cookieName as the session cookie's name
// (spec default: "magnetar_sid" is the runtime-session cookie; auth sessions
// conventionally use a distinct name such as "magnetar_auth"). refresh may be
// nil, in which case expired sessions with a refresh token are simply
// invalidated instead of silently renewed.
func New(cookieName string, refresh RefreshFunc) *Middleware {
	return &Middleware{
		sessions:   make(map[string]*Session),
		cookieName: cookieName,
		refresh:    refresh,
		stopCh:     make(chan struct{}),
	}
}

// StartPruner launches a background goroutine that evicts sessions which
// have been expired (with no usable refresh token) for longer than
// pruneGrace, bounding the registry's memory growth from abandoned browser
// sessions that never send a logout. Idempotent: calling it more than once
// has no additional effect.
func (m *Middleware) StartPruner(interval time.Duration) {
	m.started.Do(func() { go m.pruneLoop(interval) })
}

// StopPruner stops the background pruner goroutine, if running. Idempotent.
func (m *Middleware) StopPruner() {
	m.stopped.Do(func() { close(m.stopCh) })
}

func (m *Middleware) pruneLoop(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.pruneExpired()
		}
	}
}

func (m *Middleware) pruneExpired() {
	cutoff := time.Now().Add(-pruneGrace)
	m.mu.Lock()
	for id, sess := range m.sessions {
		if sess.RefreshToken == "" && !sess.Expiry.IsZero() && sess.Expiry.Before(cutoff) {
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()
}

// CookieName returns the configured session cookie name.
func (m *Middleware) CookieName() string { return m.cookieName }

// Create registers a new session and returns its opaque cookie value.
func (m *Middleware) Create(accessToken, refreshToken string, expiry time.Time) (string, error) {
	id, err := newID()
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.sessions[id] = &Session{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Expiry:       expiry,
		CreatedAt:    time.Now(),
	}
	m.mu.Unlock()
	return id, nil
}

// Token returns a live access token for cookieValue, silently refreshing it
// first if it has expired and a refresh token is available. It returns an
// Unauthorized *apperror.Error if the session does not exist, or if it is
// expired and cannot be refreshed.
func (m *Middleware) Token(ctx context.Context, cookieValue string) (string, error) {
	m.mu.RLock()
	sess, ok := m.sessions[cookieValue]
	m.mu.RUnlock()
	if !ok {
		return "", apperror.New(apperror.Unauthorized, "no such session")
	}

	if !sess.expired() {
		return sess.AccessToken, nil
	}

	if sess.RefreshToken == "" || m.refresh == nil {
		m.Invalidate(cookieValue)
		return "", apperror.New(apperror.Unauthorized, "session expired")
	}

	access, newRefresh, expiry, err := m.refresh(ctx, sess.RefreshToken)
	if err != nil {
		m.Invalidate(cookieValue)
		return "", apperror.Wrap(apperror.Unauthorized, "token refresh failed", err)
	}

	m.mu.Lock()
	if s, ok := m.sessions[cookieValue]; ok {
		s.AccessToken = access
		if newRefresh != "" {
			s.RefreshToken = newRefresh
		}
		s.Expiry = expiry
	}
	m.mu.Unlock()

	return access, nil
}

// Invalidate removes a session. Safe to call on an already-absent session.
func (m *Middleware) Invalidate(cookieValue string) {
	m.mu.Lock()
	delete(m.sessions, cookieValue)
	m.mu.Unlock()
}

// SetCookie writes the session cookie with HttpOnly; SameSite=Lax, per the
// session contract. secure controls the Secure attribute — callers should
// pass true whenever the listener is behind TLS (always true in
// production, since the edge router terminates TLS).
func (m *Middleware) SetCookie(w http.ResponseWriter, cookieValue string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    cookieValue,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	})
}

func newID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("authsession: generate id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
