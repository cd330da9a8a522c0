package node

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/magnetar/runtime/apperror"
	"github.com/magnetar/runtime/authsession"
	"github.com/magnetar/runtime/datalayer"
	"github.com/magnetar/runtime/domnode"
	"github.com/magnetar/runtime/isolate"
	"github.com/magnetar/runtime/session"
)

// deployRequest is the body POSTed by the control plane to
// POST /api/apps/{name}/deploy: a compiled bundle plus its declared assets
// and runtime config.
type deployRequest struct {
	Bundle []byte          `json:"bundle"`
	Assets json.RawMessage `json:"assets,omitempty"`
	Config manifest        `json:"config"`
}

// manifest is the declarative part of a deploy: the data sources and
// actions an app's bundle expects the data layer to serve, and its session
// cookie / auth settings. Bundles carry their own render/reduce logic;
// everything network-facing is declared here instead, so the node can wire
// it up without executing the bundle first.
type manifest struct {
	CookieName   string                    `json:"cookie_name"`
	SessionGrace time.Duration             `json:"session_grace"`
	Sources      []datalayer.DataSource    `json:"sources"`
	Actions      []datalayer.ActionMapping `json:"actions"`
	Auth         *authManifest             `json:"auth,omitempty"`
}

// authManifest describes an app's login session handling. Providers
// (OAuth, magic link, ...) are pluggable and out of scope here; this only
// wires the cookie-backed session middleware apps share regardless of how a
// session was established.
type authManifest struct {
	CookieName string `json:"cookie_name"`
}

type deployResponse struct {
	Name       string `json:"name"`
	DeployedAt string `json:"deployed_at"`
}

func (s *Server) handleAdminDeploy(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperror.Wrap(apperror.BadRequest, "decode deploy request", err))
		return
	}
	if len(req.Bundle) == 0 {
		writeError(w, apperror.New(apperror.BadRequest, "bundle is empty"))
		return
	}

	h, err := s.buildAppHandle(name, req)
	if err != nil {
		writeError(w, err)
		return
	}

	s.registry.Put(h)
	writeJSON(w, deployResponse{Name: name, DeployedAt: h.deployedAt.UTC().Format(time.RFC3339)})
}

// buildAppHandle compiles a bundle and wires its data context and (if
// declared) auth middleware into a fresh AppHandle.
func (s *Server) buildAppHandle(name string, req deployRequest) (*AppHandle, error) {
	cfg := req.Config

	onIsolateErr := func(appName string, err error) {
		s.log.Error(fmt.Sprintf("isolate error in %s: %v", appName, err))
	}
	host, err := isolate.New(name, string(req.Bundle), onIsolateErr)
	if err != nil {
		return nil, apperror.Wrap(apperror.BadRequest, "compile bundle", err)
	}

	data, err := datalayer.New(cfg.Sources, cfg.Actions, s.tokenSourceFor(name), s.log)
	if err != nil {
		host.Close()
		return nil, apperror.Wrap(apperror.BadRequest, "build data context", err)
	}

	var auth *authsession.Middleware
	cookieName := cfg.CookieName
	if cfg.Auth != nil {
		authCookie := cfg.Auth.CookieName
		if authCookie == "" {
			authCookie = cookieName
		}
		auth = authsession.New(authCookie, s.refreshFor(name))
		auth.StartPruner(5 * time.Minute)
	}

	grace := cfg.SessionGrace
	if grace == 0 {
		grace = 30 * time.Second
	}

	h := NewAppHandle(name, host, grace, data, auth, cookieName)

	window := s.cfg.DebounceWindow
	if window <= 0 {
		window = 75 * time.Millisecond
	}
	coalescer := datalayer.NewCoalescer(window, func() { s.rerenderActiveSessions(h) })
	data.OnChange(coalescer.Notify)
	data.OnDelta(func(d domnode.Delta) { s.broadcastDelta(h, d) })

	data.Start()

	return h, nil
}

// rerenderActiveSessions is the Coalescer's debounced render step: every
// session with a live subscriber is re-rendered once with fresh data and
// pushed to its subscribers, per spec's "global broadcast" (§4.2) driven by
// a poll/stream change.
func (s *Server) rerenderActiveSessions(h *AppHandle) {
	for _, sid := range h.Sessions.ActiveSessions() {
		s.pushRender(h, sid)
	}
}

// broadcastDelta fans a delta-bypass update out to every active session
// without touching the isolate, per the Delta Plane's buffer>0/target!=""
// bypass path.
func (s *Server) broadcastDelta(h *AppHandle, d domnode.Delta) {
	for _, sid := range h.Sessions.ActiveSessions() {
		h.Sessions.Broadcast(sid, session.Event{Delta: &d})
	}
}

// tokenSourceFor returns a TokenSource that reads the app's auth session for
// the given sid, used to inject bearer tokens into data-source fetches
// declared with auth: true.
func (s *Server) tokenSourceFor(name string) datalayer.TokenSource {
	return func(ctx context.Context, sid string) (string, error) {
		h := s.registry.Get(name)
		if h == nil || h.Auth == nil {
			return "", apperror.New(apperror.BadRequest, "app has no auth middleware configured")
		}
		return h.Auth.Token(ctx, sid)
	}
}

// refreshFor returns a RefreshFunc that fails closed: concrete identity
// providers (OAuth, magic link) are wired in by the app's own server-side
// actions rather than by the node runtime, so the built-in refresh path
// only ever runs out of a token that had no provider behind it.
func (s *Server) refreshFor(name string) authsession.RefreshFunc {
	return func(ctx context.Context, refreshToken string) (string, string, time.Time, error) {
		return "", "", time.Time{}, apperror.New(apperror.Unauthorized, "session expired and no refresh provider is configured for "+name)
	}
}
