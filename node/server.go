package node

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/magnetar/runtime/apperror"
	"github.com/magnetar/runtime/config"
	"github.com/magnetar/runtime/isolate"
	"github.com/magnetar/runtime/logger"
	"github.com/magnetar/runtime/metrics"
	"github.com/magnetar/runtime/session"
)

// Server is this node's HTTP surface: the browser⇄node contract (render,
// event stream, actions, API passthrough, auth) plus a small node-admin API
// the control plane uses to deploy apps and poll status. CORS and SSE
// plumbing are adapted from the teacher's dashboard server; everything
// behind them is new, since the teacher served automation telemetry and
// this serves tenant UI traffic.
type Server struct {
	cfg      *config.NodeConfig
	registry *Registry
	metrics  *metrics.Metrics
	log      *logger.Logger

	mux *http.ServeMux
}

// NewServer builds a Server bound to registry and cfg.
func NewServer(cfg *config.NodeConfig, registry *Registry, m *metrics.Metrics, log *logger.Logger) *Server {
	s := &Server{cfg: cfg, registry: registry, metrics: m, log: log}
	s.mux = http.NewServeMux()
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.withCORS(s.mux) }

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /apps/{name}/", s.handleRender)
	s.mux.HandleFunc("GET /apps/{name}/sse", s.handleSSE)
	s.mux.HandleFunc("POST /apps/{name}/actions/{action}", s.handleAction)
	s.mux.HandleFunc("POST /apps/{name}/api/", s.handleAPI)
	s.mux.HandleFunc("GET /apps/{name}/api/", s.handleAPI)
	s.mux.HandleFunc("GET /apps/{name}/auth/login", s.handleAuthLogin)
	s.mux.HandleFunc("GET /apps/{name}/auth/callback", s.handleAuthCallback)
	s.mux.HandleFunc("POST /apps/{name}/auth/send", s.handleAuthSend)
	s.mux.HandleFunc("POST /apps/{name}/auth/verify", s.handleAuthVerify)
	s.mux.HandleFunc("POST /apps/{name}/auth/logout", s.handleAuthLogout)

	s.mux.HandleFunc("GET /api/apps", s.handleAdminList)
	s.mux.HandleFunc("GET /api/apps/{name}/status", s.handleAdminStatus)
	s.mux.HandleFunc("POST /api/apps/{name}/deploy", s.handleAdminDeploy)
	s.mux.HandleFunc("GET /api/metrics", s.handleAdminMetrics)
}

// recordRequest tallies one unit of browser-facing traffic. Callers pass
// res.Err == nil, so any isolate error counts as failed, including an app
// error that was rendered into a fallback snapshot and sent with status 200.
func (s *Server) recordRequest(success bool) {
	if s.metrics == nil {
		return
	}
	s.metrics.IncrementTotal()
	if success {
		s.metrics.IncrementSuccess()
	} else {
		s.metrics.IncrementFailed()
	}
}

type metricsSnapshot struct {
	Total             uint64  `json:"total"`
	Success           uint64  `json:"success"`
	Failed            uint64  `json:"failed"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	Apps              int     `json:"apps"`
}

func (s *Server) handleAdminMetrics(w http.ResponseWriter, r *http.Request) {
	total, success, failed := s.metrics.Snapshot()
	writeJSON(w, metricsSnapshot{
		Total:             total,
		Success:           success,
		Failed:            failed,
		RequestsPerSecond: s.metrics.RequestsPerSecond(),
		Apps:              s.registry.Count(),
	})
}

func (s *Server) withCORS(h http.Handler) http.HandlerFunc {
	origin := s.cfg.CORSOrigin
	if origin == "" {
		origin = "*"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.ServeHTTP(w, r)
	}
}

func (s *Server) appOr404(w http.ResponseWriter, r *http.Request) *AppHandle {
	name := r.PathValue("name")
	h := s.registry.Get(name)
	if h == nil {
		writeError(w, apperror.New(apperror.NotFound, fmt.Sprintf("no app named %q on this node", name)))
		return nil
	}
	h.touch()
	return h
}

// sidFromCookie reads or mints the session cookie for h, writing it back if
// newly minted.
func (s *Server) sidFromCookie(w http.ResponseWriter, r *http.Request, h *AppHandle) (string, error) {
	name := h.cookieName
	if name == "" {
		name = s.cfg.SessionCookieName
	}
	if c, err := r.Cookie(name); err == nil && c.Value != "" {
		return c.Value, nil
	}
	sid, err := session.NewID()
	if err != nil {
		return "", err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    sid,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return sid, nil
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	h := s.appOr404(w, r)
	if h == nil {
		return
	}
	sid, err := s.sidFromCookie(w, r, h)
	if err != nil {
		writeError(w, apperror.Wrap(apperror.Internal, "mint session", err))
		return
	}
	h.Sessions.SetPath(sid, r.URL.Path)

	res := s.fetchAndRender(r.Context(), h, sid, r.URL.Path)

	s.recordRequest(res.Err == nil)
	writeSnapshot(w, res)
}

// fetchAndRender resolves every fetch-type source declared for path (§4.3's
// synchronous fetch plus SSR-timeout plane), then submits a RenderWithData
// request carrying whatever data is available by the time fetching settles.
// Sources still loading when their timeout fires are picked up later by
// pushRender, invoked as FetchAll's onLoaded callback.
func (s *Server) fetchAndRender(ctx context.Context, h *AppHandle, sid, path string) isolate.Result {
	h.Data.FetchAll(ctx, sid, path, func() { s.pushRender(h, sid) })
	dataJSON := h.Data.DataForPage(path)
	return h.Isolate.Submit(isolate.Request{
		Kind: isolate.RenderWithData,
		Path: path,
		SID:  sid,
		Data: dataJSON,
	}, 10*time.Second)
}

// pushRender re-renders sid from its current path and data, broadcasting the
// result to its subscribers. Used as the Coalescer's per-session render step
// and as the SSR-timeout onLoaded callback once a delayed fetch resolves.
func (s *Server) pushRender(h *AppHandle, sid string) {
	path := h.Sessions.Path(sid)
	dataJSON := h.Data.DataForPage(path)
	res := h.Isolate.Submit(isolate.Request{
		Kind: isolate.RenderWithData,
		Path: path,
		SID:  sid,
		Data: dataJSON,
	}, 10*time.Second)
	if res.Err == nil {
		h.Sessions.Broadcast(sid, session.Event{Snapshot: &res.Snapshot})
	}
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	h := s.appOr404(w, r)
	if h == nil {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sid, err := s.sidFromCookie(w, r, h)
	if err != nil {
		writeError(w, apperror.Wrap(apperror.Internal, "mint session", err))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := make(chan session.Event, 16)
	detach := h.Sessions.Attach(sid, ch)
	defer detach()

	// Initial snapshot on connect.
	res := s.fetchAndRender(r.Context(), h, sid, h.Sessions.Path(sid))
	writeSSE(w, flusher, session.Event{Snapshot: &res.Snapshot})

	keepalive := s.cfg.KeepaliveInterval
	if keepalive <= 0 {
		keepalive = 25 * time.Second
	}
	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-ch:
			if writeSSE(w, flusher, ev) != nil {
				return
			}
		}
	}
}

func writeSSE(w io.Writer, flusher http.Flusher, ev session.Event) error {
	var payload any
	switch {
	case ev.Delta != nil:
		payload = ev.Delta
	case ev.Snapshot != nil:
		payload = ev.Snapshot
	default:
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	h := s.appOr404(w, r)
	if h == nil {
		return
	}
	sid, err := s.sidFromCookie(w, r, h)
	if err != nil {
		writeError(w, apperror.Wrap(apperror.Internal, "mint session", err))
		return
	}
	action := r.PathValue("action")
	payload, _ := io.ReadAll(r.Body)

	if action == "navigate" {
		var body struct {
			Path string `json:"path"`
		}
		_ = json.Unmarshal(payload, &body)
		if body.Path != "" {
			h.Sessions.SetPath(sid, body.Path)
		}
	}

	// Try server-side action forwarding first; a miss falls through to the
	// isolate's reduce, which is the common case for client-local actions.
	if _, err := h.Data.ForwardAction(r.Context(), sid, action, payload); err == nil {
		res := s.fetchAndRender(r.Context(), h, sid, h.Sessions.Path(sid))
		if res.Err == nil {
			h.Sessions.Broadcast(sid, session.Event{Snapshot: &res.Snapshot})
		}
		s.recordRequest(res.Err == nil)
		writeSnapshot(w, res)
		return
	}

	res := h.Isolate.Submit(isolate.Request{
		Kind:    isolate.Reduce,
		Action:  action,
		Payload: json.RawMessage(payload),
		Path:    h.Sessions.Path(sid),
		SID:     sid,
	}, 10*time.Second)

	if res.Err == nil {
		h.Sessions.Broadcast(sid, session.Event{Snapshot: &res.Snapshot})
	}
	s.recordRequest(res.Err == nil)
	writeSnapshot(w, res)
}

func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	h := s.appOr404(w, r)
	if h == nil {
		return
	}
	body, _ := io.ReadAll(r.Body)
	res := h.Isolate.Submit(isolate.Request{
		Kind:   isolate.ApiCall,
		Method: r.Method,
		Path:   r.URL.Path,
		Body:   json.RawMessage(body),
	}, 10*time.Second)

	s.recordRequest(res.Err == nil)
	if res.Err != nil {
		writeError(w, apperror.Wrap(apperror.IsolateError, "api call failed", res.Err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(res.APIBody)
}

func (s *Server) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	h := s.appOr404(w, r)
	if h == nil {
		return
	}
	if h.Auth == nil {
		writeError(w, apperror.New(apperror.BadRequest, "app has no auth middleware configured"))
		return
	}
	if c, err := r.Cookie(h.Auth.CookieName()); err == nil {
		h.Auth.Invalidate(c.Value)
	}
	http.SetCookie(w, &http.Cookie{Name: h.Auth.CookieName(), Value: "", Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusNoContent)
}

// ─── Node admin API, consumed by the control plane ──────────────────────────

type adminAppSummary struct {
	Name       string `json:"name"`
	Parked     bool   `json:"parked"`
	Sessions   int    `json:"sessions"`
	DeployedAt string `json:"deployed_at"`
}

func (s *Server) handleAdminList(w http.ResponseWriter, r *http.Request) {
	all := s.registry.All()
	out := make([]adminAppSummary, 0, len(all))
	for _, h := range all {
		out = append(out, summarize(h))
	}
	writeJSON(w, out)
}

func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	h := s.registry.Get(name)
	if h == nil {
		writeError(w, apperror.New(apperror.NotFound, fmt.Sprintf("no app named %q on this node", name)))
		return
	}
	writeJSON(w, summarize(h))
}

func summarize(h *AppHandle) adminAppSummary {
	return adminAppSummary{
		Name:       h.Name,
		Parked:     h.Parked(),
		Sessions:   h.Sessions.TotalSubscribers(),
		DeployedAt: h.deployedAt.UTC().Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeSnapshot(w http.ResponseWriter, res isolate.Result) {
	w.Header().Set("Content-Type", "application/json")
	if res.Err != nil {
		w.WriteHeader(http.StatusOK) // the fallback snapshot IS the response body
	}
	_ = json.NewEncoder(w).Encode(res.Snapshot)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperror.HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
