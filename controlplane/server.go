package controlplane

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/magnetar/runtime/apperror"
	"github.com/magnetar/runtime/config"
	"github.com/magnetar/runtime/controlplane/store"
	"github.com/magnetar/runtime/logger"
)

// Server is the control plane's HTTP surface: account/key management, the
// deploy pipeline, fleet inventory, and the two endpoints Caddy calls into
// (subdomain resolution and the on_demand_tls ask check). Ported from
// server.rs's Axum router.
type Server struct {
	cfg *config.ControlPlaneConfig
	svc *Service
	st  dataStore
	log *logger.Logger
	mux *http.ServeMux
}

// NewServer builds a Server bound to svc and st.
func NewServer(cfg *config.ControlPlaneConfig, svc *Service, st dataStore, log *logger.Logger) *Server {
	s := &Server{cfg: cfg, svc: svc, st: st, log: log}
	s.mux = http.NewServeMux()
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.withCORS(s.mux) }

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /", s.handleHome)

	s.mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	s.mux.HandleFunc("POST /api/auth/keys", s.withAuth(s.handleCreateKey))
	s.mux.HandleFunc("GET /api/auth/me", s.withAuth(s.handleMe))

	s.mux.HandleFunc("POST /api/deploy", s.withAuth(s.handleDeploy))
	s.mux.HandleFunc("GET /api/apps", s.withAuth(s.handleListApps))
	s.mux.HandleFunc("GET /api/apps/{id}", s.withAuth(s.handleGetApp))
	s.mux.HandleFunc("DELETE /api/apps/{id}", s.withAuth(s.handleDeleteApp))

	s.mux.HandleFunc("GET /api/nodes", s.withAuth(s.handleListNodes))
	s.mux.HandleFunc("POST /api/nodes", s.withAuth(s.handleRegisterNode))
	s.mux.HandleFunc("POST /api/nodes/provision", s.withAuth(s.handleProvisionNode))
	s.mux.HandleFunc("DELETE /api/nodes/{id}", s.withAuth(s.handleDeleteNode))

	s.mux.HandleFunc("GET /api/resolve/{subdomain}", s.handleResolveSubdomain)
	s.mux.HandleFunc("GET /api/tls/check", s.handleTLSCheck)
	s.mux.HandleFunc("POST /api/caddy/sync", s.withAuth(s.handleCaddySync))
}

func (s *Server) withCORS(h http.Handler) http.HandlerFunc {
	origin := s.cfg.CORSOrigin
	if origin == "" {
		origin = "*"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.ServeHTTP(w, r)
	}
}

// authedUser is stashed in the request context by withAuth.
type ctxKey string

const userCtxKey ctxKey = "user"

// withAuth extracts and validates the Bearer API key, attaching the
// resolved user to the request context. Ported from auth.rs's AuthUser
// extractor.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			writeError(w, apperror.New(apperror.Unauthorized, "missing bearer token"))
			return
		}
		token := header[len(prefix):]
		if !HasKeyPrefix(token) {
			writeError(w, apperror.New(apperror.Unauthorized, "malformed api key"))
			return
		}
		user, err := s.st.GetUserByKeyHash(HashKey(token))
		if err != nil {
			writeError(w, apperror.Wrap(apperror.Database, "look up api key", err))
			return
		}
		if user == nil {
			writeError(w, apperror.New(apperror.Unauthorized, "unknown api key"))
			return
		}
		ctx := context.WithValue(r.Context(), userCtxKey, user)
		next(w, r.WithContext(ctx))
	}
}

func userFromContext(r *http.Request) *store.User {
	u, _ := r.Context().Value(userCtxKey).(*store.User)
	return u
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"service": "magnetar-control", "status": "running"})
}

type registerRequest struct {
	Email string `json:"email"`
}

type registerResponse struct {
	UserID string `json:"user_id"`
	APIKey string `json:"api_key"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		writeError(w, apperror.New(apperror.BadRequest, "email is required"))
		return
	}

	if existing, err := s.st.GetUserByEmail(req.Email); err != nil {
		writeError(w, apperror.Wrap(apperror.Database, "look up user by email", err))
		return
	} else if existing != nil {
		writeError(w, apperror.New(apperror.BadRequest, "email already registered"))
		return
	}

	userID, err := GenerateID(12)
	if err != nil {
		writeError(w, apperror.Wrap(apperror.Internal, "generate user id", err))
		return
	}
	user, err := s.st.CreateUser(userID, req.Email)
	if err != nil {
		writeError(w, apperror.Wrap(apperror.Database, "create user", err))
		return
	}

	key, err := GenerateAPIKey()
	if err != nil {
		writeError(w, apperror.Wrap(apperror.Internal, "generate api key", err))
		return
	}
	if err := s.st.StoreAPIKey(HashKey(key), user.ID, "default"); err != nil {
		writeError(w, apperror.Wrap(apperror.Database, "store api key", err))
		return
	}

	writeJSON(w, registerResponse{UserID: user.ID, APIKey: key})
}

type createKeyRequest struct {
	Name string `json:"name"`
}

type createKeyResponse struct {
	APIKey string `json:"api_key"`
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	var req createKeyRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Name == "" {
		req.Name = "default"
	}

	key, err := GenerateAPIKey()
	if err != nil {
		writeError(w, apperror.Wrap(apperror.Internal, "generate api key", err))
		return
	}
	if err := s.st.StoreAPIKey(HashKey(key), user.ID, req.Name); err != nil {
		writeError(w, apperror.Wrap(apperror.Database, "store api key", err))
		return
	}
	writeJSON(w, createKeyResponse{APIKey: key})
}

type meResponse struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Tier   string `json:"tier"`
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	writeJSON(w, meResponse{UserID: user.ID, Email: user.Email, Tier: user.Tier})
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apperror.Wrap(apperror.BadRequest, "read body", err))
		return
	}
	var req DeployRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, apperror.Wrap(apperror.BadRequest, "decode deploy request", err))
		return
	}

	result, err := s.svc.Deploy(r.Context(), user.ID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, result)
}

func (s *Server) handleListApps(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	apps, err := s.st.ListAppsForUser(user.ID)
	if err != nil {
		writeError(w, apperror.Wrap(apperror.Database, "list apps", err))
		return
	}
	writeJSON(w, apps)
}

func (s *Server) handleGetApp(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	app, err := s.st.GetApp(r.PathValue("id"))
	if err != nil {
		writeError(w, apperror.Wrap(apperror.Database, "get app", err))
		return
	}
	if app == nil || app.UserID != user.ID {
		writeError(w, apperror.New(apperror.NotFound, "app not found"))
		return
	}
	writeJSON(w, app)
}

func (s *Server) handleDeleteApp(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	app, err := s.st.GetApp(r.PathValue("id"))
	if err != nil {
		writeError(w, apperror.Wrap(apperror.Database, "get app", err))
		return
	}
	if app == nil || app.UserID != user.ID {
		writeError(w, apperror.New(apperror.NotFound, "app not found"))
		return
	}
	if err := s.st.DeleteApp(app.ID); err != nil {
		writeError(w, apperror.Wrap(apperror.Database, "delete app", err))
		return
	}
	if err := s.st.DecrementNodeAppCount(app.NodeID); err != nil {
		writeError(w, apperror.Wrap(apperror.Database, "decrement node app count", err))
		return
	}
	if s.svc.edge != nil {
		_ = s.svc.edge.RemoveApp(r.Context(), s.st)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.st.ListNodes()
	if err != nil {
		writeError(w, apperror.Wrap(apperror.Database, "list nodes", err))
		return
	}
	writeJSON(w, nodes)
}

type registerNodeRequest struct {
	IP     string `json:"ip"`
	Port   int64  `json:"port"`
	Region string `json:"region"`
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req registerNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IP == "" {
		writeError(w, apperror.New(apperror.BadRequest, "ip is required"))
		return
	}
	if req.Port == 0 {
		req.Port = 3003
	}
	if req.Region == "" {
		req.Region = "LON1"
	}

	id, err := GenerateID(8)
	if err != nil {
		writeError(w, apperror.Wrap(apperror.Internal, "generate node id", err))
		return
	}
	node, err := s.st.CreateNode(id, req.IP, req.Port, req.Region, "")
	if err != nil {
		writeError(w, apperror.Wrap(apperror.Database, "create node", err))
		return
	}
	writeJSON(w, node)
}

type provisionNodeRequest struct {
	Region string `json:"region"`
}

func (s *Server) handleProvisionNode(w http.ResponseWriter, r *http.Request) {
	var req provisionNodeRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Region == "" {
		req.Region = "LON1"
	}
	node, err := s.svc.provisionNode(r.Context(), req.Region)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, node)
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.st.DeleteNode(id); err != nil {
		writeError(w, apperror.Wrap(apperror.Database, "delete node", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResolveSubdomain(w http.ResponseWriter, r *http.Request) {
	app, node, err := s.st.ResolveSubdomain(r.PathValue("subdomain"))
	if err != nil {
		writeError(w, apperror.Wrap(apperror.Database, "resolve subdomain", err))
		return
	}
	if app == nil || node == nil {
		writeError(w, apperror.New(apperror.NotFound, "no app resolves to this subdomain"))
		return
	}
	writeJSON(w, map[string]any{
		"app_id":  app.ID,
		"node_ip": node.IP,
		"port":    strconv.FormatInt(node.Port, 10),
	})
}

func (s *Server) handleTLSCheck(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")
	app, node, err := s.st.ResolveSubdomain(domain)
	allowed := err == nil && app != nil && node != nil
	writeJSON(w, map[string]bool{"allowed": allowed})
}

func (s *Server) handleCaddySync(w http.ResponseWriter, r *http.Request) {
	if s.svc.edge == nil {
		writeError(w, apperror.New(apperror.BadRequest, "edge router is not configured"))
		return
	}
	if err := s.svc.edge.AddApp(r.Context(), s.st); err != nil {
		writeError(w, apperror.Wrap(apperror.Upstream, "sync edge router", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperror.HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
