package controlplane

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/magnetar/runtime/config"
	"github.com/magnetar/runtime/logger"
)

func newTestServer() (*Server, *fakeStore) {
	st := newFakeStore()
	svc := NewService(st, nil, nil, nil, "magnetar.app", 0)
	cfg := config.DefaultControlPlaneConfig()
	srv := NewServer(cfg, svc, st, logger.New(logger.LevelError))
	return srv, st
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = strings.NewReader(string(b))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRegisterAndMe(t *testing.T) {
	srv, _ := newTestServer()
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/auth/register", registerRequest{Email: "a@example.com"}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("register status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var reg registerResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &reg); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	if reg.UserID == "" || reg.APIKey == "" {
		t.Fatalf("expected user_id and api_key in register response, got %+v", reg)
	}

	// Registering the same email twice must fail.
	rec2 := doJSON(t, h, http.MethodPost, "/api/auth/register", registerRequest{Email: "a@example.com"}, "")
	if rec2.Code != http.StatusBadRequest {
		t.Fatalf("duplicate register status = %d, want 400", rec2.Code)
	}

	rec3 := doJSON(t, h, http.MethodGet, "/api/auth/me", nil, reg.APIKey)
	if rec3.Code != http.StatusOK {
		t.Fatalf("me status = %d, body = %s", rec3.Code, rec3.Body.String())
	}
	var me meResponse
	if err := json.Unmarshal(rec3.Body.Bytes(), &me); err != nil {
		t.Fatalf("decode me response: %v", err)
	}
	if me.UserID != reg.UserID || me.Tier != "free" {
		t.Fatalf("unexpected me response: %+v", me)
	}
}

func TestMeRejectsMissingOrBadBearer(t *testing.T) {
	srv, _ := newTestServer()
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/auth/me", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for missing bearer", rec.Code)
	}

	rec2 := doJSON(t, h, http.MethodGet, "/api/auth/me", nil, "not-a-real-key")
	if rec2.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for malformed key", rec2.Code)
	}
}

func TestDeployEndToEndViaHTTP(t *testing.T) {
	st := newFakeStore()
	st.CreateUser("u1", "a@example.com")
	key, _ := GenerateAPIKey()
	st.StoreAPIKeyForTest(HashKey(key), "u1")

	var deployed int
	mock := newMockNodeServer(t, &deployed)
	defer mock.Close()
	ip, port := mock.hostPort()
	st.CreateNode("n1", ip, port, "LON1", "")

	svc := NewService(st, nil, nil, nil, "magnetar.app", 0)
	cfg := config.DefaultControlPlaneConfig()
	srv := NewServer(cfg, svc, st, logger.New(logger.LevelError))
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/deploy", DeployRequest{Name: "myapp", Bundle: []byte("source")}, key)
	if rec.Code != http.StatusOK {
		t.Fatalf("deploy status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var result DeployResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode deploy result: %v", err)
	}
	if result.NodeID != "n1" {
		t.Fatalf("NodeID = %q, want n1", result.NodeID)
	}
	if deployed != 1 {
		t.Fatalf("expected exactly one bundle push, got %d", deployed)
	}

	rec2 := doJSON(t, h, http.MethodGet, "/api/resolve/myapp", nil, "")
	if rec2.Code != http.StatusOK {
		t.Fatalf("resolve status = %d", rec2.Code)
	}
}

func TestTLSCheck(t *testing.T) {
	srv, st := newTestServer()
	st.CreateUser("u1", "a@example.com")
	st.CreateNode("n1", "10.0.0.1", 3003, "LON1", "")
	st.CreateApp("app1", "myapp", "u1", "n1")

	h := srv.Handler()
	rec := doJSON(t, h, http.MethodGet, "/api/tls/check?domain=myapp", nil, "")
	var out map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode tls check: %v", err)
	}
	if !out["allowed"] {
		t.Fatalf("expected tls check to allow a resolvable subdomain")
	}

	rec2 := doJSON(t, h, http.MethodGet, "/api/tls/check?domain=nope", nil, "")
	json.Unmarshal(rec2.Body.Bytes(), &out)
	if out["allowed"] {
		t.Fatalf("expected tls check to deny an unresolvable subdomain")
	}
}
