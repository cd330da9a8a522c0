package node

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/magnetar/runtime/authsession"
	"github.com/magnetar/runtime/config"
	"github.com/magnetar/runtime/datalayer"
	"github.com/magnetar/runtime/isolate"
	"github.com/magnetar/runtime/metrics"
)

// newIdentityProviderStub stands in for a third-party login/magic-link
// provider that an app's "auth_*" action mappings point at.
func newIdentityProviderStub(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/login":
			w.Write([]byte(`{"redirect_url":"https://idp.example/authorize?foo=bar"}`))
		case "/callback":
			w.Write([]byte(`{"access_token":"at1","refresh_token":"rt1","expires_in":3600}`))
		case "/send":
			w.Write([]byte(`{}`))
		case "/verify":
			w.Write([]byte(`{"access_token":"at2","refresh_token":"rt2","expires_in":3600}`))
		default:
			http.NotFound(w, r)
		}
	}))
}

func newAuthTestServer(t *testing.T, idpURL string, withAuth bool) *Server {
	t.Helper()
	host, err := isolate.New("demo", testBundle, nil)
	if err != nil {
		t.Fatalf("isolate.New: %v", err)
	}
	actions := []datalayer.ActionMapping{
		{Name: "auth_login", URL: idpURL + "/login"},
		{Name: "auth_callback", URL: idpURL + "/callback"},
		{Name: "auth_send", URL: idpURL + "/send"},
		{Name: "auth_verify", URL: idpURL + "/verify"},
	}
	data, err := datalayer.New(nil, actions, nil, nil)
	if err != nil {
		t.Fatalf("datalayer.New: %v", err)
	}

	var auth *authsession.Middleware
	if withAuth {
		auth = authsession.New("magnetar_auth", nil)
	}
	h := NewAppHandle("demo", host, 30*time.Second, data, auth, "magnetar_sid")

	reg := NewRegistry()
	reg.Put(h)
	cfg := &config.NodeConfig{SessionCookieName: "magnetar_sid", CORSOrigin: "*"}
	return NewServer(cfg, reg, metrics.NewMetrics(), nil)
}

func TestHandleAuthLoginRedirects(t *testing.T) {
	idp := newIdentityProviderStub(t)
	defer idp.Close()

	s := newAuthTestServer(t, idp.URL, true)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	client := &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(srv.URL + "/apps/demo/auth/login")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "https://idp.example/authorize?foo=bar" {
		t.Fatalf("Location = %q", loc)
	}
}

func TestHandleAuthCallbackSetsSessionCookie(t *testing.T) {
	idp := newIdentityProviderStub(t)
	defer idp.Close()

	s := newAuthTestServer(t, idp.URL, true)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/apps/demo/auth/callback?code=abc")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	var found bool
	for _, c := range resp.Cookies() {
		if c.Name == "magnetar_auth" && c.Value != "" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected magnetar_auth cookie to be set")
	}
}

func TestHandleAuthSendAndVerify(t *testing.T) {
	idp := newIdentityProviderStub(t)
	defer idp.Close()

	s := newAuthTestServer(t, idp.URL, true)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	sendResp, err := http.Post(srv.URL+"/apps/demo/auth/send", "application/json", strings.NewReader(`{"email":"a@example.com"}`))
	if err != nil {
		t.Fatalf("POST send: %v", err)
	}
	sendResp.Body.Close()
	if sendResp.StatusCode != http.StatusAccepted {
		t.Fatalf("send status = %d, want 202", sendResp.StatusCode)
	}

	verifyResp, err := http.Post(srv.URL+"/apps/demo/auth/verify", "application/json", strings.NewReader(`{"code":"123456"}`))
	if err != nil {
		t.Fatalf("POST verify: %v", err)
	}
	defer verifyResp.Body.Close()
	if verifyResp.StatusCode != http.StatusNoContent {
		t.Fatalf("verify status = %d, want 204", verifyResp.StatusCode)
	}
}

func TestHandleAuthRoutesRequireAuthMiddleware(t *testing.T) {
	idp := newIdentityProviderStub(t)
	defer idp.Close()

	s := newAuthTestServer(t, idp.URL, false)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/apps/demo/auth/login")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 when no auth middleware is configured", resp.StatusCode)
	}
}
