package node

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/magnetar/runtime/apperror"
)

// authExchange is the shape an app's "auth_callback"/"auth_verify" action
// mapping is expected to return when the exchange succeeds: a token pair the
// node turns into an authsession.Middleware session. Concrete identity
// providers (OAuth2, magic links, ...) are an app-level concern wired
// through the data layer's action forwarding, not something this runtime
// implements directly.
type authExchange struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"` // seconds
}

// authRedirect is the shape an app's "auth_login" action mapping is expected
// to return: where to send the browser to begin its identity provider's flow.
type authRedirect struct {
	RedirectURL string `json:"redirect_url"`
}

func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	h := s.appOr404(w, r)
	if h == nil {
		return
	}
	if h.Auth == nil {
		writeError(w, apperror.New(apperror.BadRequest, "app has no auth middleware configured"))
		return
	}
	resp, err := h.Data.ForwardAction(r.Context(), "", "auth_login", queryPayload(r))
	if err != nil {
		writeError(w, apperror.Wrap(apperror.BadRequest, "no login provider configured for this app", err))
		return
	}
	var out authRedirect
	if err := json.Unmarshal(resp, &out); err != nil || out.RedirectURL == "" {
		writeError(w, apperror.New(apperror.Upstream, "login provider returned no redirect_url"))
		return
	}
	http.Redirect(w, r, out.RedirectURL, http.StatusFound)
}

func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	h := s.appOr404(w, r)
	if h == nil {
		return
	}
	if h.Auth == nil {
		writeError(w, apperror.New(apperror.BadRequest, "app has no auth middleware configured"))
		return
	}
	resp, err := h.Data.ForwardAction(r.Context(), "", "auth_callback", queryPayload(r))
	if err != nil {
		writeError(w, apperror.Wrap(apperror.BadRequest, "no callback provider configured for this app", err))
		return
	}
	s.finishExchange(w, r, h, resp)
}

func (s *Server) handleAuthSend(w http.ResponseWriter, r *http.Request) {
	h := s.appOr404(w, r)
	if h == nil {
		return
	}
	if h.Auth == nil {
		writeError(w, apperror.New(apperror.BadRequest, "app has no auth middleware configured"))
		return
	}
	body, _ := io.ReadAll(r.Body)
	if _, err := h.Data.ForwardAction(r.Context(), "", "auth_send", body); err != nil {
		writeError(w, apperror.Wrap(apperror.BadRequest, "no send provider configured for this app", err))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	h := s.appOr404(w, r)
	if h == nil {
		return
	}
	if h.Auth == nil {
		writeError(w, apperror.New(apperror.BadRequest, "app has no auth middleware configured"))
		return
	}
	body, _ := io.ReadAll(r.Body)
	resp, err := h.Data.ForwardAction(r.Context(), "", "auth_verify", body)
	if err != nil {
		writeError(w, apperror.Wrap(apperror.Unauthorized, "verification failed", err))
		return
	}
	s.finishExchange(w, r, h, resp)
}

// finishExchange turns a provider's token-pair response into a live
// authsession and sets its cookie on the response.
func (s *Server) finishExchange(w http.ResponseWriter, r *http.Request, h *AppHandle, resp []byte) {
	var tok authExchange
	if err := json.Unmarshal(resp, &tok); err != nil || tok.AccessToken == "" {
		writeError(w, apperror.New(apperror.Upstream, "identity provider returned no access_token"))
		return
	}
	var expiry time.Time
	if tok.ExpiresIn > 0 {
		expiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	}
	cookieVal, err := h.Auth.Create(tok.AccessToken, tok.RefreshToken, expiry)
	if err != nil {
		writeError(w, apperror.Wrap(apperror.Internal, "create auth session", err))
		return
	}
	h.Auth.SetCookie(w, cookieVal, r.TLS != nil)
	w.WriteHeader(http.StatusNoContent)
}

// queryPayload marshals a request's query string into a flat JSON object,
// the payload shape ForwardAction's ${payload.field} interpolation expects.
func queryPayload(r *http.Request) []byte {
	fields := make(map[string]string, len(r.URL.Query()))
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			fields[k] = v[0]
		}
	}
	data, _ := json.Marshal(fields)
	return data
}
