// Package googletest runs a fake Google OAuth token endpoint and Gmail API
// for tests of the delegated provider.
package googletest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mailcore/config"
)

// Values the fake server accepts
const (
	Code         = "good-code"
	RefreshToken = "refresh-ok"
	Email        = "me@gmail.com"
)

// Server is the fake provider. Access tokens it issues are "access-<n>".
type Server struct {
	URL string

	// RefreshDelay stretches every refresh call so concurrent callers overlap
	RefreshDelay time.Duration
	// RejectSend makes messages.send answer 401
	RejectSend atomic.Bool
	// FailRefresh makes the token endpoint answer 503 to refresh grants
	FailRefresh atomic.Bool

	refreshes atomic.Int64
	issued    atomic.Int64

	mu    sync.Mutex
	valid map[string]bool
	sent  [][]byte
	calls []string
}

// NewServer starts the fake provider and stops it when the test ends
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{valid: map[string]bool{}}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", s.handleToken)
	mux.HandleFunc("/gmail/v1/users/me/profile", s.handleProfile)
	mux.HandleFunc("/gmail/v1/users/me/messages/send", s.handleSend)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	s.URL = ts.URL
	return s
}

// Config points a Google OAuth config at the fake server
func (s *Server) Config() config.GoogleOAuthConfig {
	return config.GoogleOAuthConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "http://localhost/api/oauth/google/callback",
		AuthURL:      s.URL + "/auth",
		TokenURL:     s.URL + "/token",
		APIEndpoint:  s.URL + "/",
		Scopes:       []string{"https://www.googleapis.com/auth/gmail.send"},
	}
}

// IssueAccessToken mints a token the Gmail endpoints will accept
func (s *Server) IssueAccessToken() string {
	tok := fmt.Sprintf("access-%d", s.issued.Add(1))
	s.mu.Lock()
	s.valid[tok] = true
	s.mu.Unlock()
	return tok
}

// Refreshes counts refresh_token grants served
func (s *Server) Refreshes() int64 {
	return s.refreshes.Load()
}

// Sent returns the decoded raw messages accepted by messages.send
func (s *Server) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

// Calls lists "refresh" and "send" in the order they were served
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *Server) record(call string) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		if r.PostForm.Get("code") != Code {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"access_token":  s.IssueAccessToken(),
			"refresh_token": RefreshToken,
			"token_type":    "Bearer",
			"expires_in":    3600,
			"scope":         "https://www.googleapis.com/auth/gmail.send",
		})
	case "refresh_token":
		s.refreshes.Add(1)
		s.record("refresh")
		if s.RefreshDelay > 0 {
			time.Sleep(s.RefreshDelay)
		}
		if s.FailRefresh.Load() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "temporarily_unavailable"})
			return
		}
		if r.PostForm.Get("refresh_token") != RefreshToken {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error":             "invalid_grant",
				"error_description": "Token has been expired or revoked.",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"access_token": s.IssueAccessToken(),
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
}

func (s *Server) authorized(r *http.Request) bool {
	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid[tok]
}

func apiError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{"code": status, "message": message},
	})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		apiError(w, http.StatusUnauthorized, "Invalid Credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"emailAddress": Email})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	s.record("send")
	if r.Method != http.MethodPost {
		apiError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorized(r) || s.RejectSend.Load() {
		apiError(w, http.StatusUnauthorized, "Invalid Credentials")
		return
	}

	var body struct {
		Raw string `json:"raw"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apiError(w, http.StatusBadRequest, "invalid body")
		return
	}
	raw, err := base64.RawURLEncoding.DecodeString(body.Raw)
	if err != nil {
		apiError(w, http.StatusBadRequest, "raw is not base64url")
		return
	}

	s.mu.Lock()
	s.sent = append(s.sent, raw)
	id := fmt.Sprintf("gm-%d", len(s.sent))
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "threadId": id})
}
