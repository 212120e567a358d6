package delegated_test

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"mailcore/compose"
	"mailcore/providers/delegated"
	"mailcore/providers/delegated/googletest"
	"mailcore/utils"
)

func TestAuthorizationURL(t *testing.T) {
	srv := googletest.NewServer(t)
	g := delegated.NewGoogle(srv.Config())

	first := g.AuthorizationURL("user-42")
	if first != g.AuthorizationURL("user-42") {
		t.Error("authorization URL is not deterministic")
	}

	u, err := url.Parse(first)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := u.Query()
	want := map[string]string{
		"state":         "user-42",
		"access_type":   "offline",
		"prompt":        "consent",
		"client_id":     "client-id",
		"response_type": "code",
		"redirect_uri":  "http://localhost/api/oauth/google/callback",
	}
	for k, v := range want {
		if q.Get(k) != v {
			t.Errorf("%s = %q, want %q", k, q.Get(k), v)
		}
	}
}

func TestExchange(t *testing.T) {
	srv := googletest.NewServer(t)
	g := delegated.NewGoogle(srv.Config())

	grant, err := g.Exchange(context.Background(), googletest.Code)
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if grant.Email != googletest.Email {
		t.Errorf("email = %q", grant.Email)
	}
	if grant.RefreshToken != googletest.RefreshToken || grant.AccessToken == "" {
		t.Errorf("tokens = %+v", grant)
	}
	if time.Until(grant.Expiry) < 50*time.Minute {
		t.Errorf("expiry = %v", grant.Expiry)
	}

	if _, err := g.Exchange(context.Background(), "bad-code"); !utils.IsKind(err, utils.KindCredentialValidation) {
		t.Errorf("bad code: got %v, want CredentialValidationError", err)
	}
}

func TestRefresh(t *testing.T) {
	srv := googletest.NewServer(t)
	g := delegated.NewGoogle(srv.Config())

	tok, err := g.Refresh(context.Background(), googletest.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !strings.HasPrefix(tok.AccessToken, "access-") || tok.Expiry.Before(time.Now()) {
		t.Errorf("token = %+v", tok)
	}

	_, err = g.Refresh(context.Background(), "revoked")
	if !utils.IsKind(err, utils.KindTokenRefresh) {
		t.Fatalf("revoked: got %v, want TokenRefreshError", err)
	}
	if !strings.Contains(err.Error(), "revoked") {
		t.Errorf("error should mention revocation: %v", err)
	}

	if _, err := g.Refresh(context.Background(), ""); !utils.IsKind(err, utils.KindNoValidCredential) {
		t.Errorf("empty: got %v, want NoValidCredentialError", err)
	}
	if srv.Refreshes() != 2 {
		t.Errorf("refresh calls = %d, want 2", srv.Refreshes())
	}
}

func TestRefreshTransientFailureIsNotTerminal(t *testing.T) {
	srv := googletest.NewServer(t)
	g := delegated.NewGoogle(srv.Config())

	srv.FailRefresh.Store(true)
	_, err := g.Refresh(context.Background(), googletest.RefreshToken)
	if err == nil || utils.IsKind(err, utils.KindTokenRefresh) {
		t.Fatalf("unavailable: got %v, want a non-terminal error", err)
	}
	var appErr *utils.AppError
	if !errors.As(err, &appErr) || !appErr.Operational() {
		t.Errorf("unavailable: got %v, want an operational error", err)
	}

	srv.FailRefresh.Store(false)
	if _, err := g.Refresh(context.Background(), googletest.RefreshToken); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestSend(t *testing.T) {
	srv := googletest.NewServer(t)
	g := delegated.NewGoogle(srv.Config())
	ctx := context.Background()

	from, _ := compose.ParseAddress("from", googletest.Email)
	to, _ := compose.ParseAddress("to", "a@b.com")
	msg, err := compose.New(from, to, "Hi", "hello", "<p>hello</p>")
	if err != nil {
		t.Fatalf("compose: %v", err)
	}

	svc, err := g.BuildClient(ctx, srv.IssueAccessToken(), googletest.RefreshToken)
	if err != nil {
		t.Fatalf("BuildClient: %v", err)
	}
	id, err := g.Send(ctx, svc, msg)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != "gm-1" {
		t.Errorf("id = %q", id)
	}

	sent := srv.Sent()
	if len(sent) != 1 || !strings.Contains(string(sent[0]), "Subject: Hi") {
		t.Fatalf("sent = %q", sent)
	}

	// An access token the provider no longer honours surfaces as a send failure.
	stale, _ := g.BuildClient(ctx, "access-unknown", googletest.RefreshToken)
	if _, err := g.Send(ctx, stale, msg); !utils.IsKind(err, utils.KindSend) {
		t.Errorf("stale token: got %v, want SendError", err)
	}
	if srv.Refreshes() != 0 {
		t.Errorf("client refreshed on its own: %d", srv.Refreshes())
	}
}
