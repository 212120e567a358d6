package tokens

import (
	"context"
	"sync"
	"testing"
	"time"

	"mailcore/models"
	"mailcore/providers/delegated"
	"mailcore/providers/delegated/googletest"
	"mailcore/secret"
	"mailcore/storage"
	"mailcore/utils"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestClassify(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		cred models.DelegatedCredentials
		want State
	}{
		{"fresh", models.DelegatedCredentials{AccessToken: "x", Expiry: now.Add(10 * time.Minute)}, Fresh},
		{"missing", models.DelegatedCredentials{Expiry: now.Add(time.Hour)}, Missing},
		{"inside skew", models.DelegatedCredentials{AccessToken: "x", Expiry: now.Add(30 * time.Second)}, Expiring},
		{"exactly at skew", models.DelegatedCredentials{AccessToken: "x", Expiry: now.Add(DefaultSkew)}, Expiring},
		{"past", models.DelegatedCredentials{AccessToken: "x", Expiry: now.Add(-time.Hour)}, Expiring},
		{"no expiry", models.DelegatedCredentials{AccessToken: "x"}, Expiring},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(&tt.cred, now, DefaultSkew); got != tt.want {
				t.Errorf("Classify = %s, want %s", got, tt.want)
			}
		})
	}
}

type fixture struct {
	srv     *googletest.Server
	store   storage.Store
	codec   *secret.Codec
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := googletest.NewServer(t)
	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	codec, err := secret.NewCodec(testKey)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}

	return &fixture{
		srv:     srv,
		store:   store,
		codec:   codec,
		manager: NewManager(store, codec, delegated.NewGoogle(srv.Config()), Options{RefreshTimeout: 5 * time.Second}),
	}
}

func (f *fixture) account(t *testing.T, access, refresh string, expiry time.Time) *models.MailboxAccount {
	t.Helper()
	enc := func(s string) string {
		if s == "" {
			return ""
		}
		out, err := f.codec.Encrypt(s)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		return out
	}

	a := &models.MailboxAccount{
		ID:     "acc-1",
		UserID: "user-1",
		Email:  googletest.Email,
		Kind:   models.KindDelegated,
		Status: models.StatusConnected,
		Delegated: &models.DelegatedCredentials{
			Provider:     models.ProviderGoogle,
			AccessToken:  enc(access),
			RefreshToken: enc(refresh),
			Expiry:       expiry.UTC().Truncate(time.Millisecond),
		},
	}
	if err := f.store.CreateAccount(context.Background(), a); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return a
}

func TestEnsureFreshTokenSkipsRefresh(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, "current", googletest.RefreshToken, time.Now().Add(time.Hour))

	tok, err := f.manager.Ensure(context.Background(), a)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if tok.AccessToken != "current" || tok.RefreshToken != googletest.RefreshToken {
		t.Errorf("tokens = %+v", tok)
	}
	if f.srv.Refreshes() != 0 {
		t.Errorf("refreshes = %d, want 0", f.srv.Refreshes())
	}
}

func TestEnsureRefreshesAndPersists(t *testing.T) {
	for _, tc := range []struct {
		name   string
		access string
		expiry time.Duration
	}{
		{"expired", "old", -time.Hour},
		{"expiring", "old", 20 * time.Second},
		{"missing", "", time.Hour},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			a := f.account(t, tc.access, googletest.RefreshToken, time.Now().Add(tc.expiry))

			tok, err := f.manager.Ensure(context.Background(), a)
			if err != nil {
				t.Fatalf("Ensure: %v", err)
			}
			if f.srv.Refreshes() != 1 {
				t.Fatalf("refreshes = %d, want 1", f.srv.Refreshes())
			}

			stored, err := f.store.GetAccount(context.Background(), "user-1", "acc-1")
			if err != nil {
				t.Fatalf("GetAccount: %v", err)
			}
			if stored.Delegated.Expiry.UnixMilli() != tok.Expiry.UnixMilli() {
				t.Errorf("stored expiry %v, returned %v", stored.Delegated.Expiry, tok.Expiry)
			}
			if time.Until(stored.Delegated.Expiry) < 50*time.Minute {
				t.Errorf("stored expiry not advanced: %v", stored.Delegated.Expiry)
			}
			if stored.Delegated.AccessToken == tok.AccessToken || !secret.IsCiphertext(stored.Delegated.AccessToken) {
				t.Error("access token stored in plaintext")
			}
			plain, err := f.codec.Decrypt(stored.Delegated.AccessToken)
			if err != nil || plain != tok.AccessToken {
				t.Errorf("stored token decrypts to %q (%v), want %q", plain, err, tok.AccessToken)
			}
		})
	}
}

func TestConcurrentEnsureRefreshesOnce(t *testing.T) {
	f := newFixture(t)
	f.srv.RefreshDelay = 100 * time.Millisecond
	a := f.account(t, "old", googletest.RefreshToken, time.Now().Add(-time.Minute))

	const callers = 10
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Each caller holds the stale copy it read before the refresh.
			stale := *a
			cred := *a.Delegated
			stale.Delegated = &cred
			tok, err := f.manager.Ensure(context.Background(), &stale)
			errs[i] = err
			if tok != nil {
				results[i] = tok.AccessToken
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if f.srv.Refreshes() != 1 {
		t.Errorf("refreshes = %d, want 1", f.srv.Refreshes())
	}
	for i := 1; i < callers; i++ {
		if results[i] != results[0] {
			t.Errorf("caller %d got %q, caller 0 got %q", i, results[i], results[0])
		}
	}
}

func TestEnsureAfterRefreshReusesStoredToken(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, "old", googletest.RefreshToken, time.Now().Add(-time.Minute))
	stale := *a.Delegated

	if _, err := f.manager.Ensure(context.Background(), a); err != nil {
		t.Fatalf("first Ensure: %v", err)
	}

	// A caller still holding the pre-refresh copy re-reads and skips.
	late := *a
	late.Delegated = &stale
	if _, err := f.manager.Ensure(context.Background(), &late); err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if f.srv.Refreshes() != 1 {
		t.Errorf("refreshes = %d, want 1", f.srv.Refreshes())
	}
}

func TestEnsureRevokedRefreshToken(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, "", "revoked", time.Time{})

	_, err := f.manager.Ensure(context.Background(), a)
	if !utils.IsKind(err, utils.KindTokenRefresh) {
		t.Fatalf("got %v, want TokenRefreshError", err)
	}

	stored, _ := f.store.GetAccount(context.Background(), "user-1", "acc-1")
	if stored.Status != models.StatusError {
		t.Errorf("status = %q, want error", stored.Status)
	}
}

func TestEnsureTransientRefreshFailureKeepsAccountConnected(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, "old", googletest.RefreshToken, time.Now().Add(-time.Minute))

	f.srv.FailRefresh.Store(true)
	_, err := f.manager.Ensure(context.Background(), a)
	if err == nil || utils.IsKind(err, utils.KindTokenRefresh) {
		t.Fatalf("got %v, want a non-terminal error", err)
	}

	stored, _ := f.store.GetAccount(context.Background(), "user-1", "acc-1")
	if stored.Status != models.StatusConnected {
		t.Errorf("status = %q, want connected", stored.Status)
	}

	f.srv.FailRefresh.Store(false)
	if _, err := f.manager.Ensure(context.Background(), a); err != nil {
		t.Fatalf("retry Ensure: %v", err)
	}
	if f.srv.Refreshes() != 2 {
		t.Errorf("refreshes = %d, want 2", f.srv.Refreshes())
	}
}

func TestEnsureWithoutAnyToken(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, "", "", time.Time{})

	_, err := f.manager.Ensure(context.Background(), a)
	if !utils.IsKind(err, utils.KindNoValidCredential) {
		t.Fatalf("got %v, want NoValidCredentialError", err)
	}
	if f.srv.Refreshes() != 0 {
		t.Errorf("refreshes = %d, want 0", f.srv.Refreshes())
	}
}

func TestEnsureRejectsDirectAccount(t *testing.T) {
	f := newFixture(t)
	a := &models.MailboxAccount{ID: "d", Kind: models.KindDirect, Direct: &models.DirectCredentials{}}
	if _, err := f.manager.Ensure(context.Background(), a); !utils.IsKind(err, utils.KindValidation) {
		t.Errorf("got %v, want ValidationError", err)
	}
}
