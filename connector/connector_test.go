package connector

import (
	"context"
	"errors"
	"testing"

	"mailcore/models"
	"mailcore/providers/delegated"
	"mailcore/providers/delegated/googletest"
	"mailcore/providers/direct"
	"mailcore/providers/direct/directtest"
	"mailcore/secret"
	"mailcore/storage"
	"mailcore/utils"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type harness struct {
	conn   *Connector
	store  storage.Store
	codec  *secret.Codec
	dialer *directtest.Dialer
	google *googletest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	imap := directtest.NewIMAPServer(t, true)
	dialer := directtest.NewDialer(map[string]string{"example.com:993": imap.Addr})
	provider := &direct.Provider{Dial: dialer.DialContext, TLSConfig: directtest.ClientTLSConfig()}

	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	codec, err := secret.NewCodec(testKey)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}

	google := googletest.NewServer(t)
	return &harness{
		conn:   New(store, codec, provider, delegated.NewGoogle(google.Config())),
		store:  store,
		codec:  codec,
		dialer: dialer,
		google: google,
	}
}

func validCandidate() DirectCandidate {
	return DirectCandidate{
		Email:      "  Me@EXAMPLE.com ",
		IMAPHost:   "Example.COM",
		IMAPPort:   993,
		IMAPSecure: true,
		SMTPHost:   "example.com",
		SMTPPort:   465,
		SMTPSecure: true,
		Username:   directtest.Username,
		Password:   directtest.Password,
	}
}

func (h *harness) count(t *testing.T, userID string) int {
	t.Helper()
	list, err := h.store.ListAccounts(context.Background(), userID)
	if err != nil {
		t.Fatalf("ListAccounts: %v", err)
	}
	return len(list)
}

func TestConnectDirectStoresCiphertext(t *testing.T) {
	h := newHarness(t)

	account, err := h.conn.ConnectDirect(context.Background(), "user-1", validCandidate())
	if err != nil {
		t.Fatalf("ConnectDirect: %v", err)
	}
	if account.Email != "Me@example.com" || account.Direct.IMAPHost != "example.com" {
		t.Errorf("not normalized: email %q host %q", account.Email, account.Direct.IMAPHost)
	}
	if account.Status != models.StatusConnected || account.Kind != models.KindDirect {
		t.Errorf("account = %+v", account)
	}

	stored, err := h.store.GetAccount(context.Background(), "user-1", account.ID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	d := stored.Direct
	if d.Username == directtest.Username || d.Password == directtest.Password {
		t.Fatal("credentials stored in plaintext")
	}
	if !secret.IsCiphertext(d.Username) || !secret.IsCiphertext(d.Password) {
		t.Fatalf("credentials are not ciphertext: %q %q", d.Username, d.Password)
	}
	if pw, err := h.codec.Decrypt(d.Password); err != nil || pw != directtest.Password {
		t.Errorf("password decrypts to %q (%v)", pw, err)
	}
}

func TestConnectDirectRejectedCredentialsAreNotStored(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*DirectCandidate)
	}{
		{"wrong password", func(c *DirectCandidate) { c.Password = "wrong" }},
		{"unreachable server", func(c *DirectCandidate) { c.IMAPPort = 143; c.IMAPSecure = false }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			c := validCandidate()
			tt.mutate(&c)

			_, err := h.conn.ConnectDirect(context.Background(), "user-1", c)
			if !utils.IsKind(err, utils.KindCredentialValidation) {
				t.Fatalf("got %v, want CredentialValidationError", err)
			}
			if n := h.count(t, "user-1"); n != 0 {
				t.Errorf("%d accounts stored", n)
			}
		})
	}
}

func TestConnectDirectBadPortsMakeNoNetworkCall(t *testing.T) {
	for _, ports := range [][2]int{{0, 465}, {993, 0}, {65536, 465}, {993, 70000}, {-1, -1}} {
		h := newHarness(t)
		c := validCandidate()
		c.IMAPPort, c.SMTPPort = ports[0], ports[1]

		_, err := h.conn.ConnectDirect(context.Background(), "user-1", c)
		if !utils.IsKind(err, utils.KindValidation) {
			t.Errorf("ports %v: got %v, want ValidationError", ports, err)
		}
		if h.dialer.Calls() != 0 {
			t.Errorf("ports %v: %d dials attempted", ports, h.dialer.Calls())
		}
		if n := h.count(t, "user-1"); n != 0 {
			t.Errorf("ports %v: %d accounts stored", ports, n)
		}
	}
}

func TestConnectDirectRequiredFields(t *testing.T) {
	h := newHarness(t)
	for _, field := range []string{"email", "imapHost", "smtpHost", "username", "password"} {
		c := validCandidate()
		switch field {
		case "email":
			c.Email = "   "
		case "imapHost":
			c.IMAPHost = ""
		case "smtpHost":
			c.SMTPHost = "\t"
		case "username":
			c.Username = ""
		case "password":
			c.Password = "  "
		}
		_, err := h.conn.ConnectDirect(context.Background(), "user-1", c)
		if !utils.IsKind(err, utils.KindValidation) {
			t.Errorf("blank %s: got %v, want ValidationError", field, err)
		}
	}
	if h.dialer.Calls() != 0 {
		t.Errorf("%d dials attempted", h.dialer.Calls())
	}
}

func TestConnectDirectDuplicateIsPersistenceError(t *testing.T) {
	h := newHarness(t)
	if _, err := h.conn.ConnectDirect(context.Background(), "user-1", validCandidate()); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	_, err := h.conn.ConnectDirect(context.Background(), "user-1", validCandidate())
	if !utils.IsKind(err, utils.KindPersistence) {
		t.Fatalf("got %v, want PersistenceError", err)
	}
	if !errors.Is(err, storage.ErrDuplicate) {
		t.Errorf("cause not preserved: %v", err)
	}
}

func TestConnectDirectWithoutKey(t *testing.T) {
	h := newHarness(t)
	h.conn.codec = secret.Disabled(errors.New("no key"))

	_, err := h.conn.ConnectDirect(context.Background(), "user-1", validCandidate())
	if !utils.IsKind(err, utils.KindConfiguration) {
		t.Fatalf("got %v, want ConfigurationError", err)
	}
	if h.dialer.Calls() != 0 {
		t.Errorf("%d dials attempted", h.dialer.Calls())
	}
}

func TestConnectDelegated(t *testing.T) {
	h := newHarness(t)

	account, err := h.conn.ConnectDelegated(context.Background(), "user-1", "user-1", googletest.Code)
	if err != nil {
		t.Fatalf("ConnectDelegated: %v", err)
	}
	if account.Email != googletest.Email || account.Delegated.Provider != models.ProviderGoogle {
		t.Errorf("account = %+v", account)
	}

	stored, err := h.store.GetAccount(context.Background(), "user-1", account.ID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	rt, err := h.codec.Decrypt(stored.Delegated.RefreshToken)
	if err != nil || rt != googletest.RefreshToken {
		t.Errorf("refresh token decrypts to %q (%v)", rt, err)
	}
	if stored.Delegated.RefreshToken == googletest.RefreshToken {
		t.Error("refresh token stored in plaintext")
	}
}

func TestConnectDelegatedRejections(t *testing.T) {
	tests := []struct {
		name, state, code string
		want              utils.ErrorKind
	}{
		{"blank code", "user-1", "  ", utils.KindValidation},
		{"foreign state", "user-2", googletest.Code, utils.KindValidation},
		{"bad code", "user-1", "nope", utils.KindCredentialValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.conn.ConnectDelegated(context.Background(), "user-1", tt.state, tt.code)
			if !utils.IsKind(err, tt.want) {
				t.Fatalf("got %v, want %s", err, tt.want)
			}
			if n := h.count(t, "user-1"); n != 0 {
				t.Errorf("%d accounts stored", n)
			}
		})
	}
}

func TestAuthorizationURLRequiresProvider(t *testing.T) {
	h := newHarness(t)
	if _, err := h.conn.AuthorizationURL("user-1"); err != nil {
		t.Errorf("configured provider: %v", err)
	}

	h.conn.oauth = nil
	if _, err := h.conn.AuthorizationURL("user-1"); !utils.IsKind(err, utils.KindConfiguration) {
		t.Errorf("got %v, want ConfigurationError", err)
	}
}
