package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"mailcore/lease"
	"mailcore/models"
	"mailcore/storage"
	"mailcore/utils"
)

// State is where a stored access token sits in its lifecycle
type State int

const (
	Fresh    State = iota // usable as is
	Missing               // no access token stored
	Expiring              // expires within the skew window, or already expired
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Missing:
		return "missing"
	case Expiring:
		return "expiring"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// DefaultSkew is the lead time before expiry at which tokens are refreshed
const DefaultSkew = 60 * time.Second

// Classify evaluates a stored credential at now. A zero expiry with an
// access token counts as expiring.
func Classify(cred *models.DelegatedCredentials, now time.Time, skew time.Duration) State {
	if cred.AccessToken == "" {
		return Missing
	}
	if cred.Expiry.IsZero() || !cred.Expiry.After(now.Add(skew)) {
		return Expiring
	}
	return Fresh
}

// Codec encrypts tokens before they reach storage
type Codec interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Refresher exchanges a plaintext refresh token for a new access token
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Tokens is a decrypted, usable token pair
type Tokens struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Options tunes a Manager; zero values take defaults
type Options struct {
	Skew           time.Duration
	RefreshTimeout time.Duration
	Locker         lease.Locker
	Now            func() time.Time
}

// Manager keeps delegated access tokens usable. Refreshes of one account
// collapse into a single provider call per process (singleflight) and
// are serialized across processes by the lease.
type Manager struct {
	store     storage.Store
	codec     Codec
	refresher Refresher
	locker    lease.Locker
	skew      time.Duration
	timeout   time.Duration
	now       func() time.Time
	group     singleflight.Group
}

// NewManager wires a Manager to its collaborators
func NewManager(store storage.Store, codec Codec, refresher Refresher, opts Options) *Manager {
	m := &Manager{
		store:     store,
		codec:     codec,
		refresher: refresher,
		locker:    opts.Locker,
		skew:      opts.Skew,
		timeout:   opts.RefreshTimeout,
		now:       opts.Now,
	}
	if m.locker == nil {
		m.locker = lease.NewMemoryLocker()
	}
	if m.skew <= 0 {
		m.skew = DefaultSkew
	}
	if m.timeout <= 0 {
		m.timeout = 15 * time.Second
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Ensure returns a usable token pair for a delegated account, refreshing
// and persisting first when the stored token is missing or expiring.
func (m *Manager) Ensure(ctx context.Context, account *models.MailboxAccount) (*Tokens, error) {
	switch account.Kind {
	case models.KindDelegated:
	case models.KindDirect:
		return nil, utils.ValidationError("account does not use delegated credentials", models.ErrKindMismatch)
	default:
		return nil, utils.ValidationError("unknown account kind", models.ErrUnknownAccountKind)
	}
	if account.Delegated == nil {
		return nil, utils.ValidationError("account has no delegated credentials", models.ErrKindMismatch)
	}

	if Classify(account.Delegated, m.now(), m.skew) == Fresh {
		return m.decrypt(account.Delegated)
	}

	v, err, shared := m.group.Do(account.ID, func() (interface{}, error) {
		return m.refreshLocked(ctx, account.UserID, account.ID)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		utils.Log.WithField("account", account.ID).Debug("Joined in-flight token refresh")
	}
	tokens := *v.(*Tokens)
	return &tokens, nil
}

// refreshLocked runs once per flight. It holds the account lease, then
// re-reads the account so a refresh that finished elsewhere is reused.
func (m *Manager) refreshLocked(ctx context.Context, userID, accountID string) (*Tokens, error) {
	// Joined callers share this result; one caller leaving must not
	// cancel the refresh for the rest.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()

	release, err := m.locker.Acquire(ctx, accountID)
	if err != nil {
		return nil, utils.TokenRefreshError("timed out waiting for token refresh", err)
	}
	defer release()

	account, err := m.store.GetAccount(ctx, userID, accountID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, utils.NotFoundError("mailbox account not found", err)
		}
		return nil, utils.PersistenceError("failed to reload mailbox account", err)
	}
	if account.Kind != models.KindDelegated || account.Delegated == nil {
		return nil, utils.ValidationError("account does not use delegated credentials", models.ErrKindMismatch)
	}
	cred := account.Delegated
	log := utils.Log.WithField("account", accountID)

	state := Classify(cred, m.now(), m.skew)
	if state == Fresh {
		log.Debug("Token already refreshed by another caller")
		return m.decrypt(cred)
	}
	if cred.RefreshToken == "" {
		m.markError(ctx, userID, accountID, "no usable access token and no refresh token; reconnect the mailbox")
		return nil, utils.NoValidCredentialError("no usable access token and no refresh token", nil)
	}

	refreshToken, err := m.codec.Decrypt(cred.RefreshToken)
	if err != nil {
		return nil, err
	}

	log.Info("Refreshing %s access token", state)
	tok, err := m.refresher.Refresh(ctx, refreshToken)
	if err != nil {
		log.Warn("Token refresh failed: %v", err)
		if utils.IsKind(err, utils.KindTokenRefresh) {
			m.markError(ctx, userID, accountID, "token refresh failed; reconnect the mailbox")
			return nil, err
		}
		// The stored grant may still be good; leave the account connected.
		var appErr *utils.AppError
		if !errors.As(err, &appErr) {
			return nil, utils.InternalServerError("access token refresh temporarily failed", err)
		}
		return nil, err
	}

	accessEnc, err := m.codec.Encrypt(tok.AccessToken)
	if err != nil {
		return nil, err
	}

	expiry := tok.Expiry.UTC()
	err = m.store.UpdateDelegatedToken(ctx, userID, accountID, cred.Expiry, accessEnc, expiry)
	if errors.Is(err, storage.ErrConflict) {
		// Another process persisted a newer token while we refreshed.
		// Its token is the stored truth; ours may already be invalid.
		current, getErr := m.store.GetAccount(ctx, userID, accountID)
		if getErr == nil && current.Delegated != nil && Classify(current.Delegated, m.now(), m.skew) == Fresh {
			log.Warn("Token refresh raced another writer; using the stored token")
			return m.decrypt(current.Delegated)
		}
		return nil, utils.PersistenceError("token update conflicted", err)
	}
	if err != nil {
		return nil, utils.PersistenceError("failed to persist refreshed token", err)
	}

	log.Info("Access token refreshed, valid until %s", expiry.Format(time.RFC3339))
	return &Tokens{AccessToken: tok.AccessToken, RefreshToken: refreshToken, Expiry: expiry}, nil
}

func (m *Manager) decrypt(cred *models.DelegatedCredentials) (*Tokens, error) {
	access, err := m.codec.Decrypt(cred.AccessToken)
	if err != nil {
		return nil, err
	}
	var refresh string
	if cred.RefreshToken != "" {
		if refresh, err = m.codec.Decrypt(cred.RefreshToken); err != nil {
			return nil, err
		}
	}
	return &Tokens{AccessToken: access, RefreshToken: refresh, Expiry: cred.Expiry}, nil
}

func (m *Manager) markError(ctx context.Context, userID, accountID, message string) {
	if err := m.store.SetAccountStatus(ctx, userID, accountID, models.StatusError, message); err != nil {
		utils.Log.WithField("account", accountID).Error("Failed to mark account as errored: %v", err)
	}
}
