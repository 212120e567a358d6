package connector

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"mailcore/compose"
	"mailcore/models"
	"mailcore/providers/delegated"
	"mailcore/providers/direct"
	"mailcore/storage"
	"mailcore/tokens"
	"mailcore/utils"
)

// IMAPValidator proves a direct credential tuple against the live server
type IMAPValidator interface {
	ValidateIMAP(ctx context.Context, params direct.IMAPParams) error
}

// OAuthProvider runs the delegated provider's authorization-code flow
type OAuthProvider interface {
	Name() string
	AuthorizationURL(state string) string
	Exchange(ctx context.Context, code string) (*delegated.Grant, error)
}

// DirectCandidate is an IMAP/SMTP account as submitted by the user
type DirectCandidate struct {
	Email       string
	DisplayName string
	IMAPHost    string
	IMAPPort    int
	IMAPSecure  bool
	SMTPHost    string
	SMTPPort    int
	SMTPSecure  bool
	Username    string
	Password    string
}

// Connector onboards mailbox accounts. Nothing is stored until the
// credentials have been proven live.
type Connector struct {
	store     storage.Store
	codec     tokens.Codec
	validator IMAPValidator
	oauth     OAuthProvider // nil when no delegated provider is configured

	ValidateTimeout time.Duration
	ExchangeTimeout time.Duration
}

// New creates a Connector
func New(store storage.Store, codec tokens.Codec, validator IMAPValidator, oauth OAuthProvider) *Connector {
	return &Connector{
		store:           store,
		codec:           codec,
		validator:       validator,
		oauth:           oauth,
		ValidateTimeout: 20 * time.Second,
		ExchangeTimeout: 15 * time.Second,
	}
}

func (c *DirectCandidate) normalize() {
	c.Email = utils.NormalizeEmail(c.Email)
	c.DisplayName = utils.NormalizeString(c.DisplayName)
	c.IMAPHost = utils.NormalizeHost(c.IMAPHost)
	c.SMTPHost = utils.NormalizeHost(c.SMTPHost)
	c.Username = utils.NormalizeString(c.Username)
	// Passwords are compared byte for byte by the server; only trim.
	c.Password = strings.TrimSpace(c.Password)
}

func (c *DirectCandidate) validate() error {
	required := []struct{ name, value string }{
		{"email", c.Email},
		{"imapHost", c.IMAPHost},
		{"smtpHost", c.SMTPHost},
		{"username", c.Username},
		{"password", c.Password},
	}
	for _, f := range required {
		if f.value == "" {
			return utils.ValidationError(f.name+" is required", nil).WithContext("field", f.name)
		}
	}

	addr, err := compose.ParseAddress("email", c.Email)
	if err != nil {
		return err
	}
	c.Email = addr.Address
	if c.DisplayName == "" {
		c.DisplayName = addr.Name
	}

	return direct.ValidatePorts(c.IMAPPort, c.SMTPPort)
}

// ConnectDirect validates the candidate against its IMAP server, then
// stores it with encrypted credentials
func (c *Connector) ConnectDirect(ctx context.Context, userID string, candidate DirectCandidate) (*models.MailboxAccount, error) {
	candidate.normalize()
	if err := candidate.validate(); err != nil {
		return nil, err
	}
	log := utils.Log.WithField("user", userID).WithField("email", utils.MaskEmail(candidate.Email))

	// Encrypt first: a missing key must not cost a network round trip.
	usernameEnc, err := c.codec.Encrypt(candidate.Username)
	if err != nil {
		return nil, err
	}
	passwordEnc, err := c.codec.Encrypt(candidate.Password)
	if err != nil {
		return nil, err
	}

	vctx, cancel := context.WithTimeout(ctx, c.ValidateTimeout)
	err = c.validator.ValidateIMAP(vctx, direct.IMAPParams{
		Host:     candidate.IMAPHost,
		Port:     candidate.IMAPPort,
		Secure:   candidate.IMAPSecure,
		Username: candidate.Username,
		Password: candidate.Password,
	})
	cancel()
	if err != nil {
		log.Warn("Direct account rejected: %v", err)
		return nil, err
	}

	now := time.Now().UTC()
	account := &models.MailboxAccount{
		ID:          uuid.NewString(),
		UserID:      userID,
		Email:       candidate.Email,
		DisplayName: candidate.DisplayName,
		Kind:        models.KindDirect,
		Status:      models.StatusConnected,
		CreatedAt:   now,
		UpdatedAt:   now,
		Direct: &models.DirectCredentials{
			IMAPHost:   candidate.IMAPHost,
			IMAPPort:   candidate.IMAPPort,
			IMAPSecure: candidate.IMAPSecure,
			SMTPHost:   candidate.SMTPHost,
			SMTPPort:   candidate.SMTPPort,
			SMTPSecure: candidate.SMTPSecure,
			Username:   usernameEnc,
			Password:   passwordEnc,
		},
	}

	if err := c.persist(ctx, account); err != nil {
		return nil, err
	}
	log.Info("Connected direct account %s", account.ID)
	return account, nil
}

// AuthorizationURL starts the delegated flow for userID
func (c *Connector) AuthorizationURL(userID string) (string, error) {
	if c.oauth == nil {
		return "", utils.ConfigurationError("delegated provider is not configured", nil)
	}
	return c.oauth.AuthorizationURL(userID), nil
}

// ConnectDelegated completes the authorization-code callback. state must
// be the id of the already authenticated caller.
func (c *Connector) ConnectDelegated(ctx context.Context, userID, state, code string) (*models.MailboxAccount, error) {
	if c.oauth == nil {
		return nil, utils.ConfigurationError("delegated provider is not configured", nil)
	}

	state = utils.NormalizeString(state)
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, utils.ValidationError("authorization code is required", nil).WithContext("field", "code")
	}
	if state == "" || state != userID {
		return nil, utils.ValidationError("authorization state does not match the signed-in user", nil).
			WithContext("field", "state")
	}

	ectx, cancel := context.WithTimeout(ctx, c.ExchangeTimeout)
	grant, err := c.oauth.Exchange(ectx, code)
	cancel()
	if err != nil {
		return nil, err
	}

	email := utils.NormalizeEmail(grant.Email)
	if email == "" {
		return nil, utils.CredentialValidationError("provider did not report a mailbox address", nil)
	}

	accessEnc, err := c.codec.Encrypt(grant.AccessToken)
	if err != nil {
		return nil, err
	}
	refreshEnc, err := c.codec.Encrypt(grant.RefreshToken)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	account := &models.MailboxAccount{
		ID:          uuid.NewString(),
		UserID:      userID,
		Email:       email,
		DisplayName: email,
		Kind:        models.KindDelegated,
		Status:      models.StatusConnected,
		CreatedAt:   now,
		UpdatedAt:   now,
		Delegated: &models.DelegatedCredentials{
			Provider:     c.oauth.Name(),
			AccessToken:  accessEnc,
			RefreshToken: refreshEnc,
			Expiry:       grant.Expiry.UTC(),
			Scopes:       grant.Scopes,
		},
	}

	if err := c.persist(ctx, account); err != nil {
		return nil, err
	}
	utils.Log.WithField("user", userID).Info("Connected %s account %s", account.Delegated.Provider, account.ID)
	return account, nil
}

func (c *Connector) persist(ctx context.Context, account *models.MailboxAccount) error {
	err := c.store.CreateAccount(ctx, account)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrDuplicate):
		return utils.PersistenceError("this mailbox is already connected", err)
	default:
		utils.Log.WithField("user", account.UserID).Error("Failed to store account: %v", err)
		return utils.PersistenceError("failed to store mailbox account", err)
	}
}
