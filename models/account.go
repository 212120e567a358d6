package models

import (
	"errors"
	"fmt"
	"time"
)

// AccountKind selects which transport-credential set an account carries
type AccountKind string

const (
	KindDirect    AccountKind = "direct"    // IMAP/SMTP with username and password
	KindDelegated AccountKind = "delegated" // OAuth bearer token against a provider API
)

// AccountStatus is the health of a connected mailbox
type AccountStatus string

const (
	StatusConnected AccountStatus = "connected"
	StatusError     AccountStatus = "error"
)

// ProviderGoogle is the only delegated provider
const ProviderGoogle = "google"

// MailboxAccount represents one connected external mailbox.
// Exactly one of Direct and Delegated is set, matching Kind.
type MailboxAccount struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	Email         string        `json:"email"`
	DisplayName   string        `json:"display_name"`
	Kind          AccountKind   `json:"kind"`
	Status        AccountStatus `json:"status"`
	StatusMessage string        `json:"status_message,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`

	Direct    *DirectCredentials    `json:"direct,omitempty"`
	Delegated *DelegatedCredentials `json:"delegated,omitempty"`
}

// DirectCredentials holds the IMAP/SMTP endpoints. Username and Password
// are ciphertext produced by the secret codec.
type DirectCredentials struct {
	IMAPHost   string `json:"imap_host"`
	IMAPPort   int    `json:"imap_port"`
	IMAPSecure bool   `json:"imap_secure"`
	SMTPHost   string `json:"smtp_host"`
	SMTPPort   int    `json:"smtp_port"`
	SMTPSecure bool   `json:"smtp_secure"`
	Username   string `json:"username"`
	Password   string `json:"password"`
}

// DelegatedCredentials holds OAuth tokens as ciphertext. AccessToken may
// be empty when it expired and was never refreshed.
type DelegatedCredentials struct {
	Provider     string    `json:"provider"`
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry"`
	Scopes       []string  `json:"scopes,omitempty"`
}

var (
	ErrNoCredentials      = errors.New("account has no credential set")
	ErrBothCredentials    = errors.New("account has both direct and delegated credentials")
	ErrKindMismatch       = errors.New("credential set does not match account kind")
	ErrUnknownAccountKind = errors.New("unknown account kind")
)

// Validate checks that exactly one credential set is present and matches Kind
func (a *MailboxAccount) Validate() error {
	switch {
	case a.Direct == nil && a.Delegated == nil:
		return ErrNoCredentials
	case a.Direct != nil && a.Delegated != nil:
		return ErrBothCredentials
	}

	switch a.Kind {
	case KindDirect:
		if a.Direct == nil {
			return ErrKindMismatch
		}
	case KindDelegated:
		if a.Delegated == nil {
			return ErrKindMismatch
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAccountKind, a.Kind)
	}
	return nil
}

// Public returns a copy with every credential field cleared, safe to
// serialize to a client.
func (a *MailboxAccount) Public() *PublicAccount {
	p := &PublicAccount{
		ID:            a.ID,
		Email:         a.Email,
		DisplayName:   a.DisplayName,
		Kind:          a.Kind,
		Status:        a.Status,
		StatusMessage: a.StatusMessage,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
	switch a.Kind {
	case KindDirect:
		if d := a.Direct; d != nil {
			p.IMAPHost, p.IMAPPort = d.IMAPHost, d.IMAPPort
			p.SMTPHost, p.SMTPPort = d.SMTPHost, d.SMTPPort
		}
	case KindDelegated:
		if d := a.Delegated; d != nil {
			p.Provider = d.Provider
		}
	}
	return p
}

// PublicAccount is the client-facing view of a MailboxAccount
type PublicAccount struct {
	ID            string        `json:"id"`
	Email         string        `json:"email"`
	DisplayName   string        `json:"display_name"`
	Kind          AccountKind   `json:"kind"`
	Status        AccountStatus `json:"status"`
	StatusMessage string        `json:"status_message,omitempty"`
	Provider      string        `json:"provider,omitempty"`
	IMAPHost      string        `json:"imap_host,omitempty"`
	IMAPPort      int           `json:"imap_port,omitempty"`
	SMTPHost      string        `json:"smtp_host,omitempty"`
	SMTPPort      int           `json:"smtp_port,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}
