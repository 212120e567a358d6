package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailcore/config"
	"mailcore/models"
)

var (
	// ErrNotFound is returned when a row is missing or owned by another user
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a user connects the same address twice
	ErrDuplicate = errors.New("record already exists")
	// ErrConflict is returned when a conditional update lost a race
	ErrConflict = errors.New("record was modified concurrently")
)

// Store is the row store the mailbox core persists to. Every read and
// write of an account is scoped by the owning user id.
type Store interface {
	CreateAccount(ctx context.Context, account *models.MailboxAccount) error
	GetAccount(ctx context.Context, userID, accountID string) (*models.MailboxAccount, error)
	ListAccounts(ctx context.Context, userID string) ([]*models.MailboxAccount, error)

	// UpdateDelegatedToken replaces the access token and expiry only if the
	// stored expiry still equals prevExpiry (millisecond precision);
	// otherwise it returns ErrConflict.
	UpdateDelegatedToken(ctx context.Context, userID, accountID string, prevExpiry time.Time, accessToken string, expiry time.Time) error
	SetAccountStatus(ctx context.Context, userID, accountID string, status models.AccountStatus, message string) error

	InsertSentMessage(ctx context.Context, record *models.SentMessageRecord) error
	ListSentMessages(ctx context.Context, userID, accountID string, limit int) ([]*models.SentMessageRecord, error)

	Close() error
}

// Open builds the store selected by cfg.Driver
func Open(cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "bolt", "":
		return NewBoltStore(cfg.DataDir)
	case "sqlite":
		return NewSQLStore("sqlite", cfg.DSN)
	case "postgres":
		return NewSQLStore("postgres", cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func sameInstant(a, b time.Time) bool {
	return toMillis(a) == toMillis(b)
}

// toMillis maps the zero time to 0 so "never set" round-trips through
// integer columns.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

const defaultSentLimit = 50

func sentLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return defaultSentLimit
	}
	return limit
}
