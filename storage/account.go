package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"mailcore/models"
)

func ownerEmailKey(userID, email string) []byte {
	return []byte(userID + "\x00" + email)
}

// CreateAccount stores a new account; (user, email) must be unique
func (s *BoltStore) CreateAccount(_ context.Context, account *models.MailboxAccount) error {
	if err := account.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		accounts := tx.Bucket([]byte(accountBucket))
		index := tx.Bucket([]byte(accountIndexBucket))

		if accounts.Get([]byte(account.ID)) != nil {
			return ErrDuplicate
		}
		key := ownerEmailKey(account.UserID, account.Email)
		if index.Get(key) != nil {
			return ErrDuplicate
		}

		if err := index.Put(key, []byte(account.ID)); err != nil {
			return err
		}
		return accounts.Put([]byte(account.ID), data)
	})
}

// loadAccount reads an account inside tx, hiding rows owned by other users
func loadAccount(tx *bbolt.Tx, userID, accountID string) (*models.MailboxAccount, error) {
	data := tx.Bucket([]byte(accountBucket)).Get([]byte(accountID))
	if data == nil {
		return nil, ErrNotFound
	}

	var account models.MailboxAccount
	if err := json.Unmarshal(data, &account); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account: %w", err)
	}
	if account.UserID != userID {
		return nil, ErrNotFound
	}
	return &account, nil
}

func saveAccount(tx *bbolt.Tx, account *models.MailboxAccount) error {
	data, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}
	return tx.Bucket([]byte(accountBucket)).Put([]byte(account.ID), data)
}

// GetAccount retrieves an account by id for its owner
func (s *BoltStore) GetAccount(_ context.Context, userID, accountID string) (*models.MailboxAccount, error) {
	var account *models.MailboxAccount
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		account, err = loadAccount(tx, userID, accountID)
		return err
	})
	return account, err
}

// ListAccounts retrieves all accounts for a user via the owner index
func (s *BoltStore) ListAccounts(_ context.Context, userID string) ([]*models.MailboxAccount, error) {
	var accounts []*models.MailboxAccount

	err := s.db.View(func(tx *bbolt.Tx) error {
		prefix := []byte(userID + "\x00")
		c := tx.Bucket([]byte(accountIndexBucket)).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			account, err := loadAccount(tx, userID, string(v))
			if err != nil {
				return err
			}
			accounts = append(accounts, account)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return accounts, nil
}

// UpdateDelegatedToken swaps in a refreshed access token if nobody else did first
func (s *BoltStore) UpdateDelegatedToken(_ context.Context, userID, accountID string, prevExpiry time.Time, accessToken string, expiry time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		account, err := loadAccount(tx, userID, accountID)
		if err != nil {
			return err
		}
		if account.Kind != models.KindDelegated || account.Delegated == nil {
			return models.ErrKindMismatch
		}
		if !sameInstant(account.Delegated.Expiry, prevExpiry) {
			return ErrConflict
		}

		account.Delegated.AccessToken = accessToken
		account.Delegated.Expiry = expiry.UTC()
		account.Status = models.StatusConnected
		account.StatusMessage = ""
		account.UpdatedAt = time.Now().UTC()
		return saveAccount(tx, account)
	})
}

// SetAccountStatus records the health of an account
func (s *BoltStore) SetAccountStatus(_ context.Context, userID, accountID string, status models.AccountStatus, message string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		account, err := loadAccount(tx, userID, accountID)
		if err != nil {
			return err
		}
		account.Status = status
		account.StatusMessage = message
		account.UpdatedAt = time.Now().UTC()
		return saveAccount(tx, account)
	})
}
