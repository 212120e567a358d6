package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"mailcore/models"
)

const (
	accountBucket      = "accounts"
	accountIndexBucket = "account_owner_email" // user_id \x00 email -> account id
	sentBucket         = "sent_messages"       // account id / ulid -> record
)

// BoltStore persists accounts and the sent log in a single bbolt file.
// bbolt serializes writers, so every read-modify-write below runs inside
// one Update transaction.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (or creates) dataDir/mailcore.db and its buckets
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "mailcore.db")
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range []string{accountBucket, accountIndexBucket, sentBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database connection
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func sentKey(accountID, recordID string) []byte {
	return []byte(accountID + "/" + recordID)
}

// InsertSentMessage appends one record to the sent log
func (s *BoltStore) InsertSentMessage(_ context.Context, record *models.SentMessageRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal sent message: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := loadAccount(tx, record.UserID, record.MailboxAccountID); err != nil {
			return err
		}
		b := tx.Bucket([]byte(sentBucket))
		key := sentKey(record.MailboxAccountID, record.ID)
		if b.Get(key) != nil {
			return ErrDuplicate
		}
		return b.Put(key, data)
	})
}

// ListSentMessages returns the newest records first. Record ids are ULIDs,
// so key order is send order.
func (s *BoltStore) ListSentMessages(_ context.Context, userID, accountID string, limit int) ([]*models.SentMessageRecord, error) {
	limit = sentLimit(limit)
	var records []*models.SentMessageRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		if _, err := loadAccount(tx, userID, accountID); err != nil {
			return err
		}

		prefix := []byte(accountID + "/")
		// One past the prefix range: '/'+1 == '0'.
		upper := []byte(accountID + "0")

		c := tx.Bucket([]byte(sentBucket)).Cursor()
		k, v := c.Seek(upper)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		for ; k != nil && hasPrefix(k, prefix) && len(records) < limit; k, v = c.Prev() {
			var record models.SentMessageRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("failed to unmarshal sent message: %w", err)
			}
			records = append(records, &record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

func hasPrefix(s, prefix []byte) bool {
	return len(s) >= len(prefix) && string(s[:len(prefix)]) == string(prefix)
}
