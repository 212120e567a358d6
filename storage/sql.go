package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"mailcore/models"
)

// SQLStore implements Store on top of database/sql. The same queries run
// against SQLite and PostgreSQL; placeholders are rebound per driver.
type SQLStore struct {
	db     *sqlx.DB
	driver string
}

// NewSQLStore opens the database and runs any pending schema migrations.
// driver is "sqlite" or "postgres".
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%s storage requires a dsn", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s db: %w", driver, err)
	}

	if driver == "sqlite" {
		// A single connection keeps ":memory:" databases coherent and
		// serializes writers the way SQLite wants anyway.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON"} {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to %s db: %w", driver, err)
	}

	s := &SQLStore{db: db, driver: driver}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// runMigrations reads the current schema version and applies any
// outstanding migrations in order.
func (s *SQLStore) runMigrations() error {
	if _, err := s.db.Exec("CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var currentVersion int
	if err := s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

type accountRow struct {
	ID            string         `db:"id"`
	UserID        string         `db:"user_id"`
	Email         string         `db:"email"`
	DisplayName   string         `db:"display_name"`
	Kind          string         `db:"kind"`
	Status        string         `db:"status"`
	StatusMessage string         `db:"status_message"`
	IMAPHost      sql.NullString `db:"imap_host"`
	IMAPPort      sql.NullInt64  `db:"imap_port"`
	IMAPSecure    sql.NullBool   `db:"imap_secure"`
	SMTPHost      sql.NullString `db:"smtp_host"`
	SMTPPort      sql.NullInt64  `db:"smtp_port"`
	SMTPSecure    sql.NullBool   `db:"smtp_secure"`
	Username      sql.NullString `db:"username_enc"`
	Password      sql.NullString `db:"password_enc"`
	Provider      sql.NullString `db:"provider"`
	AccessToken   sql.NullString `db:"access_token_enc"`
	RefreshToken  sql.NullString `db:"refresh_token_enc"`
	TokenExpiry   int64          `db:"token_expiry"`
	Scopes        string         `db:"scopes"`
	CreatedAt     int64          `db:"created_at"`
	UpdatedAt     int64          `db:"updated_at"`
}

const accountColumns = `id, user_id, email, display_name, kind, status, status_message,
	imap_host, imap_port, imap_secure, smtp_host, smtp_port, smtp_secure,
	username_enc, password_enc, provider, access_token_enc, refresh_token_enc,
	token_expiry, scopes, created_at, updated_at`

func newAccountRow(a *models.MailboxAccount) accountRow {
	row := accountRow{
		ID:            a.ID,
		UserID:        a.UserID,
		Email:         a.Email,
		DisplayName:   a.DisplayName,
		Kind:          string(a.Kind),
		Status:        string(a.Status),
		StatusMessage: a.StatusMessage,
		CreatedAt:     toMillis(a.CreatedAt),
		UpdatedAt:     toMillis(a.UpdatedAt),
	}

	switch a.Kind {
	case models.KindDirect:
		d := a.Direct
		row.IMAPHost = sql.NullString{String: d.IMAPHost, Valid: true}
		row.IMAPPort = sql.NullInt64{Int64: int64(d.IMAPPort), Valid: true}
		row.IMAPSecure = sql.NullBool{Bool: d.IMAPSecure, Valid: true}
		row.SMTPHost = sql.NullString{String: d.SMTPHost, Valid: true}
		row.SMTPPort = sql.NullInt64{Int64: int64(d.SMTPPort), Valid: true}
		row.SMTPSecure = sql.NullBool{Bool: d.SMTPSecure, Valid: true}
		row.Username = sql.NullString{String: d.Username, Valid: true}
		row.Password = sql.NullString{String: d.Password, Valid: true}
	case models.KindDelegated:
		d := a.Delegated
		row.Provider = sql.NullString{String: d.Provider, Valid: true}
		row.AccessToken = sql.NullString{String: d.AccessToken, Valid: true}
		row.RefreshToken = sql.NullString{String: d.RefreshToken, Valid: true}
		row.TokenExpiry = toMillis(d.Expiry)
		row.Scopes = strings.Join(d.Scopes, " ")
	}

	return row
}

func (r accountRow) account() (*models.MailboxAccount, error) {
	a := &models.MailboxAccount{
		ID:            r.ID,
		UserID:        r.UserID,
		Email:         r.Email,
		DisplayName:   r.DisplayName,
		Kind:          models.AccountKind(r.Kind),
		Status:        models.AccountStatus(r.Status),
		StatusMessage: r.StatusMessage,
		CreatedAt:     fromMillis(r.CreatedAt),
		UpdatedAt:     fromMillis(r.UpdatedAt),
	}

	switch a.Kind {
	case models.KindDirect:
		a.Direct = &models.DirectCredentials{
			IMAPHost:   r.IMAPHost.String,
			IMAPPort:   int(r.IMAPPort.Int64),
			IMAPSecure: r.IMAPSecure.Bool,
			SMTPHost:   r.SMTPHost.String,
			SMTPPort:   int(r.SMTPPort.Int64),
			SMTPSecure: r.SMTPSecure.Bool,
			Username:   r.Username.String,
			Password:   r.Password.String,
		}
	case models.KindDelegated:
		a.Delegated = &models.DelegatedCredentials{
			Provider:     r.Provider.String,
			AccessToken:  r.AccessToken.String,
			RefreshToken: r.RefreshToken.String,
			Expiry:       fromMillis(r.TokenExpiry),
			Scopes:       strings.Fields(r.Scopes),
		}
	default:
		return nil, fmt.Errorf("account %s: %w: %q", r.ID, models.ErrUnknownAccountKind, r.Kind)
	}

	return a, nil
}

// CreateAccount inserts a new account. A second account for the same
// user and email returns ErrDuplicate.
func (s *SQLStore) CreateAccount(ctx context.Context, account *models.MailboxAccount) error {
	if err := account.Validate(); err != nil {
		return err
	}

	row := newAccountRow(account)
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO mailbox_accounts (`+accountColumns+`) VALUES (
			:id, :user_id, :email, :display_name, :kind, :status, :status_message,
			:imap_host, :imap_port, :imap_secure, :smtp_host, :smtp_port, :smtp_secure,
			:username_enc, :password_enc, :provider, :access_token_enc, :refresh_token_enc,
			:token_expiry, :scopes, :created_at, :updated_at
		)`, row)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("creating account: %w", err)
	}
	return nil
}

// GetAccount loads one account owned by userID
func (s *SQLStore) GetAccount(ctx context.Context, userID, accountID string) (*models.MailboxAccount, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		"SELECT "+accountColumns+" FROM mailbox_accounts WHERE id = ? AND user_id = ?"),
		accountID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting account %s: %w", accountID, err)
	}
	return row.account()
}

// ListAccounts returns every account of userID ordered by email
func (s *SQLStore) ListAccounts(ctx context.Context, userID string) ([]*models.MailboxAccount, error) {
	var rows []accountRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		"SELECT "+accountColumns+" FROM mailbox_accounts WHERE user_id = ? ORDER BY email"),
		userID)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}

	accounts := make([]*models.MailboxAccount, 0, len(rows))
	for _, row := range rows {
		a, err := row.account()
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}

// UpdateDelegatedToken swaps in a refreshed access token when the stored
// expiry still matches prevExpiry.
func (s *SQLStore) UpdateDelegatedToken(ctx context.Context, userID, accountID string, prevExpiry time.Time, accessToken string, expiry time.Time) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE mailbox_accounts
		SET access_token_enc = ?, token_expiry = ?, status = ?, status_message = '', updated_at = ?
		WHERE id = ? AND user_id = ? AND kind = ? AND token_expiry = ?`),
		accessToken, toMillis(expiry), string(models.StatusConnected), toMillis(time.Now()),
		accountID, userID, string(models.KindDelegated), toMillis(prevExpiry))
	if err != nil {
		return fmt.Errorf("updating token for %s: %w", accountID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating token for %s: %w", accountID, err)
	}
	if n > 0 {
		return nil
	}

	// Nothing matched: either the row is gone or someone else won.
	account, err := s.GetAccount(ctx, userID, accountID)
	if err != nil {
		return err
	}
	if account.Kind != models.KindDelegated {
		return models.ErrKindMismatch
	}
	return ErrConflict
}

// SetAccountStatus records the account health and a short reason
func (s *SQLStore) SetAccountStatus(ctx context.Context, userID, accountID string, status models.AccountStatus, message string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE mailbox_accounts SET status = ?, status_message = ?, updated_at = ?
		WHERE id = ? AND user_id = ?`),
		string(status), message, toMillis(time.Now()), accountID, userID)
	if err != nil {
		return fmt.Errorf("updating status for %s: %w", accountID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating status for %s: %w", accountID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type sentRow struct {
	ID                string `db:"id"`
	MailboxAccountID  string `db:"mailbox_account_id"`
	UserID            string `db:"user_id"`
	Direction         string `db:"direction"`
	FromAddress       string `db:"from_address"`
	ToAddress         string `db:"to_address"`
	Subject           string `db:"subject"`
	TextBody          string `db:"text_body"`
	HTMLBody          string `db:"html_body"`
	ProviderMessageID string `db:"provider_message_id"`
	SentAt            int64  `db:"sent_at"`
	ReceivedAt        int64  `db:"received_at"`
	IsRead            bool   `db:"is_read"`
}

const sentColumns = `id, mailbox_account_id, user_id, direction, from_address, to_address,
	subject, text_body, html_body, provider_message_id, sent_at, received_at, is_read`

// InsertSentMessage appends one record to the sent log
func (s *SQLStore) InsertSentMessage(ctx context.Context, record *models.SentMessageRecord) error {
	if err := s.checkOwner(ctx, record.UserID, record.MailboxAccountID); err != nil {
		return err
	}

	row := sentRow{
		ID:                record.ID,
		MailboxAccountID:  record.MailboxAccountID,
		UserID:            record.UserID,
		Direction:         string(record.Direction),
		FromAddress:       record.FromAddress,
		ToAddress:         record.ToAddress,
		Subject:           record.Subject,
		TextBody:          record.TextBody,
		HTMLBody:          record.HTMLBody,
		ProviderMessageID: record.ProviderMessageID,
		SentAt:            toMillis(record.SentAt),
		ReceivedAt:        toMillis(record.ReceivedAt),
		IsRead:            record.IsRead,
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sent_messages (`+sentColumns+`) VALUES (
			:id, :mailbox_account_id, :user_id, :direction, :from_address, :to_address,
			:subject, :text_body, :html_body, :provider_message_id, :sent_at, :received_at, :is_read
		)`, row)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting sent message: %w", err)
	}
	return nil
}

// ListSentMessages returns the newest records first
func (s *SQLStore) ListSentMessages(ctx context.Context, userID, accountID string, limit int) ([]*models.SentMessageRecord, error) {
	if err := s.checkOwner(ctx, userID, accountID); err != nil {
		return nil, err
	}

	var rows []sentRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		"SELECT "+sentColumns+" FROM sent_messages WHERE mailbox_account_id = ? ORDER BY id DESC LIMIT ?"),
		accountID, sentLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("listing sent messages: %w", err)
	}

	records := make([]*models.SentMessageRecord, 0, len(rows))
	for _, r := range rows {
		records = append(records, &models.SentMessageRecord{
			ID:                r.ID,
			MailboxAccountID:  r.MailboxAccountID,
			UserID:            r.UserID,
			Direction:         models.Direction(r.Direction),
			FromAddress:       r.FromAddress,
			ToAddress:         r.ToAddress,
			Subject:           r.Subject,
			TextBody:          r.TextBody,
			HTMLBody:          r.HTMLBody,
			ProviderMessageID: r.ProviderMessageID,
			SentAt:            fromMillis(r.SentAt),
			ReceivedAt:        fromMillis(r.ReceivedAt),
			IsRead:            r.IsRead,
		})
	}
	return records, nil
}

func (s *SQLStore) checkOwner(ctx context.Context, userID, accountID string) error {
	var count int
	err := s.db.GetContext(ctx, &count, s.db.Rebind(
		"SELECT COUNT(*) FROM mailbox_accounts WHERE id = ? AND user_id = ?"),
		accountID, userID)
	if err != nil {
		return fmt.Errorf("checking account owner: %w", err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
