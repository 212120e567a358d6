package dispatch

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/oklog/ulid/v2"
	"google.golang.org/api/gmail/v1"

	"mailcore/compose"
	"mailcore/models"
	"mailcore/providers/direct"
	"mailcore/storage"
	"mailcore/tokens"
	"mailcore/utils"
)

// SendRequest is one outgoing message from a connected mailbox
type SendRequest struct {
	MailboxAccountID string `json:"mailboxAccountId"`
	To               string `json:"to"`
	Subject          string `json:"subject"`
	Text             string `json:"text,omitempty"`
	HTML             string `json:"html,omitempty"`
}

// SMTPSender sends through a direct account
type SMTPSender interface {
	Send(ctx context.Context, params direct.SMTPParams, msg *compose.Message) (string, error)
}

// APISender sends through a delegated account's provider API
type APISender interface {
	BuildClient(ctx context.Context, accessToken, refreshToken string) (*gmail.Service, error)
	Send(ctx context.Context, svc *gmail.Service, msg *compose.Message) (string, error)
}

// TokenSource yields a usable token pair for a delegated account
type TokenSource interface {
	Ensure(ctx context.Context, account *models.MailboxAccount) (*tokens.Tokens, error)
}

// Dispatcher is the single entry point for sending mail
type Dispatcher struct {
	store  storage.Store
	codec  tokens.Codec
	smtp   SMTPSender
	api    APISender   // nil when no delegated provider is configured
	tokens TokenSource // nil when no delegated provider is configured

	SendTimeout time.Duration
	now         func() time.Time
}

// New creates a Dispatcher
func New(store storage.Store, codec tokens.Codec, smtp SMTPSender, api APISender, tokens TokenSource) *Dispatcher {
	return &Dispatcher{
		store:       store,
		codec:       codec,
		smtp:        smtp,
		api:         api,
		tokens:      tokens,
		SendTimeout: 60 * time.Second,
		now:         time.Now,
	}
}

// Send resolves the caller's account, sends through its transport and
// logs the message. Nothing is logged unless the transport accepted it.
func (d *Dispatcher) Send(ctx context.Context, userID string, req SendRequest) (*models.SentMessageRecord, error) {
	accountID := strings.TrimSpace(req.MailboxAccountID)
	if accountID == "" {
		return nil, utils.ValidationError("mailboxAccountId is required", nil).WithContext("field", "mailboxAccountId")
	}
	if strings.TrimSpace(req.Subject) == "" {
		return nil, utils.ValidationError("subject is required", nil).WithContext("field", "subject")
	}
	to, err := compose.ParseAddress("to", req.To)
	if err != nil {
		return nil, err
	}

	account, err := d.store.GetAccount(ctx, userID, accountID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, utils.NotFoundError("mailbox account not found", err)
		}
		return nil, utils.PersistenceError("failed to load mailbox account", err)
	}
	if err := account.Validate(); err != nil {
		return nil, utils.ValidationError("mailbox account is malformed", err)
	}

	// The HTML body is the sender's own content and goes out untouched.
	textBody := req.Text
	if textBody == "" && req.HTML != "" {
		textBody = utils.PlainTextFromHTML(req.HTML)
	}

	from := &mail.Address{Name: account.DisplayName, Address: account.Email}
	msg, err := compose.New(from, to, req.Subject, textBody, req.HTML)
	if err != nil {
		return nil, err
	}

	log := utils.Log.WithField("account", account.ID).WithField("kind", account.Kind)

	sendCtx, cancel := context.WithTimeout(ctx, d.SendTimeout)
	defer cancel()

	var providerID string
	switch account.Kind {
	case models.KindDelegated:
		providerID, err = d.sendDelegated(sendCtx, account, msg)
	case models.KindDirect:
		providerID, err = d.sendDirect(sendCtx, account, msg)
	default:
		return nil, utils.ValidationError("unknown account kind", models.ErrUnknownAccountKind).
			WithContext("kind", account.Kind)
	}
	if err != nil {
		log.Warn("Send failed: %v", err)
		if utils.IsKind(err, utils.KindSend) {
			d.setStatus(ctx, account, models.StatusError, "last send failed")
		}
		return nil, err
	}

	if account.Status == models.StatusError {
		d.setStatus(ctx, account, models.StatusConnected, "")
	}

	now := d.now().UTC()
	record := &models.SentMessageRecord{
		ID:                ulid.Make().String(),
		MailboxAccountID:  account.ID,
		UserID:            userID,
		Direction:         models.DirectionOutgoing,
		FromAddress:       account.Email,
		ToAddress:         to.Address,
		Subject:           msg.Subject,
		TextBody:          textBody,
		HTMLBody:          req.HTML,
		ProviderMessageID: providerID,
		SentAt:            now,
		ReceivedAt:        now,
		IsRead:            true,
	}
	if err := d.store.InsertSentMessage(ctx, record); err != nil {
		// The transport already accepted the message.
		log.Error("Message %s sent but not logged: %v", providerID, err)
		return nil, utils.PersistenceError("message was sent but could not be logged", err)
	}

	log.Info("Sent message %s to %s", record.ID, utils.MaskEmail(record.ToAddress))
	return record, nil
}

func (d *Dispatcher) sendDelegated(ctx context.Context, account *models.MailboxAccount, msg *compose.Message) (string, error) {
	if d.api == nil || d.tokens == nil {
		return "", utils.ConfigurationError("delegated provider is not configured", nil)
	}

	tok, err := d.tokens.Ensure(ctx, account)
	if err != nil {
		return "", err
	}
	svc, err := d.api.BuildClient(ctx, tok.AccessToken, tok.RefreshToken)
	if err != nil {
		return "", err
	}
	return d.api.Send(ctx, svc, msg)
}

func (d *Dispatcher) sendDirect(ctx context.Context, account *models.MailboxAccount, msg *compose.Message) (string, error) {
	creds := account.Direct
	username, err := d.codec.Decrypt(creds.Username)
	if err != nil {
		return "", err
	}
	password, err := d.codec.Decrypt(creds.Password)
	if err != nil {
		return "", err
	}

	return d.smtp.Send(ctx, direct.SMTPParams{
		Host:     creds.SMTPHost,
		Port:     creds.SMTPPort,
		Secure:   creds.SMTPSecure,
		Username: username,
		Password: password,
	}, msg)
}

func (d *Dispatcher) setStatus(ctx context.Context, account *models.MailboxAccount, status models.AccountStatus, message string) {
	if err := d.store.SetAccountStatus(ctx, account.UserID, account.ID, status, message); err != nil {
		utils.Log.WithField("account", account.ID).Error("Failed to update account status: %v", err)
	}
}
