package direct

import (
	"context"
	"errors"
	"fmt"

	"github.com/emersion/go-imap/client"

	"mailcore/utils"
)

// IMAPParams is one decrypted IMAP credential tuple
type IMAPParams struct {
	Host     string
	Port     int
	Secure   bool
	Username string
	Password string
}

// ValidateIMAP proves the credentials work: it logs in, opens INBOX
// read-only, closes it and logs out. Any failure is a
// CredentialValidationError carrying the server's message.
func (p *Provider) ValidateIMAP(ctx context.Context, params IMAPParams) error {
	log := utils.Log.WithField("host", params.Host).WithField("user", utils.MaskEmail(params.Username))

	if err := validatePort("imap port", params.Port); err != nil {
		return err
	}

	conn, err := p.dial(ctx, params.Host, params.Port, params.Secure)
	if err != nil {
		log.Warn("IMAP connection failed: %v", err)
		return utils.CredentialValidationError(cause(ctx, err).Error(), err)
	}
	stop := watch(ctx, conn)
	defer stop()

	c, err := client.New(conn)
	if err != nil {
		conn.Close()
		log.Warn("IMAP greeting failed: %v", err)
		return utils.CredentialValidationError(cause(ctx, err).Error(), err)
	}
	defer c.Logout()

	if err := p.session(c, params); err != nil {
		err = cause(ctx, err)
		log.Warn("IMAP validation failed: %v", err)
		return utils.CredentialValidationError(err.Error(), err)
	}

	log.Debug("IMAP credentials validated")
	return nil
}

func (p *Provider) session(c *client.Client, params IMAPParams) error {
	if !params.Secure && !isLoopback(params.Host) {
		ok, err := c.SupportStartTLS()
		if err != nil {
			return fmt.Errorf("capability: %w", err)
		}
		if !ok {
			return errors.New("server does not offer STARTTLS, refusing to send the password in cleartext")
		}
		if err := c.StartTLS(p.tlsConfig(params.Host)); err != nil {
			return fmt.Errorf("starttls failed: %w", err)
		}
	}

	if err := c.Login(params.Username, params.Password); err != nil {
		return fmt.Errorf("login error: %w", err)
	}

	// Selecting INBOX takes the mailbox lock; CLOSE releases it.
	if _, err := c.Select("INBOX", true); err != nil {
		return fmt.Errorf("select INBOX: %w", err)
	}
	if err := c.Close(); err != nil {
		return fmt.Errorf("close INBOX: %w", err)
	}
	return nil
}
