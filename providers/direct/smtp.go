package direct

import (
	"bytes"
	"context"
	"fmt"
	"net"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"mailcore/compose"
	"mailcore/utils"
)

// SMTPParams is one decrypted SMTP credential tuple
type SMTPParams struct {
	Host     string
	Port     int
	Secure   bool
	Username string
	Password string
}

// Send submits msg over an authenticated SMTP session and returns its
// Message-ID. The message counts as sent only once the server accepted
// the DATA payload.
func (p *Provider) Send(ctx context.Context, params SMTPParams, msg *compose.Message) (string, error) {
	log := utils.Log.WithField("host", params.Host).WithField("to", utils.MaskEmail(msg.To.Address))

	if err := validatePort("smtp port", params.Port); err != nil {
		return "", err
	}

	raw, err := msg.Bytes()
	if err != nil {
		return "", utils.SendError("failed to compose message", err)
	}

	conn, err := p.dial(ctx, params.Host, params.Port, params.Secure)
	if err != nil {
		log.Warn("SMTP connection failed: %v", err)
		return "", utils.SendError(cause(ctx, err).Error(), err)
	}
	stop := watch(ctx, conn)
	defer stop()

	c, err := p.smtpClient(conn, params)
	if err != nil {
		err = cause(ctx, err)
		log.Warn("SMTP session failed: %v", err)
		return "", utils.SendError(err.Error(), err)
	}
	defer c.Close()

	if err := transmit(c, params, msg, raw); err != nil {
		err = cause(ctx, err)
		log.Warn("SMTP send failed: %v", err)
		return "", utils.SendError(err.Error(), err)
	}

	if err := c.Quit(); err != nil {
		// The server already accepted the message.
		log.Debug("SMTP quit: %v", err)
	}

	log.Info("Message %s sent via SMTP", msg.MessageID)
	return msg.MessageID, nil
}

// smtpClient starts the session. On a plain port the connection must be
// upgraded with STARTTLS before AUTH, except towards a loopback relay.
func (p *Provider) smtpClient(conn net.Conn, params SMTPParams) (*smtp.Client, error) {
	if params.Secure || isLoopback(params.Host) {
		return smtp.NewClient(conn), nil
	}
	c, err := smtp.NewClientStartTLS(conn, p.tlsConfig(params.Host))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("starttls required before sending credentials: %w", err)
	}
	return c, nil
}

func transmit(c *smtp.Client, params SMTPParams, msg *compose.Message, raw []byte) error {
	auth := sasl.NewPlainClient("", params.Username, params.Password)
	if err := c.Auth(auth); err != nil {
		return fmt.Errorf("auth failed: %w", err)
	}

	if err := c.SendMail(msg.From.Address, []string{msg.To.Address}, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("send failed: %w", err)
	}
	return nil
}
