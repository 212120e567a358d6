package compose

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"mailcore/utils"
)

// Message is one outgoing mail ready to be serialized for a transport
type Message struct {
	From    *mail.Address
	To      *mail.Address
	Subject string
	Text    string
	HTML    string
	Date    time.Time

	// MessageID is filled in by Bytes when empty
	MessageID string
}

// ParseAddress parses a single RFC 5322 address, including encoded
// display names
func ParseAddress(field, value string) (*mail.Address, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, utils.ValidationError(field+" is required", nil)
	}
	addr, err := mail.ParseAddress(value)
	if err != nil {
		return nil, utils.ValidationError(field+" is not a valid address", err)
	}
	return addr, nil
}

// New builds a message. The body may be empty; the subject may not.
func New(from, to *mail.Address, subject, text, html string) (*Message, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, utils.ValidationError("subject is required", nil)
	}
	if from == nil || to == nil {
		return nil, utils.ValidationError("sender and recipient are required", nil)
	}
	return &Message{
		From:    from,
		To:      to,
		Subject: subject,
		Text:    text,
		HTML:    html,
		Date:    time.Now(),
	}, nil
}

func (m *Message) header() (mail.Header, error) {
	var h mail.Header
	h.Set("MIME-Version", "1.0")
	h.SetDate(m.Date)
	h.SetAddressList("From", []*mail.Address{m.From})
	h.SetAddressList("To", []*mail.Address{m.To})
	h.SetSubject(m.Subject)

	if m.MessageID == "" {
		if err := h.GenerateMessageID(); err != nil {
			return h, fmt.Errorf("generate message id: %w", err)
		}
		id, err := h.MessageID()
		if err != nil {
			return h, fmt.Errorf("read message id: %w", err)
		}
		m.MessageID = id
	} else {
		h.SetMessageID(m.MessageID)
	}
	return h, nil
}

// WriteTo serializes the message as RFC 5322 bytes. A message with both
// bodies becomes multipart/alternative; otherwise it is a single part.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	h, err := m.header()
	if err != nil {
		return 0, err
	}

	cw := &countingWriter{w: w}
	if m.Text != "" && m.HTML != "" {
		err = m.writeAlternative(cw, h)
	} else {
		err = m.writeSingle(cw, h)
	}
	return cw.n, err
}

// Bytes returns the serialized message
func (m *Message) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *Message) writeSingle(w io.Writer, h mail.Header) error {
	body, contentType := m.Text, "text/plain"
	if m.HTML != "" {
		body, contentType = m.HTML, "text/html"
	}
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})

	pw, err := mail.CreateSingleInlineWriter(w, h)
	if err != nil {
		return fmt.Errorf("create body: %w", err)
	}
	if _, err := io.WriteString(pw, body); err != nil {
		pw.Close()
		return fmt.Errorf("write body: %w", err)
	}
	return pw.Close()
}

func (m *Message) writeAlternative(w io.Writer, h mail.Header) error {
	iw, err := mail.CreateInlineWriter(w, h)
	if err != nil {
		return fmt.Errorf("create alternative: %w", err)
	}

	parts := []struct{ contentType, body string }{
		{"text/plain", m.Text},
		{"text/html", m.HTML},
	}
	for _, part := range parts {
		var ph mail.InlineHeader
		ph.SetContentType(part.contentType, map[string]string{"charset": "utf-8"})
		pw, err := iw.CreatePart(ph)
		if err != nil {
			return fmt.Errorf("create %s part: %w", part.contentType, err)
		}
		if _, err := io.WriteString(pw, part.body); err != nil {
			pw.Close()
			return fmt.Errorf("write %s part: %w", part.contentType, err)
		}
		if err := pw.Close(); err != nil {
			return err
		}
	}

	return iw.Close()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
