package compose

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/emersion/go-message/mail"

	"mailcore/utils"
)

func mustAddress(t *testing.T, s string) *mail.Address {
	t.Helper()
	addr, err := ParseAddress("address", s)
	if err != nil {
		t.Fatalf("ParseAddress(%q): %v", s, err)
	}
	return addr
}

func readParts(t *testing.T, raw []byte) (mail.Header, map[string]string) {
	t.Helper()
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("CreateReader: %v", err)
	}
	defer mr.Close()

	parts := map[string]string{}
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextPart: %v", err)
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		body, _ := io.ReadAll(p.Body)
		parts[ct] = string(body)
	}
	return mr.Header, parts
}

func TestAlternativeMessage(t *testing.T) {
	msg, err := New(
		mustAddress(t, "Me <me@example.com>"),
		mustAddress(t, "a@b.com"),
		"Hi ✓", "plain body", "<p>html body</p>",
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	raw, err := msg.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if msg.MessageID == "" {
		t.Error("message id was not generated")
	}

	h, parts := readParts(t, raw)
	if subject, _ := h.Subject(); subject != "Hi ✓" {
		t.Errorf("subject = %q", subject)
	}
	if from, _ := h.AddressList("From"); len(from) != 1 || from[0].Address != "me@example.com" {
		t.Errorf("from = %v", from)
	}
	if id, _ := h.MessageID(); id != msg.MessageID {
		t.Errorf("header message id %q, want %q", id, msg.MessageID)
	}
	if ct, _, _ := h.ContentType(); ct != "multipart/alternative" {
		t.Errorf("content type = %q", ct)
	}
	if bytes.Contains(raw, []byte("multipart/mixed")) {
		t.Errorf("alternative parts wrapped in a mixed container:\n%s", raw)
	}
	if parts["text/plain"] != "plain body" || parts["text/html"] != "<p>html body</p>" {
		t.Errorf("parts = %v", parts)
	}
}

func TestSinglePartMessages(t *testing.T) {
	tests := []struct {
		name, text, html, wantType, wantBody string
	}{
		{"text only", "hello", "", "text/plain", "hello"},
		{"html only", "", "<b>hi</b>", "text/html", "<b>hi</b>"},
		{"empty body", "", "", "text/plain", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := New(mustAddress(t, "me@example.com"), mustAddress(t, "a@b.com"), "Hi", tt.text, tt.html)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			raw, err := msg.Bytes()
			if err != nil {
				t.Fatalf("Bytes: %v", err)
			}
			if !strings.Contains(strings.ToLower(string(raw)), "mime-version: 1.0") {
				t.Error("missing MIME-Version header")
			}
			_, parts := readParts(t, raw)
			if got, ok := parts[tt.wantType]; !ok || got != tt.wantBody {
				t.Errorf("parts = %v, want %s %q", parts, tt.wantType, tt.wantBody)
			}
		})
	}
}

func TestNewRequiresSubject(t *testing.T) {
	_, err := New(mustAddress(t, "me@example.com"), mustAddress(t, "a@b.com"), "   ", "body", "")
	if !utils.IsKind(err, utils.KindValidation) {
		t.Errorf("got %v, want ValidationError", err)
	}
}

func TestParseAddressRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "not an address", "a@"} {
		if _, err := ParseAddress("to", in); !utils.IsKind(err, utils.KindValidation) {
			t.Errorf("ParseAddress(%q) = %v, want ValidationError", in, err)
		}
	}
}
