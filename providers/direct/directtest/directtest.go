// Package directtest provides in-process IMAP and SMTP servers for tests
// of code that talks to a mailbox over the direct provider.
package directtest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/emersion/go-imap/backend/memory"
	imapserver "github.com/emersion/go-imap/server"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Credentials accepted by both stub servers
const (
	Username = "username"
	Password = "password"
)

// TLSHost is the name the stub certificate is valid for
const TLSHost = "example.com"

var (
	certOnce sync.Once
	certs    []tls.Certificate
	roots    *x509.CertPool
)

func loadCert() {
	certOnce.Do(func() {
		// httptest ships a self-signed certificate for example.com and
		// 127.0.0.1; borrow it instead of minting one.
		s := httptest.NewUnstartedServer(nil)
		s.StartTLS()
		certs = s.TLS.Certificates
		roots = x509.NewCertPool()
		roots.AddCert(s.Certificate())
		s.Close()
	})
}

// ClientTLSConfig trusts the stub servers' certificate
func ClientTLSConfig() *tls.Config {
	loadCert()
	return &tls.Config{RootCAs: roots}
}

func listen(t testing.TB, secure bool) net.Listener {
	t.Helper()
	loadCert()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if secure {
		l = tls.NewListener(l, &tls.Config{Certificates: certs})
	}
	return l
}

// IMAPServer is a go-imap memory backend holding one user with an INBOX
type IMAPServer struct {
	Addr string
}

// NewIMAPServer starts an IMAP server; secure selects implicit TLS
func NewIMAPServer(t testing.TB, secure bool) *IMAPServer {
	t.Helper()
	l := listen(t, secure)

	s := imapserver.New(memory.New())
	s.AllowInsecureAuth = true
	go s.Serve(l)
	t.Cleanup(func() { s.Close() })

	return &IMAPServer{Addr: l.Addr().String()}
}

// NewIMAPServerStartTLS starts a plain IMAP server that offers STARTTLS
// and refuses LOGIN until the connection is upgraded
func NewIMAPServerStartTLS(t testing.TB) *IMAPServer {
	t.Helper()
	l := listen(t, false)

	s := imapserver.New(memory.New())
	s.TLSConfig = &tls.Config{Certificates: certs}
	go s.Serve(l)
	t.Cleanup(func() { s.Close() })

	return &IMAPServer{Addr: l.Addr().String()}
}

// Envelope is one message accepted by the SMTP stub
type Envelope struct {
	From string
	To   []string
	Data []byte
}

// SMTPServer records every message it accepts
type SMTPServer struct {
	Addr string

	// RejectData makes the server fail after RCPT, mid-transaction
	RejectData atomic.Bool

	mu       sync.Mutex
	messages []Envelope
}

// NewSMTPServer starts an SMTP server; secure selects implicit TLS
func NewSMTPServer(t testing.TB, secure bool) *SMTPServer {
	t.Helper()
	l := listen(t, secure)

	srv := &SMTPServer{Addr: l.Addr().String()}
	s := smtp.NewServer(&smtpBackend{srv: srv})
	s.Domain = "localhost"
	s.AllowInsecureAuth = true
	go s.Serve(l)
	t.Cleanup(func() { s.Close() })

	return srv
}

// NewSMTPServerStartTLS starts a plain SMTP server that offers STARTTLS
// and refuses AUTH until the connection is upgraded
func NewSMTPServerStartTLS(t testing.TB) *SMTPServer {
	t.Helper()
	l := listen(t, false)

	srv := &SMTPServer{Addr: l.Addr().String()}
	s := smtp.NewServer(&smtpBackend{srv: srv})
	s.Domain = "localhost"
	s.TLSConfig = &tls.Config{Certificates: certs}
	go s.Serve(l)
	t.Cleanup(func() { s.Close() })

	return srv
}

// Messages returns a copy of the accepted messages
func (s *SMTPServer) Messages() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Envelope(nil), s.messages...)
}

type smtpBackend struct {
	srv *SMTPServer
}

func (b *smtpBackend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &smtpSession{srv: b.srv}, nil
}

type smtpSession struct {
	srv    *SMTPServer
	authed bool
	env    Envelope
}

func (s *smtpSession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *smtpSession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != Username || password != Password {
			return errors.New("invalid username or password")
		}
		s.authed = true
		return nil
	}), nil
}

func (s *smtpSession) Mail(from string, _ *smtp.MailOptions) error {
	if !s.authed {
		return smtp.ErrAuthRequired
	}
	s.env.From = from
	return nil
}

func (s *smtpSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.env.To = append(s.env.To, to)
	return nil
}

func (s *smtpSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if s.srv.RejectData.Load() {
		return &smtp.SMTPError{Code: 554, Message: "transaction failed"}
	}

	s.env.Data = data
	s.srv.mu.Lock()
	s.srv.messages = append(s.srv.messages, s.env)
	s.srv.mu.Unlock()
	return nil
}

func (s *smtpSession) Reset() {
	s.env = Envelope{}
}

func (s *smtpSession) Logout() error {
	return nil
}

// Dialer routes every dial to a fixed set of stub addresses and counts
// the attempts
type Dialer struct {
	routes map[string]string
	calls  atomic.Int64
}

// NewDialer maps "host:port" as the code under test sees it to the
// address of a stub server
func NewDialer(routes map[string]string) *Dialer {
	return &Dialer{routes: routes}
}

// DialContext satisfies the direct provider's dial hook
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d.calls.Add(1)
	target, ok := d.routes[addr]
	if !ok {
		return nil, &net.OpError{Op: "dial", Net: network, Err: errors.New("connection refused")}
	}
	var nd net.Dialer
	return nd.DialContext(ctx, network, target)
}

// Calls reports how many dials were attempted
func (d *Dialer) Calls() int64 {
	return d.calls.Load()
}
