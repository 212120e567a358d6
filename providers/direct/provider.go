package direct

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"mailcore/utils"
)

// DialFunc opens a raw connection; tests swap it to route to stub servers
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Provider talks to a mailbox with plain IMAP and SMTP credentials
type Provider struct {
	Dial DialFunc

	// TLSConfig is cloned per connection with ServerName set to the host.
	// nil means system roots.
	TLSConfig *tls.Config
}

// NewProvider returns a Provider dialing with a bounded net.Dialer
func NewProvider() *Provider {
	d := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	return &Provider{Dial: d.DialContext}
}

// ValidatePorts rejects any port outside [1, 65535] before a network call
func ValidatePorts(imapPort, smtpPort int) error {
	if err := validatePort("imap port", imapPort); err != nil {
		return err
	}
	return validatePort("smtp port", smtpPort)
}

func validatePort(name string, port int) error {
	if port < 1 || port > 65535 {
		return utils.ValidationError(fmt.Sprintf("%s must be between 1 and 65535", name), nil).
			WithContext("port", port)
	}
	return nil
}

func (p *Provider) tlsConfig(host string) *tls.Config {
	var cfg *tls.Config
	if p.TLSConfig != nil {
		cfg = p.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	return cfg
}

// isLoopback reports whether credentials may cross a plain connection
// to host
func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// dial connects to host:port and, when secure, completes the TLS
// handshake within ctx
func (p *Provider) dial(ctx context.Context, host string, port int, secure bool) (net.Conn, error) {
	dial := p.Dial
	if dial == nil {
		dial = NewProvider().Dial
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	if !secure {
		return conn, nil
	}

	tlsConn := tls.Client(conn, p.tlsConfig(host))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", addr, err)
	}
	return tlsConn, nil
}

// watch bounds every read and write on conn by ctx. The returned func
// must be called once the session is finished.
func watch(ctx context.Context, conn net.Conn) (stop func()) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// cause prefers the context error when the connection was torn down by it
func cause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w (%v)", ctxErr, err)
	}
	return err
}
