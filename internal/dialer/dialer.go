package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/die-net/punchportal/internal/log"
)

// Dialer opens outbound connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config holds settings shared by every dialer.
type Config struct {
	// DialTimeout bounds establishing the TCP connection.
	DialTimeout time.Duration

	// NegotiationTimeout bounds proxy handshakes after the TCP connection is
	// up. Zero means no limit.
	NegotiationTimeout time.Duration

	KeepAlive net.KeepAliveConfig

	// SSHKey is a private key file, "agent", or empty for password-only
	// SSH authentication.
	SSHKey string

	// SSHKnownHosts is the known_hosts file for SSH proxies. Empty disables
	// host key checking.
	SSHKnownHosts string

	Logger log.Logger
}

// New returns a Dialer for proxy, or a direct dialer when proxy is empty.
func New(cfg Config, proxy string) (Dialer, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
	if proxy == "" {
		return NewDirect(cfg), nil
	}

	u, err := url.Parse(proxy)
	if err != nil {
		return nil, fmt.Errorf("proxy url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Path != "" && u.Path != "/" {
		return nil, errors.New("proxy url: path must be empty")
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("proxy url %q: missing host", u.Redacted())
	}
	if u.Port() == "" {
		port := defaultPort(u.Scheme)
		if port == "" {
			return nil, fmt.Errorf("proxy url: unsupported scheme %q", u.Scheme)
		}
		u.Host = net.JoinHostPort(u.Hostname(), port)
	}

	var user, pass string
	if u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
	}

	switch u.Scheme {
	case "socks5":
		return NewSOCKS5(cfg, u.Host, user, pass), nil
	case "http", "https":
		return NewHTTP(cfg, u, user, pass), nil
	case "ssh":
		d, err := NewSSH(cfg, u.Host, user, pass)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("proxy url: unsupported scheme %q", u.Scheme)
	}
}

func defaultPort(scheme string) string {
	switch scheme {
	case "http":
		return "80"
	case "https":
		return "443"
	case "socks5":
		return "1080"
	case "ssh":
		return "22"
	default:
		return ""
	}
}

// negotiate runs fn with the connection deadline set to the negotiation
// timeout and cancelled by ctx, then clears the deadline.
func negotiate(ctx context.Context, cfg Config, conn net.Conn, fn func() error) error {
	if cfg.NegotiationTimeout > 0 {
		conn.SetDeadline(time.Now().Add(cfg.NegotiationTimeout))
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) })

	err := fn()
	if !stop() && err != nil {
		err = fmt.Errorf("%w (%w)", ctx.Err(), err)
	}
	if err != nil {
		return err
	}

	conn.SetDeadline(time.Time{})
	return nil
}
