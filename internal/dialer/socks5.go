package dialer

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/die-net/punchportal/internal/socks5"
)

// SOCKS5 dials through a SOCKS5 proxy.
type SOCKS5 struct {
	cfg    Config
	addr   string
	auth   socks5.Auth
	direct *Direct
}

func NewSOCKS5(cfg Config, proxyAddr, user, pass string) *SOCKS5 {
	return &SOCKS5{
		cfg:    cfg,
		addr:   proxyAddr,
		auth:   socks5.Auth{Username: user, Password: pass},
		direct: NewDirect(cfg),
	}
}

func (s *SOCKS5) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("socks5 dial %s %s: unsupported network", network, address)
	}

	conn, err := s.direct.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy: %w", err)
	}
	err = negotiate(ctx, s.cfg, conn, func() error {
		return socks5.Connect(conn, s.auth, address)
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("socks5 proxy %s to %s: %w", s.addr, address, err)
	}
	return conn, nil
}
