package dialer

import (
	"context"
	"fmt"
	"net"
)

// Direct dials the destination itself.
type Direct struct {
	d net.Dialer
}

// NewDirect returns a direct dialer applying cfg's timeout and keepalive.
func NewDirect(cfg Config) *Direct {
	return &Direct{d: net.Dialer{Timeout: cfg.DialTimeout, KeepAliveConfig: cfg.KeepAlive}}
}

func (d *Direct) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	conn, err := d.d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}
	return conn, nil
}
