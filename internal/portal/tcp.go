package portal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/die-net/punchportal/internal/dialer"
	"github.com/die-net/punchportal/internal/log"
)

// TCPListen is a listen-style portal over a TCP listener.
type TCPListen struct {
	ln        net.Listener
	keepAlive net.KeepAliveConfig
	logger    log.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// ListenTCP binds address.
func ListenTCP(ctx context.Context, address string, keepAlive net.KeepAliveConfig, logger log.Logger) (*TCPListen, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	logger.Info("listening", "addr", ln.Addr())
	return &TCPListen{ln: ln, keepAlive: keepAlive, logger: logger, closed: make(chan struct{})}, nil
}

// Addr is the bound address.
func (p *TCPListen) Addr() net.Addr {
	return p.ln.Addr()
}

// Link accepts the next connection. Temporary accept failures are retried
// with backoff.
func (p *TCPListen) Link(ctx context.Context) (Stream, error) {
	stop := context.AfterFunc(ctx, func() {
		if dl, ok := p.ln.(interface{ SetDeadline(time.Time) error }); ok {
			dl.SetDeadline(time.Unix(1, 0))
		}
	})
	defer func() {
		if stop() {
			return
		}
		if dl, ok := p.ln.(interface{ SetDeadline(time.Time) error }); ok {
			dl.SetDeadline(time.Time{})
		}
	}()

	b := &backoff.Backoff{Min: 5 * time.Millisecond, Max: time.Second}
	for {
		conn, err := p.ln.Accept()
		if err == nil {
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetKeepAliveConfig(p.keepAlive)
			}
			return conn, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		select {
		case <-p.closed:
			return nil, ErrClosed
		default:
		}
		if errors.Is(err, net.ErrClosed) || !isTemporary(err) {
			return nil, &TransportError{Op: fmt.Sprintf("accept %s", p.ln.Addr()), Err: err}
		}

		d := b.Duration()
		p.logger.Debug("accept failed, retrying", "err", err, "delay", d)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.closed:
			return nil, ErrClosed
		}
	}
}

func (p *TCPListen) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.ln.Close()
	})
	return err
}

// TCPConnect is a connect-style portal dialing a fixed address.
type TCPConnect struct {
	address string
	dialer  dialer.Dialer
}

// NewTCPConnect returns a portal dialing address through d.
func NewTCPConnect(address string, d dialer.Dialer) *TCPConnect {
	return &TCPConnect{address: address, dialer: d}
}

func (p *TCPConnect) Link(ctx context.Context) (Stream, error) {
	conn, err := p.dialer.DialContext(ctx, "tcp", p.address)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (p *TCPConnect) Close() error {
	if c, ok := p.dialer.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
