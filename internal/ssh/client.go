package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"
)

// ContextDialer opens the TCP connection to the SSH server.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Username string
	Password string
	Signers  []ssh.Signer

	HostKeyCallback ssh.HostKeyCallback

	// HandshakeTimeout bounds the SSH handshake. Zero means no limit.
	HandshakeTimeout time.Duration
}

func (c *ClientConfig) authMethods() []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if len(c.Signers) > 0 {
		methods = append(methods, ssh.PublicKeys(c.Signers...))
	}
	if c.Password != "" {
		methods = append(methods, ssh.Password(c.Password))
	}
	return methods
}

// Client opens TCP connections through an SSH server. It is safe for
// concurrent use.
type Client struct {
	addr   string
	cfg    ClientConfig
	dialer ContextDialer

	mu     sync.Mutex
	client *ssh.Client
	sf     singleflight.Group
}

// NewClient returns a Client for the SSH server at addr. No connection is
// made until the first DialContext.
func NewClient(addr string, cfg ClientConfig, dialer ContextDialer) (*Client, error) {
	switch {
	case addr == "":
		return nil, errors.New("ssh: missing server address")
	case cfg.Username == "":
		return nil, errors.New("ssh: missing username")
	case cfg.Password == "" && len(cfg.Signers) == 0:
		return nil, errors.New("ssh: missing password or key")
	}
	if cfg.HostKeyCallback == nil {
		return nil, errors.New("ssh: missing host key callback")
	}
	return &Client{addr: addr, cfg: cfg, dialer: dialer}, nil
}

// DialContext opens a direct-tcpip channel to address. If the shared
// transport turns out to be dead it is replaced once and the dial retried.
// Cancelling ctx closes the returned connection.
func (c *Client) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("ssh dial %s %s: unsupported network", network, address)
	}

	conn, err := c.dialChannel(ctx, address)
	if err != nil {
		var openErr *ssh.OpenChannelError
		if errors.As(err, &openErr) || ctx.Err() != nil {
			return nil, fmt.Errorf("ssh dial %s: %w", address, err)
		}
		c.reset()
		if conn, err = c.dialChannel(ctx, address); err != nil {
			return nil, fmt.Errorf("ssh dial %s: %w", address, err)
		}
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	return &channelConn{Conn: conn, stop: stop}, nil
}

func (c *Client) dialChannel(ctx context.Context, address string) (net.Conn, error) {
	client, err := c.transport(ctx)
	if err != nil {
		return nil, err
	}
	return client.DialContext(ctx, "tcp", address)
}

// transport returns the shared SSH client, connecting if there is none.
// Concurrent callers share one connection attempt.
func (c *Client) transport(ctx context.Context) (*ssh.Client, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client != nil {
		return client, nil
	}

	ch := c.sf.DoChan("transport", func() (any, error) {
		c.mu.Lock()
		if c.client != nil {
			client := c.client
			c.mu.Unlock()
			return client, nil
		}
		c.mu.Unlock()

		// Not tied to ctx: other callers may be waiting on this attempt.
		client, err := c.connect(context.Background())
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.client = client
		c.mu.Unlock()
		return client, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ssh.Client), nil
	}
}

func (c *Client) connect(ctx context.Context) (*ssh.Client, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("ssh transport: %w", err)
	}

	if c.cfg.HandshakeTimeout > 0 {
		conn.SetDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	}
	cc, chans, reqs, err := ssh.NewClientConn(conn, c.addr, &ssh.ClientConfig{
		User:            c.cfg.Username,
		Auth:            c.cfg.authMethods(),
		HostKeyCallback: c.cfg.HostKeyCallback,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", c.addr, err)
	}
	if c.cfg.HandshakeTimeout > 0 {
		conn.SetDeadline(time.Time{})
	}
	return ssh.NewClient(cc, chans, reqs), nil
}

func (c *Client) reset() {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()
	if client != nil {
		client.Close()
	}
}

// Close closes the shared transport and every channel on it.
func (c *Client) Close() error {
	c.reset()
	return nil
}

type channelConn struct {
	net.Conn
	stop func() bool
}

// Close reports io.EOF from a channel the server already closed as success.
func (c *channelConn) Close() error {
	c.stop()
	if err := c.Conn.Close(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// CloseWrite sends EOF on the channel. Reads continue to work.
func (c *channelConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
