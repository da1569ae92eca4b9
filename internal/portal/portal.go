// Package portal turns configured endpoints into Portals: uniform sources of
// byte-stream links over TCP or the peer transport.
//
// A listen-style Portal (tcp_listen, peer_listen) returns the next inbound
// link from Link. A connect-style Portal (tcp_connect, peer_connect) dials a
// new outbound link on every call; one failed call does not affect the next.
package portal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/die-net/punchportal/internal/dialer"
	"github.com/die-net/punchportal/internal/discovery"
	"github.com/die-net/punchportal/internal/log"
)

// Stream is one link. Streams that can half-close implement CloseWriter.
type Stream interface {
	io.ReadWriteCloser
}

// CloseWriter is implemented by streams that can signal end of stream
// without closing the read side.
type CloseWriter interface {
	CloseWrite() error
}

// Portal produces links.
type Portal interface {
	// Link returns the next link. Errors from a listen-style portal are
	// fatal; errors from a connect-style portal concern that call only.
	Link(ctx context.Context) (Stream, error)

	// Close releases the portal's sockets. Pending and future Link calls
	// fail.
	Close() error
}

// ErrClosed is returned by Link after Close.
var ErrClosed = errors.New("portal closed")

// ConfigError means an endpoint cannot be resolved as configured.
type ConfigError struct {
	Rule  string
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("forward %s: %s: %v", e.Rule, e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// TransportError means a portal's underlying listener or endpoint stopped
// working.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Options holds process-wide settings applied to every portal.
type Options struct {
	// Dialer configures tcp_connect endpoints and TCP keepalive on
	// tcp_listen connections.
	Dialer dialer.Config

	// NegotiationTimeout bounds the peer handshake: the QUIC and TLS
	// handshake plus the stream synchronization byte.
	NegotiationTimeout time.Duration

	// MaxPendingSessions bounds how many inbound peer sessions a peer_listen
	// portal negotiates at once, including ready links not yet taken by
	// Link.
	MaxPendingSessions int

	// Linger is how long a closed peer stream keeps its session open.
	Linger time.Duration

	Discovery discovery.Options

	Logger log.Logger
}

// Defaults used when Options fields are zero.
const (
	DefaultNegotiationTimeout = 10 * time.Second
	DefaultMaxPendingSessions = 64
)

func (o *Options) setDefaults() {
	if o.NegotiationTimeout <= 0 {
		o.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if o.MaxPendingSessions <= 0 {
		o.MaxPendingSessions = DefaultMaxPendingSessions
	}
	if o.Logger == nil {
		o.Logger = log.NewNopLogger()
	}
	if o.Dialer.Logger == nil {
		o.Dialer.Logger = o.Logger
	}
	if o.Discovery.Logger == nil {
		o.Discovery.Logger = o.Logger
	}
}

// isTemporary reports whether an accept error is worth retrying.
func isTemporary(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE)
}
