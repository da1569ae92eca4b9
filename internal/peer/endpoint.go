package peer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/multierr"

	"github.com/die-net/punchportal/internal/identity"
	"github.com/die-net/punchportal/internal/log"
)

// DefaultBind is used when Config.Bind is empty.
const DefaultBind = "0.0.0.0:0"

var (
	ErrClosed       = errors.New("peer endpoint closed")
	ErrNotListening = errors.New("peer endpoint is not listening")
	ErrNoAddrs      = errors.New("no addresses to dial")
)

// Config configures an Endpoint.
type Config struct {
	SecretKey identity.SecretKey

	// Bind is the local UDP address.
	Bind string

	// Listen enables Accept. Dial works either way.
	Listen bool

	// HandshakeTimeout bounds the QUIC and TLS handshake.
	HandshakeTimeout time.Duration

	// MaxIdleTimeout closes sessions that carry no traffic, including
	// keepalives, for this long.
	MaxIdleTimeout time.Duration

	// KeepAlive is the interval between keepalive packets.
	KeepAlive time.Duration

	// Linger is how long a closed Stream keeps its session open so that
	// buffered data can be delivered.
	Linger time.Duration

	Logger log.Logger
}

func (c *Config) setDefaults() {
	if c.Bind == "" {
		c.Bind = DefaultBind
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.MaxIdleTimeout <= 0 {
		c.MaxIdleTimeout = 30 * time.Second
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 10 * time.Second
	}
	if c.Linger < 0 {
		c.Linger = 0
	} else if c.Linger == 0 {
		c.Linger = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.NewNopLogger()
	}
}

// Endpoint is a QUIC transport on a single UDP socket. Listening and dialing
// share the socket, so the port a peer learns about is also the port this
// endpoint dials from.
type Endpoint struct {
	id     identity.PublicKey
	cert   tls.Certificate
	conf   *quic.Config
	linger time.Duration
	logger log.Logger

	udp *net.UDPConn
	tr  *quic.Transport
	ln  *quic.Listener

	closeOnce sync.Once
	closeErr  error
}

// New binds the UDP socket and, if cfg.Listen is set, starts accepting
// sessions.
func New(ctx context.Context, cfg Config) (*Endpoint, error) {
	cfg.setDefaults()

	cert, err := newCertificate(cfg.SecretKey)
	if err != nil {
		return nil, err
	}

	lc := net.ListenConfig{Control: reuseControl}
	pc, err := lc.ListenPacket(ctx, "udp", cfg.Bind)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", cfg.Bind, err)
	}
	udp, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("listen udp %s: unexpected %T", cfg.Bind, pc)
	}

	e := &Endpoint{
		id:   cfg.SecretKey.Public(),
		cert: cert,
		conf: &quic.Config{
			HandshakeIdleTimeout:  cfg.HandshakeTimeout,
			MaxIdleTimeout:        cfg.MaxIdleTimeout,
			KeepAlivePeriod:       cfg.KeepAlive,
			MaxIncomingStreams:    1,
			MaxIncomingUniStreams: -1,
		},
		linger: cfg.Linger,
		logger: cfg.Logger.With("peer", cfg.SecretKey.Public().Short()),
		udp:    udp,
		tr:     &quic.Transport{Conn: udp},
	}

	if cfg.Listen {
		ln, err := e.tr.Listen(serverTLSConfig(cert), e.conf)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("listen quic %s: %w", cfg.Bind, err)
		}
		e.ln = ln
	}

	e.logger.Debug("peer endpoint bound", "addr", e.LocalAddr(), "listen", cfg.Listen)
	return e, nil
}

// ID returns the endpoint's public identity.
func (e *Endpoint) ID() identity.PublicKey {
	return e.id
}

// LocalAddr returns the bound UDP address.
func (e *Endpoint) LocalAddr() netip.AddrPort {
	return e.udp.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Accept waits for the next inbound session. The session has completed its
// TLS handshake, so its RemoteID is authenticated. Accept returns ErrClosed
// once the endpoint is closed.
func (e *Endpoint) Accept(ctx context.Context) (*Session, error) {
	if e.ln == nil {
		return nil, ErrNotListening
	}

	for {
		conn, err := e.ln.Accept(ctx)
		if err != nil {
			if errors.Is(err, quic.ErrServerClosed) || errors.Is(err, quic.ErrTransportClosed) {
				return nil, ErrClosed
			}
			return nil, err
		}

		id, err := remoteID(conn.ConnectionState().TLS)
		if err != nil {
			e.logger.Debug("dropping session without identity", "remote", conn.RemoteAddr(), "err", err)
			conn.CloseWithError(closeCode, "")
			continue
		}
		return newSession(conn, id, e.linger), nil
	}
}

// Dial opens a session to target. All addrs are tried at once; the first
// successful handshake wins and the other attempts are abandoned.
func (e *Endpoint) Dial(ctx context.Context, target identity.PublicKey, addrs []netip.AddrPort) (*Session, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("dial %s: %w", target.Short(), ErrNoAddrs)
	}

	tlsConf := clientTLSConfig(e.cert, target)
	ctx, cancel := context.WithCancel(ctx)

	type attempt struct {
		addr netip.AddrPort
		conn *quic.Conn
		err  error
	}
	results := make(chan attempt, len(addrs))
	for _, addr := range addrs {
		go func() {
			conn, err := e.tr.Dial(ctx, net.UDPAddrFromAddrPort(addr), tlsConf, e.conf)
			results <- attempt{addr: addr, conn: conn, err: err}
		}()
	}

	var errs error
	for remaining := len(addrs); remaining > 0; remaining-- {
		a := <-results
		if a.err != nil {
			if errors.Is(a.err, quic.ErrTransportClosed) {
				cancel()
				return nil, ErrClosed
			}
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", a.addr, a.err))
			continue
		}

		cancel()
		// Late winners are closed once they finish.
		go func(n int) {
			for range n {
				if a := <-results; a.err == nil {
					a.conn.CloseWithError(closeCode, "")
				}
			}
		}(remaining - 1)
		return newSession(a.conn, target, e.linger), nil
	}
	cancel()
	return nil, fmt.Errorf("dial %s: %w", target.Short(), errs)
}

// Close stops accepting, closes every session, and releases the socket.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		if e.ln != nil {
			e.closeErr = multierr.Append(e.closeErr, e.ln.Close())
		}
		e.closeErr = multierr.Append(e.closeErr, e.tr.Close())
		if err := e.udp.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			e.closeErr = multierr.Append(e.closeErr, err)
		}
	})
	return e.closeErr
}
