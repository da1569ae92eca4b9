package portal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/die-net/punchportal/internal/config"
	"github.com/die-net/punchportal/internal/discovery"
	"github.com/die-net/punchportal/internal/identity"
	"github.com/die-net/punchportal/internal/log"
	"github.com/die-net/punchportal/internal/peer"
)

// syncByte is written by the connecting side once its stream is open. The
// listening side does not hand out the stream before reading it.
const syncByte = 0

// PeerListen is a listen-style portal accepting peer sessions.
//
// Sessions are negotiated concurrently, each bounded by the negotiation
// timeout, and at most MaxPendingSessions at a time. A session from a key the
// accept policy refuses is closed with a rejection and produces no link.
type PeerListen struct {
	ep       *peer.Endpoint
	policy   config.AcceptPolicy
	services []discovery.Service
	timeout  time.Duration
	logger   log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sem    chan struct{}
	ready  chan *peer.Stream

	done      chan struct{}
	err       error
	closeOnce sync.Once
	closeErr  error
}

func newPeerListen(ep *peer.Endpoint, policy config.AcceptPolicy, services []discovery.Service, opts Options) *PeerListen {
	ctx, cancel := context.WithCancel(context.Background())
	p := &PeerListen{
		ep:       ep,
		policy:   policy,
		services: services,
		timeout:  opts.NegotiationTimeout,
		logger:   opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
		sem:      make(chan struct{}, opts.MaxPendingSessions),
		ready:    make(chan *peer.Stream),
		done:     make(chan struct{}),
	}
	p.wg.Go(p.acceptLoop)
	return p
}

// PublicKey is the identity the portal accepts sessions as.
func (p *PeerListen) PublicKey() identity.PublicKey {
	return p.ep.ID()
}

// Endpoint returns the underlying peer endpoint.
func (p *PeerListen) Endpoint() *peer.Endpoint {
	return p.ep
}

// Link returns the next negotiated stream.
func (p *PeerListen) Link(ctx context.Context) (Stream, error) {
	select {
	case str := <-p.ready:
		return str, nil
	case <-p.done:
		return nil, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *PeerListen) acceptLoop() {
	for {
		select {
		case p.sem <- struct{}{}:
		case <-p.ctx.Done():
			p.fail(ErrClosed)
			return
		}

		sess, err := p.ep.Accept(p.ctx)
		if err != nil {
			<-p.sem
			if p.ctx.Err() != nil {
				p.fail(ErrClosed)
			} else {
				p.fail(&TransportError{Op: "accept peer session", Err: err})
			}
			return
		}

		p.wg.Go(func() {
			defer func() { <-p.sem }()
			p.negotiate(sess)
		})
	}
}

func (p *PeerListen) fail(err error) {
	p.err = err
	close(p.done)
}

// negotiate applies the accept policy, waits for the peer's stream and its
// sync byte, then offers the stream to Link.
func (p *PeerListen) negotiate(sess *peer.Session) {
	logger := p.logger.With("peer", sess.RemoteID().Short(), "remote", sess.RemoteAddr())

	if !p.policy.Allows(sess.RemoteID()) {
		logger.Debug("refusing peer not in accept list")
		sess.Reject()
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	str, err := sess.AcceptStream(ctx)
	if err != nil {
		logger.Debug("peer opened no stream", "err", err)
		sess.Close()
		return
	}

	deadline, _ := ctx.Deadline()
	str.SetDeadline(deadline)
	var b [1]byte
	if _, err := io.ReadFull(str, b[:]); err != nil {
		logger.Debug("peer stream handshake failed", "err", err)
		sess.Close()
		return
	}
	str.SetDeadline(time.Time{})

	select {
	case p.ready <- str:
		logger.Debug("peer link ready")
	case <-p.ctx.Done():
		sess.Close()
	}
}

// Close stops accepting, closes pending sessions, and withdraws the
// endpoint from discovery.
func (p *PeerListen) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		p.closeErr = multierr.Combine(
			p.ep.Close(),
			discovery.Close(p.services),
		)
		p.wg.Wait()
	})
	return p.closeErr
}

// PeerConnect is a connect-style portal opening a new peer session for
// every link.
type PeerConnect struct {
	ep       *peer.Endpoint
	target   identity.PublicKey
	resolver *discovery.Resolver
	services []discovery.Service
	timeout  time.Duration
	logger   log.Logger
}

func newPeerConnect(ep *peer.Endpoint, target identity.PublicKey, resolver *discovery.Resolver, services []discovery.Service, opts Options) *PeerConnect {
	return &PeerConnect{
		ep:       ep,
		target:   target,
		resolver: resolver,
		services: services,
		timeout:  opts.NegotiationTimeout,
		logger:   opts.Logger.With("target", target.Short()),
	}
}

// PublicKey is the identity the portal dials as.
func (p *PeerConnect) PublicKey() identity.PublicKey {
	return p.ep.ID()
}

// Target is the remote identity every link is opened to.
func (p *PeerConnect) Target() identity.PublicKey {
	return p.target
}

// Link resolves the target, opens a session and a stream, and writes the
// sync byte.
func (p *PeerConnect) Link(ctx context.Context) (Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	addrs, err := p.resolver.Resolve(ctx, p.target)
	if err != nil {
		return nil, fmt.Errorf("resolve peer %s: %w", p.target.Short(), err)
	}

	sess, err := p.ep.Dial(ctx, p.target, addrs)
	if err != nil {
		if !errors.Is(err, peer.ErrClosed) {
			p.resolver.Forget(p.target)
		}
		return nil, err
	}

	str, err := sess.OpenStream(ctx)
	if err != nil {
		sess.Close()
		return nil, err
	}

	deadline, _ := ctx.Deadline()
	str.SetDeadline(deadline)
	if _, err := str.Write([]byte{syncByte}); err != nil {
		sess.Close()
		if peer.IsRejected(err) {
			return nil, fmt.Errorf("peer %s refused the session: %w", p.target.Short(), err)
		}
		return nil, fmt.Errorf("peer %s handshake: %w", p.target.Short(), err)
	}
	str.SetDeadline(time.Time{})

	p.logger.Debug("peer link open", "remote", sess.RemoteAddr())
	return str, nil
}

func (p *PeerConnect) Close() error {
	return multierr.Combine(
		p.ep.Close(),
		discovery.Close(p.services),
	)
}
