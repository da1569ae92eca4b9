package portal

import (
	"context"
	"errors"

	"github.com/die-net/punchportal/internal/config"
	"github.com/die-net/punchportal/internal/dialer"
	"github.com/die-net/punchportal/internal/discovery"
	"github.com/die-net/punchportal/internal/identity"
	"github.com/die-net/punchportal/internal/peer"
)

// Resolve turns an endpoint descriptor into a live Portal. Listen-style
// endpoints are bound before Resolve returns. rule and side ("source" or
// "destination") only label errors and logs.
//
// Problems with the descriptor itself are returned as *ConfigError.
func Resolve(ctx context.Context, rule, side string, ep config.Endpoint, opts Options) (Portal, error) {
	opts.setDefaults()
	opts.Logger = opts.Logger.With("rule", rule, "side", side)

	if err := ep.Validate(); err != nil {
		return nil, &ConfigError{Rule: rule, Field: side, Err: err}
	}

	cfgErr := func(field string, err error) error {
		return &ConfigError{Rule: rule, Field: side + "." + ep.Kind() + "." + field, Err: err}
	}

	switch {
	case ep.TCPListen != nil:
		p, err := ListenTCP(ctx, ep.TCPListen.Address, opts.Dialer.KeepAlive, opts.Logger)
		if err != nil {
			return nil, cfgErr("address", err)
		}
		return p, nil

	case ep.TCPConnect != nil:
		d, err := dialer.New(opts.Dialer, ep.TCPConnect.Proxy)
		if err != nil {
			return nil, cfgErr("proxy", err)
		}
		return NewTCPConnect(ep.TCPConnect.Address, d), nil

	case ep.PeerListen != nil:
		return resolvePeerListen(ctx, ep.PeerListen, opts, cfgErr)

	case ep.PeerConnect != nil:
		return resolvePeerConnect(ctx, ep.PeerConnect, opts, cfgErr)
	}
	return nil, &ConfigError{Rule: rule, Field: side, Err: config.ErrNoEndpoint}
}

// identityError names the key field an identity.Resolve error is about.
func identityError(err error, cfgErr func(string, error) error) error {
	if errors.Is(err, identity.ErrKeyMismatch) {
		return cfgErr("public_key", err)
	}
	return cfgErr("secret_key", err)
}

func resolvePeerListen(ctx context.Context, pl *config.PeerListen, opts Options, cfgErr func(string, error) error) (Portal, error) {
	sk, err := identity.Resolve(pl.SecretKey, pl.PublicKey, false)
	if err != nil {
		return nil, identityError(err, cfgErr)
	}

	services, err := discovery.New(pl.Discovery, opts.Discovery)
	if err != nil {
		return nil, cfgErr("discovery", err)
	}

	ep, err := peer.New(ctx, peer.Config{
		SecretKey:        sk,
		Bind:             pl.Bind,
		Listen:           true,
		HandshakeTimeout: opts.NegotiationTimeout,
		Linger:           opts.Linger,
		Logger:           opts.Logger,
	})
	if err != nil {
		discovery.Close(services)
		return nil, cfgErr("bind", err)
	}

	logger := opts.Logger.With("id", ep.ID())
	logger.Info("accepting peers", "addr", ep.LocalAddr())
	if err := discovery.Publish(ctx, services, ep.ID(), ep.LocalAddr().Port()); err != nil {
		logger.Error("discovery publish failed", "err", err)
	}

	opts.Logger = logger
	return newPeerListen(ep, pl.Accept, services, opts), nil
}

func resolvePeerConnect(ctx context.Context, pc *config.PeerConnect, opts Options, cfgErr func(string, error) error) (Portal, error) {
	sk, err := identity.Resolve(pc.SecretKey, pc.PublicKey, true)
	if err != nil {
		return nil, identityError(err, cfgErr)
	}

	services, err := discovery.New(pc.Target.Discovery, opts.Discovery)
	if err != nil {
		return nil, cfgErr("target.discovery", err)
	}

	ep, err := peer.New(ctx, peer.Config{
		SecretKey:        sk,
		Bind:             pc.Bind,
		HandshakeTimeout: opts.NegotiationTimeout,
		Linger:           opts.Linger,
		Logger:           opts.Logger,
	})
	if err != nil {
		discovery.Close(services)
		return nil, cfgErr("bind", err)
	}
	opts.Logger.Debug("peer identity", "id", ep.ID())

	resolver := discovery.NewResolver(pc.Target.Addrs, services, opts.Logger)
	return newPeerConnect(ep, pc.Target.ID, resolver, services, opts), nil
}
