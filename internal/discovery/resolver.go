package discovery

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/punchportal/internal/identity"
	"github.com/die-net/punchportal/internal/log"
)

const (
	DefaultCacheSize = 64
	DefaultCacheTTL  = time.Minute
)

// Resolver turns a peer identity into dialable addresses.
type Resolver struct {
	static   []string
	services []Service
	cache    *expirable.LRU[identity.PublicKey, []netip.AddrPort]
	logger   log.Logger
	lookupIP func(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// NewResolver returns a Resolver that always includes static, which are
// host:port strings, and queries services for anything else.
func NewResolver(static []string, services []Service, logger log.Logger) *Resolver {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Resolver{
		static:   slices.Clone(static),
		services: services,
		cache:    expirable.NewLRU[identity.PublicKey, []netip.AddrPort](DefaultCacheSize, nil, DefaultCacheTTL),
		logger:   logger,
		lookupIP: net.DefaultResolver.LookupNetIP,
	}
}

// Resolve returns static addresses first, followed by discovered ones.
// Discovered addresses are cached until Forget is called or they expire. It
// returns ErrNotFound when nothing is known about id.
func (r *Resolver) Resolve(ctx context.Context, id identity.PublicKey) ([]netip.AddrPort, error) {
	addrs, err := r.resolveStatic(ctx)
	if err != nil {
		return nil, err
	}

	found, ok := r.cache.Get(id)
	if !ok && len(r.services) > 0 {
		found, err = r.query(ctx, id)
		if err != nil && len(addrs) == 0 {
			return nil, err
		}
		if len(found) > 0 {
			r.cache.Add(id, found)
		}
	}

	for _, a := range found {
		if !slices.Contains(addrs, a) {
			addrs = append(addrs, a)
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id.Short())
	}
	return addrs, nil
}

// Forget drops cached addresses for id, typically after dialing them failed.
func (r *Resolver) Forget(id identity.PublicKey) {
	r.cache.Remove(id)
}

func (r *Resolver) resolveStatic(ctx context.Context) ([]netip.AddrPort, error) {
	var addrs []netip.AddrPort
	for _, s := range r.static {
		if ap, err := netip.ParseAddrPort(s); err == nil {
			addrs = append(addrs, ap)
			continue
		}

		host, portStr, err := net.SplitHostPort(s)
		if err != nil {
			return nil, fmt.Errorf("address %q: %w", s, err)
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("address %q: invalid port", s)
		}
		ips, err := r.lookupIP(ctx, "ip", host)
		if err != nil {
			return nil, fmt.Errorf("lookup %s: %w", host, err)
		}
		for _, ip := range ips {
			addrs = append(addrs, netip.AddrPortFrom(ip.Unmap(), uint16(port)))
		}
	}
	return addrs, nil
}

// query asks every service concurrently. Failing services are logged and
// skipped; an error is returned only if all of them fail.
func (r *Resolver) query(ctx context.Context, id identity.PublicKey) ([]netip.AddrPort, error) {
	var (
		mu    sync.Mutex
		found []netip.AddrPort
		errs  error
	)

	var g errgroup.Group
	for _, svc := range r.services {
		g.Go(func() error {
			addrs, err := svc.Resolve(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.logger.Debug("discovery failed", "service", svc.Name(), "peer", id.Short(), "err", err)
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", svc.Name(), err))
				return nil
			}
			for _, a := range addrs {
				if !slices.Contains(found, a) {
					found = append(found, a)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(found) == 0 && errs != nil {
		return nil, errs
	}
	return found, nil
}

// Publish announces id on every service. Errors are collected but do not
// stop the remaining services.
func Publish(ctx context.Context, services []Service, id identity.PublicKey, port uint16) error {
	var errs error
	for _, svc := range services {
		if err := svc.Publish(ctx, id, port); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", svc.Name(), err))
		}
	}
	return errs
}

// Close closes every service.
func Close(services []Service) error {
	var errs error
	for _, svc := range services {
		errs = multierr.Append(errs, svc.Close())
	}
	return errs
}
