// Package discovery finds the UDP addresses of peer endpoints.
//
// Services are named in configuration files:
//
//	mdns          publish and query on the local network with multicast DNS
//	dns:<domain>  query TXT records at _punch-portal.<id>.<domain>
//
// A Resolver merges static addresses with whatever the services return and
// caches the answer for a short time.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/die-net/punchportal/internal/identity"
	"github.com/die-net/punchportal/internal/log"
)

// ServiceName is the DNS-SD service type and DNS label prefix.
const ServiceName = "_punch-portal._udp"

var (
	ErrUnknownService = errors.New("unknown discovery service")
	ErrNotFound       = errors.New("peer not found")
)

// Service publishes and looks up peer endpoints.
type Service interface {
	// Name is the configuration name of the service.
	Name() string

	// Publish announces that id is reachable on port until Close. Services
	// that cannot publish return nil.
	Publish(ctx context.Context, id identity.PublicKey, port uint16) error

	// Resolve returns the addresses currently known for id. An unknown id
	// yields no addresses and no error.
	Resolve(ctx context.Context, id identity.PublicKey) ([]netip.AddrPort, error)

	Close() error
}

// Options configures services built by New.
type Options struct {
	// MDNSTimeout bounds one multicast query.
	MDNSTimeout time.Duration

	// DNSServer is the host:port of the resolver used by dns: services.
	// Empty means the first nameserver in /etc/resolv.conf.
	DNSServer string

	// DNSTimeout bounds one DNS exchange.
	DNSTimeout time.Duration

	Logger log.Logger
}

func (o *Options) setDefaults() {
	if o.MDNSTimeout <= 0 {
		o.MDNSTimeout = 2 * time.Second
	}
	if o.DNSTimeout <= 0 {
		o.DNSTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = log.NewNopLogger()
	}
}

// New builds one Service per name.
func New(names []string, opts Options) ([]Service, error) {
	opts.setDefaults()

	services := make([]Service, 0, len(names))
	for _, name := range names {
		svc, err := newService(name, opts)
		if err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	return services, nil
}

func newService(name string, opts Options) (Service, error) {
	if name == "mdns" {
		return NewMDNS(opts.MDNSTimeout, opts.Logger), nil
	}
	if domain, ok := strings.CutPrefix(name, "dns:"); ok {
		if domain == "" || strings.ContainsAny(domain, " \t/") {
			return nil, fmt.Errorf("%w: %q has an invalid domain", ErrUnknownService, name)
		}
		return NewDNS(domain, opts.DNSServer, opts.DNSTimeout, opts.Logger), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownService, name)
}
