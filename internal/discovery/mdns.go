package discovery

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"go.uber.org/multierr"

	"github.com/die-net/punchportal/internal/identity"
	"github.com/die-net/punchportal/internal/log"
)

const txtIDPrefix = "id="

// MDNS publishes and queries peer endpoints with multicast DNS.
type MDNS struct {
	timeout time.Duration
	logger  log.Logger

	mu      sync.Mutex
	servers []*mdns.Server
}

// NewMDNS returns an mDNS service whose queries last timeout.
func NewMDNS(timeout time.Duration, logger log.Logger) *MDNS {
	return &MDNS{timeout: timeout, logger: logger}
}

func (m *MDNS) Name() string { return "mdns" }

// Publish answers queries for id with this host's LAN addresses and port.
func (m *MDNS) Publish(_ context.Context, id identity.PublicKey, port uint16) error {
	ips, err := localIPs()
	if err != nil {
		return fmt.Errorf("mdns: %w", err)
	}

	svc, err := mdns.NewMDNSService(instanceName(id), ServiceName, "", "", int(port), ips, []string{txtIDPrefix + id.String()})
	if err != nil {
		return fmt.Errorf("mdns service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: svc})
	if err != nil {
		return fmt.Errorf("mdns server: %w", err)
	}

	m.mu.Lock()
	m.servers = append(m.servers, server)
	m.mu.Unlock()

	m.logger.Info("published on mdns", "peer", id.Short(), "port", port, "ips", ips)
	return nil
}

// Resolve queries the local network for id, collecting answers until the
// query timeout.
func (m *MDNS) Resolve(ctx context.Context, id identity.PublicKey) ([]netip.AddrPort, error) {
	entries := make(chan *mdns.ServiceEntry, 16)
	params := mdns.DefaultParams(ServiceName)
	params.Entries = entries
	params.Timeout = m.timeout

	queryErr := make(chan error, 1)
	go func() {
		queryErr <- mdns.Query(params)
		close(entries)
	}()

	var found []netip.AddrPort
	for {
		select {
		case <-ctx.Done():
			return found, ctx.Err()
		case e, ok := <-entries:
			if !ok {
				if err := <-queryErr; err != nil && len(found) == 0 {
					return nil, fmt.Errorf("mdns query: %w", err)
				}
				return found, nil
			}
			found = append(found, entryAddrs(e, id)...)
		}
	}
}

// Close stops answering queries.
func (m *MDNS) Close() error {
	m.mu.Lock()
	servers := m.servers
	m.servers = nil
	m.mu.Unlock()

	var errs error
	for _, s := range servers {
		errs = multierr.Append(errs, s.Shutdown())
	}
	return errs
}

func instanceName(id identity.PublicKey) string {
	return "pp-" + id.Short()
}

// entryAddrs returns the addresses in e if it advertises id.
func entryAddrs(e *mdns.ServiceEntry, id identity.PublicKey) []netip.AddrPort {
	if e == nil || e.Port <= 0 || e.Port > 0xffff {
		return nil
	}

	want := txtIDPrefix + id.String()
	matched := false
	for _, f := range e.InfoFields {
		if f == want {
			matched = true
			break
		}
	}
	if !matched {
		return nil
	}

	var addrs []netip.AddrPort
	for _, ip := range []net.IP{e.AddrV4, e.AddrV6} {
		if ip == nil {
			continue
		}
		if a, ok := netip.AddrFromSlice(ip); ok {
			addrs = append(addrs, netip.AddrPortFrom(a.Unmap(), uint16(e.Port)))
		}
	}
	return addrs
}

// localIPs returns the addresses to advertise: every non-loopback unicast
// address, or the loopback addresses if there are no others.
func localIPs() ([]net.IP, error) {
	ifaddrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("interface addresses: %w", err)
	}

	var ips, loopback []net.IP
	for _, a := range ifaddrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLinkLocalUnicast() || ipnet.IP.IsMulticast() {
			continue
		}
		if ipnet.IP.IsLoopback() {
			loopback = append(loopback, ipnet.IP)
			continue
		}
		ips = append(ips, ipnet.IP)
	}
	if len(ips) == 0 {
		ips = loopback
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no usable interface addresses")
	}
	return ips, nil
}
