package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/die-net/punchportal/internal/identity"
	"github.com/die-net/punchportal/internal/log"
)

const (
	txtAddrPrefix = "addr="
	resolvConf    = "/etc/resolv.conf"
)

// DNS looks up peer addresses in TXT records published under a domain:
//
//	_punch-portal.<base58 id>.<domain>. TXT "addr=203.0.113.7:7777"
//
// Records are managed outside punchportal, so Publish does nothing.
type DNS struct {
	domain string
	server string
	client *dns.Client
	logger log.Logger
}

// NewDNS returns a DNS service for domain using server, or the system
// resolver when server is empty.
func NewDNS(domain, server string, timeout time.Duration, logger log.Logger) *DNS {
	return &DNS{
		domain: strings.TrimSuffix(domain, "."),
		server: server,
		client: &dns.Client{Net: "udp", Timeout: timeout},
		logger: logger,
	}
}

func (d *DNS) Name() string { return "dns:" + d.domain }

// RecordName returns the TXT record name consulted for id.
func (d *DNS) RecordName(id identity.PublicKey) string {
	return dns.Fqdn("_punch-portal." + id.String() + "." + d.domain)
}

func (d *DNS) Publish(_ context.Context, id identity.PublicKey, _ uint16) error {
	d.logger.Debug("dns discovery does not publish", "name", d.RecordName(id))
	return nil
}

func (d *DNS) Resolve(ctx context.Context, id identity.PublicKey) ([]netip.AddrPort, error) {
	server, err := d.nameserver()
	if err != nil {
		return nil, err
	}

	msg := new(dns.Msg)
	msg.SetQuestion(d.RecordName(id), dns.TypeTXT)
	msg.RecursionDesired = true

	in, _, err := d.client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, fmt.Errorf("dns %s: %w", msg.Question[0].Name, err)
	}
	switch in.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, nil
	default:
		return nil, fmt.Errorf("dns %s: %s", msg.Question[0].Name, dns.RcodeToString[in.Rcode])
	}

	var addrs []netip.AddrPort
	for _, rr := range in.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		for _, s := range txt.Txt {
			v, ok := strings.CutPrefix(s, txtAddrPrefix)
			if !ok {
				continue
			}
			ap, err := netip.ParseAddrPort(v)
			if err != nil {
				d.logger.Debug("ignoring malformed TXT address", "name", txt.Hdr.Name, "value", s)
				continue
			}
			addrs = append(addrs, ap)
		}
	}
	return addrs, nil
}

func (d *DNS) Close() error { return nil }

func (d *DNS) nameserver() (string, error) {
	if d.server != "" {
		return d.server, nil
	}
	conf, err := dns.ClientConfigFromFile(resolvConf)
	if err != nil {
		return "", fmt.Errorf("dns: read %s: %w", resolvConf, err)
	}
	if len(conf.Servers) == 0 {
		return "", errors.New("dns: no nameservers configured")
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}
