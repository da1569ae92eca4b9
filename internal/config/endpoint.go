package config

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strconv"

	"github.com/die-net/punchportal/internal/identity"
)

// Endpoint kinds, as they appear in the configuration file.
const (
	KindTCPListen   = "tcp_listen"
	KindTCPConnect  = "tcp_connect"
	KindPeerListen  = "peer_listen"
	KindPeerConnect = "peer_connect"
)

// Endpoint is a tagged variant: exactly one field must be set.
type Endpoint struct {
	TCPListen   *TCPListen   `toml:"tcp_listen,omitempty"`
	TCPConnect  *TCPConnect  `toml:"tcp_connect,omitempty"`
	PeerListen  *PeerListen  `toml:"peer_listen,omitempty"`
	PeerConnect *PeerConnect `toml:"peer_connect,omitempty"`
}

// TCPListen accepts TCP connections on Address.
type TCPListen struct {
	Address string `toml:"address"`
}

// TCPConnect dials Address for every link, optionally through Proxy
// (a socks5://, http://, https:// or ssh:// URL).
type TCPConnect struct {
	Address string `toml:"address"`
	Proxy   string `toml:"proxy,omitempty"`
}

// PeerListen accepts peer sessions authenticated as SecretKey.
type PeerListen struct {
	SecretKey *identity.SecretKey `toml:"secret_key,omitempty"`
	PublicKey *identity.PublicKey `toml:"public_key,omitempty"`
	Bind      string              `toml:"bind,omitempty"`
	Discovery []string            `toml:"discovery,omitempty"`
	Accept    AcceptPolicy        `toml:"accept"`
}

// PeerConnect opens a peer session to Target for every link. A missing
// SecretKey is generated when the endpoint is resolved.
type PeerConnect struct {
	SecretKey *identity.SecretKey `toml:"secret_key,omitempty"`
	PublicKey *identity.PublicKey `toml:"public_key,omitempty"`
	Bind      string              `toml:"bind,omitempty"`
	Target    Target              `toml:"target"`
}

// Target names a remote peer and how to find it.
type Target struct {
	ID        identity.PublicKey `toml:"id"`
	Addrs     []string           `toml:"addrs,omitempty"`
	Discovery []string           `toml:"discovery,omitempty"`
}

// Kind returns the name of the set variant, or "" if none is set. When more
// than one is set the first in declaration order is returned.
func (e Endpoint) Kind() string {
	switch {
	case e.TCPListen != nil:
		return KindTCPListen
	case e.TCPConnect != nil:
		return KindTCPConnect
	case e.PeerListen != nil:
		return KindPeerListen
	case e.PeerConnect != nil:
		return KindPeerConnect
	default:
		return ""
	}
}

func (e Endpoint) count() int {
	n := 0
	for _, set := range []bool{e.TCPListen != nil, e.TCPConnect != nil, e.PeerListen != nil, e.PeerConnect != nil} {
		if set {
			n++
		}
	}
	return n
}

// Validate checks the endpoint's shape and syntax. Identity consistency is
// checked when the endpoint is resolved, not here.
func (e Endpoint) Validate() error {
	switch e.count() {
	case 0:
		return ErrNoEndpoint
	case 1:
	default:
		return ErrMultipleEndpoints
	}

	switch {
	case e.TCPListen != nil:
		if err := validateAddress(e.TCPListen.Address, true); err != nil {
			return fieldError(KindTCPListen+".address", err)
		}
	case e.TCPConnect != nil:
		if err := validateAddress(e.TCPConnect.Address, false); err != nil {
			return fieldError(KindTCPConnect+".address", err)
		}
		if p := e.TCPConnect.Proxy; p != "" {
			if _, err := url.Parse(p); err != nil {
				return fieldError(KindTCPConnect+".proxy", err)
			}
		}
	case e.PeerListen != nil:
		if e.PeerListen.Bind != "" {
			if err := validateAddress(e.PeerListen.Bind, true); err != nil {
				return fieldError(KindPeerListen+".bind", err)
			}
		}
		if err := validateDiscovery(e.PeerListen.Discovery); err != nil {
			return fieldError(KindPeerListen+".discovery", err)
		}
		if err := e.PeerListen.Accept.validate(); err != nil {
			return fieldError(KindPeerListen+".accept", err)
		}
	case e.PeerConnect != nil:
		pc := e.PeerConnect
		if pc.Bind != "" {
			if err := validateAddress(pc.Bind, true); err != nil {
				return fieldError(KindPeerConnect+".bind", err)
			}
		}
		if pc.Target.ID == (identity.PublicKey{}) {
			return fieldError(KindPeerConnect+".target.id", ErrMissingValue)
		}
		for i, a := range pc.Target.Addrs {
			if err := validateAddress(a, false); err != nil {
				return fieldError(fmt.Sprintf("%s.target.addrs[%d]", KindPeerConnect, i), err)
			}
		}
		if err := validateDiscovery(pc.Target.Discovery); err != nil {
			return fieldError(KindPeerConnect+".target.discovery", err)
		}
		if len(pc.Target.Addrs) == 0 && len(pc.Target.Discovery) == 0 {
			return fieldError(KindPeerConnect+".target", fmt.Errorf("%w: addrs or discovery", ErrMissingValue))
		}
	}
	return nil
}

func (e *Endpoint) normalize() {
	switch {
	case e.PeerListen != nil:
		e.PeerListen.Accept.normalize()
		e.PeerListen.Discovery = nilIfEmpty(e.PeerListen.Discovery)
	case e.PeerConnect != nil:
		e.PeerConnect.Target.Addrs = nilIfEmpty(e.PeerConnect.Target.Addrs)
		e.PeerConnect.Target.Discovery = nilIfEmpty(e.PeerConnect.Target.Discovery)
	}
}

func nilIfEmpty[S ~[]E, E any](s S) S {
	if len(s) == 0 {
		return nil
	}
	return s
}

// validateAddress checks a host:port pair. Listening addresses may leave the
// host empty.
func validateAddress(addr string, listen bool) error {
	if addr == "" {
		return ErrMissingValue
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host == "" && !listen {
		return fmt.Errorf("address %q: missing host", addr)
	}
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return fmt.Errorf("address %q: invalid port", addr)
	}
	if n == 0 && !listen {
		return fmt.Errorf("address %q: port 0 is only valid for listening", addr)
	}
	return nil
}

func validateDiscovery(names []string) error {
	for i, name := range names {
		if name == "" {
			return fmt.Errorf("entry %d is empty", i)
		}
		if slices.Contains(names[:i], name) {
			return fmt.Errorf("%q listed twice", name)
		}
	}
	return nil
}
