package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/die-net/punchportal/internal/identity"
	"github.com/die-net/punchportal/internal/log"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		names   []string
		want    []string
		wantErr error
	}{
		{name: "empty", names: nil, want: []string{}},
		{name: "mdns", names: []string{"mdns"}, want: []string{"mdns"}},
		{name: "dns", names: []string{"dns:example.com."}, want: []string{"dns:example.com"}},
		{name: "both", names: []string{"dns:example.com", "mdns"}, want: []string{"dns:example.com", "mdns"}},
		{name: "unknown", names: []string{"dht"}, wantErr: ErrUnknownService},
		{name: "dns without domain", names: []string{"dns:"}, wantErr: ErrUnknownService},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			services, err := New(tt.names, Options{})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)

			got := make([]string, 0, len(services))
			for _, s := range services {
				got = append(got, s.Name())
			}
			require.Equal(t, tt.want, got)
		})
	}
}

type fakeService struct {
	addrs []netip.AddrPort
	err   error
	calls atomic.Int32
}

func (f *fakeService) Name() string { return "fake" }

func (f *fakeService) Publish(context.Context, identity.PublicKey, uint16) error { return nil }

func (f *fakeService) Resolve(context.Context, identity.PublicKey) ([]netip.AddrPort, error) {
	f.calls.Add(1)
	return f.addrs, f.err
}

func (f *fakeService) Close() error { return nil }

func TestResolver(t *testing.T) {
	ctx := context.Background()
	id := identity.SecretKey{1}.Public()
	a := netip.MustParseAddrPort("192.0.2.1:7777")
	b := netip.MustParseAddrPort("192.0.2.2:7777")

	svc := &fakeService{addrs: []netip.AddrPort{a, b}}
	r := NewResolver([]string{"192.0.2.1:7777"}, []Service{svc}, log.TestingLogger(t))

	got, err := r.Resolve(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []netip.AddrPort{a, b}, got)
	require.EqualValues(t, 1, svc.calls.Load())

	_, err = r.Resolve(ctx, id)
	require.NoError(t, err)
	require.EqualValues(t, 1, svc.calls.Load(), "second resolve should be cached")

	r.Forget(id)
	_, err = r.Resolve(ctx, id)
	require.NoError(t, err)
	require.EqualValues(t, 2, svc.calls.Load())
}

func TestResolverNotFound(t *testing.T) {
	r := NewResolver(nil, []Service{&fakeService{}}, nil)

	_, err := r.Resolve(context.Background(), identity.SecretKey{1}.Public())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolverServiceErrors(t *testing.T) {
	ctx := context.Background()
	id := identity.SecretKey{1}.Public()
	boom := errors.New("boom")
	a := netip.MustParseAddrPort("192.0.2.1:7777")

	r := NewResolver(nil, []Service{&fakeService{err: boom}}, nil)
	_, err := r.Resolve(ctx, id)
	require.ErrorIs(t, err, boom)

	r = NewResolver(nil, []Service{&fakeService{err: boom}, &fakeService{addrs: []netip.AddrPort{a}}}, nil)
	got, err := r.Resolve(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []netip.AddrPort{a}, got)

	r = NewResolver([]string{"192.0.2.9:1"}, []Service{&fakeService{err: boom}}, nil)
	got, err = r.Resolve(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []netip.AddrPort{netip.MustParseAddrPort("192.0.2.9:1")}, got)
}

func TestResolverStaticHostname(t *testing.T) {
	r := NewResolver([]string{"peer.example:7777"}, nil, nil)
	r.lookupIP = func(_ context.Context, network, host string) ([]netip.Addr, error) {
		require.Equal(t, "ip", network)
		require.Equal(t, "peer.example", host)
		return []netip.Addr{netip.MustParseAddr("::ffff:192.0.2.5")}, nil
	}

	got, err := r.Resolve(context.Background(), identity.SecretKey{1}.Public())
	require.NoError(t, err)
	require.Equal(t, []netip.AddrPort{netip.MustParseAddrPort("192.0.2.5:7777")}, got)
}

func startDNSServer(t *testing.T, handler dns.HandlerFunc) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go srv.ActivateAndServe()
	<-started
	t.Cleanup(func() { srv.Shutdown() })

	return pc.LocalAddr().String()
}

func TestDNSResolve(t *testing.T) {
	id := identity.SecretKey{7}.Public()
	svc := NewDNS("peers.example.", "", time.Second, log.TestingLogger(t))
	want := svc.RecordName(id)
	require.Equal(t, "_punch-portal."+id.String()+".peers.example.", want)

	svc.server = startDNSServer(t, func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		if r.Question[0].Name == want {
			rr, err := dns.NewRR(fmt.Sprintf(`%s 60 IN TXT "addr=192.0.2.1:7777" "junk" "addr=bad" "addr=[2001:db8::1]:7777"`, want))
			if err == nil {
				m.Answer = append(m.Answer, rr)
			}
		} else {
			m.Rcode = dns.RcodeNameError
		}
		w.WriteMsg(m)
	})

	ctx := context.Background()
	got, err := svc.Resolve(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []netip.AddrPort{
		netip.MustParseAddrPort("192.0.2.1:7777"),
		netip.MustParseAddrPort("[2001:db8::1]:7777"),
	}, got)

	got, err = svc.Resolve(ctx, identity.SecretKey{8}.Public())
	require.NoError(t, err)
	require.Empty(t, got)

	require.NoError(t, svc.Publish(ctx, id, 7777))
}

func TestEntryAddrs(t *testing.T) {
	id := identity.SecretKey{3}.Public()
	other := identity.SecretKey{4}.Public()

	entry := &mdns.ServiceEntry{
		AddrV4:     net.ParseIP("192.168.1.20"),
		AddrV6:     net.ParseIP("fe80::1"),
		Port:       7777,
		InfoFields: []string{txtIDPrefix + id.String()},
	}

	require.Equal(t, []netip.AddrPort{
		netip.MustParseAddrPort("192.168.1.20:7777"),
		netip.MustParseAddrPort("[fe80::1]:7777"),
	}, entryAddrs(entry, id))
	require.Empty(t, entryAddrs(entry, other))
	require.Empty(t, entryAddrs(nil, id))
}
