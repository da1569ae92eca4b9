package peer

import (
	"context"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/die-net/punchportal/internal/identity"
	"github.com/die-net/punchportal/internal/log"
)

func newTestEndpoint(t *testing.T, listen bool) *Endpoint {
	t.Helper()

	sk, err := identity.Generate()
	require.NoError(t, err)

	e, err := New(context.Background(), Config{
		SecretKey:        sk,
		Bind:             "127.0.0.1:0",
		Listen:           listen,
		HandshakeTimeout: 5 * time.Second,
		Linger:           100 * time.Millisecond,
		Logger:           log.TestingLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestDialAcceptStream(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server := newTestEndpoint(t, true)
	client := newTestEndpoint(t, false)

	type accepted struct {
		sess *Session
		err  error
	}
	acceptc := make(chan accepted, 1)
	go func() {
		sess, err := server.Accept(ctx)
		acceptc <- accepted{sess, err}
	}()

	csess, err := client.Dial(ctx, server.ID(), []netip.AddrPort{server.LocalAddr()})
	require.NoError(t, err)
	require.Equal(t, server.ID(), csess.RemoteID())

	a := <-acceptc
	require.NoError(t, a.err)
	require.Equal(t, client.ID(), a.sess.RemoteID())

	cstr, err := csess.OpenStream(ctx)
	require.NoError(t, err)
	_, err = cstr.Write([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, cstr.CloseWrite())

	sstr, err := a.sess.AcceptStream(ctx)
	require.NoError(t, err)
	got, err := io.ReadAll(sstr)
	require.NoError(t, err)
	require.Equal(t, "ping", string(got))

	_, err = sstr.Write([]byte("pong"))
	require.NoError(t, err)
	require.NoError(t, sstr.Close())

	got, err = io.ReadAll(cstr)
	require.NoError(t, err)
	require.Equal(t, "pong", string(got))
	require.NoError(t, cstr.Close())

	select {
	case <-csess.Done():
	case <-ctx.Done():
		t.Fatal("session did not close after linger")
	}
}

func TestDialWrongIdentity(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server := newTestEndpoint(t, true)
	client := newTestEndpoint(t, false)

	go func() {
		for {
			sess, err := server.Accept(ctx)
			if err != nil {
				return
			}
			sess.Close()
		}
	}()

	other := identity.SecretKey{42}.Public()
	_, err := client.Dial(ctx, other, []netip.AddrPort{server.LocalAddr()})
	require.Error(t, err)
}

func TestReject(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server := newTestEndpoint(t, true)
	client := newTestEndpoint(t, false)

	go func() {
		sess, err := server.Accept(ctx)
		if err != nil {
			return
		}
		sess.Reject()
	}()

	csess, err := client.Dial(ctx, server.ID(), []netip.AddrPort{server.LocalAddr()})
	require.NoError(t, err)

	_, err = csess.AcceptStream(ctx)
	require.Error(t, err)
	require.True(t, IsRejected(err), "%v", err)
}

func TestAcceptAfterClose(t *testing.T) {
	server := newTestEndpoint(t, true)
	require.NoError(t, server.Close())

	_, err := server.Accept(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestAcceptNotListening(t *testing.T) {
	client := newTestEndpoint(t, false)

	_, err := client.Accept(context.Background())
	require.ErrorIs(t, err, ErrNotListening)
}

func TestDialNoAddrs(t *testing.T) {
	client := newTestEndpoint(t, false)

	_, err := client.Dial(context.Background(), identity.SecretKey{1}.Public(), nil)
	require.ErrorIs(t, err, ErrNoAddrs)
}

func TestDialSilentFirstAddr(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server := newTestEndpoint(t, true)
	client := newTestEndpoint(t, false)

	// Swallows every packet without answering.
	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer silent.Close()

	addrs := []netip.AddrPort{
		silent.LocalAddr().(*net.UDPAddr).AddrPort(),
		server.LocalAddr(),
	}

	start := time.Now()
	sess, err := client.Dial(ctx, server.ID(), addrs)
	require.NoError(t, err)
	defer sess.Close()
	require.Equal(t, server.ID(), sess.RemoteID())
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestDialAllAddrsFail(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	client := newTestEndpoint(t, false)

	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer silent.Close()

	_, err = client.Dial(ctx, identity.SecretKey{1}.Public(), []netip.AddrPort{silent.LocalAddr().(*net.UDPAddr).AddrPort()})
	require.Error(t, err)
	require.ErrorContains(t, err, silent.LocalAddr().String())
}
