package ssh

import (
	"context"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/die-net/punchportal/internal/log"
	"github.com/die-net/punchportal/internal/testutil"
)

func newTestClient(t *testing.T, server *testutil.SSHServer, password string) *Client {
	t.Helper()

	cb, err := NewHostKeyCallback(filepath.Join(t.TempDir(), "known_hosts"), log.TestingLogger(t))
	require.NoError(t, err)

	c, err := NewClient(server.Addr().String(), ClientConfig{
		Username:         "user",
		Password:         password,
		HostKeyCallback:  cb,
		HandshakeTimeout: 5 * time.Second,
	}, &net.Dialer{})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientDial(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	echo := testutil.StartEchoServer(t)
	server := testutil.StartSSHServer(t, "user", "secret")
	c := newTestClient(t, server, "secret")

	for range 2 {
		conn, err := c.DialContext(ctx, "tcp", echo.Addr().String())
		require.NoError(t, err)
		testutil.AssertEcho(t, conn, conn, []byte("through ssh"))

		require.NoError(t, conn.(interface{ CloseWrite() error }).CloseWrite())
		rest, err := io.ReadAll(conn)
		require.NoError(t, err)
		require.Empty(t, rest)
		require.NoError(t, conn.Close())
	}
}

func TestClientDialErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server := testutil.StartSSHServer(t, "user", "secret")

	_, err := newTestClient(t, server, "wrong").DialContext(ctx, "tcp", "127.0.0.1:1")
	require.Error(t, err)

	// The server refuses the channel when it cannot reach the target.
	closed := testutil.Listen(t)
	addr := closed.Addr().String()
	require.NoError(t, closed.Close())
	_, err = newTestClient(t, server, "secret").DialContext(ctx, "tcp", addr)
	var openErr *ssh.OpenChannelError
	require.ErrorAs(t, err, &openErr)

	_, err = newTestClient(t, server, "secret").DialContext(ctx, "udp", addr)
	require.Error(t, err)
}

func TestNewClientValidation(t *testing.T) {
	cb := ssh.InsecureIgnoreHostKey() //nolint:gosec // Test only.

	tests := []struct {
		name string
		addr string
		cfg  ClientConfig
	}{
		{name: "no address", cfg: ClientConfig{Username: "u", Password: "p", HostKeyCallback: cb}},
		{name: "no user", addr: "h:22", cfg: ClientConfig{Password: "p", HostKeyCallback: cb}},
		{name: "no credentials", addr: "h:22", cfg: ClientConfig{Username: "u", HostKeyCallback: cb}},
		{name: "no host key callback", addr: "h:22", cfg: ClientConfig{Username: "u", Password: "p"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.addr, tt.cfg, &net.Dialer{})
			require.Error(t, err)
		})
	}
}

func TestLoadSigners(t *testing.T) {
	signers, err := LoadSigners("")
	require.NoError(t, err)
	require.Empty(t, signers)

	_, err = LoadSigners(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}
