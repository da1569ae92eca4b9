package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/die-net/punchportal/internal/log"
)

func newHostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return key
}

func TestHostKeyTrustOnFirstUse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ssh", "known_hosts")
	remote := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2222}
	key := newHostKey(t)
	other := newHostKey(t)

	cb, err := NewHostKeyCallback(path, log.TestingLogger(t))
	require.NoError(t, err)

	require.NoError(t, cb("127.0.0.1:2222", remote, key))
	require.NoError(t, cb("127.0.0.1:2222", remote, key))
	require.ErrorIs(t, cb("127.0.0.1:2222", remote, other), ErrHostKeyChanged)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(string(data), "\n"))
	require.Contains(t, string(data), "[127.0.0.1]:2222")

	// A fresh callback reads what the first one learned.
	cb, err = NewHostKeyCallback(path, log.TestingLogger(t))
	require.NoError(t, err)
	require.NoError(t, cb("127.0.0.1:2222", remote, key))
	require.ErrorIs(t, cb("127.0.0.1:2222", remote, other), ErrHostKeyChanged)

	// Other hosts are still learned.
	require.NoError(t, cb("127.0.0.1:2223", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2223}, other))
}

func TestHostKeyCheckingDisabled(t *testing.T) {
	cb, err := NewHostKeyCallback("", nil)
	require.NoError(t, err)
	require.NoError(t, cb("example.com:22", &net.TCPAddr{}, newHostKey(t)))
}
