package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/die-net/punchportal/internal/log"
)

var ErrHostKeyChanged = errors.New("ssh host key changed")

// NewHostKeyCallback verifies host keys against the known_hosts file at
// path. Unknown hosts are appended on first use; a host whose key differs
// from the recorded one is refused. An empty path disables checking.
func NewHostKeyCallback(path string, logger log.Logger) (ssh.HostKeyCallback, error) {
	if path == "" {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // Checking disabled by configuration.
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("known_hosts: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("known_hosts: %w", err)
	}
	f.Close()

	check, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("known_hosts: %w", err)
	}

	var mu sync.Mutex
	learned := make(map[string]string)

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		mu.Lock()
		defer mu.Unlock()

		host := knownhosts.Normalize(hostname)
		if fp, ok := learned[host]; ok {
			if fp != ssh.FingerprintSHA256(key) {
				return fmt.Errorf("%w for %s", ErrHostKeyChanged, hostname)
			}
			return nil
		}

		err := check(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		switch {
		case err == nil:
			return nil
		case !errors.As(err, &keyErr):
			return err
		case len(keyErr.Want) > 0:
			return fmt.Errorf("%w for %s: %w", ErrHostKeyChanged, hostname, err)
		}

		out, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
		if err != nil {
			return fmt.Errorf("known_hosts: %w", err)
		}
		defer out.Close()
		if _, err := fmt.Fprintln(out, knownhosts.Line([]string{host}, key)); err != nil {
			return fmt.Errorf("known_hosts: %w", err)
		}

		learned[host] = ssh.FingerprintSHA256(key)
		logger.Info("learned ssh host key", "host", host, "fingerprint", ssh.FingerprintSHA256(key), "file", path)
		return nil
	}, nil
}
