package dialer

import (
	"fmt"

	"github.com/die-net/punchportal/internal/ssh"
)

// NewSSH returns a dialer that tunnels through the SSH server at addr. All
// connections from the dialer share one SSH transport.
func NewSSH(cfg Config, addr, user, pass string) (*ssh.Client, error) {
	signers, err := ssh.LoadSigners(cfg.SSHKey)
	if err != nil {
		return nil, fmt.Errorf("ssh proxy: %w", err)
	}
	hostKeys, err := ssh.NewHostKeyCallback(cfg.SSHKnownHosts, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("ssh proxy: %w", err)
	}

	return ssh.NewClient(addr, ssh.ClientConfig{
		Username:         user,
		Password:         pass,
		Signers:          signers,
		HostKeyCallback:  hostKeys,
		HandshakeTimeout: cfg.NegotiationTimeout,
	}, NewDirect(cfg))
}
