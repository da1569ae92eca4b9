package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// KeyAgent selects the keys held by the running ssh-agent.
const KeyAgent = "agent"

// LoadSigners returns the signers named by key: nothing for "", the agent's
// keys for KeyAgent, and otherwise the OpenSSH private key file at that path.
func LoadSigners(key string) ([]ssh.Signer, error) {
	switch key {
	case "":
		return nil, nil
	case KeyAgent:
		return agentSigners()
	}

	data, err := os.ReadFile(key) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key %s: %w", key, err)
	}
	return []ssh.Signer{signer}, nil
}

func agentSigners() ([]ssh.Signer, error) {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil, errors.New("ssh agent: SSH_AUTH_SOCK is not set")
	}

	// The agent connection backs the returned signers and stays open.
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("ssh agent: %w", err)
	}
	signers, err := agent.NewClient(conn).Signers()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh agent: %w", err)
	}
	if len(signers) == 0 {
		conn.Close()
		return nil, errors.New("ssh agent: no keys")
	}
	return signers, nil
}
