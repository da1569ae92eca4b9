package config

import (
	"fmt"

	"github.com/die-net/punchportal/internal/identity"
)

// Addresses used by GeneratePair.
const (
	GenerateServerBind   = "0.0.0.0:7777"
	GenerateServerTarget = "127.0.0.1:8080"
	GenerateClientListen = "127.0.0.1:9090"
	GenerateClientTarget = "127.0.0.1:7777"
)

// DefaultDiscovery is the discovery set written by GeneratePair.
func DefaultDiscovery() []string {
	return []string{"mdns"}
}

// GeneratePair creates a matching server and client configuration with fresh
// identities. The server accepts only the client's key and forwards to a
// local TCP service; the client exposes that service on a local TCP port.
// The client finds the server over mDNS or at GenerateClientTarget, so a
// server on another network needs its address added to the client's addrs.
func GeneratePair() (server, client *Config, err error) {
	serverKey, err := identity.Generate()
	if err != nil {
		return nil, nil, fmt.Errorf("generate server identity: %w", err)
	}
	clientKey, err := identity.Generate()
	if err != nil {
		return nil, nil, fmt.Errorf("generate client identity: %w", err)
	}
	return serverFromKeys(serverKey, clientKey), clientFromKeys(serverKey, clientKey), nil
}

func serverFromKeys(serverKey, clientKey identity.SecretKey) *Config {
	serverPub := serverKey.Public()
	return &Config{Forward: []Forward{{
		Source: Endpoint{PeerListen: &PeerListen{
			SecretKey: &serverKey,
			PublicKey: &serverPub,
			Bind:      GenerateServerBind,
			Discovery: DefaultDiscovery(),
			Accept:    AllowOnly(clientKey.Public()),
		}},
		Destination: Endpoint{TCPConnect: &TCPConnect{Address: GenerateServerTarget}},
	}}}
}

func clientFromKeys(serverKey, clientKey identity.SecretKey) *Config {
	clientPub := clientKey.Public()
	return &Config{Forward: []Forward{{
		Source: Endpoint{TCPListen: &TCPListen{Address: GenerateClientListen}},
		Destination: Endpoint{PeerConnect: &PeerConnect{
			SecretKey: &clientKey,
			PublicKey: &clientPub,
			Target: Target{
				ID:        serverKey.Public(),
				Addrs:     []string{GenerateClientTarget},
				Discovery: DefaultDiscovery(),
			},
		}},
	}}}
}

// GenerateFiles writes a fresh pair to serverPath and clientPath.
func GenerateFiles(serverPath, clientPath string) error {
	server, client, err := GeneratePair()
	if err != nil {
		return err
	}
	if err := server.Save(serverPath); err != nil {
		return err
	}
	return client.Save(clientPath)
}
