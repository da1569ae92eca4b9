// Package peer is the peer-to-peer transport used by peer_listen and
// peer_connect endpoints.
//
// An Endpoint is a QUIC transport on one UDP socket, authenticated as an
// identity.SecretKey. Each side presents a self-signed Ed25519 certificate
// whose key is its identity, so a Session always knows the remote public key.
// Dialers additionally check that the server's key is the one they asked for.
package peer
