package peer

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/die-net/punchportal/internal/identity"
)

// ALPN is the application protocol negotiated on every session.
const ALPN = "punch-portal/0"

var ErrUnexpectedPeer = errors.New("unexpected peer identity")

func newCertificate(sk identity.SecretKey) (tls.Certificate, error) {
	priv := sk.PrivateKey()
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 63))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("certificate serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: sk.Public().String()},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

// serverTLSConfig requires a client certificate but accepts any well-formed
// Ed25519 one; the accept policy decides afterwards.
func serverTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		NextProtos:            []string{ALPN},
		MinVersion:            tls.VersionTLS13,
		ClientAuth:            tls.RequireAnyClientCert,
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verifyPeer(nil),
	}
}

// clientTLSConfig only completes the handshake with a server whose
// certificate key is target.
func clientTLSConfig(cert tls.Certificate, target identity.PublicKey) *tls.Config {
	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		NextProtos:            []string{ALPN},
		MinVersion:            tls.VersionTLS13,
		ServerName:            target.String(),
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verifyPeer(&target),
	}
}

func verifyPeer(expected *identity.PublicKey) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("peer sent no certificate")
		}
		cert, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("parse peer certificate: %w", err)
		}
		id, err := certificateID(cert)
		if err != nil {
			return err
		}
		if err := cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
			return fmt.Errorf("peer certificate %s: %w", id.Short(), err)
		}
		now := time.Now()
		if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
			return fmt.Errorf("peer certificate %s is not valid at %s", id.Short(), now.Format(time.RFC3339))
		}
		if expected != nil && id != *expected {
			return fmt.Errorf("%w: want %s, got %s", ErrUnexpectedPeer, *expected, id)
		}
		return nil
	}
}

func certificateID(cert *x509.Certificate) (identity.PublicKey, error) {
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return identity.PublicKey{}, fmt.Errorf("peer certificate key is %T, want ed25519", cert.PublicKey)
	}
	return identity.PublicKeyFromBytes(pub)
}

func remoteID(state tls.ConnectionState) (identity.PublicKey, error) {
	if len(state.PeerCertificates) == 0 {
		return identity.PublicKey{}, errors.New("peer sent no certificate")
	}
	return certificateID(state.PeerCertificates[0])
}
