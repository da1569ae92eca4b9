package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/mr-tron/base58"
)

const (
	SecretKeySize = ed25519.SeedSize
	PublicKeySize = ed25519.PublicKeySize
)

var (
	ErrInvalidKeySize = errors.New("invalid key size")
	ErrInvalidKeyText = errors.New("invalid key encoding")
)

// SecretKey is an Ed25519 seed.
type SecretKey [SecretKeySize]byte

// PublicKey is an Ed25519 public key.
type PublicKey [PublicKeySize]byte

// Generate returns a fresh random SecretKey.
func Generate() (SecretKey, error) {
	return GenerateFrom(rand.Reader)
}

// GenerateFrom returns a SecretKey read from r.
func GenerateFrom(r io.Reader) (SecretKey, error) {
	var sk SecretKey
	if _, err := io.ReadFull(r, sk[:]); err != nil {
		return SecretKey{}, fmt.Errorf("generate secret key: %w", err)
	}
	return sk, nil
}

// PrivateKey expands the seed into a crypto/ed25519 private key.
func (sk SecretKey) PrivateKey() ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(sk[:])
}

// Public derives the PublicKey for sk.
func (sk SecretKey) Public() PublicKey {
	var pk PublicKey
	copy(pk[:], sk.PrivateKey().Public().(ed25519.PublicKey))
	return pk
}

// String returns the hex encoding of the seed.
func (sk SecretKey) String() string {
	return hex.EncodeToString(sk[:])
}

// MarshalText implements encoding.TextMarshaler.
func (sk SecretKey) MarshalText() ([]byte, error) {
	return []byte(sk.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (sk *SecretKey) UnmarshalText(text []byte) error {
	parsed, err := ParseSecretKey(string(text))
	if err != nil {
		return err
	}
	*sk = parsed
	return nil
}

// ParseSecretKey parses the hex form produced by SecretKey.String.
func ParseSecretKey(s string) (SecretKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return SecretKey{}, fmt.Errorf("%w: secret key: %v", ErrInvalidKeyText, err)
	}
	if len(b) != SecretKeySize {
		return SecretKey{}, fmt.Errorf("%w: secret key is %d bytes, want %d", ErrInvalidKeySize, len(b), SecretKeySize)
	}

	var sk SecretKey
	copy(sk[:], b)
	return sk, nil
}

// PublicKeyFromBytes copies an Ed25519 public key.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	if len(b) != PublicKeySize {
		return PublicKey{}, fmt.Errorf("%w: public key is %d bytes, want %d", ErrInvalidKeySize, len(b), PublicKeySize)
	}

	var pk PublicKey
	copy(pk[:], b)
	return pk, nil
}

// Ed25519 returns pk as a crypto/ed25519 public key.
func (pk PublicKey) Ed25519() ed25519.PublicKey {
	return ed25519.PublicKey(pk[:])
}

// String returns the base58 encoding of pk.
func (pk PublicKey) String() string {
	return base58.Encode(pk[:])
}

// Short returns a prefix of String suitable for logs.
func (pk PublicKey) Short() string {
	s := pk.String()
	if len(s) > 10 {
		return s[:10]
	}
	return s
}

// Compare orders public keys bytewise.
func (pk PublicKey) Compare(other PublicKey) int {
	return bytes.Compare(pk[:], other[:])
}

// MarshalText implements encoding.TextMarshaler.
func (pk PublicKey) MarshalText() ([]byte, error) {
	return []byte(pk.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (pk *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*pk = parsed
	return nil
}

// ParsePublicKey parses the base58 form produced by PublicKey.String.
func ParsePublicKey(s string) (PublicKey, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: public key: %v", ErrInvalidKeyText, err)
	}
	return PublicKeyFromBytes(b)
}
