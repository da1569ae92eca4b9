package identity

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyMismatch means a public key was supplied that is not derived from
	// the supplied secret key.
	ErrKeyMismatch = errors.New("public key does not match secret key")

	// ErrPublicWithoutSecret means a public key was supplied on its own. A
	// public key alone cannot authenticate anything.
	ErrPublicWithoutSecret = errors.New("public key provided without secret key")

	// ErrMissingSecret means no identity was supplied where one is required.
	ErrMissingSecret = errors.New("secret key is required")
)

// MismatchError reports which public key was expected for the secret key.
type MismatchError struct {
	Expected PublicKey
	Provided PublicKey
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%v: expected %s but %s was provided; omit the public key and it will be derived from the secret key",
		ErrKeyMismatch, e.Expected, e.Provided)
}

func (e *MismatchError) Unwrap() error {
	return ErrKeyMismatch
}

// Resolve turns an optional secret and optional public key into the secret
// key to use.
//
// With both present, public must be derived from secret. A public key without
// a secret is always rejected. With neither, a fresh key is generated when
// generate is set and ErrMissingSecret is returned otherwise.
func Resolve(secret *SecretKey, public *PublicKey, generate bool) (SecretKey, error) {
	switch {
	case secret != nil && public != nil:
		if expected := secret.Public(); expected != *public {
			return SecretKey{}, &MismatchError{Expected: expected, Provided: *public}
		}
		return *secret, nil
	case secret != nil:
		return *secret, nil
	case public != nil:
		return SecretKey{}, ErrPublicWithoutSecret
	case generate:
		return Generate()
	default:
		return SecretKey{}, ErrMissingSecret
	}
}
