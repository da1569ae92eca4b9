// Package identity holds the Ed25519 identities peers use to authenticate
// each other.
//
// A SecretKey is the 32-byte Ed25519 seed; its PublicKey is what peers allow
// list and dial. Public keys are written in base58, secret keys in lowercase
// hex, so the two are easy to tell apart in a config file.
package identity
