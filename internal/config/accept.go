package config

import (
	"fmt"
	"slices"

	"github.com/die-net/punchportal/internal/identity"
)

// AcceptPolicy decides which remote peers a peer_listen endpoint serves.
// Exactly one of All and a non-empty Only must be set.
type AcceptPolicy struct {
	All  bool                 `toml:"all,omitempty"`
	Only []identity.PublicKey `toml:"only,omitempty"`
}

// AllowAll returns a policy accepting every peer.
func AllowAll() AcceptPolicy {
	return AcceptPolicy{All: true}
}

// AllowOnly returns a policy accepting exactly the given keys.
func AllowOnly(keys ...identity.PublicKey) AcceptPolicy {
	p := AcceptPolicy{Only: slices.Clone(keys)}
	p.normalize()
	return p
}

// Allows reports whether a session from pk should be accepted.
func (p AcceptPolicy) Allows(pk identity.PublicKey) bool {
	if p.All {
		return true
	}
	return slices.Contains(p.Only, pk)
}

func (p AcceptPolicy) validate() error {
	switch {
	case p.All && len(p.Only) > 0:
		return fmt.Errorf("%w: all and only", ErrConflictingValues)
	case !p.All && len(p.Only) == 0:
		return fmt.Errorf("%w: all or only", ErrMissingValue)
	}
	return nil
}

func (p *AcceptPolicy) normalize() {
	if len(p.Only) == 0 {
		p.Only = nil
		return
	}
	slices.SortFunc(p.Only, identity.PublicKey.Compare)
	p.Only = slices.Compact(p.Only)
}
