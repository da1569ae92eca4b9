// Package forward runs forwarding rules: every link produced by a rule's
// source portal is paired with a new link from its destination portal, and
// bytes are copied between the two until both directions are done.
package forward
