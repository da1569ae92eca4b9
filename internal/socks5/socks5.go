package socks5

import (
	"errors"
	"fmt"
	"net"
	"slices"

	txsocks5 "github.com/txthinking/socks5"
)

var (
	ErrAuthRejected     = errors.New("socks5: authentication rejected")
	ErrNoAcceptableAuth = errors.New("socks5: no acceptable authentication method")
)

// Auth is optional username/password authentication.
type Auth struct {
	Username string
	Password string
}

func (a Auth) methods() []byte {
	if a.Username == "" {
		return []byte{txsocks5.MethodNone}
	}
	return []byte{txsocks5.MethodNone, txsocks5.MethodUsernamePassword}
}

// ReplyError is a non-success reply from a SOCKS5 server.
type ReplyError struct {
	Code byte
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("socks5: connect failed with reply code %d", e.Code)
}

// Connect negotiates authentication on conn and asks the server to connect
// to address. On success conn carries the proxied stream.
func Connect(conn net.Conn, auth Auth, address string) error {
	if _, err := txsocks5.NewNegotiationRequest(auth.methods()).WriteTo(conn); err != nil {
		return fmt.Errorf("socks5 negotiate: %w", err)
	}
	neg, err := txsocks5.NewNegotiationReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("socks5 negotiate: %w", err)
	}

	switch neg.Method {
	case txsocks5.MethodNone:
	case txsocks5.MethodUsernamePassword:
		if auth.Username == "" {
			return ErrNoAcceptableAuth
		}
		req := txsocks5.NewUserPassNegotiationRequest([]byte(auth.Username), []byte(auth.Password))
		if _, err := req.WriteTo(conn); err != nil {
			return fmt.Errorf("socks5 auth: %w", err)
		}
		rep, err := txsocks5.NewUserPassNegotiationReplyFrom(conn)
		if err != nil {
			return fmt.Errorf("socks5 auth: %w", err)
		}
		if rep.Status != txsocks5.UserPassStatusSuccess {
			return ErrAuthRejected
		}
	default:
		return ErrNoAcceptableAuth
	}

	atyp, host, port, err := txsocks5.ParseAddress(address)
	if err != nil {
		return fmt.Errorf("socks5 address %q: %w", address, err)
	}
	if atyp == txsocks5.ATYPDomain {
		// ParseAddress prefixes domains with their length; NewRequest adds it again.
		host = host[1:]
	}
	if _, err := txsocks5.NewRequest(txsocks5.CmdConnect, atyp, host, port).WriteTo(conn); err != nil {
		return fmt.Errorf("socks5 connect: %w", err)
	}

	rep, err := txsocks5.NewReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("socks5 connect: %w", err)
	}
	if rep.Rep != txsocks5.RepSuccess {
		return &ReplyError{Code: rep.Rep}
	}
	return nil
}

// Accept performs the server side of negotiation and returns the requested
// CONNECT target. The caller answers with Reply.
func Accept(conn net.Conn, auth Auth) (string, error) {
	neg, err := txsocks5.NewNegotiationRequestFrom(conn)
	if err != nil {
		return "", fmt.Errorf("socks5 negotiate: %w", err)
	}

	want := byte(txsocks5.MethodNone)
	if auth.Username != "" {
		want = txsocks5.MethodUsernamePassword
	}
	if !slices.Contains(neg.Methods, want) {
		_, _ = txsocks5.NewNegotiationReply(txsocks5.MethodUnsupportAll).WriteTo(conn)
		return "", ErrNoAcceptableAuth
	}
	if _, err := txsocks5.NewNegotiationReply(want).WriteTo(conn); err != nil {
		return "", fmt.Errorf("socks5 negotiate: %w", err)
	}

	if auth.Username != "" {
		req, err := txsocks5.NewUserPassNegotiationRequestFrom(conn)
		if err != nil {
			return "", fmt.Errorf("socks5 auth: %w", err)
		}
		if string(req.Uname) != auth.Username || string(req.Passwd) != auth.Password {
			_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(conn)
			return "", ErrAuthRejected
		}
		if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(conn); err != nil {
			return "", fmt.Errorf("socks5 auth: %w", err)
		}
	}

	req, err := txsocks5.NewRequestFrom(conn)
	if err != nil {
		return "", fmt.Errorf("socks5 request: %w", err)
	}
	if req.Cmd != txsocks5.CmdConnect {
		_, _ = zeroReply(txsocks5.RepCommandNotSupported).WriteTo(conn)
		return "", fmt.Errorf("socks5: unsupported command %d", req.Cmd)
	}
	return req.Address(), nil
}

// Reply reports the outcome of a CONNECT accepted with Accept. A nil err
// sends success with bound as the bound address.
func Reply(conn net.Conn, bound net.Addr, err error) error {
	if err != nil {
		_, werr := zeroReply(txsocks5.RepConnectionRefused).WriteTo(conn)
		return werr
	}

	atyp, host, port, perr := txsocks5.ParseAddress(bound.String())
	if perr != nil {
		return fmt.Errorf("socks5 bound address: %w", perr)
	}
	if atyp == txsocks5.ATYPDomain {
		host = host[1:]
	}
	_, werr := txsocks5.NewReply(txsocks5.RepSuccess, atyp, host, port).WriteTo(conn)
	return werr
}

func zeroReply(rep byte) *txsocks5.Reply {
	return txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0, 0, 0, 0}, []byte{0, 0})
}
