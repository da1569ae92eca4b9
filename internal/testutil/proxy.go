package testutil

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/die-net/punchportal/internal/socks5"
)

func pipe(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Go(func() {
		_, _ = io.Copy(a, b)
		a.Close()
	})
	wg.Go(func() {
		_, _ = io.Copy(b, a)
		b.Close()
	})
	wg.Wait()
}

func dial(address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(context.Background(), "tcp", address)
}

// StartSOCKS5Server runs a SOCKS5 proxy requiring auth (none if empty).
func StartSOCKS5Server(t testing.TB, auth socks5.Auth) net.Listener {
	t.Helper()
	return Serve(t, func(c net.Conn) {
		target, err := socks5.Accept(c, auth)
		if err != nil {
			return
		}
		up, err := dial(target)
		if err != nil {
			_ = socks5.Reply(c, nil, err)
			return
		}
		if err := socks5.Reply(c, up.LocalAddr(), nil); err != nil {
			up.Close()
			return
		}
		pipe(c, up)
	})
}

// StartHTTPProxy runs an HTTP CONNECT proxy. A non-empty auth is required as
// the literal Proxy-Authorization header value.
func StartHTTPProxy(t testing.TB, auth string) net.Listener {
	t.Helper()
	return Serve(t, func(c net.Conn) {
		br := bufio.NewReader(c)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		if req.Method != http.MethodConnect {
			fmt.Fprint(c, "HTTP/1.1 405 Method Not Allowed\r\n\r\n")
			return
		}
		if auth != "" && req.Header.Get("Proxy-Authorization") != auth {
			fmt.Fprint(c, "HTTP/1.1 407 Proxy Authentication Required\r\n\r\n")
			return
		}
		up, err := dial(req.Host)
		if err != nil {
			fmt.Fprint(c, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
			return
		}
		fmt.Fprint(c, "HTTP/1.1 200 Connection established\r\n\r\n")
		pipe(c, up)
	})
}

// SSHServer describes a server started by StartSSHServer.
type SSHServer struct {
	net.Listener
	HostKey ssh.PublicKey
}

type directTCPIP struct {
	Host       string
	Port       uint32
	OriginHost string
	OriginPort uint32
}

// StartSSHServer runs an SSH server accepting user/password and forwarding
// direct-tcpip channels.
func StartSSHServer(t testing.TB, user, password string) *SSHServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}

	conf := &ssh.ServerConfig{
		PasswordCallback: func(md ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if md.User() != user || string(pass) != password {
				return nil, errors.New("invalid credentials")
			}
			return &ssh.Permissions{}, nil
		},
	}
	conf.AddHostKey(signer)

	ln := Serve(t, func(c net.Conn) {
		sc, chans, reqs, err := ssh.NewServerConn(c, conf)
		if err != nil {
			return
		}
		defer sc.Close()
		go ssh.DiscardRequests(reqs)

		var wg sync.WaitGroup
		defer wg.Wait()
		for nc := range chans {
			if nc.ChannelType() != "direct-tcpip" {
				_ = nc.Reject(ssh.UnknownChannelType, "unsupported channel type")
				continue
			}
			var p directTCPIP
			if err := ssh.Unmarshal(nc.ExtraData(), &p); err != nil {
				_ = nc.Reject(ssh.Prohibited, "bad payload")
				continue
			}
			up, err := dial(net.JoinHostPort(p.Host, fmt.Sprint(p.Port)))
			if err != nil {
				_ = nc.Reject(ssh.ConnectionFailed, err.Error())
				continue
			}
			ch, creqs, err := nc.Accept()
			if err != nil {
				up.Close()
				continue
			}
			go ssh.DiscardRequests(creqs)
			wg.Go(func() {
				defer ch.Close()
				defer up.Close()
				var inner sync.WaitGroup
				inner.Go(func() {
					_, _ = io.Copy(up, ch)
					if tc, ok := up.(*net.TCPConn); ok {
						tc.CloseWrite()
					}
				})
				inner.Go(func() {
					_, _ = io.Copy(ch, up)
					ch.CloseWrite()
				})
				inner.Wait()
			})
		}
	})

	return &SSHServer{Listener: ln, HostKey: signer.PublicKey()}
}
