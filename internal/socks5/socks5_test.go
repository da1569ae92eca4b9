package socks5

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestConnectAccept(t *testing.T) {
	bound := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 12345}

	tests := []struct {
		name       string
		client     Auth
		server     Auth
		address    string
		refuse     bool
		clientErr  error
		serverErr  error
		wantTarget string
	}{
		{name: "no auth", address: "127.0.0.1:80", wantTarget: "127.0.0.1:80"},
		{name: "domain", address: "example.com:443", wantTarget: "example.com:443"},
		{
			name:       "user pass",
			client:     Auth{Username: "user", Password: "pass"},
			server:     Auth{Username: "user", Password: "pass"},
			address:    "127.0.0.1:80",
			wantTarget: "127.0.0.1:80",
		},
		{
			name:      "wrong password",
			client:    Auth{Username: "user", Password: "nope"},
			server:    Auth{Username: "user", Password: "pass"},
			address:   "127.0.0.1:80",
			clientErr: ErrAuthRejected,
			serverErr: ErrAuthRejected,
		},
		{
			name:      "server wants auth",
			server:    Auth{Username: "user", Password: "pass"},
			address:   "127.0.0.1:80",
			clientErr: ErrNoAcceptableAuth,
			serverErr: ErrNoAcceptableAuth,
		},
		{name: "refused", address: "127.0.0.1:80", refuse: true, wantTarget: "127.0.0.1:80"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientConn, serverConn := net.Pipe()
			defer clientConn.Close()
			defer serverConn.Close()

			var target string
			var g errgroup.Group
			g.Go(func() error {
				var err error
				target, err = Accept(serverConn, tt.server)
				if err != nil {
					serverConn.Close()
					return err
				}
				var dialErr error
				if tt.refuse {
					dialErr = errors.New("refused")
				}
				return Reply(serverConn, bound, dialErr)
			})

			err := Connect(clientConn, tt.client, tt.address)
			serverErr := g.Wait()

			switch {
			case tt.clientErr != nil:
				require.ErrorIs(t, err, tt.clientErr)
				require.ErrorIs(t, serverErr, tt.serverErr)
			case tt.refuse:
				var re *ReplyError
				require.ErrorAs(t, err, &re)
				require.NoError(t, serverErr)
			default:
				require.NoError(t, err)
				require.NoError(t, serverErr)
			}
			if tt.wantTarget != "" {
				require.Equal(t, tt.wantTarget, target)
			}
		})
	}
}
