package main

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/die-net/punchportal/internal/config"
	"github.com/die-net/punchportal/internal/identity"
)

func TestParseTCPKeepAlive(t *testing.T) {
	tests := []struct {
		in      string
		want    net.KeepAliveConfig
		wantErr bool
	}{
		{in: "on", want: net.KeepAliveConfig{Enable: true}},
		{in: " OFF ", want: net.KeepAliveConfig{}},
		{in: "45:15:3", want: net.KeepAliveConfig{Enable: true, Idle: 45 * time.Second, Interval: 15 * time.Second, Count: 3}},
		{in: "", wantErr: true},
		{in: "45:15", wantErr: true},
		{in: "0:15:3", wantErr: true},
		{in: "45:x:3", wantErr: true},
		{in: "45:15:-1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseTCPKeepAlive(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestGenerateCommand(t *testing.T) {
	dir := t.TempDir()
	serverPath := filepath.Join(dir, "server.toml")
	clientPath := filepath.Join(dir, "client.toml")

	cmd := newRootCommand()
	cmd.SetArgs([]string{"generate", serverPath, clientPath, "--log-level", "error"})
	require.NoError(t, cmd.Execute())

	server, err := config.Load(serverPath)
	require.NoError(t, err)
	client, err := config.Load(clientPath)
	require.NoError(t, err)

	require.Len(t, server.Forward, 1)
	require.Len(t, client.Forward, 1)
	pc := client.Forward[0].Destination.PeerConnect
	require.NotNil(t, pc)
	require.Equal(t, []string{config.GenerateClientTarget}, pc.Target.Addrs)
	require.Equal(t, []string{pc.SecretKey.Public().String()}, publicStrings(server.Forward[0].Source.PeerListen.Accept.Only))
}

func publicStrings(keys []identity.PublicKey) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.String())
	}
	return out
}

func TestStartCommandErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "missing config", args: []string{"start", filepath.Join(t.TempDir(), "nope.toml")}},
		{name: "bad keepalive", args: []string{"start", "x.toml", "--tcp-keepalive", "sometimes"}},
		{name: "bad log level", args: []string{"start", "x.toml", "--log-level", "loud"}},
		{name: "no args", args: []string{"start"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newRootCommand()
			cmd.SetArgs(tt.args)
			require.Error(t, cmd.Execute())
		})
	}
}
