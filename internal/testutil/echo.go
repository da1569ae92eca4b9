// Package testutil has network fixtures shared by package tests.
package testutil

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
)

// Listen returns a TCP listener on an ephemeral loopback port, closed when
// the test ends.
func Listen(t testing.TB) net.Listener {
	t.Helper()

	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln
}

// StartEchoServer serves every accepted connection by echoing it back until
// the peer closes its write side. It stops when the test ends.
func StartEchoServer(t testing.TB) net.Listener {
	t.Helper()
	return Serve(t, func(c net.Conn) {
		_, _ = io.Copy(c, c)
	})
}

// Serve runs handler for every connection accepted on a fresh loopback
// listener. Connections are closed when handler returns. At cleanup the
// listener is closed and running handlers are waited for.
func Serve(t testing.TB, handler func(net.Conn)) net.Listener {
	t.Helper()

	ln := Listen(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	conns := make(map[net.Conn]struct{})

	wg.Go(func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns[c] = struct{}{}
			mu.Unlock()

			wg.Go(func() {
				defer func() {
					mu.Lock()
					delete(conns, c)
					mu.Unlock()
					c.Close()
				}()
				handler(c)
			})
		}
	})

	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		for c := range conns {
			c.Close()
		}
		mu.Unlock()
		wg.Wait()
	})
	return ln
}

// AssertEcho writes msg to w and expects to read it back from r.
func AssertEcho(t testing.TB, w io.Writer, r io.Reader, msg []byte) {
	t.Helper()

	if _, err := w.Write(msg); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, msg) {
		t.Fatalf("expected %q got %q", msg, buf)
	}
}
