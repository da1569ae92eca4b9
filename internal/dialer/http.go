package dialer

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// HTTP dials through an HTTP or HTTPS proxy with the CONNECT method.
type HTTP struct {
	cfg    Config
	proxy  *url.URL
	auth   string
	direct *Direct
}

func NewHTTP(cfg Config, proxy *url.URL, user, pass string) *HTTP {
	h := &HTTP{cfg: cfg, proxy: proxy, direct: NewDirect(cfg)}
	if user != "" {
		h.auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
	}
	return h
}

func (h *HTTP) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("http proxy dial %s %s: unsupported network", network, address)
	}

	conn, err := h.direct.DialContext(ctx, "tcp", h.proxy.Host)
	if err != nil {
		return nil, fmt.Errorf("http proxy: %w", err)
	}

	var br *bufio.Reader
	err = negotiate(ctx, h.cfg, conn, func() error {
		if h.proxy.Scheme == "https" {
			tc := tls.Client(conn, &tls.Config{MinVersion: tls.VersionTLS12, ServerName: h.proxy.Hostname()})
			if err := tc.HandshakeContext(ctx); err != nil {
				return fmt.Errorf("tls: %w", err)
			}
			conn = tc
		}

		req := &http.Request{
			Method: http.MethodConnect,
			URL:    &url.URL{Opaque: address},
			Host:   address,
			Header: make(http.Header),
		}
		if h.auth != "" {
			req.Header.Set("Proxy-Authorization", h.auth)
		}
		if err := req.Write(conn); err != nil {
			return err
		}

		br = bufio.NewReader(conn)
		resp, err := http.ReadResponse(br, req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			return fmt.Errorf("CONNECT refused: %s", resp.Status)
		}
		return nil
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("http proxy %s to %s: %w", h.proxy.Host, address, err)
	}

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// bufferedConn replays bytes the proxy sent right after its response.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
