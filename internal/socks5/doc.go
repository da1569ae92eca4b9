// Package socks5 speaks the SOCKS5 CONNECT handshake over an existing
// connection, using the message types from github.com/txthinking/socks5.
//
// The client side is used by tcp_connect endpoints that dial through a
// socks5:// proxy. The server side is small and exists for tests.
package socks5
