// Package ssh dials TCP connections through an SSH server using
// "direct-tcpip" channels, the same mechanism as ssh -W.
//
// A Client keeps one SSH transport and opens a channel per dial. The
// transport is connected lazily and replaced if it dies. Host keys are
// checked against a known_hosts file with trust on first use.
package ssh
