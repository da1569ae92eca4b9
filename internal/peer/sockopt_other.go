//go:build !unix

package peer

import "syscall"

func reuseControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
