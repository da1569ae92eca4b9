//go:build unix

package peer

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseControl lets a restarted endpoint rebind its UDP port while the old
// socket is still being torn down.
func reuseControl(_, _ string, c syscall.RawConn) error {
	var ctrlErr error
	err := c.Control(func(fd uintptr) {
		ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return ctrlErr
}
