//go:build !windows

package udp

import "syscall"

// setReuseAddr enables SO_REUSEADDR so restarts rebind without waiting
// out TIME_WAIT sockets.
func setReuseAddr(fd uintptr) error {
	return syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}
