//go:build windows

package tcp

import "syscall"

// setReuseAddr enables SO_REUSEADDR so restarts rebind without waiting
// out TIME_WAIT sockets.
func setReuseAddr(fd uintptr) error {
	return syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}
