//go:build !windows

package httpserver

import "syscall"

// setSocketBuffers is best effort: unsupported options never fail the bind.
func setSocketBuffers(fd uintptr) {
	_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF, socketBufferSize)
	_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_SNDBUF, socketBufferSize)
}

func isAddrInUse(errno syscall.Errno) bool {
	return errno == syscall.EADDRINUSE
}

func isAccessDenied(errno syscall.Errno) bool {
	return errno == syscall.EACCES || errno == syscall.EPERM
}
