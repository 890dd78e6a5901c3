//go:build windows

package httpserver

import "syscall"

const (
	wsaeacces     = syscall.Errno(10013)
	wsaeaddrinuse = syscall.Errno(10048)
)

func setSocketBuffers(fd uintptr) {
	h := syscall.Handle(fd)
	_ = syscall.SetsockoptInt(h, syscall.SOL_SOCKET, syscall.SO_RCVBUF, socketBufferSize)
	_ = syscall.SetsockoptInt(h, syscall.SOL_SOCKET, syscall.SO_SNDBUF, socketBufferSize)
}

func isAddrInUse(errno syscall.Errno) bool {
	return errno == wsaeaddrinuse || errno == syscall.EADDRINUSE
}

func isAccessDenied(errno syscall.Errno) bool {
	return errno == wsaeacces || errno == syscall.EACCES
}
