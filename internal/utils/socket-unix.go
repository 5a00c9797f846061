//go:build linux || darwin

package utils

import (
	"errors"
	"syscall"
)

// tuneSocket disables Nagle and enlarges kernel buffers for many parallel
// range streams.
func tuneSocket(fd uintptr) error {
	return errors.Join(
		syscall.SetsockoptInt(int(fd), syscall.IPPROTO_TCP, syscall.TCP_NODELAY, 1),
		syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF, SocketBufferSize),
		syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_SNDBUF, SocketBufferSize),
	)
}
