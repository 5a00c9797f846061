//go:build windows

package utils

import (
	"errors"
	"syscall"
)

func tuneSocket(fd uintptr) error {
	h := syscall.Handle(fd)
	return errors.Join(
		syscall.SetsockoptInt(h, syscall.SOL_SOCKET, syscall.SO_RCVBUF, SocketBufferSize),
		syscall.SetsockoptInt(h, syscall.SOL_SOCKET, syscall.SO_SNDBUF, SocketBufferSize),
	)
}
