//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package topology

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// ReusePortSupported reports whether listeners can share a port with SO_REUSEPORT.
const ReusePortSupported = true

func control(reusePort bool) func(network, address string, c syscall.RawConn) error {
	return func(_, _ string, c syscall.RawConn) error {
		var opErr error
		err := c.Control(func(fd uintptr) {
			opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			if opErr == nil && reusePort {
				opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}
		})
		if err != nil {
			return err
		}
		return opErr
	}
}

// terminate asks a worker process to shut down gracefully.
func terminate(p *os.Process) error {
	return p.Signal(unix.SIGTERM)
}
