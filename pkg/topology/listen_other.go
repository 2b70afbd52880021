//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package topology

import (
	"os"
	"syscall"
)

// ReusePortSupported reports whether listeners can share a port with SO_REUSEPORT.
const ReusePortSupported = false

func control(reusePort bool) func(network, address string, c syscall.RawConn) error {
	if !reusePort {
		return nil
	}
	return func(string, string, syscall.RawConn) error {
		return ErrReusePortUnsupported
	}
}

func terminate(p *os.Process) error {
	if err := p.Signal(os.Interrupt); err != nil {
		return p.Kill()
	}
	return nil
}
