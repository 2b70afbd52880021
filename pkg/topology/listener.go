package topology

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/net/netutil"
)

// ErrReusePortUnsupported is returned when SO_REUSEPORT listeners are requested on a
// platform without them.
var ErrReusePortUnsupported = errors.New("topology: SO_REUSEPORT is not supported on this platform")

// Listen opens the listeners for n acceptor loops on addr.
//
// With reusePort every loop gets its own SO_REUSEPORT socket bound to the same port and
// the kernel spreads incoming connections across them (and across processes doing the
// same). Without it a single listener is returned and the loops share it. When addr asks
// for port 0, the port picked for the first socket is reused for the others.
func Listen(ctx context.Context, addr string, n int, reusePort bool) ([]net.Listener, error) {
	if n < 1 {
		n = 1
	}
	if !reusePort {
		n = 1
	} else if !ReusePortSupported {
		return nil, ErrReusePortUnsupported
	}

	lc := net.ListenConfig{Control: control(reusePort)}
	listeners := make([]net.Listener, 0, n)
	for i := 0; i < n; i++ {
		l, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			for _, opened := range listeners {
				_ = opened.Close()
			}
			return nil, fmt.Errorf("topology: listen %s: %w", addr, err)
		}
		if i == 0 {
			addr = l.Addr().String()
		}
		listeners = append(listeners, l)
	}
	return listeners, nil
}

// limit caps the number of open connections on l.
func limit(l net.Listener, n int) net.Listener {
	if n <= 0 {
		return l
	}
	return netutil.LimitListener(l, n)
}

// sharedListener is a listener served by several acceptor loops. Each http.Server closes
// its listeners on shutdown; only the first close reaches the socket.
type sharedListener struct {
	net.Listener
	once sync.Once
	err  error
}

func (l *sharedListener) Close() error {
	l.once.Do(func() { l.err = l.Listener.Close() })
	return l.err
}
