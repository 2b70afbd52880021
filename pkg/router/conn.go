package router

import (
	"errors"
	"net"
	"net/http"
	"sync"
	"time"
)

// ConnOptions tunes HandleConnection.
type ConnOptions struct {
	ReadHeaderTimeout time.Duration // Time allowed to read request headers (0 means no limit)
	IdleTimeout       time.Duration // Keep-alive idle time before the connection is closed
}

// HandleConnection serves HTTP/1.x requests arriving on one transport-supplied connection
// (TLS, if any, already terminated) until the peer closes it. Requests on the connection
// are answered in the order they were received. It returns nil once the connection is
// closed.
func (r *Router) HandleConnection(conn net.Conn) error {
	return r.HandleConnectionWith(conn, ConnOptions{})
}

// HandleConnectionWith is HandleConnection with explicit timeouts.
func (r *Router) HandleConnectionWith(conn net.Conn, opts ConnOptions) error {
	if r.isShuttingDown() {
		_ = conn.Close()
		return ErrShuttingDown
	}
	srv := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: opts.ReadHeaderTimeout,
		IdleTimeout:       opts.IdleTimeout,
	}
	err := srv.Serve(newConnListener(conn))
	if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// connListener is a net.Listener that yields a single connection and closes once that
// connection is closed.
type connListener struct {
	addr  net.Addr
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func newConnListener(c net.Conn) *connListener {
	l := &connListener{
		addr:  c.LocalAddr(),
		conns: make(chan net.Conn, 1),
		done:  make(chan struct{}),
	}
	l.conns <- &trackedConn{Conn: c, onClose: func() { _ = l.Close() }}
	return l
}

func (l *connListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *connListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *connListener) Addr() net.Addr {
	return l.addr
}

// trackedConn reports its closing to the listener.
type trackedConn struct {
	net.Conn
	once    sync.Once
	onClose func()
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.onClose)
	return err
}
