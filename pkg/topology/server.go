// Package topology runs an http.Handler (normally a *router.Router) across CPU cores: a
// Server drives several acceptor loops over one shared listener or over SO_REUSEPORT
// listeners bound to the same port, and a Supervisor keeps a set of worker processes
// running, each of them serving the same port.
package topology

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
)

const (
	defaultAddr            = ":8080"
	defaultIdleTimeout     = 75 * time.Second
	defaultShutdownTimeout = 30 * time.Second
)

// Config configures a Server.
type Config struct {
	Addr              string        // Listen address (default ":8080")
	Reactors          int           // Number of acceptor loops (default 1)
	ReusePort         bool          // Give every acceptor loop its own SO_REUSEPORT listener
	H2C               bool          // Accept cleartext HTTP/2 with prior knowledge or h2c upgrade
	MaxConnections    int           // Open connections allowed per listener (0 means unlimited)
	ReadHeaderTimeout time.Duration // Time allowed to read request headers
	ReadTimeout       time.Duration // Time allowed to read a whole request
	WriteTimeout      time.Duration // Time allowed to write a response
	IdleTimeout       time.Duration // Keep-alive idle timeout (default 75s)
	ShutdownTimeout   time.Duration // Grace period for in-flight requests on shutdown (default 30s)
	Banner            io.Writer     // Start-up banner destination (nil prints none)
	BannerInfo        BannerInfo    // Extra banner details
	Logger            *zap.Logger
}

// Lifecycle is implemented by handlers with start-up and shutdown work, such as
// *router.Router. Serve calls Start before accepting connections and Shutdown after the
// listeners are closed and open connections have finished.
type Lifecycle interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Server serves one handler on Config.Reactors acceptor loops.
type Server struct {
	config  Config
	handler http.Handler
	logger  *zap.Logger

	mu        sync.Mutex
	listeners []net.Listener
	servers   []*http.Server

	closed       chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// NewServer creates a server for handler.
func NewServer(handler http.Handler, config Config) *Server {
	if config.Addr == "" {
		config.Addr = defaultAddr
	}
	if config.Reactors < 1 {
		config.Reactors = 1
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = defaultIdleTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaultShutdownTimeout
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &Server{
		config:  config,
		handler: handler,
		logger:  config.Logger,
		closed:  make(chan struct{}),
	}
}

// Listen opens the listeners. Serve calls it when it has not been called yet.
func (s *Server) Listen(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeners != nil {
		return nil
	}
	listeners, err := Listen(ctx, s.config.Addr, s.config.Reactors, s.config.ReusePort)
	if err != nil {
		return err
	}
	for i, l := range listeners {
		l = limit(l, s.config.MaxConnections)
		if len(listeners) == 1 && s.config.Reactors > 1 {
			l = &sharedListener{Listener: l}
		}
		listeners[i] = l
	}
	s.listeners = listeners
	return nil
}

// Addr returns the address the server listens on, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) == 0 {
		return nil
	}
	return s.listeners[0].Addr()
}

func (s *Server) httpHandler() http.Handler {
	if !s.config.H2C {
		return s.handler
	}
	return h2c.NewHandler(s.handler, &http2.Server{IdleTimeout: s.config.IdleTimeout})
}

// Serve runs the acceptor loops until ctx is cancelled or Shutdown is called, then shuts
// down gracefully within Config.ShutdownTimeout. It returns nil after a clean shutdown.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	if lc, ok := s.handler.(Lifecycle); ok {
		if err := lc.Start(ctx); err != nil {
			s.closeListeners()
			return err
		}
	}

	handler := s.httpHandler()
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	for range s.config.Reactors {
		s.servers = append(s.servers, &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: s.config.ReadHeaderTimeout,
			ReadTimeout:       s.config.ReadTimeout,
			WriteTimeout:      s.config.WriteTimeout,
			IdleTimeout:       s.config.IdleTimeout,
			ErrorLog:          zap.NewStdLog(s.logger),
		})
	}
	servers, listeners := s.servers, s.listeners
	s.mu.Unlock()

	if s.config.Banner != nil {
		info := s.config.BannerInfo
		info.Addr = listeners[0].Addr().String()
		info.Reactors = s.config.Reactors
		info.ReusePort = s.config.ReusePort
		info.H2C = s.config.H2C
		PrintBanner(s.config.Banner, info)
	}
	s.logger.Info("Server listening",
		zap.String("addr", listeners[0].Addr().String()),
		zap.Int("reactors", s.config.Reactors),
		zap.Int("listeners", len(listeners)),
		zap.Bool("reuse_port", s.config.ReusePort),
		zap.Bool("h2c", s.config.H2C),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i, srv := range servers {
		l := listeners[i%len(listeners)]
		g.Go(func() error {
			if err := srv.Serve(l); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.closed:
			return nil
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown stops accepting connections, waits for open connections to finish their
// requests and then shuts the handler's Lifecycle down. Later calls return the first
// call's result.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		close(s.closed)
		s.logger.Info("Server shutting down")

		s.mu.Lock()
		servers := s.servers
		s.mu.Unlock()

		var errs error
		if len(servers) == 0 {
			s.closeListeners()
		}
		for _, srv := range servers {
			errs = multierr.Append(errs, srv.Shutdown(ctx))
		}
		if lc, ok := s.handler.(Lifecycle); ok {
			errs = multierr.Append(errs, lc.Shutdown(ctx))
		}
		s.shutdownErr = errs
	})
	return s.shutdownErr
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.listeners {
		_ = l.Close()
	}
}
