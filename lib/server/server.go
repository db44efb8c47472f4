// Package server accepts stream sockets and serves HTTP/1.1 requests on
// them through a per-connection pipeline.
//
// Each connection parses requests as they arrive, starts every one as a
// task without waiting for the previous response, and writes responses
// back strictly in request order, optionally batching ready responses into
// a single vectored write.
//
// # Basic Usage
//
//	reg := server.NewRegistry()
//	reg.HandleFunc("/ping", func(ctx context.Context, req *server.Request) error {
//	    req.Response().WriteString("pong")
//	    return nil
//	})
//
//	srv, err := server.New(server.DefaultConfig(), reg)
//	if err != nil {
//	    return err
//	}
//	if err := srv.Start(ctx); err != nil {
//	    return err
//	}
//	defer srv.Stop()
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	apperrors "github.com/go-i2p/netcore/lib/errors"
)

// Config configures a Server.
type Config struct {
	// UnixSocketPath is the path of a Unix socket to listen on.
	UnixSocketPath string
	// TCPAddress is the TCP address to listen on.
	TCPAddress string
	// MaxConnections caps concurrently served sockets.
	// Default: 1024
	MaxConnections int
	// Connection tunes every connection pipeline.
	Connection ConnectionConfig
	// Handlers configures dispatch.
	Handlers HandlerSettings
}

// DefaultConfig returns a Config listening on 127.0.0.1:8080.
func DefaultConfig() Config {
	return Config{
		TCPAddress:     "127.0.0.1:8080",
		MaxConnections: DefaultMaxConnections,
		Connection:     DefaultConnectionConfig(),
	}
}

// Server listens on a Unix socket and/or TCP and runs a Connection for
// every accepted socket.
type Server struct {
	cfg     Config
	handler *RequestHandler
	limiter *ConnectionLimiter
	stats   *Stats

	mu           sync.Mutex
	running      bool
	unixListener net.Listener
	tcpListener  net.Listener
	extra        []net.Listener
	conns        map[*Connection]struct{}
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// New creates a server dispatching through registry.
func New(cfg Config, registry *Registry) (*Server, error) {
	if registry == nil {
		return nil, fmt.Errorf("%w: nil handler registry", apperrors.ErrConfiguration)
	}
	cfg.Connection = cfg.Connection.withDefaults()

	s := &Server{
		cfg:     cfg,
		handler: NewRequestHandler(registry, cfg.Handlers),
		limiter: NewConnectionLimiter(cfg.MaxConnections),
		stats:   &Stats{},
		conns:   make(map[*Connection]struct{}),
	}
	s.limiter.SetOnReject(func(addr net.Addr) {
		s.stats.connectionRejected()
		log.WithField("remote", addr.String()).
			WithField("active", s.limiter.ActiveConnections()).
			WithField("max", s.limiter.MaxConnections()).
			Warn("connection rejected: too many connections")
	})
	return s, nil
}

// Handler returns the request handler, for hooks and rate limits.
func (s *Server) Handler() *RequestHandler {
	return s.handler
}

// Stats returns the statistics shared by all connections.
func (s *Server) Stats() *Stats {
	return s.stats
}

// Start freezes the handler registry and starts the configured listeners.
// Request handlers run under a context derived from ctx.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("%w: server already running", apperrors.ErrInvalidState)
	}
	if s.cfg.UnixSocketPath == "" && s.cfg.TCPAddress == "" {
		return fmt.Errorf("%w: no listeners configured", apperrors.ErrConfiguration)
	}

	s.handler.Registry().Freeze()
	s.ctx, s.cancel = context.WithCancel(ctx)
	// Accept loops check running before serving.
	s.running = true

	if s.cfg.UnixSocketPath != "" {
		if err := s.startUnixListener(s.cfg.UnixSocketPath); err != nil {
			s.running = false
			s.cancel()
			return err
		}
	}
	if s.cfg.TCPAddress != "" {
		if err := s.startTCPListener(s.cfg.TCPAddress); err != nil {
			s.running = false
			if s.unixListener != nil {
				_ = s.unixListener.Close()
			}
			s.cancel()
			return err
		}
	}
	return nil
}

func (s *Server) startUnixListener(socketPath string) error {
	_ = os.Remove(socketPath)

	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return fmt.Errorf("creating socket dir: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen unix: %w", err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.unixListener = listener
	s.wg.Add(1)
	go s.acceptLoop(listener, "unix")

	log.WithField("path", socketPath).Info("server listening on Unix socket")
	return nil
}

func (s *Server) startTCPListener(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listen tcp: %w", err)
	}

	s.tcpListener = listener
	s.wg.Add(1)
	go s.acceptLoop(listener, "tcp")

	log.WithField("address", listener.Addr().String()).Info("server listening on TCP")
	return nil
}

// Serve accepts connections from l, such as an I2P tunnel listener, next to
// the configured sockets. The server must be running. Stop closes l.
func (s *Server) Serve(l net.Listener, network string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return fmt.Errorf("%w: server not running", apperrors.ErrInvalidState)
	}
	s.extra = append(s.extra, l)
	s.wg.Add(1)
	go s.acceptLoop(l, network)

	log.WithField("network", network).WithField("address", l.Addr().String()).Info("server listening")
	return nil
}

func (s *Server) acceptLoop(listener net.Listener, network string) {
	defer s.wg.Done()

	var backoff time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				log.WithField("network", network).WithError(err).Warn("accept error, retrying")
				time.Sleep(backoff)
				continue
			}
			log.WithField("network", network).WithError(err).Error("accept error")
			return
		}
		backoff = 0

		if !s.limiter.TryAccept(conn) {
			continue
		}
		if s.serve(conn) == nil {
			s.limiter.Release()
		}
	}
}

// ServeConn runs the pipeline on an already established conn, such as one
// end of net.Pipe. It returns nil, closing conn, when the server is not
// running or is at its connection limit.
func (s *Server) ServeConn(conn net.Conn) *Connection {
	if !s.limiter.Acquire() {
		s.stats.connectionRejected()
		_ = conn.Close()
		return nil
	}
	c := s.serve(conn)
	if c == nil {
		s.limiter.Release()
	}
	return c
}

// serve starts a Connection for conn. The connection releases its limiter
// slot when it closes.
func (s *Server) serve(conn net.Conn) *Connection {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c := NewConnection(s.ctx, conn, s.handler, s.stats, s.cfg.Connection)
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	c.SetCloseCallback(func() {
		s.limiter.Release()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		s.wg.Done()
	})
	c.Start()
	return c
}

// Stop closes the listeners, stops every live connection and waits for
// them to shut down.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	if s.unixListener != nil {
		_ = s.unixListener.Close()
	}
	if s.tcpListener != nil {
		_ = s.tcpListener.Close()
	}
	for _, l := range s.extra {
		_ = l.Close()
	}
	s.extra = nil
	conns := make([]*Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Stop()
	}
	s.wg.Wait()
	s.cancel()
	s.handler.Close()

	if s.cfg.UnixSocketPath != "" {
		_ = os.Remove(s.cfg.UnixSocketPath)
	}
	log.WithField("served", s.stats.Snapshot().RequestsProcessed).Info("server stopped")
	return nil
}

// IsRunning reports whether the server is accepting connections.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// TCPAddress returns the bound TCP address, or "" when not listening.
func (s *Server) TCPAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcpListener != nil {
		return s.tcpListener.Addr().String()
	}
	return ""
}

// UnixSocketPath returns the Unix socket path, or "" when not listening.
func (s *Server) UnixSocketPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unixListener != nil {
		return s.unixListener.Addr().String()
	}
	return ""
}

// ActiveConnections returns the number of served sockets.
func (s *Server) ActiveConnections() int {
	return s.limiter.ActiveConnections()
}

// MaxConnections returns the connection limit.
func (s *Server) MaxConnections() int {
	return s.limiter.MaxConnections()
}

// SetMaxConnections changes the connection limit at runtime.
func (s *Server) SetMaxConnections(max int) {
	s.limiter.SetMaxConnections(max)
}
