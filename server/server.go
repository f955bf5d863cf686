// Package server implements the FTP control-connection session state
// machine, command parser and dispatcher, session loop, and connection
// acceptor.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/raxftp/server/internal/auth"
	"github.com/raxftp/server/internal/cmdlimit"
	"github.com/raxftp/server/internal/config"
	"github.com/raxftp/server/internal/datachan"
	"github.com/raxftp/server/internal/ratelimit"
)

// Option is a functional option for configuring a Server.
type Option func(*Server) error

// WithLogger sets a custom logger for the server. If not specified,
// slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

// WithMetricsCollector registers a MetricsCollector. If not set, metrics
// calls are no-ops.
func WithMetricsCollector(m MetricsCollector) Option {
	return func(s *Server) error {
		s.metrics = m
		return nil
	}
}

// WithCredentialStore overrides the default static credential store.
func WithCredentialStore(store *auth.Store) Option {
	return func(s *Server) error {
		s.credentials = store
		return nil
	}
}

// WithCommandLimiter overrides the default per-client command-rate limiter.
func WithCommandLimiter(limiter *cmdlimit.Limiter) Option {
	return func(s *Server) error {
		s.cmdLimiter = limiter
		return nil
	}
}

// Server is an FTP server bound to a single configured server root,
// serving control connections handed to it by an external acceptor loop
// (see ListenAndServe) or directly via Serve in tests.
type Server struct {
	startup     config.Startup
	runtime     *config.SharedRuntime
	credentials *auth.Store
	channels    *datachan.Registry
	cmdLimiter  *cmdlimit.Limiter
	logger      *slog.Logger
	metrics     MetricsCollector

	clientsMu sync.Mutex
	clients   map[string]*session

	listener net.Listener
}

// NewServer constructs a Server for the given startup configuration and
// shared runtime configuration, applying functional options in order.
// The server root is created if missing.
func NewServer(startup config.Startup, runtime *config.SharedRuntime, opts ...Option) (*Server, error) {
	if err := os.MkdirAll(startup.ServerRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create server root %s: %w", startup.ServerRoot, err)
	}

	s := &Server{
		startup:     startup,
		runtime:     runtime,
		credentials: auth.NewDefaultStore(),
		channels:    datachan.NewRegistry(int(startup.DataPortMin), int(startup.DataPortMax)),
		cmdLimiter:  cmdlimit.NewDefault(),
		logger:      slog.Default(),
		clients:     make(map[string]*session),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// bandwidthLimiter builds a fresh rate limiter for one transfer based on the
// current runtime-configured bandwidth cap. Returns nil (unlimited) when no
// cap is configured.
func (s *Server) bandwidthLimiter() *ratelimit.Limiter {
	return ratelimit.New(s.runtime.Get().BandwidthLimitBytesPerSec)
}

// ListenAndServe binds the configured control socket and serves connections
// until ctx is canceled. It blocks until every in-flight session has
// finished, so callers can rely on it for graceful shutdown: canceling ctx
// stops the accept loop but existing sessions are allowed to drain.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.startup.ControlSocket())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.startup.ControlSocket(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is canceled, dispatching each
// to its own session goroutine tracked by an errgroup so Serve can block
// until every session has exited.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.listener = ln

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		<-groupCtx.Done()
		return ln.Close()
	})

	for {
		conn, err := ln.Accept()
		if err != nil {
			if groupCtx.Err() != nil {
				break
			}
			var netErr net.Error
			if errors.As(err, &netErr) {
				s.logger.Warn("accept error", "error", err)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		group.Go(func() error {
			s.handleConnection(groupCtx, conn)
			return nil
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// handleConnection runs one session to completion, enforcing the global
// client limit at the point the client reaches READY (see handlePass).
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	peer := conn.RemoteAddr().String()
	sess := newSession(s, conn, peer)

	defer func() {
		s.removeClient(peer)
		s.channels.Cleanup(peer)
		s.cmdLimiter.Forget(peer)
		conn.Close()
	}()

	sess.serve(ctx)
}

// registerClient records a logged-in session under its peer address,
// enforcing maxClients. Returns false if the server is already at capacity.
func (s *Server) registerClient(peer string, sess *session) bool {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	if len(s.clients) >= s.runtime.Get().MaxClients {
		return false
	}
	s.clients[peer] = sess
	return true
}

func (s *Server) removeClient(peer string) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, peer)
}

// clientCount reports the number of currently-registered (READY) clients.
func (s *Server) clientCount() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}

// connectionTimeout returns the startup-configured connection_timeout_secs
// as a duration, or 10s when it is unset. Nothing calls it: the active-mode
// dial in datachan.Registry.Open uses the fixed datachan.DialTimeout instead.
func (s *Server) connectionTimeout() time.Duration {
	if s.startup.ConnectionTimeoutSecs <= 0 {
		return 10 * time.Second
	}
	return s.startup.ConnectionTimeout()
}
