package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"

	"github.com/Kush-Singh-26/kosh-serve/internal/config"
	"github.com/Kush-Singh-26/kosh-serve/internal/metrics"
)

// State is the lifecycle state of a Server
type State int32

const (
	StateStopped State = iota
	StateListening
)

func (s State) String() string {
	if s == StateListening {
		return "LISTENING"
	}
	return "STOPPED"
}

// BindError is returned when the listening socket cannot be opened
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

var errNotListening = errors.New("server is not listening")

// Server accepts one connection at a time and hands every request on it
// to the handler before accepting the next connection.
type Server struct {
	cfg     *config.Config
	handler http.Handler
	out     io.Writer
	logger  *slog.Logger
	metrics *metrics.ServeMetrics

	state atomic.Int32

	mu           sync.Mutex
	ln           net.Listener
	active       net.Conn
	shuttingDown bool
}

// New creates a server for cfg. Status lines go to out, diagnostics to logger.
func New(cfg *config.Config, handler http.Handler, out io.Writer, logger *slog.Logger) *Server {
	if out == nil {
		out = io.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		handler: handler,
		out:     out,
		logger:  logger,
		metrics: metrics.NewServeMetrics(),
	}
}

// State returns the current lifecycle state
func (s *Server) State() State {
	return State(s.state.Load())
}

// Metrics returns the counters. Read them once Serve has returned.
func (s *Server) Metrics() *metrics.ServeMetrics {
	return s.metrics
}

// Addr returns the bound address, or nil before Listen
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// URL returns the address to print for operators: the configured host
// with the port actually bound.
func (s *Server) URL() string {
	host := s.cfg.Host
	port := fmt.Sprint(s.cfg.Port)
	if addr := s.Addr(); addr != nil {
		if _, p, err := net.SplitHostPort(addr.String()); err == nil {
			port = p
		}
	}
	return "http://" + net.JoinHostPort(host, port) + "/"
}

// Listen opens the listening socket. Failure leaves the server STOPPED.
func (s *Server) Listen() error {
	addr := s.cfg.Address()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &BindError{Addr: addr, Err: err}
	}

	s.mu.Lock()
	s.ln = ln
	s.shuttingDown = false
	s.mu.Unlock()

	s.metrics.RecordStart()
	s.state.Store(int32(StateListening))
	return nil
}

// Serve runs the accept loop until ctx is cancelled. The listener is
// closed when Serve returns, so the port is free again.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errNotListening
	}
	defer s.stop()

	stopWatch := context.AfterFunc(ctx, s.beginShutdown)
	defer stopWatch()

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isShuttingDown() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("listener closed: %w", err)
			}
			// Back off the way net/http does for transient accept failures
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if tempDelay > time.Second {
				tempDelay = time.Second
			}
			s.logger.Warn("Accept failed, retrying", "error", err, "delay", tempDelay)
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0
		s.serveConn(conn)
	}
}

// Run binds, prints the startup line, serves until ctx is cancelled and
// prints the shutdown line.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	_, _ = color.New(color.FgGreen).Fprintf(s.out, "Server running at %s\n", s.URL())

	err := s.Serve(ctx)

	_, _ = color.New(color.FgYellow).Fprintln(s.out, "Server stopped.")
	s.logger.Info("Server metrics",
		"summary", s.metrics.String(),
		"errorRate", fmt.Sprintf("%.1f%%", s.metrics.ErrorRate()),
	)
	return err
}

// beginShutdown stops accepting, releases the port and bounds the time the
// connection in flight may still take.
func (s *Server) beginShutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown {
		return
	}
	s.shuttingDown = true
	if s.ln != nil {
		if err := s.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Warn("Failed to close listener", "error", err)
		}
	}
	if s.active != nil {
		now := time.Now()
		// Stop waiting for another keep-alive request, let the current write finish
		_ = s.active.SetReadDeadline(now)
		_ = s.active.SetWriteDeadline(now.Add(s.cfg.ShutdownTimeout))
	}
}

func (s *Server) isShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuttingDown
}

func (s *Server) stop() {
	s.beginShutdown()
	s.metrics.RecordEnd()
	s.state.Store(int32(StateStopped))
}
