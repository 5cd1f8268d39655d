package wshub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrTransitionInProgress is returned when a start or stop is requested
// while another transition is running.
var ErrTransitionInProgress = errors.New("server transition in progress")

// State is the lifecycle state of a Server.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateListening
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateStopping:
		return "stopping"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// DefaultGracePeriod is how long clients get to answer a close frame
// before their sockets are closed.
const DefaultGracePeriod = 2 * time.Second

// Server is an HTTP listener that can be stopped and started again on
// another port. Its hub's clients are closed on every stop.
type Server struct {
	mu       sync.Mutex
	state    State
	srv      *http.Server
	addr     net.Addr
	handler  http.Handler
	hub      *Hub
	grace    time.Duration
	host     string
	listenFn func(network, address string) (net.Listener, error)

	logger zerolog.Logger
}

// NewServer creates a stopped server for handler. hub may be nil.
func NewServer(handler http.Handler, hub *Hub, logger zerolog.Logger) *Server {
	return &Server{
		handler:  handler,
		hub:      hub,
		grace:    DefaultGracePeriod,
		listenFn: net.Listen,
		logger:   logger,
	}
}

// SetGracePeriod changes how long stopping waits for clients to close.
func (s *Server) SetGracePeriod(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grace = d
}

// SetHost restricts the listener to one interface. Empty means all.
func (s *Server) SetHost(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.host = host
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr returns the bound address while listening, or nil.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start binds port and serves. Starting a listening server restarts it;
// starting during a transition returns ErrTransitionInProgress. A bind
// failure leaves the server stopped.
func (s *Server) Start(port int) error {
	s.mu.Lock()
	switch s.state {
	case StateStarting, StateStopping:
		s.mu.Unlock()
		return ErrTransitionInProgress
	case StateListening:
		s.logger.Info().Int("port", port).Msg("restarting listener")
		s.state = StateStopping
		srv := s.srv
		s.mu.Unlock()
		s.shutdown(srv)
		s.mu.Lock()
	}
	s.state = StateStarting
	s.srv, s.addr = nil, nil
	host, listen := s.host, s.listenFn
	s.mu.Unlock()

	started := false
	defer func() {
		if !started {
			s.mu.Lock()
			s.state = StateStopped
			s.mu.Unlock()
		}
	}()

	addr := net.JoinHostPort(host, fmt.Sprint(port))
	ln, err := listen("tcp", addr)
	if err != nil {
		s.logger.Error().Err(err).Str("addr", addr).Msg("failed to bind listener, check that the port is free and allowed")
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.mu.Lock()
	s.srv, s.addr = srv, ln.Addr()
	s.state = StateListening
	s.mu.Unlock()
	started = true

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("listener stopped unexpectedly")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("listening")
	return nil
}

// Stop closes the listener and every client. The transition guard is
// released even when shutdown fails.
func (s *Server) Stop() error {
	s.mu.Lock()
	switch s.state {
	case StateStopped:
		s.mu.Unlock()
		return nil
	case StateStarting, StateStopping:
		s.mu.Unlock()
		return ErrTransitionInProgress
	}
	s.state = StateStopping
	srv := s.srv
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.state = StateStopped
		s.srv, s.addr = nil, nil
		s.mu.Unlock()
	}()

	s.shutdown(srv)
	s.logger.Info().Msg("stopped")
	return nil
}

func (s *Server) shutdown(srv *http.Server) {
	if srv == nil {
		return
	}

	s.mu.Lock()
	grace := s.grace
	s.mu.Unlock()

	if s.hub != nil {
		s.hub.CloseAll(false)
	}

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("graceful shutdown incomplete, closing")
		_ = srv.Close()
	}

	if s.hub != nil {
		s.waitForClients(grace)
		s.hub.CloseAll(true)
	}
}

// waitForClients gives clients until the grace period ends to answer the
// close frame.
func (s *Server) waitForClients(grace time.Duration) {
	deadline := time.Now().Add(grace)
	for s.hub.Count() > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
}
