// Package shutdown implements the child side of the graceful-stop
// protocol. A supervised process serves POST /shutdown on a loopback port
// the supervisor injects via BOTHERD_SHUTDOWN_PORT; on request it
// acknowledges with 200 and then stops on its own, exiting with whatever
// code it wants the supervisor to act on.
package shutdown

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"
)

// EnvPort is the environment variable carrying the assigned port.
const EnvPort = "BOTHERD_SHUTDOWN_PORT"

// PortFromEnv reads the supervisor-assigned shutdown port. Zero means the
// process runs unsupervised (or with no graceful endpoint) and should not
// start a listener.
func PortFromEnv() int {
	v := os.Getenv(EnvPort)
	if v == "" {
		return 0
	}
	port, err := strconv.Atoi(v)
	if err != nil || port <= 0 || port > 65535 {
		return 0
	}
	return port
}

// Server listens for the supervisor's stop request.
type Server struct {
	srv      *http.Server
	onStop   func()
	once     sync.Once
	logger   *slog.Logger
	listener net.Listener
}

// NewServer creates a shutdown listener on 127.0.0.1:port. onStop runs
// once, after the request is acknowledged; the process is expected to
// finish its work and exit.
func NewServer(port int, onStop func()) (*Server, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("binding shutdown port %d: %w", port, err)
	}

	s := &Server{
		onStop:   onStop,
		logger:   slog.With("component", "shutdown"),
		listener: ln,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /shutdown", s.handleShutdown)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	s.srv = &http.Server{Handler: mux}
	return s, nil
}

// Port returns the bound port, useful when the caller asked for port 0.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Serve blocks serving the endpoint until Close.
func (s *Server) Serve() error {
	err := s.srv.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close tears the listener down without invoking the stop callback.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// handleShutdown acknowledges first, then stops: the supervisor needs the
// 200 before the connection dies with the process.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("shutdown requested by supervisor")
	w.WriteHeader(http.StatusOK)

	// A retried request must not run the stop path twice.
	s.once.Do(func() { go s.onStop() })
}
