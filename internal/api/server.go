// Package api serves the control API over a Unix socket (and optionally
// TCP): process state and logs, lifecycle verbs, and the human-escalated
// deploy path.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/botherd/botherd/internal/supervisor"
)

const defaultLogLines = 100

// Server exposes a supervisor over HTTP.
type Server struct {
	sup      *supervisor.Supervisor
	listener net.Listener
	server   *http.Server
	logger   *slog.Logger
	ctx      context.Context
}

// NewServer creates an API server backed by the given supervisor. ctx is
// the daemon lifecycle context; deploys triggered over the API run under
// it rather than the request context.
func NewServer(sup *supervisor.Supervisor, ctx context.Context) *Server {
	s := &Server{
		sup:    sup,
		logger: slog.With("component", "api"),
		ctx:    ctx,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/processes", s.listProcesses)
	mux.HandleFunc("GET /v1/processes/{name}", s.getProcess)
	mux.HandleFunc("GET /v1/processes/{name}/logs", s.getLogs)
	mux.HandleFunc("POST /v1/processes/{name}/start", s.startProcess)
	mux.HandleFunc("POST /v1/processes/{name}/stop", s.stopProcess)
	mux.HandleFunc("POST /v1/processes/{name}/restart", s.restartProcess)
	mux.HandleFunc("POST /v1/reload", s.reload)
	mux.HandleFunc("POST /v1/deploy", s.deploy)
	mux.HandleFunc("POST /v1/check-update", s.checkUpdate)
	mux.HandleFunc("GET /v1/health", s.health)
	mux.Handle("GET /metrics", sup.Metrics().Handler())

	s.server = &http.Server{Handler: mux}
	return s
}

// ListenUnix starts the server on a Unix socket.
func (s *Server) ListenUnix(path string) error {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info("API listening", "socket", path)
	return s.server.Serve(ln)
}

// ListenTCP starts the server on a TCP address.
func (s *Server) ListenTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info("API listening", "addr", addr)
	return s.server.Serve(ln)
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) listProcesses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.States())
}

func (s *Server) getProcess(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	state, err := s.sup.State(name)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) getLogs(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	n := defaultLogLines
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "n must be a positive integer"})
			return
		}
		n = parsed
	}

	lines, err := s.sup.Logs(name, n)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"process": name, "lines": lines})
}

func (s *Server) startProcess(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.sup.StartProcess(name); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "starting"})
}

func (s *Server) stopProcess(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.sup.StopProcess(name); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (s *Server) restartProcess(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.sup.RestartProcess(name); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "restarting"})
}

func (s *Server) reload(w http.ResponseWriter, r *http.Request) {
	result, err := s.sup.Reload()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// deploy is the human-escalated path: pull and restart now, skipping
// the session gate.
func (s *Server) deploy(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.ForceDeploy(s.ctx); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deployed"})
}

func (s *Server) checkUpdate(w http.ResponseWriter, r *http.Request) {
	s.sup.CheckUpdates(s.ctx)
	writeJSON(w, http.StatusOK, map[string]bool{"update_pending": s.sup.UpdatePending()})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
