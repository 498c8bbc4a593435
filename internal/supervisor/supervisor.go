// Package supervisor composes the process manager, the deploy cycle and
// the spec watcher into the long-running daemon: keep every registered
// process alive per its restart policy, act on protocol exit codes, and
// roll updates out when upstream changes and no one is working.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/botherd/botherd/internal/audit"
	"github.com/botherd/botherd/internal/config"
	"github.com/botherd/botherd/internal/deploy"
	"github.com/botherd/botherd/internal/gitpoll"
	"github.com/botherd/botherd/internal/guard"
	"github.com/botherd/botherd/internal/metrics"
	"github.com/botherd/botherd/internal/notify"
	"github.com/botherd/botherd/internal/port"
	"github.com/botherd/botherd/internal/procman"
	"github.com/botherd/botherd/internal/session"
	"github.com/botherd/botherd/internal/spec"
)

// Supervisor is the top-level daemon.
type Supervisor struct {
	cfg      *config.Config
	guard    *guard.Guard
	manager  *procman.Manager
	ports    *port.Allocator
	sessions *session.Monitor
	notifier *notify.Notifier
	deployer *deploy.Deployer
	metrics  *metrics.Set
	auditLog *audit.Logger
	logger   *slog.Logger

	// ctx is the daemon lifecycle context, set in Start; restarts
	// triggered by short-lived API requests run under it.
	ctx context.Context

	mu     sync.Mutex
	hashes map[string]string // spec content hash per process, for reload
}

// New wires a supervisor from config. Nothing is spawned until Start.
func New(cfg *config.Config) (*Supervisor, error) {
	g := guard.New()
	mgr := procman.New(g, cfg.LogDir)

	s := &Supervisor{
		cfg:      cfg,
		guard:    g,
		manager:  mgr,
		ports:    port.NewAllocator(cfg.ShutdownPorts.Min, cfg.ShutdownPorts.Max),
		notifier: notify.NewFromFile(cfg.WebhookConfig),
		metrics:  metrics.New(),
		logger:   slog.With("component", "supervisor"),
		hashes:   make(map[string]string),
	}
	s.sessions = session.New(cfg.Sessions.ProcessNames, cfg.Sessions.PathMarkers, mgr.Pids)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	al, err := audit.NewLogger(filepath.Join(cfg.DataDir, "audit.log"))
	if err != nil {
		return nil, err
	}
	s.auditLog = al

	s.deployer = deploy.New(
		gitpoll.New(),
		s.notifier,
		s.metrics,
		cfg.Repos,
		cfg.DataDir,
		s.safeToDeploy,
		s.restartAllForDeploy,
	)
	return s, nil
}

// Metrics exposes the supervisor's metric set for the API's /metrics.
func (s *Supervisor) Metrics() *metrics.Set {
	return s.metrics
}

// safeToDeploy is the deploy gate: no interactive sessions in flight.
func (s *Supervisor) safeToDeploy() bool {
	n := s.sessions.Count()
	s.metrics.Sessions.Set(float64(n))
	return n == 0
}

// Start creates the containment guard, registers and starts every spec,
// and announces a completed restart if a marker is pending. The spec
// watcher runs in the background until ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) error {
	s.ctx = ctx

	if err := s.guard.Create(); err != nil {
		return fmt.Errorf("creating process guard: %w", err)
	}
	if !s.guard.CrashSafe() {
		s.logger.Warn("guard is not crash-safe on this platform; a supervisor crash can orphan children")
	}

	specs, err := spec.LoadDir(s.cfg.SpecDir)
	if err != nil {
		return fmt.Errorf("loading specs: %w", err)
	}
	s.logger.Info("loaded process specs", "count", len(specs), "dir", s.cfg.SpecDir)

	for _, ps := range specs {
		if err := s.addProcess(ps); err != nil {
			s.logger.Error("failed to start process", "process", ps.Process.Name, "error", err)
		}
	}
	s.updateRunningGauge()

	// A restart marker here means the previous incarnation deployed and
	// restarted into us; close that loop.
	s.deployer.AnnounceRestartIfMarked(ctx)

	go func() {
		if err := s.watchSpecs(ctx); err != nil {
			s.logger.Error("spec watcher failed", "error", err)
		}
	}()
	return nil
}

// Run drives the two independent tickers until ctx is cancelled: the
// liveness poll consuming child exits, and the update check feeding the
// deployer. Cancellation performs a full shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	liveness := time.NewTicker(s.cfg.PollInterval.Duration)
	defer liveness.Stop()
	update := time.NewTicker(s.cfg.UpdateInterval.Duration)
	defer update.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Shutdown()
			return nil
		case <-liveness.C:
			s.PollOnce(ctx)
		case <-update.C:
			// Tick serializes itself; a slow cycle just drops ticks.
			go s.deployer.Tick(s.ctx)
		}
	}
}

// Shutdown stops every process, releases the guard and closes the audit
// trail.
func (s *Supervisor) Shutdown() {
	s.logger.Info("shutting down")
	s.notifier.SupervisorStopping(context.Background())
	s.manager.StopAll(s.cfg.StopTimeout.Duration)
	if err := s.guard.Release(); err != nil {
		s.logger.Warn("guard release failed", "error", err)
	}
	s.auditLog.Log(audit.Entry{Action: audit.ActionShutdown})
	s.auditLog.Close()
	s.logger.Info("all processes stopped")
}

// PollOnce runs one liveness pass, dispatching any exits that occurred
// since the last pass.
func (s *Supervisor) PollOnce(ctx context.Context) {
	for _, name := range s.manager.Names() {
		ev, err := s.manager.Poll(name)
		if err != nil {
			s.logger.Error("poll failed", "process", name, "error", err)
			continue
		}
		if ev != nil {
			s.handleExit(ctx, ev)
		}
	}
	s.updateRunningGauge()
}

func (s *Supervisor) updateRunningGauge() {
	running := 0
	for _, st := range s.manager.States() {
		if st.Status == procman.StatusRunning {
			running++
		}
	}
	s.metrics.Running.Set(float64(running))
}

// handleExit turns one consumed exit event into a lifecycle decision.
func (s *Supervisor) handleExit(ctx context.Context, ev *procman.ExitEvent) {
	s.metrics.Exits.WithLabelValues(ev.Name, ev.Action.String()).Inc()
	s.auditLog.Log(audit.Entry{
		Action:   audit.ActionProcessExit,
		Process:  ev.Name,
		ExitCode: ev.Code,
		Detail:   ev.Action.String(),
	})

	ps, err := s.manager.Spec(ev.Name)
	if err != nil {
		return
	}
	pol := ps.Policy()

	action := ev.Action
	if !pol.UseExitCodes {
		action = procman.ActionRestartDelay
	}

	switch action {
	case procman.ActionShutdown:
		s.logger.Info("process requested shutdown, leaving stopped", "process", ev.Name)

	case procman.ActionUpdate:
		// The child asked for the update itself, so the session gate
		// does not apply. The deploy restarts the whole set, this
		// process included; if it fails the process still comes back.
		s.logger.Info("process requested update", "process", ev.Name)
		go func() {
			if err := s.deployer.ForceDeploy(s.ctx); err != nil {
				s.logger.Error("requested update failed, restarting on current code", "process", ev.Name, "error", err)
				s.restartProcess(ev.Name, "update_failed")
			}
		}()

	case procman.ActionRestart:
		s.logger.Info("process requested restart", "process", ev.Name)
		s.restartProcess(ev.Name, "exit_code")

	case procman.ActionRestartAll:
		s.logger.Info("process requested restart of all processes", "process", ev.Name)
		s.RestartAll("exit_code")

	case procman.ActionRestartDelay:
		s.restartWithPolicy(ctx, ev.Name, pol)
	}
}

// restartWithPolicy handles the crash path: honor auto_restart, the
// restart delay and the max_restarts budget.
func (s *Supervisor) restartWithPolicy(ctx context.Context, name string, pol spec.RestartPolicy) {
	if !pol.AutoRestart {
		s.logger.Info("auto-restart disabled, leaving stopped", "process", name)
		return
	}
	if pol.MaxRestarts > 0 && s.manager.RestartCount(name) >= pol.MaxRestarts {
		s.logger.Error("restart budget exhausted, giving up", "process", name, "max_restarts", pol.MaxRestarts)
		s.manager.MarkDead(name)
		s.notifier.ProcessDead(ctx, name, pol.MaxRestarts)
		s.auditLog.Log(audit.Entry{Action: audit.ActionProcessDead, Process: name})
		return
	}

	delay := pol.RestartDelay()
	s.logger.Info("restarting after delay", "process", name, "delay", delay)
	s.manager.MarkRestarting(name)
	time.AfterFunc(delay, func() {
		if s.ctx != nil && s.ctx.Err() != nil {
			return
		}
		s.restartProcess(name, "crash")
	})
}

func (s *Supervisor) restartProcess(name, trigger string) {
	s.metrics.Restarts.WithLabelValues(name, trigger).Inc()
	s.auditLog.Log(audit.Entry{Action: audit.ActionProcessRestart, Process: name, Trigger: trigger})
	if err := s.manager.Restart(name, s.cfg.StopTimeout.Duration); err != nil {
		s.logger.Error("restart failed", "process", name, "error", err)
	}
}

// RestartAll restarts every registered process.
func (s *Supervisor) RestartAll(trigger string) {
	for _, name := range s.manager.Names() {
		s.restartProcess(name, trigger)
	}
	s.updateRunningGauge()
}

// restartAllForDeploy is the deployer's restart hook.
func (s *Supervisor) restartAllForDeploy(ctx context.Context) error {
	s.RestartAll("deploy")
	return nil
}

// addProcess registers and starts one spec, resolving its shutdown port.
func (s *Supervisor) addProcess(ps *spec.ProcessSpec) error {
	name := ps.Process.Name

	shutdownPort, err := s.resolveShutdownPort(ps)
	if err != nil {
		return err
	}
	if err := s.manager.Register(ps, shutdownPort); err != nil {
		s.ports.Release(name)
		return err
	}

	s.mu.Lock()
	s.hashes[name] = ps.Hash()
	s.mu.Unlock()

	s.auditLog.Log(audit.Entry{Action: audit.ActionProcessStart, Process: name})
	if err := s.manager.Start(name); err != nil {
		return err
	}
	if shutdownPort > 0 {
		s.logger.Info("shutdown port assigned", "process", name, "port", shutdownPort)
	}
	return nil
}

// resolveShutdownPort maps the spec's shutdown block to a concrete port:
// absent block means no graceful endpoint, port 0 means allocate one
// dynamically, anything else is reserved as-is.
func (s *Supervisor) resolveShutdownPort(ps *spec.ProcessSpec) (int, error) {
	if ps.Shutdown == nil {
		return 0, nil
	}
	name := ps.Process.Name
	if ps.Shutdown.Port > 0 {
		if err := s.ports.Reserve(name, ps.Shutdown.Port); err != nil {
			return 0, fmt.Errorf("reserving shutdown port for %q: %w", name, err)
		}
		return ps.Shutdown.Port, nil
	}
	p, err := s.ports.Allocate(name)
	if err != nil {
		return 0, fmt.Errorf("allocating shutdown port for %q: %w", name, err)
	}
	return p, nil
}

// removeProcess stops, deregisters and forgets one process.
func (s *Supervisor) removeProcess(name string) {
	s.auditLog.Log(audit.Entry{Action: audit.ActionProcessStop, Process: name, Trigger: "reload"})
	if _, err := s.manager.Stop(name, s.cfg.StopTimeout.Duration); err != nil {
		s.logger.Error("error stopping removed process", "process", name, "error", err)
	}
	if err := s.manager.Deregister(name); err != nil {
		s.logger.Error("error deregistering process", "process", name, "error", err)
	}
	s.ports.Release(name)

	s.mu.Lock()
	delete(s.hashes, name)
	s.mu.Unlock()
}

// ReloadResult summarizes what a reload changed.
type ReloadResult struct {
	Added     []string `json:"added,omitempty"`
	Removed   []string `json:"removed,omitempty"`
	Restarted []string `json:"restarted,omitempty"`
}

// Reload re-reads the spec dir and reconciles: start new processes, stop
// removed ones, restart those whose spec content changed.
func (s *Supervisor) Reload() (*ReloadResult, error) {
	specs, err := spec.LoadDir(s.cfg.SpecDir)
	if err != nil {
		return nil, fmt.Errorf("loading specs: %w", err)
	}

	current := make(map[string]*spec.ProcessSpec, len(specs))
	for _, ps := range specs {
		current[ps.Process.Name] = ps
	}

	result := &ReloadResult{}

	for _, name := range s.manager.Names() {
		if _, exists := current[name]; !exists {
			s.logger.Info("removing process", "process", name)
			s.removeProcess(name)
			result.Removed = append(result.Removed, name)
		}
	}

	for name, ps := range current {
		s.mu.Lock()
		oldHash, known := s.hashes[name]
		s.mu.Unlock()

		switch {
		case !known:
			s.logger.Info("adding process", "process", name)
			if err := s.addProcess(ps); err != nil {
				s.logger.Error("failed to start new process", "process", name, "error", err)
			} else {
				result.Added = append(result.Added, name)
			}

		case oldHash != ps.Hash():
			s.logger.Info("restarting changed process", "process", name)
			s.removeProcess(name)
			if err := s.addProcess(ps); err != nil {
				s.logger.Error("failed to restart changed process", "process", name, "error", err)
			} else {
				result.Restarted = append(result.Restarted, name)
			}
		}
	}

	s.updateRunningGauge()
	return result, nil
}

// The surface the control API drives.

// States returns a snapshot of every process.
func (s *Supervisor) States() []procman.State {
	return s.manager.States()
}

// State returns one process's snapshot.
func (s *Supervisor) State(name string) (procman.State, error) {
	return s.manager.State(name)
}

// Logs returns the last n captured output lines for a process.
func (s *Supervisor) Logs(name string, n int) ([]string, error) {
	return s.manager.Logs(name, n)
}

// StartProcess starts one stopped process.
func (s *Supervisor) StartProcess(name string) error {
	s.auditLog.Log(audit.Entry{Action: audit.ActionProcessStart, Process: name, Trigger: "api"})
	return s.manager.Start(name)
}

// StopProcess stops one process.
func (s *Supervisor) StopProcess(name string) error {
	s.auditLog.Log(audit.Entry{Action: audit.ActionProcessStop, Process: name, Trigger: "api"})
	_, err := s.manager.Stop(name, s.cfg.StopTimeout.Duration)
	return err
}

// RestartProcess restarts one process.
func (s *Supervisor) RestartProcess(name string) error {
	s.metrics.Restarts.WithLabelValues(name, "api").Inc()
	s.auditLog.Log(audit.Entry{Action: audit.ActionProcessRestart, Process: name, Trigger: "api"})
	return s.manager.Restart(name, s.cfg.StopTimeout.Duration)
}

// ForceDeploy runs a deploy now, skipping the session gate. This is the
// human-escalated path.
func (s *Supervisor) ForceDeploy(ctx context.Context) error {
	s.auditLog.Log(audit.Entry{Action: audit.ActionDeployStart, Trigger: "api"})
	return s.deployer.ForceDeploy(s.ctx)
}

// CheckUpdates runs one detection-and-maybe-deploy pass immediately.
func (s *Supervisor) CheckUpdates(ctx context.Context) {
	s.deployer.Tick(s.ctx)
}

// UpdatePending reports whether an update is waiting for a deploy window.
func (s *Supervisor) UpdatePending() bool {
	return s.deployer.Pending()
}
