// Package procman owns the lifecycle of every supervised child process:
// spawn with log redirection and guard adoption, non-blocking exit
// detection with exactly-once consumption, and graceful-then-forced stop.
//
// The manager treats each child as opaque. It interacts only through the
// child's exit code, its optional shutdown HTTP endpoint, and its log
// files; it never executes child logic in-process.
package procman

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/botherd/botherd/internal/logbuf"
	"github.com/botherd/botherd/internal/spec"
)

const (
	// ringLines is how many recent output lines are kept in memory per
	// process, alongside the on-disk log files.
	ringLines = 1000

	// killGrace is the SIGTERM-to-SIGKILL window of the forced stop path.
	killGrace = 2 * time.Second
)

// TreeGuard is the slice of the process-group guard the manager needs.
type TreeGuard interface {
	SysProcAttr() *syscall.SysProcAttr
	Adopt(pid int) error
	KillTree(pid int, grace time.Duration) error
}

// ExitEvent is one consumed child exit. Code is nil when the child died to
// a signal and produced no exit code.
type ExitEvent struct {
	Name   string
	Code   *int
	Action ExitAction
}

// Manager spawns and tracks the supervised children. The per-name state
// table is shared mutable state owned exclusively by this type; every
// access goes through mu.
type Manager struct {
	mu    sync.Mutex
	procs map[string]*managed
	order []string

	guard  TreeGuard
	logDir string
	logger *slog.Logger
	client *http.Client
}

// New creates a manager that spawns children inside the given guard and
// writes their logs under logDir.
func New(g TreeGuard, logDir string) *Manager {
	return &Manager{
		procs:  make(map[string]*managed),
		guard:  g,
		logDir: logDir,
		logger: slog.With("component", "procman"),
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Register adds a process under its spec name. Registration conflicts are
// an error to the caller and are never retried. shutdownPort is the
// resolved port for the spec's shutdown block (0 = no graceful endpoint).
func (m *Manager) Register(ps *spec.ProcessSpec, shutdownPort int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := ps.Process.Name
	if _, exists := m.procs[name]; exists {
		return fmt.Errorf("process %q already registered", name)
	}

	m.procs[name] = &managed{
		spec:         ps,
		shutdownPort: shutdownPort,
		status:       StatusStopped,
		ring:         logbuf.New(ringLines),
	}
	m.order = append(m.order, name)
	return nil
}

// Deregister stops tracking a name. The process must not be running.
func (m *Manager) Deregister(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.procs[name]
	if !ok {
		return fmt.Errorf("process %q not registered", name)
	}
	if p.status == StatusRunning {
		return fmt.Errorf("process %q is running", name)
	}
	delete(m.procs, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// Names returns the registered names in registration order.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Spec returns the registered spec for a name.
func (m *Manager) Spec(name string) (*spec.ProcessSpec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[name]
	if !ok {
		return nil, fmt.Errorf("process %q not registered", name)
	}
	return p.spec, nil
}

// Start spawns the named process: merged environment, append-mode log
// files, guard adoption. Starting an already-running process is a warning,
// not a respawn, and leaves the tracked pid untouched. A spawn failure
// marks the process dead and surfaces the error; whether to retry is the
// caller's policy decision.
func (m *Manager) Start(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.procs[name]
	if !ok {
		return fmt.Errorf("process %q not registered", name)
	}
	if p.status == StatusRunning {
		m.logger.Warn("process already running, not respawning", "process", name, "pid", p.pid)
		return nil
	}

	stdout, stderr, err := m.openLogs(p)
	if err != nil {
		p.status = StatusDead
		p.lastError = err.Error()
		return fmt.Errorf("opening logs for %q: %w", name, err)
	}

	cmd := exec.Command(p.spec.Process.Command, p.spec.Process.Args...)
	cmd.Dir = p.spec.Process.WorkingDir
	cmd.Env = p.environ()
	cmd.SysProcAttr = m.guard.SysProcAttr()
	p.ring = logbuf.New(ringLines)
	p.ringOut = p.ring.Writer("stdout")
	p.ringErr = p.ring.Writer("stderr")
	cmd.Stdout = io.MultiWriter(stdout, p.ringOut)
	cmd.Stderr = io.MultiWriter(stderr, p.ringErr)

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		p.status = StatusDead
		p.lastError = err.Error()
		return fmt.Errorf("spawning %q: %w", name, err)
	}

	if err := m.guard.Adopt(cmd.Process.Pid); err != nil {
		// The child is alive either way; losing guard membership is
		// worth a warning, not a kill.
		m.logger.Warn("guard adoption failed", "process", name, "pid", cmd.Process.Pid, "error", err)
	}

	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.status = StatusRunning
	p.startedAt = time.Now()
	p.stopping = false
	p.exitCode = nil
	p.exitPending = false
	p.lastError = ""
	p.stdoutFile = stdout
	p.stderrFile = stderr
	p.waitDone = make(chan struct{})

	m.logger.Info("process started", "process", name, "pid", p.pid)

	go m.wait(p, cmd, p.waitDone)
	return nil
}

func (m *Manager) openLogs(p *managed) (*os.File, *os.File, error) {
	outPath := p.spec.Process.StdoutLog
	if outPath == "" {
		outPath = filepath.Join(m.logDir, p.spec.Process.Name+".out.log")
	}
	errPath := p.spec.Process.StderrLog
	if errPath == "" {
		errPath = filepath.Join(m.logDir, p.spec.Process.Name+".err.log")
	}

	for _, path := range []string{outPath, errPath} {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, nil, err
		}
	}

	stdout, err := os.OpenFile(outPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, err
	}
	stderr, err := os.OpenFile(errPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		stdout.Close()
		return nil, nil, err
	}
	return stdout, stderr, nil
}

// wait records the child's exit exactly once for Poll or Stop to consume.
func (m *Manager) wait(p *managed, cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()

	if p.ringOut != nil {
		p.ringOut.Flush()
	}
	if p.ringErr != nil {
		p.ringErr.Flush()
	}
	if p.stdoutFile != nil {
		p.stdoutFile.Close()
		p.stdoutFile = nil
	}
	if p.stderrFile != nil {
		p.stderrFile.Close()
		p.stderrFile = nil
	}

	code, errMsg := exitCodeOf(err)
	p.exitCode = code
	p.exitPending = true
	if errMsg != "" {
		p.lastError = errMsg
	}
	close(done)
}

// Poll is the non-blocking liveness check. If the named process has exited
// since the last call it resolves the exit into an ExitEvent, marks the
// process stopped and returns the event — exactly once. A second poll
// before the next start returns nil. A running or never-started process
// also returns nil.
func (m *Manager) Poll(name string) (*ExitEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.procs[name]
	if !ok {
		return nil, fmt.Errorf("process %q not registered", name)
	}
	if !p.exitPending || p.stopping {
		return nil, nil
	}

	p.exitPending = false
	p.lastExitCode = p.exitCode
	p.status = StatusStopped
	p.pid = 0

	ev := &ExitEvent{
		Name:   name,
		Code:   p.exitCode,
		Action: ResolveExitAction(p.exitCode),
	}
	m.logger.Info("process exited", "process", name, "exit_code", codeString(ev.Code), "action", ev.Action.String())
	return ev, nil
}

// Stop performs a graceful-first stop: POST to the shutdown endpoint and
// wait up to timeout for the process to exit on its own; otherwise — or on
// any failure — fall back to killing the whole process tree so orphaned
// grandchildren die too. It returns the child's own exit code when the
// graceful path worked, nil when the tree kill decided the outcome.
func (m *Manager) Stop(name string, timeout time.Duration) (*int, error) {
	m.mu.Lock()
	p, ok := m.procs[name]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("process %q not registered", name)
	}
	if p.status != StatusRunning {
		m.mu.Unlock()
		return nil, nil
	}
	p.stopping = true
	pid := p.pid
	url := p.shutdownURL()
	done := p.waitDone
	m.mu.Unlock()

	if url != "" && m.requestShutdown(name, url) {
		select {
		case <-done:
			return m.consumeExit(p), nil
		case <-time.After(timeout):
			m.logger.Warn("graceful stop timed out, killing tree", "process", name, "timeout", timeout)
		}
	}

	if err := m.guard.KillTree(pid, killGrace); err != nil {
		m.logger.Warn("tree kill reported error", "process", name, "error", err)
	}

	select {
	case <-done:
	case <-time.After(killGrace + 3*time.Second):
		m.logger.Error("process did not exit after tree kill", "process", name, "pid", pid)
	}
	return m.consumeExit(p), nil
}

// requestShutdown asks the child to stop via its endpoint. Any network
// error degrades to the forced path and is never surfaced.
func (m *Manager) requestShutdown(name, url string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Warn("shutdown request failed, will kill tree", "process", name, "error", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		m.logger.Warn("shutdown request rejected", "process", name, "status", resp.StatusCode)
		return false
	}
	m.logger.Info("shutdown acknowledged, waiting for exit", "process", name)
	return true
}

// consumeExit takes ownership of the pending exit after a Stop so a later
// Poll reports nothing new.
func (m *Manager) consumeExit(p *managed) *int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var code *int
	if p.exitPending {
		p.exitPending = false
		p.lastExitCode = p.exitCode
		code = p.exitCode
	}
	p.status = StatusStopped
	p.pid = 0
	p.stopping = false
	return code
}

// Restart stops (if needed) and starts the named process, bumping its
// restart count.
func (m *Manager) Restart(name string, timeout time.Duration) error {
	if _, err := m.Stop(name, timeout); err != nil {
		return err
	}

	m.mu.Lock()
	if p, ok := m.procs[name]; ok {
		p.restartCount++
	}
	m.mu.Unlock()

	return m.Start(name)
}

// StopAll is a best-effort stop of every running registration, in reverse
// registration order.
func (m *Manager) StopAll(timeout time.Duration) {
	names := m.Names()
	for i := len(names) - 1; i >= 0; i-- {
		if _, err := m.Stop(names[i], timeout); err != nil {
			m.logger.Error("error stopping process", "process", names[i], "error", err)
		}
	}
}

// MarkRestarting flags a stopped process as waiting out its restart delay.
func (m *Manager) MarkRestarting(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.procs[name]; ok && p.status == StatusStopped {
		p.status = StatusRestarting
	}
}

// MarkDead gives up on a process (restart budget exhausted).
func (m *Manager) MarkDead(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.procs[name]; ok && p.status != StatusRunning {
		p.status = StatusDead
	}
}

// State returns a snapshot for one process.
func (m *Manager) State(name string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.procs[name]
	if !ok {
		return State{}, fmt.Errorf("process %q not registered", name)
	}
	return m.snapshot(name, p), nil
}

// States returns snapshots for all processes in registration order.
func (m *Manager) States() []State {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]State, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.snapshot(name, m.procs[name]))
	}
	return out
}

func (m *Manager) snapshot(name string, p *managed) State {
	st := State{
		Name:         name,
		Status:       p.status,
		RestartCount: p.restartCount,
		LastExitCode: p.lastExitCode,
		LastError:    p.lastError,
	}
	if p.status == StatusRunning {
		st.PID = p.pid
		st.Uptime = time.Since(p.startedAt).Truncate(time.Second).String()
	}
	return st
}

// Pids returns the pids of currently running children; the session monitor
// uses it to exclude the supervisor's own processes from its scan.
func (m *Manager) Pids() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pids []int
	for _, p := range m.procs {
		if p.status == StatusRunning {
			pids = append(pids, p.pid)
		}
	}
	return pids
}

// Logs returns the last n lines of combined stdout/stderr for a process.
func (m *Manager) Logs(name string, n int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.procs[name]
	if !ok {
		return nil, fmt.Errorf("process %q not registered", name)
	}
	return p.ring.Last(n), nil
}

// RestartCount returns a process's restart count.
func (m *Manager) RestartCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.procs[name]; ok {
		return p.restartCount
	}
	return 0
}

func codeString(code *int) string {
	if code == nil {
		return "none"
	}
	return fmt.Sprintf("%d", *code)
}
