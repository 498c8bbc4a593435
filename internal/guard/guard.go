// Package guard contains the process-tree containment primitive the
// supervisor wraps around every child it spawns.
//
// The contract has two halves. Adoption: every spawned pid is handed to the
// guard immediately after spawn so the OS groups it (and its descendants)
// with the supervisor. Teardown: KillTree removes a process and everything
// below it, and Release tears down the whole container on shutdown.
//
// Crash safety differs per platform and is never overstated: on Windows a
// Job Object with kill-on-close means the OS reaps every member even if the
// supervisor dies without running a line of cleanup; on Unix the guard only
// guarantees teardown when Release or KillTree actually run (Linux adds
// PDEATHSIG for direct children, which still leaves grandchildren to the
// explicit path). CrashSafe reports which world we are in.
package guard

import (
	"log/slog"
	"sync"
	"syscall"
	"time"
)

// Guard is the process-tree container. One instance is created by the
// top-level supervisor at startup and passed to whatever spawns children;
// it is not ambient global state.
type Guard struct {
	mu       sync.Mutex
	created  bool
	released bool
	pids     map[int]struct{}
	logger   *slog.Logger

	platform platformGuard
}

// New returns an unstarted guard. Call Create before adopting pids.
func New() *Guard {
	return &Guard{
		pids:   make(map[int]struct{}),
		logger: slog.With("component", "guard"),
	}
}

// Create initializes the OS container. Idempotent; calling Create on a
// released guard is an error surfaced by the platform layer.
func (g *Guard) Create() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.created {
		return nil
	}
	if err := g.platform.create(); err != nil {
		return err
	}
	g.created = true
	g.logger.Debug("process group guard created", "crash_safe", g.platform.crashSafe())
	return nil
}

// Adopt places a freshly spawned pid into the container. Must be called
// immediately after spawn, before the child has a chance to fork.
func (g *Guard) Adopt(pid int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.pids[pid]; ok {
		return nil
	}
	if err := g.platform.adopt(pid); err != nil {
		return err
	}
	g.pids[pid] = struct{}{}
	return nil
}

// Release closes the container. On platforms with a kill-on-close primitive
// this cascades the kill to every member; elsewhere it only drops
// bookkeeping — callers must have stopped children first. Idempotent.
func (g *Guard) Release() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.created || g.released {
		return nil
	}
	err := g.platform.release()
	g.released = true
	g.pids = make(map[int]struct{})
	return err
}

// CrashSafe reports whether the OS reclaims the container — and kills all
// members — when the supervisor dies without cleanup. When false the only
// guarantee is the explicit KillTree/Release path.
func (g *Guard) CrashSafe() bool {
	return g.platform.crashSafe()
}

// SysProcAttr returns the attributes children must be spawned with so the
// guard's teardown reaches them.
func (g *Guard) SysProcAttr() *syscall.SysProcAttr {
	return sysProcAttr()
}

// KillTree terminates pid and every OS-level descendant: graceful signal
// first, hard kill after grace. Pids that are already gone are not errors.
func (g *Guard) KillTree(pid int, grace time.Duration) error {
	err := killTree(pid, grace)
	if err != nil {
		g.logger.Warn("tree kill incomplete", "pid", pid, "error", err)
		return err
	}

	g.mu.Lock()
	delete(g.pids, pid)
	g.mu.Unlock()
	return nil
}
