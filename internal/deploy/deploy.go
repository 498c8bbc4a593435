// Package deploy coordinates git-driven self-updates: detect upstream
// commits, pull and install them, then wait for a safe window to restart
// the supervised processes, with a marker so the restarted world announces
// itself.
//
// A deploy cycle is strictly serialized behind a try-lock. Ticks that
// arrive while a cycle runs are dropped, not queued; the next tick will
// see whatever state the running cycle left behind.
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/botherd/botherd/internal/config"
	"github.com/botherd/botherd/internal/gitpoll"
	"github.com/botherd/botherd/internal/metrics"
	"github.com/botherd/botherd/internal/notify"
)

// pendingSubjectsMax bounds how many commit subjects are fetched for the
// update announcement; the notifier trims the displayed list further.
const pendingSubjectsMax = 50

// Checker is the slice of the git poller the deployer uses.
type Checker interface {
	Check(ctx context.Context, repo gitpoll.Repo) bool
	PendingSubjects(ctx context.Context, repo gitpoll.Repo, max int) []string
	Pull(ctx context.Context, repo gitpoll.Repo) error
}

// InstallRunner executes a repo's install command after a pull.
// Swappable in tests.
type InstallRunner func(ctx context.Context, dir, command string) error

func execInstall(ctx context.Context, dir, command string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if len(msg) > 500 {
			msg = msg[:500]
		}
		if msg != "" {
			return fmt.Errorf("install command: %w: %s", err, msg)
		}
		return fmt.Errorf("install command: %w", err)
	}
	return nil
}

// Deployer owns the update-and-restart cycle.
type Deployer struct {
	mu sync.Mutex

	checker  Checker
	install  InstallRunner
	notifier *notify.Notifier
	metrics  *metrics.Set
	repos    []config.Repo
	dataDir  string

	// safe reports whether restarting now would interrupt anyone.
	safe func() bool
	// restart bounces the supervised processes onto the new code.
	restart func(ctx context.Context) error

	// pending is set once an update is detected and announced. staged is
	// set once the new code is pulled and installed; the restart alone
	// may then wait many ticks for a safe window.
	pending bool
	staged  bool

	logger *slog.Logger
}

// New wires a deployer. safe gates deploys on session activity; restart is
// invoked after a successful pull and install.
func New(checker Checker, notifier *notify.Notifier, ms *metrics.Set, repos []config.Repo, dataDir string, safe func() bool, restart func(ctx context.Context) error) *Deployer {
	return &Deployer{
		checker:  checker,
		install:  execInstall,
		notifier: notifier,
		metrics:  ms,
		repos:    repos,
		dataDir:  dataDir,
		safe:     safe,
		restart:  restart,
		logger:   slog.With("component", "deploy"),
	}
}

// SetInstallRunner replaces the install executor, for tests.
func (d *Deployer) SetInstallRunner(run InstallRunner) {
	d.install = run
}

func (d *Deployer) repoFor(r config.Repo) gitpoll.Repo {
	return gitpoll.Repo{Dir: r.Dir, Remote: r.Remote, Branch: r.Branch}
}

// Tick is the periodic update pass: detect upstream changes (announcing
// them once), pull and install them right away, then restart when the
// session gate allows. Only the restart waits for a safe window; the new
// code is staged regardless. Overlapping ticks are dropped by the
// try-lock.
func (d *Deployer) Tick(ctx context.Context) {
	if !d.mu.TryLock() {
		d.logger.Debug("deploy cycle already running, skipping tick")
		return
	}
	defer d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.UpdateChecks.Inc()
	}

	if !d.pending && !d.staged {
		d.detectLocked(ctx)
	}
	if !d.pending && !d.staged {
		return
	}

	if !d.staged {
		if err := d.stageLocked(ctx); err != nil {
			d.logger.Error("deploy failed", "error", err)
			return
		}
	}

	if !d.safe() {
		d.logger.Info("new code staged but sessions are active, deferring restart")
		return
	}

	if err := d.restartLocked(ctx); err != nil {
		d.logger.Error("deploy failed", "error", err)
	}
}

// ForceDeploy runs a full deploy immediately, skipping both the detection
// gate and the session gate. It still serializes against Tick.
func (d *Deployer) ForceDeploy(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = true
	if !d.staged {
		if err := d.stageLocked(ctx); err != nil {
			return err
		}
	}
	return d.restartLocked(ctx)
}

// Pending reports whether an update is detected or staged and waiting for
// a restart window.
func (d *Deployer) Pending() bool {
	if !d.mu.TryLock() {
		// A cycle is running right now, which is as pending as it gets.
		return true
	}
	defer d.mu.Unlock()
	return d.pending || d.staged
}

// detectLocked checks each repo for upstream commits. The first detection
// announces the pending change list; re-announcing every tick would spam
// the channel.
func (d *Deployer) detectLocked(ctx context.Context) {
	for _, r := range d.repos {
		repo := d.repoFor(r)
		if !d.checker.Check(ctx, repo) {
			continue
		}
		subjects := d.checker.PendingSubjects(ctx, repo, pendingSubjectsMax)
		d.notifier.UpdateDetected(ctx, r.Dir, subjects)
		if d.metrics != nil {
			d.metrics.Notifications.Inc()
		}
		d.pending = true
	}
}

// stageLocked brings the new code onto disk: announce, pull and install
// every repo, write the restart marker. Any failure leaves the running
// processes on the old code and stays pending for the next tick.
func (d *Deployer) stageLocked(ctx context.Context) error {
	d.notifier.DeployStarted(ctx)

	for _, r := range d.repos {
		if err := d.checker.Pull(ctx, d.repoFor(r)); err != nil {
			return d.failLocked(ctx, err)
		}
		if r.Install != "" {
			if err := d.install(ctx, r.Dir, r.Install); err != nil {
				return d.failLocked(ctx, err)
			}
		}
		d.logger.Info("repo updated", "dir", r.Dir)
	}

	d.notifier.DeploySucceeded(ctx)

	if err := WriteMarker(d.dataDir, "deploy"); err != nil {
		// The new code is already on disk; restart anyway and only
		// lose the completion announcement.
		d.logger.Warn("cannot write restart marker", "error", err)
	}

	d.staged = true
	return nil
}

// restartLocked bounces the supervised processes onto staged code and
// announces completion.
func (d *Deployer) restartLocked(ctx context.Context) error {
	d.notifier.RestartStarting(ctx)
	if err := d.restart(ctx); err != nil {
		return d.failLocked(ctx, fmt.Errorf("restarting processes: %w", err))
	}

	d.pending = false
	d.staged = false
	if d.metrics != nil {
		d.metrics.Deploys.WithLabelValues("success").Inc()
	}
	d.logger.Info("deploy complete")

	d.AnnounceRestartIfMarked(ctx)
	return nil
}

func (d *Deployer) failLocked(ctx context.Context, err error) error {
	d.notifier.DeployFailed(ctx, err.Error())
	if d.metrics != nil {
		d.metrics.Deploys.WithLabelValues("failure").Inc()
	}
	return err
}

// AnnounceRestartIfMarked consumes the restart marker and, if one was
// present, announces that the restart completed. The supervisor calls this
// once at startup so a deploy that restarted the whole supervisor still
// closes the loop; with no marker it is silent.
func (d *Deployer) AnnounceRestartIfMarked(ctx context.Context) {
	m, err := ConsumeMarker(d.dataDir)
	if err != nil {
		d.logger.Warn("cannot consume restart marker", "error", err)
		return
	}
	if m == nil {
		return
	}
	d.notifier.RestartComplete(ctx)
	if d.metrics != nil {
		d.metrics.Notifications.Inc()
	}
	d.logger.Info("restart announced", "marker_written_at", m.WrittenAt, "reason", m.Reason)
}
