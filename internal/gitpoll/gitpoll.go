// Package gitpoll watches git repositories for upstream commits by
// shelling out to the git binary. It never resolves conflicts or rewrites
// history; anything unexpected from git is treated as "no update" so a
// flaky remote cannot destabilize the supervisor.
package gitpoll

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Runner executes a git subcommand in a repository directory and returns
// its trimmed stdout. Swappable in tests.
type Runner func(ctx context.Context, dir string, args ...string) (string, error)

// execGit is the production Runner.
func execGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		if text != "" {
			return "", fmt.Errorf("git %s: %w: %s", args[0], err, text)
		}
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return text, nil
}

// Repo identifies one watched repository.
type Repo struct {
	Dir    string
	Remote string
	Branch string
}

func (r Repo) upstream() string {
	return r.Remote + "/" + r.Branch
}

// Revisions holds the revision pair computed by the most recent Check of
// a repository. Diagnostic only.
type Revisions struct {
	Local  string
	Remote string
}

// Poller checks repositories for upstream changes.
type Poller struct {
	run     Runner
	timeout time.Duration
	logger  *slog.Logger

	mu   sync.Mutex
	seen map[string]Revisions
}

// New creates a poller backed by the system git binary.
func New() *Poller {
	return &Poller{
		run:     execGit,
		timeout: 30 * time.Second,
		logger:  slog.With("component", "gitpoll"),
		seen:    make(map[string]Revisions),
	}
}

// NewWithRunner creates a poller with a custom git runner, for tests.
func NewWithRunner(run Runner) *Poller {
	p := New()
	p.run = run
	return p
}

// Check fetches the repo's remote and reports whether its upstream branch
// is ahead of the local checkout. Every failure mode (no network, missing
// remote, not a git repo) degrades to false.
func (p *Poller) Check(ctx context.Context, repo Repo) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if _, err := p.run(ctx, repo.Dir, "fetch", repo.Remote, repo.Branch); err != nil {
		p.logger.Warn("fetch failed, treating as no update", "dir", repo.Dir, "error", err)
		return false
	}

	local, err := p.LocalRevision(ctx, repo)
	if err != nil {
		p.logger.Warn("cannot read local revision", "dir", repo.Dir, "error", err)
		return false
	}
	remote, err := p.RemoteRevision(ctx, repo)
	if err != nil {
		p.logger.Warn("cannot read remote revision", "dir", repo.Dir, "error", err)
		return false
	}
	p.mu.Lock()
	p.seen[repo.Dir] = Revisions{Local: local, Remote: remote}
	p.mu.Unlock()

	if local == remote {
		return false
	}

	// Remote differing from local is only an update when local is an
	// ancestor of remote; a diverged local checkout is not ours to fix.
	if _, err := p.run(ctx, repo.Dir, "merge-base", "--is-ancestor", local, remote); err != nil {
		p.logger.Warn("local checkout diverged from upstream, skipping", "dir", repo.Dir, "local", short(local), "remote", short(remote))
		return false
	}

	p.logger.Info("update available", "dir", repo.Dir, "local", short(local), "remote", short(remote))
	return true
}

// LastSeen returns the revision pair computed by the most recent Check of
// the repository, if any.
func (p *Poller) LastSeen(repo Repo) (Revisions, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rv, ok := p.seen[repo.Dir]
	return rv, ok
}

// Reset forgets all recorded revision pairs.
func (p *Poller) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.seen)
}

// LocalRevision returns the commit hash of HEAD.
func (p *Poller) LocalRevision(ctx context.Context, repo Repo) (string, error) {
	return p.run(ctx, repo.Dir, "rev-parse", "HEAD")
}

// RemoteRevision returns the commit hash of the fetched upstream branch.
func (p *Poller) RemoteRevision(ctx context.Context, repo Repo) (string, error) {
	return p.run(ctx, repo.Dir, "rev-parse", repo.upstream())
}

// PendingSubjects lists the subject lines of commits the local checkout is
// missing, newest first, capped at max. Errors yield an empty list; the
// subjects only feed notifications.
func (p *Poller) PendingSubjects(ctx context.Context, repo Repo, max int) []string {
	out, err := p.run(ctx, repo.Dir, "log", "--pretty=format:%s",
		fmt.Sprintf("-%d", max), "HEAD.."+repo.upstream())
	if err != nil {
		p.logger.Warn("cannot list pending commits", "dir", repo.Dir, "error", err)
		return nil
	}
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

// Pull fast-forwards the local checkout to the upstream branch. It refuses
// to merge: a pull that cannot fast-forward fails and leaves the checkout
// untouched.
func (p *Poller) Pull(ctx context.Context, repo Repo) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if _, err := p.run(ctx, repo.Dir, "pull", "--ff-only", repo.Remote, repo.Branch); err != nil {
		return fmt.Errorf("pulling %s: %w", repo.Dir, err)
	}
	return nil
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}
