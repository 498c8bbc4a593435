package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/botherd/botherd/internal/config"
	"github.com/botherd/botherd/internal/gitpoll"
	"github.com/botherd/botherd/internal/notify"
)

type fakeChecker struct {
	mu        sync.Mutex
	hasUpdate bool
	subjects  []string
	pullErr   error
	checks    int
	pulls     int
}

func (f *fakeChecker) Check(ctx context.Context, repo gitpoll.Repo) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	return f.hasUpdate
}

func (f *fakeChecker) PendingSubjects(ctx context.Context, repo gitpoll.Repo, max int) []string {
	return f.subjects
}

func (f *fakeChecker) Pull(ctx context.Context, repo gitpoll.Repo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls++
	return f.pullErr
}

type webhookLog struct {
	mu    sync.Mutex
	texts []string
}

func (w *webhookLog) server() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var msg map[string]string
		json.Unmarshal(body, &msg)
		w.mu.Lock()
		w.texts = append(w.texts, msg["text"])
		w.mu.Unlock()
	}))
}

func (w *webhookLog) all() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.texts...)
}

func (w *webhookLog) containing(sub string) int {
	n := 0
	for _, t := range w.all() {
		if strings.Contains(t, sub) {
			n++
		}
	}
	return n
}

type harness struct {
	d        *Deployer
	checker  *fakeChecker
	hook     *webhookLog
	dataDir  string
	safe     bool
	restarts int
	installs []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		checker: &fakeChecker{},
		hook:    &webhookLog{},
		dataDir: t.TempDir(),
		safe:    true,
	}
	ts := h.hook.server()
	t.Cleanup(ts.Close)

	repos := []config.Repo{{Dir: "/srv/bot", Remote: "origin", Branch: "main", Install: "make install"}}
	h.d = New(h.checker, notify.NewWithURL(ts.URL), nil, repos, h.dataDir,
		func() bool { return h.safe },
		func(ctx context.Context) error { h.restarts++; return nil })
	h.d.SetInstallRunner(func(ctx context.Context, dir, command string) error {
		h.installs = append(h.installs, command)
		return nil
	})
	return h
}

func TestMarkerConsumedExactlyOnce(t *testing.T) {
	dir := t.TempDir()
	if err := WriteMarker(dir, "deploy"); err != nil {
		t.Fatal(err)
	}

	m, err := ConsumeMarker(dir)
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.Reason != "deploy" || m.WrittenAt.IsZero() {
		t.Fatalf("unexpected marker: %+v", m)
	}

	again, err := ConsumeMarker(dir)
	if err != nil {
		t.Fatal(err)
	}
	if again != nil {
		t.Errorf("second consume returned a marker: %+v", again)
	}
}

func TestCorruptMarkerIsDiscarded(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, markerName)
	if err := os.WriteFile(path, []byte("garbage"), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := ConsumeMarker(dir)
	if err != nil {
		t.Fatal(err)
	}
	if m != nil {
		t.Errorf("corrupt marker should read as absent, got %+v", m)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Error("corrupt marker file should have been removed")
	}
}

func TestTickAnnouncesUpdateOnce(t *testing.T) {
	h := newHarness(t)
	h.safe = false
	h.checker.hasUpdate = true
	h.checker.subjects = []string{"fix the thing"}

	h.d.Tick(context.Background())
	h.d.Tick(context.Background())

	if got := h.hook.containing("fix the thing"); got != 1 {
		t.Errorf("expected exactly one change announcement, got %d: %v", got, h.hook.all())
	}
	if !h.d.Pending() {
		t.Error("update should be pending")
	}
	if h.restarts != 0 {
		t.Error("active sessions must defer the restart")
	}
}

func TestStagingProceedsWhileSessionsActive(t *testing.T) {
	h := newHarness(t)
	h.safe = false
	h.checker.hasUpdate = true

	h.d.Tick(context.Background())
	h.d.Tick(context.Background())

	// The new code is pulled and installed exactly once while the
	// restart waits for a window.
	if h.checker.pulls != 1 || len(h.installs) != 1 {
		t.Errorf("expected one staging pass: pulls=%d installs=%v", h.checker.pulls, h.installs)
	}
	if h.restarts != 0 {
		t.Error("restart must wait for the session gate")
	}
	if _, err := os.Stat(filepath.Join(h.dataDir, markerName)); err != nil {
		t.Errorf("marker should be written at staging time: %v", err)
	}

	h.safe = true
	h.d.Tick(context.Background())

	if h.checker.pulls != 1 {
		t.Errorf("restart tick must not re-pull, got %d pulls", h.checker.pulls)
	}
	if h.restarts != 1 {
		t.Errorf("expected the deferred restart, got %d", h.restarts)
	}
	if h.d.Pending() {
		t.Error("completed deploy should clear pending state")
	}
}

func TestTickDeploysWhenSafe(t *testing.T) {
	h := newHarness(t)
	h.checker.hasUpdate = true

	h.d.Tick(context.Background())

	if h.checker.pulls != 1 {
		t.Errorf("expected one pull, got %d", h.checker.pulls)
	}
	if len(h.installs) != 1 || h.installs[0] != "make install" {
		t.Errorf("expected install command to run, got %v", h.installs)
	}
	if h.restarts != 1 {
		t.Errorf("expected one restart, got %d", h.restarts)
	}
	if h.d.Pending() {
		t.Error("deploy should clear pending state")
	}

	// The marker written by the deploy is consumed by the completion
	// announcement in the same cycle.
	if m, _ := ConsumeMarker(h.dataDir); m != nil {
		t.Error("marker should already be consumed")
	}
	if h.hook.containing("back online") != 1 {
		t.Errorf("expected restart-complete announcement, got %v", h.hook.all())
	}

	// An observer sees the whole arc: start, success, restart, complete.
	for _, want := range []string{"Deploying update", "Deploy succeeded", "Restarting processes", "back online"} {
		if h.hook.containing(want) != 1 {
			t.Errorf("missing %q in announcements: %v", want, h.hook.all())
		}
	}
}

func TestFailedInstallLeavesProcessesUntouched(t *testing.T) {
	h := newHarness(t)
	h.checker.hasUpdate = true
	h.d.SetInstallRunner(func(ctx context.Context, dir, command string) error {
		return errors.New("exit status 2")
	})

	h.d.Tick(context.Background())

	if h.restarts != 0 {
		t.Error("failed install must not restart processes")
	}
	if h.hook.containing("Deploy failed") != 1 {
		t.Errorf("expected failure announcement, got %v", h.hook.all())
	}
	if !h.d.Pending() {
		t.Error("failed deploy should stay pending for retry")
	}
}

func TestFailedPullLeavesProcessesUntouched(t *testing.T) {
	h := newHarness(t)
	h.checker.hasUpdate = true
	h.checker.pullErr = errors.New("not possible to fast-forward")

	h.d.Tick(context.Background())

	if len(h.installs) != 0 || h.restarts != 0 {
		t.Error("failed pull must stop the cycle before install and restart")
	}
}

func TestForceDeploySkipsGates(t *testing.T) {
	h := newHarness(t)
	h.safe = false
	h.checker.hasUpdate = false

	if err := h.d.ForceDeploy(context.Background()); err != nil {
		t.Fatalf("force deploy: %v", err)
	}
	if h.checker.pulls != 1 || h.restarts != 1 {
		t.Errorf("force deploy should pull and restart regardless of gates: pulls=%d restarts=%d",
			h.checker.pulls, h.restarts)
	}
}

func TestOverlappingTickIsDropped(t *testing.T) {
	h := newHarness(t)
	h.checker.hasUpdate = true

	h.d.mu.Lock()
	h.d.Tick(context.Background())
	h.d.mu.Unlock()

	if h.checker.checks != 0 {
		t.Errorf("tick during a running cycle must be dropped, got %d checks", h.checker.checks)
	}
}

func TestStartupAnnounceWithoutMarkerIsSilent(t *testing.T) {
	h := newHarness(t)
	h.d.AnnounceRestartIfMarked(context.Background())
	if len(h.hook.all()) != 0 {
		t.Errorf("no marker means no announcement, got %v", h.hook.all())
	}
}

func TestStartupAnnounceConsumesMarker(t *testing.T) {
	h := newHarness(t)
	if err := WriteMarker(h.dataDir, "deploy"); err != nil {
		t.Fatal(err)
	}

	h.d.AnnounceRestartIfMarked(context.Background())
	h.d.AnnounceRestartIfMarked(context.Background())

	if got := h.hook.containing("back online"); got != 1 {
		t.Errorf("expected exactly one restart announcement, got %d", got)
	}
}
