//go:build unix

package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/botherd/botherd/internal/config"
	"github.com/botherd/botherd/internal/procman"
	"github.com/botherd/botherd/internal/spec"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	specDir := filepath.Join(base, "processes")
	if err := os.MkdirAll(specDir, 0755); err != nil {
		t.Fatal(err)
	}
	return &config.Config{
		SpecDir:        specDir,
		LogDir:         filepath.Join(base, "logs"),
		DataDir:        filepath.Join(base, "data"),
		PollInterval:   spec.Duration{Duration: 50 * time.Millisecond},
		UpdateInterval: spec.Duration{Duration: time.Hour},
		StopTimeout:    spec.Duration{Duration: 500 * time.Millisecond},
		ShutdownPorts:  config.PortRange{Min: 22000, Max: 22200},
	}
}

func writeSpec(t *testing.T, cfg *config.Config, name, content string) {
	t.Helper()
	path := filepath.Join(cfg.SpecDir, name+".yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// exitOnceSpec runs a process that exits with the given code on its first
// run and sleeps on every run after, via a flag file in dir.
func exitOnceSpec(name string, code int, dir string) string {
	return fmt.Sprintf(`process:
  name: %s
  command: sh
  args: ["-c", "if [ -f flag-%s ]; then sleep 30; else touch flag-%s; exit %d; fi"]
  working_dir: %s
restart:
  use_exit_codes: true
  auto_restart: true
  delay: 20ms
`, name, name, name, code, dir)
}

func sleeperSpec(name string) string {
	return fmt.Sprintf(`process:
  name: %s
  command: sleep
  args: ["30"]
`, name)
}

func startSupervisor(t *testing.T, cfg *config.Config) *Supervisor {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		cancel()
		s.Shutdown()
	})
	return s
}

// waitUntil polls the condition, running liveness passes, until it holds.
func waitUntil(t *testing.T, s *Supervisor, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s.PollOnce(context.Background())
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; states: %+v", desc, s.States())
}

func TestStartRunsAllSpecs(t *testing.T) {
	cfg := testConfig(t)
	writeSpec(t, cfg, "bot", sleeperSpec("bot"))
	writeSpec(t, cfg, "helper", sleeperSpec("helper"))

	s := startSupervisor(t, cfg)

	states := s.States()
	if len(states) != 2 {
		t.Fatalf("expected 2 processes, got %d", len(states))
	}
	for _, st := range states {
		if st.Status != procman.StatusRunning {
			t.Errorf("process %q not running: %+v", st.Name, st)
		}
	}
}

func TestExit43RestartsOnlyThatProcess(t *testing.T) {
	cfg := testConfig(t)
	work := t.TempDir()
	writeSpec(t, cfg, "bot", exitOnceSpec("bot", 43, work))
	writeSpec(t, cfg, "helper", sleeperSpec("helper"))

	s := startSupervisor(t, cfg)

	helperBefore, err := s.State("helper")
	if err != nil {
		t.Fatal(err)
	}

	waitUntil(t, s, "bot restart", func() bool {
		st, _ := s.State("bot")
		return st.RestartCount == 1 && st.Status == procman.StatusRunning
	})

	bot, _ := s.State("bot")
	if bot.LastExitCode == nil || *bot.LastExitCode != 43 {
		t.Errorf("expected recorded exit 43, got %v", bot.LastExitCode)
	}

	helperAfter, _ := s.State("helper")
	if helperAfter.PID != helperBefore.PID {
		t.Errorf("helper was restarted too: pid %d -> %d", helperBefore.PID, helperAfter.PID)
	}
	if helperAfter.RestartCount != 0 {
		t.Errorf("helper restart count should be 0, got %d", helperAfter.RestartCount)
	}
}

func TestExit44RestartsEverything(t *testing.T) {
	cfg := testConfig(t)
	work := t.TempDir()
	writeSpec(t, cfg, "alpha", exitOnceSpec("alpha", 44, work))
	writeSpec(t, cfg, "beta", sleeperSpec("beta"))

	s := startSupervisor(t, cfg)

	betaBefore, err := s.State("beta")
	if err != nil {
		t.Fatal(err)
	}

	waitUntil(t, s, "full restart", func() bool {
		a, _ := s.State("alpha")
		b, _ := s.State("beta")
		return a.RestartCount == 1 && a.Status == procman.StatusRunning &&
			b.RestartCount == 1 && b.Status == procman.StatusRunning
	})

	betaAfter, _ := s.State("beta")
	if betaAfter.PID == betaBefore.PID {
		t.Error("beta should have a new pid after restart-all")
	}
}

func TestCleanExitLeavesProcessStopped(t *testing.T) {
	cfg := testConfig(t)
	writeSpec(t, cfg, "done", `process:
  name: done
  command: "true"
restart:
  use_exit_codes: true
  auto_restart: true
`)

	s := startSupervisor(t, cfg)

	waitUntil(t, s, "clean exit consumed", func() bool {
		st, _ := s.State("done")
		return st.Status == procman.StatusStopped && st.LastExitCode != nil
	})

	// Give any misdirected restart a chance to show itself.
	time.Sleep(100 * time.Millisecond)
	s.PollOnce(context.Background())

	st, _ := s.State("done")
	if st.Status != procman.StatusStopped || st.RestartCount != 0 {
		t.Errorf("clean exit must leave the process stopped: %+v", st)
	}
}

func TestCrashRespectsMaxRestarts(t *testing.T) {
	cfg := testConfig(t)
	writeSpec(t, cfg, "crashy", `process:
  name: crashy
  command: sh
  args: ["-c", "exit 1"]
restart:
  auto_restart: true
  delay: 20ms
  max_restarts: 2
`)

	s := startSupervisor(t, cfg)

	waitUntil(t, s, "restart budget exhausted", func() bool {
		st, _ := s.State("crashy")
		return st.Status == procman.StatusDead
	})

	st, _ := s.State("crashy")
	if st.RestartCount != 2 {
		t.Errorf("expected exactly 2 restarts before giving up, got %d", st.RestartCount)
	}
}

func TestAutoRestartDisabledLeavesStopped(t *testing.T) {
	cfg := testConfig(t)
	writeSpec(t, cfg, "oneshot", `process:
  name: oneshot
  command: sh
  args: ["-c", "exit 1"]
restart:
  auto_restart: false
`)

	s := startSupervisor(t, cfg)

	waitUntil(t, s, "exit consumed", func() bool {
		st, _ := s.State("oneshot")
		return st.Status == procman.StatusStopped
	})

	time.Sleep(100 * time.Millisecond)
	s.PollOnce(context.Background())

	st, _ := s.State("oneshot")
	if st.RestartCount != 0 {
		t.Errorf("disabled auto-restart must not restart, got count %d", st.RestartCount)
	}
}

func TestExitCodesIgnoredWithoutOptIn(t *testing.T) {
	cfg := testConfig(t)
	work := t.TempDir()
	// Exits 43 but never opted into the protocol, so the exit is a
	// crash: restart via the policy path works the same way.
	writeSpec(t, cfg, "legacy", fmt.Sprintf(`process:
  name: legacy
  command: sh
  args: ["-c", "if [ -f flag-legacy ]; then sleep 30; else touch flag-legacy; exit 43; fi"]
  working_dir: %s
restart:
  use_exit_codes: false
  auto_restart: true
  delay: 20ms
`, work))

	s := startSupervisor(t, cfg)

	waitUntil(t, s, "policy restart", func() bool {
		st, _ := s.State("legacy")
		return st.RestartCount == 1 && st.Status == procman.StatusRunning
	})
}

func TestReloadReconcilesSpecDir(t *testing.T) {
	cfg := testConfig(t)
	writeSpec(t, cfg, "keeper", sleeperSpec("keeper"))
	writeSpec(t, cfg, "goner", sleeperSpec("goner"))

	s := startSupervisor(t, cfg)

	// Add one, remove one, change one.
	writeSpec(t, cfg, "newcomer", sleeperSpec("newcomer"))
	if err := os.Remove(filepath.Join(cfg.SpecDir, "goner.yaml")); err != nil {
		t.Fatal(err)
	}
	writeSpec(t, cfg, "keeper", `process:
  name: keeper
  command: sleep
  args: ["60"]
`)

	result, err := s.Reload()
	if err != nil {
		t.Fatal(err)
	}

	if len(result.Added) != 1 || result.Added[0] != "newcomer" {
		t.Errorf("unexpected added: %v", result.Added)
	}
	if len(result.Removed) != 1 || result.Removed[0] != "goner" {
		t.Errorf("unexpected removed: %v", result.Removed)
	}
	if len(result.Restarted) != 1 || result.Restarted[0] != "keeper" {
		t.Errorf("unexpected restarted: %v", result.Restarted)
	}

	if _, err := s.State("goner"); err == nil {
		t.Error("removed process should be deregistered")
	}
	st, err := s.State("newcomer")
	if err != nil || st.Status != procman.StatusRunning {
		t.Errorf("new process should be running: %+v err=%v", st, err)
	}
}

func TestReloadWithoutChangesIsQuiet(t *testing.T) {
	cfg := testConfig(t)
	writeSpec(t, cfg, "stable", sleeperSpec("stable"))

	s := startSupervisor(t, cfg)
	before, _ := s.State("stable")

	result, err := s.Reload()
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Added)+len(result.Removed)+len(result.Restarted) != 0 {
		t.Errorf("unchanged dir should reconcile to nothing: %+v", result)
	}

	after, _ := s.State("stable")
	if after.PID != before.PID {
		t.Error("unchanged process must not be restarted")
	}
}
