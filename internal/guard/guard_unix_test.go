//go:build unix

package guard

import (
	"os/exec"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestCreateAdoptReleaseIdempotent(t *testing.T) {
	g := New()

	if err := g.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := g.Create(); err != nil {
		t.Fatalf("second Create: %v", err)
	}

	cmd := exec.Command("sleep", "30")
	cmd.SysProcAttr = g.SysProcAttr()
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	defer cmd.Process.Kill()
	defer cmd.Wait()

	if err := g.Adopt(cmd.Process.Pid); err != nil {
		t.Fatalf("Adopt: %v", err)
	}
	if err := g.Adopt(cmd.Process.Pid); err != nil {
		t.Fatalf("second Adopt: %v", err)
	}

	if err := g.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := g.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}

func TestCrashSafeIsHonestOnUnix(t *testing.T) {
	g := New()
	if g.CrashSafe() {
		t.Error("process groups are not crash-safe; CrashSafe must not claim otherwise")
	}
}

func TestKillTreeKillsProcessGroup(t *testing.T) {
	g := New()
	if err := g.Create(); err != nil {
		t.Fatal(err)
	}

	// The shell forks a grandchild sleep and then sleeps itself; both stay
	// in the group created at spawn.
	cmd := exec.Command("sh", "-c", "sleep 60 & sleep 60")
	cmd.SysProcAttr = g.SysProcAttr()
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	pid := cmd.Process.Pid
	if err := g.Adopt(pid); err != nil {
		t.Fatal(err)
	}

	// Give the shell a moment to fork.
	time.Sleep(100 * time.Millisecond)

	pgid, err := unix.Getpgid(pid)
	if err != nil {
		t.Fatalf("Getpgid: %v", err)
	}

	if err := g.KillTree(pid, 500*time.Millisecond); err != nil {
		t.Fatalf("KillTree: %v", err)
	}
	cmd.Wait()

	// The whole group must be gone: signalling it should fail with ESRCH.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := unix.Kill(-pgid, 0); err != nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Errorf("process group %d still alive after KillTree", pgid)
}

func TestKillTreeOnMissingPidIsNoError(t *testing.T) {
	g := New()
	if err := g.Create(); err != nil {
		t.Fatal(err)
	}

	// Spawn and immediately reap a process so its pid is stale.
	cmd := exec.Command("true")
	cmd.SysProcAttr = g.SysProcAttr()
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	pid := cmd.Process.Pid
	cmd.Wait()

	if err := g.KillTree(pid, 100*time.Millisecond); err != nil {
		t.Errorf("KillTree on dead pid: %v", err)
	}
}
