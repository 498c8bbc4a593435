//go:build unix

package guard

import (
	"errors"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

// platformGuard on Unix has no kernel container to manage: membership is
// established at spawn time via Setpgid, so create/adopt/release only exist
// to satisfy the Guard lifecycle.
type platformGuard struct{}

func (platformGuard) create() error       { return nil }
func (platformGuard) adopt(pid int) error { return nil }
func (platformGuard) release() error      { return nil }

// crashSafe is false on Unix: a process group survives its leader's parent
// dying, so teardown only happens when KillTree/Release actually run.
// PDEATHSIG (Linux) narrows the window for direct children but does nothing
// for grandchildren, which is not the guarantee this flag describes.
func (platformGuard) crashSafe() bool { return false }

// killTree terminates pid and its descendants. The process group is the
// primary mechanism: children are spawned with Setpgid, so signalling -pgid
// reaches everything that stayed in the group. A descendant walk afterwards
// catches processes that called setpgid themselves and escaped.
func killTree(pid int, grace time.Duration) error {
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		// Leader already gone; sweep whatever descendants remain.
		killDescendants(int32(pid))
		return nil
	}

	_ = signalGroup(pgid, unix.SIGTERM)

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if err := unix.Kill(pid, 0); err != nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	_ = signalGroup(pgid, unix.SIGKILL)
	killDescendants(int32(pid))
	return nil
}

// signalGroup signals a whole process group, treating "no such process" as
// success: a group that is already gone is exactly what we wanted.
func signalGroup(pgid int, sig unix.Signal) error {
	if err := unix.Kill(-pgid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

// killDescendants walks the process table below pid and kills each entry,
// ignoring the ones that disappear mid-walk.
func killDescendants(pid int32) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return
	}
	children, err := p.Children()
	if err != nil {
		return
	}
	for _, child := range children {
		killDescendants(child.Pid)
		_ = child.Kill()
	}
}
