package guard

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// sysProcAttr puts the child in its own process group and asks the kernel
// to SIGKILL it if the supervisor thread that spawned it dies. PDEATHSIG
// only covers the direct child, not its descendants; those are reached by
// the process-group kill.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: unix.SIGKILL,
	}
}
