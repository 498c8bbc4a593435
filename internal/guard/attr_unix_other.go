//go:build unix && !linux

package guard

import "syscall"

// sysProcAttr puts the child in its own process group so the group kill in
// killTree reaches its descendants.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
