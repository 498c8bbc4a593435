package guard

import (
	"fmt"
	"syscall"
	"time"
	"unsafe"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/windows"
)

// platformGuard on Windows is a Job Object configured with kill-on-close:
// when the last handle to the job is closed — by Release, or by the OS
// reclaiming handles after the supervisor dies — every member process is
// terminated by the kernel. This is the crash-safe primitive the Unix side
// lacks.
type platformGuard struct {
	job windows.Handle
}

func (p *platformGuard) create() error {
	if p.job != 0 {
		return nil
	}

	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		return fmt.Errorf("creating job object: %w", err)
	}

	info := windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION{
		BasicLimitInformation: windows.JOBOBJECT_BASIC_LIMIT_INFORMATION{
			LimitFlags: windows.JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE,
		},
	}
	if _, err := windows.SetInformationJobObject(
		job,
		windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&info)),
		uint32(unsafe.Sizeof(info)),
	); err != nil {
		windows.CloseHandle(job)
		return fmt.Errorf("configuring job object: %w", err)
	}

	p.job = job
	return nil
}

func (p *platformGuard) adopt(pid int) error {
	if p.job == 0 {
		return fmt.Errorf("job object not created")
	}

	h, err := windows.OpenProcess(
		windows.PROCESS_SET_QUOTA|windows.PROCESS_TERMINATE,
		false,
		uint32(pid),
	)
	if err != nil {
		return fmt.Errorf("opening process %d: %w", pid, err)
	}
	defer windows.CloseHandle(h)

	if err := windows.AssignProcessToJobObject(p.job, h); err != nil {
		return fmt.Errorf("assigning pid %d to job: %w", pid, err)
	}
	return nil
}

// release closes the job handle; kill-on-close cascades the termination to
// every member.
func (p *platformGuard) release() error {
	if p.job == 0 {
		return nil
	}
	err := windows.CloseHandle(p.job)
	p.job = 0
	return err
}

func (p *platformGuard) crashSafe() bool { return true }

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}

// killTree terminates pid and its descendants via a process-table walk.
// TerminateJobObject is deliberately not used here: it would take down every
// supervised process, not just the one being stopped.
func killTree(pid int, grace time.Duration) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil // already gone
	}

	_ = p.Terminate()

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if running, err := p.IsRunning(); err != nil || !running {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	killDescendantsWin(p)
	_ = p.Kill() // already-gone errors are fine
	return nil
}

func killDescendantsWin(p *process.Process) {
	children, err := p.Children()
	if err != nil {
		return
	}
	for _, child := range children {
		killDescendantsWin(child)
		_ = child.Kill()
	}
}
