// Package session counts interactive work sessions on the host by
// scanning the process table. The supervisor uses the count as a deploy
// gate: restarting the bot under someone's feet loses their work.
//
// The count is a heuristic and the monitor fails open: if the scan breaks
// it reports zero active sessions rather than blocking deploys forever.
package session

import (
	"log/slog"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// Proc is the slice of a process-table entry the monitor inspects.
type Proc struct {
	PID     int
	Name    string
	Cmdline string
}

// Lister enumerates the process table. Swappable in tests.
type Lister func() ([]Proc, error)

func gopsutilLister() ([]Proc, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}
	out := make([]Proc, 0, len(procs))
	for _, p := range procs {
		// Per-process reads race with process exit; skip what vanished.
		name, err := p.Name()
		if err != nil {
			continue
		}
		cmdline, _ := p.Cmdline()
		out = append(out, Proc{PID: int(p.Pid), Name: name, Cmdline: cmdline})
	}
	return out, nil
}

// Monitor counts sessions matching configured process names or command
// line markers, excluding the supervisor itself and its managed children.
type Monitor struct {
	list         Lister
	processNames []string
	pathMarkers  []string
	ownPid       int
	managedPids  func() []int
	logger       *slog.Logger
}

// New creates a monitor over the live process table. managedPids supplies
// the supervisor's current children so they never count as sessions.
func New(processNames, pathMarkers []string, managedPids func() []int) *Monitor {
	return &Monitor{
		list:         gopsutilLister,
		processNames: processNames,
		pathMarkers:  pathMarkers,
		ownPid:       os.Getpid(),
		managedPids:  managedPids,
		logger:       slog.With("component", "session"),
	}
}

// NewWithLister is New with a scripted process table, for tests.
func NewWithLister(list Lister, processNames, pathMarkers []string, managedPids func() []int) *Monitor {
	m := New(processNames, pathMarkers, managedPids)
	m.list = list
	return m
}

// Count returns the number of matching sessions. Scan failures log and
// return zero.
func (m *Monitor) Count() int {
	procs, err := m.list()
	if err != nil {
		m.logger.Warn("process scan failed, assuming no active sessions", "error", err)
		return 0
	}

	excluded := map[int]struct{}{m.ownPid: {}}
	if m.managedPids != nil {
		for _, pid := range m.managedPids() {
			excluded[pid] = struct{}{}
		}
	}

	count := 0
	for _, p := range procs {
		if _, skip := excluded[p.PID]; skip {
			continue
		}
		if m.matches(p) {
			count++
		}
	}
	return count
}

// SafeToDeploy reports whether no session would be interrupted.
func (m *Monitor) SafeToDeploy() bool {
	return m.Count() == 0
}

func (m *Monitor) matches(p Proc) bool {
	for _, name := range m.processNames {
		if p.Name == name {
			return true
		}
	}
	for _, marker := range m.pathMarkers {
		if marker != "" && strings.Contains(p.Cmdline, marker) {
			return true
		}
	}
	return false
}
