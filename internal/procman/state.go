package procman

// Status is the lifecycle state of a registered process.
type Status string

const (
	StatusStopped    Status = "stopped"
	StatusRunning    Status = "running"
	StatusRestarting Status = "restarting"
	// StatusDead marks a process the supervisor has given up on: the
	// command could not be spawned, or its restart budget is exhausted.
	StatusDead Status = "dead"
)

// State is an externally-visible snapshot of a managed process. The live
// table behind it is owned and mutated exclusively by the Manager.
// Invariant: PID is nonzero iff Status is StatusRunning.
type State struct {
	Name         string `json:"name"`
	Status       Status `json:"status"`
	PID          int    `json:"pid,omitempty"`
	RestartCount int    `json:"restart_count"`
	LastExitCode *int   `json:"last_exit_code,omitempty"`
	Uptime       string `json:"uptime,omitempty"`
	LastError    string `json:"last_error,omitempty"`
}
