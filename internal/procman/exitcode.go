package procman

// ExitAction is what the supervisor does in response to a child exit.
type ExitAction int

const (
	// ActionRestartDelay is the default: the child crashed (or does not
	// speak the protocol), restart it after its policy delay.
	ActionRestartDelay ExitAction = iota
	// ActionShutdown leaves the process stopped.
	ActionShutdown
	// ActionUpdate runs an update cycle before restarting the process.
	ActionUpdate
	// ActionRestart restarts just this process.
	ActionRestart
	// ActionRestartAll restarts the whole supervised set.
	ActionRestartAll
)

// Exit codes of the control protocol. A supervised process communicates
// exactly one intent through its exit code; everything else (including the
// uncaught-exception default of 1) falls through to ActionRestartDelay.
const (
	ExitCodeShutdown   = 0
	ExitCodeUpdate     = 42
	ExitCodeRestart    = 43
	ExitCodeRestartAll = 44
)

var exitCodeActions = map[int]ExitAction{
	ExitCodeShutdown:   ActionShutdown,
	ExitCodeUpdate:     ActionUpdate,
	ExitCodeRestart:    ActionRestart,
	ExitCodeRestartAll: ActionRestartAll,
}

// ResolveExitAction maps an exit code to its action. A nil code (the
// process was killed by a signal and never produced one) and any code
// outside the protocol both resolve to ActionRestartDelay.
func ResolveExitAction(code *int) ExitAction {
	if code == nil {
		return ActionRestartDelay
	}
	if action, ok := exitCodeActions[*code]; ok {
		return action
	}
	return ActionRestartDelay
}

func (a ExitAction) String() string {
	switch a {
	case ActionShutdown:
		return "shutdown"
	case ActionUpdate:
		return "update"
	case ActionRestart:
		return "restart"
	case ActionRestartAll:
		return "restart-all"
	default:
		return "restart-delay"
	}
}
