package procman

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/botherd/botherd/internal/logbuf"
	"github.com/botherd/botherd/internal/spec"
)

// managed is the live record for one registered process. All fields are
// guarded by the Manager's mutex; the waiter goroutine takes the same lock
// before recording an exit.
type managed struct {
	spec         *spec.ProcessSpec
	shutdownPort int

	status       Status
	cmd          *exec.Cmd
	pid          int
	startedAt    time.Time
	restartCount int
	lastExitCode *int
	lastError    string

	// stopping suppresses Poll consumption while a graceful Stop is in
	// flight, so the stop call (not the liveness loop) owns the exit.
	stopping bool

	// exitCode/exitPending form the exactly-once exit event: the waiter
	// sets them, Poll or Stop consumes them.
	exitCode    *int
	exitPending bool
	waitDone    chan struct{}

	ring       *logbuf.Ring
	ringOut    *logbuf.StreamWriter
	ringErr    *logbuf.StreamWriter
	stdoutFile *os.File
	stderrFile *os.File
}

// shutdownURL returns the graceful-stop endpoint, or "" when the process
// has none configured.
func (p *managed) shutdownURL() string {
	if p.shutdownPort <= 0 {
		return ""
	}
	return fmt.Sprintf("http://127.0.0.1:%d/shutdown", p.shutdownPort)
}

// environ merges the host environment with the spec's overlay and the
// injected shutdown port, overlay winning on conflicts.
func (p *managed) environ() []string {
	overlay := make(map[string]string, len(p.spec.Env)+1)
	for k, v := range p.spec.Env {
		overlay[k] = v
	}
	if p.shutdownPort > 0 {
		overlay["BOTHERD_SHUTDOWN_PORT"] = fmt.Sprintf("%d", p.shutdownPort)
	}

	env := os.Environ()
	out := env[:0:0]
	for _, kv := range env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			if _, shadowed := overlay[kv[:i]]; shadowed {
				continue
			}
		}
		out = append(out, kv)
	}

	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overlay[k])
	}
	return out
}

// exitCodeOf reduces a cmd.Wait error to the exactly-once exit event
// payload: a code when the child produced one, nil when it was signaled or
// the wait itself failed.
func exitCodeOf(err error) (*int, string) {
	if err == nil {
		code := 0
		return &code, ""
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return &code, ""
		}
		return nil, exitErr.String() // killed by signal, no code
	}
	return nil, err.Error()
}
