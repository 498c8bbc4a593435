// Package audit provides append-only structured logging of supervision
// events.
//
// Every lifecycle decision (start, stop, restart, exit, deploy) is
// recorded to the data dir as newline-delimited JSON, giving an
// after-the-fact trail of what the supervisor did and why.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Action describes what happened.
type Action string

const (
	ActionProcessStart   Action = "process_start"
	ActionProcessStop    Action = "process_stop"
	ActionProcessRestart Action = "process_restart"
	ActionProcessExit    Action = "process_exit"
	ActionProcessDead    Action = "process_dead"
	ActionUpdateDetected Action = "update_detected"
	ActionDeployStart    Action = "deploy_start"
	ActionDeployComplete Action = "deploy_complete"
	ActionDeployFailed   Action = "deploy_failed"
	ActionShutdown       Action = "supervisor_shutdown"
)

// Entry is a single audit record.
type Entry struct {
	Timestamp time.Time `json:"ts"`
	Action    Action    `json:"action"`
	Process   string    `json:"process,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Trigger   string    `json:"trigger,omitempty"` // "exit_code", "liveness", "api", "deploy"
	Detail    string    `json:"detail,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Logger writes audit entries to an append-only file.
type Logger struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewLogger creates or opens an audit log file for appending.
func NewLogger(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	return &Logger{file: f, path: path}, nil
}

// Log writes an audit entry.
func (l *Logger) Log(entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit entry: %w", err)
	}
	return nil
}

// Close closes the audit log file.
func (l *Logger) Close() error {
	return l.file.Close()
}
