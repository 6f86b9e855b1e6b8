package core

import "fmt"

// Status is the lifecycle state of a process parent or of a single worker
// process. Exactly one status holds at any time. The set of values is
// closed; unrecognized values are rejected at the persistence boundary.
type Status string

const (
	StatusPending        Status = "pending"
	StatusStarting       Status = "starting"
	StatusRunning        Status = "running"
	StatusStopping       Status = "stopping"
	StatusStopped        Status = "stopped"
	StatusDeleting       Status = "deleting"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusError          Status = "error"
	StatusUnresponsive   Status = "unresponsive"
	StatusWorkersOffline Status = "workers_offline"
)

var allStatuses = map[Status]struct{}{
	StatusPending:        {},
	StatusStarting:       {},
	StatusRunning:        {},
	StatusStopping:       {},
	StatusStopped:        {},
	StatusDeleting:       {},
	StatusCompleted:      {},
	StatusFailed:         {},
	StatusError:          {},
	StatusUnresponsive:   {},
	StatusWorkersOffline: {},
}

// ParseStatus converts a string into a Status, rejecting anything outside
// the closed set.
func ParseStatus(s string) (Status, error) {
	if _, ok := allStatuses[Status(s)]; !ok {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return Status(s), nil
}

// defaultStatusMessages maps each status to its default human-readable
// message, used whenever a transition does not carry a specific one.
var defaultStatusMessages = map[Status]string{
	StatusPending:        "Wait for a worker to be available to start the process",
	StatusStarting:       "Worker is starting the process",
	StatusRunning:        "Container running the process",
	StatusStopping:       "Process is being stopped",
	StatusStopped:        "Process has stopped",
	StatusDeleting:       "Process is being deleted",
	StatusCompleted:      "Process has completed",
	StatusFailed:         "Process has failed",
	StatusError:          "Process is in an error state",
	StatusUnresponsive:   "Process is not responsive",
	StatusWorkersOffline: "All workers in the pool are offline",
}

// DefaultMessage returns the default human message for s.
func (s Status) DefaultMessage() string {
	return defaultStatusMessages[s]
}

// IsTerminal reports whether s is a terminal state for a worker process.
// A new process is created on restart; terminal processes are history.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusStopped, StatusCompleted, StatusFailed, StatusError:
		return true
	}
	return false
}
