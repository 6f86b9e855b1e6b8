// Package engine defines the narrow contract between the activation
// manager and a container backend. Backends own no business state: they
// are pure side-effecting boundaries the manager calls synchronously
// within a bounded timeout.
package engine

import (
	"context"
	"strconv"
	"time"

	"rulehive/internal/core"
)

// LogHandler receives container output and status lines for one worker
// process. Implementations persist them (the store-backed handler) or
// discard them (tests).
type LogHandler interface {
	Write(line string) error
	Flush() error
	// LogReadAt tracks how far logs have been consumed so repeated
	// UpdateLogs calls only fetch the tail.
	LogReadAt() time.Time
	SetLogReadAt(t time.Time)
}

// CmdLine is the worker command line run inside the container. The worker
// connects back over a websocket and reports liveness via heartbeats.
type CmdLine struct {
	WSURL       string
	WSSSLVerify string
	Heartbeat   int
	ProcessID   int64
	LogLevel    string // "-v", "-vv" or empty
}

// Args renders the command-line arguments.
func (c CmdLine) Args() []string {
	args := []string{
		"--worker",
		"--websocket-ssl-verify", c.WSSSLVerify,
		"--websocket-address", c.WSURL,
		"--id", strconv.FormatInt(c.ProcessID, 10),
		"--heartbeat", strconv.Itoa(c.Heartbeat),
	}
	if c.LogLevel != "" {
		args = append(args, c.LogLevel)
	}
	return args
}

// ContainerRequest is the ephemeral value object built per start attempt.
// It is never persisted; it is reconstructed from the parent and process
// each time a start is attempted.
type ContainerRequest struct {
	Name       string
	Image      string
	CmdLine    CmdLine
	ExtraArgs  []string
	ProcessID  int64
	Parent     core.ParentRef
	PullPolicy string
	MemLimit   string
	EnvVars    map[string]string
	Mounts     map[string]string // host path -> container path
	Ports      []int
}

// ContainerStatus is the engine's view of a container, mapped onto the
// process status vocabulary: running, completed (exit 0), failed
// (exit != 0) or error.
type ContainerStatus struct {
	Status  core.Status
	Message string
}

// ContainerEngine is implemented once per container backend. All calls
// take a context and are expected to honor its deadline; a deadline
// overrun is a recoverable failure for the caller, not a fatal error.
type ContainerEngine interface {
	// Start creates and starts the worker container, returning its id.
	Start(ctx context.Context, req ContainerRequest, logs LogHandler) (string, error)

	// Cleanup stops and removes the container. Missing containers are
	// not an error.
	Cleanup(ctx context.Context, containerID string, logs LogHandler) error

	// GetStatus reports the container's current state.
	GetStatus(ctx context.Context, containerID string) (ContainerStatus, error)

	// UpdateLogs streams any new container output into the handler.
	UpdateLogs(ctx context.Context, containerID string, logs LogHandler) error
}
