package engine

import (
	"errors"
	"fmt"
)

// Failure taxonomy shared by every backend. The manager distinguishes
// recoverable conditions (backend unreachable, call timeout) from terminal
// ones (bad credentials, image pull denied) and from plain "not found".
var (
	// ErrEngineUnavailable: the backend cannot be reached. The request
	// is left unpopped and retried later.
	ErrEngineUnavailable = errors.New("container engine unavailable")

	// ErrAuthFailed: credentials rejected by the registry or cluster.
	// Terminal for the attempt; surfaces as an error status.
	ErrAuthFailed = errors.New("container engine authentication failed")

	// ErrImagePull: the worker image could not be pulled.
	ErrImagePull = errors.New("container image pull failed")

	// ErrContainerNotFound: the referenced container does not exist.
	ErrContainerNotFound = errors.New("container not found")
)

// StartError wraps failures of the start operation.
type StartError struct {
	Err error
}

func (e *StartError) Error() string { return fmt.Sprintf("container start: %v", e.Err) }
func (e *StartError) Unwrap() error { return e.Err }

// CleanupError wraps failures of the cleanup operation.
type CleanupError struct {
	Err error
}

func (e *CleanupError) Error() string { return fmt.Sprintf("container cleanup: %v", e.Err) }
func (e *CleanupError) Unwrap() error { return e.Err }

// LogsError wraps failures of log retrieval.
type LogsError struct {
	Err error
}

func (e *LogsError) Error() string { return fmt.Sprintf("container logs: %v", e.Err) }
func (e *LogsError) Unwrap() error { return e.Err }
