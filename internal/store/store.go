package store

import (
	"context"
	"errors"
	"time"

	"rulehive/internal/core"
)

// ErrParentGone is returned when the referenced process parent no longer
// exists. Callers use it to stop scheduling further work for the parent.
var ErrParentGone = errors.New("process parent no longer exists")

// ErrProcessNotFound is returned for lookups of unknown worker processes.
var ErrProcessNotFound = errors.New("worker process not found")

// ErrNoCapacity signals that the per-pool ceiling of concurrently
// starting/running processes is reached. It is backpressure, not a failure.
var ErrNoCapacity = errors.New("no capacity to start a new worker process")

// Parent is the persistent definition of a rulebook worker: an activation
// or a transient event-stream listener.
type Parent struct {
	Ref     core.ParentRef
	Name    string
	Enabled bool

	// Container wiring for each start attempt.
	Image     string
	ExtraArgs []string

	RestartPolicy core.RestartPolicy
	FailureCount  int
	RestartCount  int

	Status          core.Status
	StatusMessage   string
	StatusUpdatedAt time.Time

	// LatestProcessID points at the current execution attempt; zero when
	// the parent has never started. Prior processes are immutable history.
	LatestProcessID int64

	CreatedAt time.Time
}

// Process is one execution attempt of a parent.
type Process struct {
	ID     int64
	Parent core.ParentRef
	Name   string

	Status        core.Status
	StatusMessage string

	ContainerID string
	WorkerQueue string

	StartedAt time.Time
	EndedAt   *time.Time
	UpdatedAt time.Time
}

// Store is the persistence contract of the orchestration core. Status and
// status message always travel together: there are no independent setters,
// and every transition is one atomic unit.
type Store interface {
	// Parents.
	CreateParent(ctx context.Context, p *Parent) error
	GetParent(ctx context.Context, ref core.ParentRef) (*Parent, error)
	DeleteParent(ctx context.Context, ref core.ParentRef) error
	SetParentEnabled(ctx context.Context, ref core.ParentRef, enabled bool) error
	UpdateParentStatus(ctx context.Context, ref core.ParentRef, status core.Status, message string) error
	IncrementFailureCount(ctx context.Context, ref core.ParentRef) error
	ResetFailureCount(ctx context.Context, ref core.ParentRef) error
	IncrementRestartCount(ctx context.Context, ref core.ParentRef) error
	ListRunningParentsOnQueue(ctx context.Context, queue string) ([]core.ParentRef, error)

	// Processes. CreateProcess creates the new attempt and repoints the
	// parent's latest-process pointer in the same transaction; when
	// maxActive >= 0 it first counts starting/running processes on the
	// queue and fails with ErrNoCapacity inside that same transaction.
	CreateProcess(ctx context.Context, ref core.ParentRef, name, queue string, maxActive int) (*Process, error)
	GetProcess(ctx context.Context, id int64) (*Process, error)
	LatestProcess(ctx context.Context, ref core.ParentRef) (*Process, error)
	ListProcesses(ctx context.Context, ref core.ParentRef) ([]*Process, error)
	UpdateProcessStatus(ctx context.Context, id int64, status core.Status, message string) error
	SetProcessContainerID(ctx context.Context, id int64, containerID string) error
	TouchProcess(ctx context.Context, id int64) error
	CountActiveProcesses(ctx context.Context, queue string) (int, error)
	ListRunningProcessesOlderThan(ctx context.Context, cutoff time.Time) ([]*Process, error)
	AppendProcessLog(ctx context.Context, id int64, line string) error

	// Request queue.
	PushRequest(ctx context.Context, ref core.ParentRef, kind core.RequestKind) error
	ListRequests(ctx context.Context, ref core.ParentRef) ([]core.Request, error)
	DeleteRequests(ctx context.Context, ref core.ParentRef, ids []int64) error
	DeleteRequestsUntil(ctx context.Context, ref core.ParentRef, id int64) error
	ListRequestParents(ctx context.Context) ([]core.ParentRef, error)

	Close() error
}
