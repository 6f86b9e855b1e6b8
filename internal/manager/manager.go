// Package manager implements the per-parent lifecycle state machine:
// start, stop, restart, delete and the monitor pass that reconciles the
// persisted state with the container engine's view. All methods are
// invoked under the parent's dispatch key, so at most one of them runs
// per parent at any time.
package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"rulehive/internal/config"
	"rulehive/internal/core"
	"rulehive/internal/engine"
	"rulehive/internal/store"
	"rulehive/pkg/logging"
)

const subsystem = "ActivationManager"

// RestartScheduler registers and cancels deferred auto-start jobs. The
// orchestrator implements it; the indirection keeps this package free of a
// dependency on the dispatcher wiring.
type RestartScheduler interface {
	ScheduleAutoStart(ref core.ParentRef, delay time.Duration)
	CancelAutoStart(ref core.ParentRef)
}

// StatusNotifier broadcasts parent status changes to external consumers.
type StatusNotifier interface {
	PublishStatus(ctx context.Context, ref core.ParentRef, status core.Status, message string)
}

// Manager drives parent lifecycles against a store and a container engine.
type Manager struct {
	store store.Store
	eng   engine.ContainerEngine
	sched RestartScheduler
	cfg   *config.Config

	// queue is the worker pool this manager starts processes on.
	queue string

	// notifier is optional; nil disables status broadcasting.
	notifier StatusNotifier
}

// New builds a Manager for the given worker queue.
func New(s store.Store, eng engine.ContainerEngine, sched RestartScheduler, cfg *config.Config, queue string) *Manager {
	return &Manager{store: s, eng: eng, sched: sched, cfg: cfg, queue: queue}
}

// SetNotifier installs the status broadcast sink. Call before the manager
// starts handling requests.
func (m *Manager) SetNotifier(n StatusNotifier) { m.notifier = n }

func (m *Manager) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(m.cfg.Engine.CallTimeoutSeconds)*time.Second)
}

func (m *Manager) setParentStatus(ctx context.Context, ref core.ParentRef, status core.Status, message string) error {
	if message == "" {
		message = status.DefaultMessage()
	}
	if err := m.store.UpdateParentStatus(ctx, ref, status, message); err != nil {
		return err
	}
	if m.notifier != nil {
		m.notifier.PublishStatus(ctx, ref, status, message)
	}
	return nil
}

func (m *Manager) setProcessStatus(ctx context.Context, id int64, status core.Status, message string) error {
	if message == "" {
		message = status.DefaultMessage()
	}
	return m.store.UpdateProcessStatus(ctx, id, status, message)
}

// recoverable reports whether an engine failure should leave the request
// queued for a later retry instead of consuming it.
func recoverable(err error) bool {
	return errors.Is(err, engine.ErrEngineUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Start brings the parent to running. It is idempotent: a parent that is
// already starting, or running with a live container, is left alone.
// A full worker pool surfaces as store.ErrNoCapacity and the parent parks
// in pending until a later pass.
func (m *Manager) Start(ctx context.Context, ref core.ParentRef, isRestart bool) error {
	parent, err := m.store.GetParent(ctx, ref)
	if err != nil {
		return err
	}
	if !parent.Enabled {
		logging.Warn(subsystem, "%s is disabled, start skipped", ref)
		return nil
	}
	switch parent.Status {
	case core.StatusStarting:
		logging.Debug(subsystem, "%s is already starting", ref)
		return nil
	case core.StatusDeleting:
		logging.Warn(subsystem, "%s is being deleted, start skipped", ref)
		return nil
	case core.StatusRunning:
		alive, err := m.containerAlive(ctx, parent)
		if err != nil {
			return err
		}
		if alive {
			logging.Debug(subsystem, "%s is already running", ref)
			return nil
		}
	}

	if err := m.finalizeStaleProcess(ctx, parent); err != nil {
		return err
	}
	if err := m.setParentStatus(ctx, ref, core.StatusStarting, ""); err != nil {
		return err
	}

	name := fmt.Sprintf("rulehive-%s-%d-%s", ref.Kind, ref.ID, uuid.NewString()[:8])
	proc, err := m.store.CreateProcess(ctx, ref, name, m.queue, m.cfg.Orchestrator.MaxRunningProcesses)
	if err != nil {
		if errors.Is(err, store.ErrNoCapacity) {
			msg := ""
			if active, cerr := m.store.CountActiveProcesses(ctx, m.queue); cerr == nil {
				msg = fmt.Sprintf("Queue %s is at capacity (%d active of %d allowed), start postponed",
					m.queue, active, m.cfg.Orchestrator.MaxRunningProcesses)
			}
			logging.Info(subsystem, "No capacity on queue %s, %s stays pending", m.queue, ref)
			if serr := m.setParentStatus(ctx, ref, core.StatusPending, msg); serr != nil {
				return serr
			}
		}
		return err
	}

	logs := NewProcessLog(m.store, proc.ID)
	req := engine.ContainerRequest{
		Name:  name,
		Image: parent.Image,
		CmdLine: engine.CmdLine{
			WSURL:       m.cfg.Engine.WSBaseURL,
			WSSSLVerify: m.cfg.Engine.WSSSLVerify,
			Heartbeat:   m.cfg.Engine.HeartbeatSeconds,
			ProcessID:   proc.ID,
		},
		ExtraArgs:  parent.ExtraArgs,
		ProcessID:  proc.ID,
		Parent:     ref,
		PullPolicy: m.cfg.Engine.PullPolicy,
		MemLimit:   m.cfg.Engine.MemLimit,
	}

	callCtx, cancel := m.callCtx(ctx)
	containerID, err := m.eng.Start(callCtx, req, logs)
	cancel()
	if err != nil {
		return m.onStartFailure(ctx, ref, proc.ID, err)
	}

	if err := m.store.SetProcessContainerID(ctx, proc.ID, containerID); err != nil {
		return err
	}
	if err := m.setProcessStatus(ctx, proc.ID, core.StatusRunning, ""); err != nil {
		return err
	}
	if err := m.setParentStatus(ctx, ref, core.StatusRunning, ""); err != nil {
		return err
	}
	if err := m.store.ResetFailureCount(ctx, ref); err != nil {
		return err
	}
	if isRestart {
		if err := m.store.IncrementRestartCount(ctx, ref); err != nil {
			return err
		}
	}
	logging.Info(subsystem, "%s started, process %d, container %s", ref, proc.ID, containerID)
	return nil
}

func (m *Manager) onStartFailure(ctx context.Context, ref core.ParentRef, processID int64, err error) error {
	msg := fmt.Sprintf("Start of process failed: %v", err)
	if recoverable(err) {
		// Request stays queued, the next pass retries the start.
		if serr := m.setProcessStatus(ctx, processID, core.StatusFailed, msg); serr != nil {
			return serr
		}
		if serr := m.setParentStatus(ctx, ref, core.StatusPending, msg); serr != nil {
			return serr
		}
		logging.Warn(subsystem, "Start of %s hit a recoverable failure: %v", ref, err)
		return err
	}
	if errors.Is(err, engine.ErrAuthFailed) {
		// Credentials are an operator problem; a restart loop cannot fix
		// them, so the parent parks in error until someone intervenes.
		logging.Error(subsystem, err, "Start of %s rejected by the engine", ref)
		if serr := m.setProcessStatus(ctx, processID, core.StatusError, msg); serr != nil {
			return serr
		}
		return m.setParentStatus(ctx, ref, core.StatusError, msg)
	}
	if serr := m.setProcessStatus(ctx, processID, core.StatusFailed, msg); serr != nil {
		return serr
	}
	logging.Error(subsystem, err, "Start of %s failed", ref)
	return m.onProcessFailure(ctx, ref, msg)
}

// containerAlive checks whether the parent's latest process still has a
// running container behind it.
func (m *Manager) containerAlive(ctx context.Context, parent *store.Parent) (bool, error) {
	if parent.LatestProcessID == 0 {
		return false, nil
	}
	proc, err := m.store.GetProcess(ctx, parent.LatestProcessID)
	if err != nil {
		if errors.Is(err, store.ErrProcessNotFound) {
			return false, nil
		}
		return false, err
	}
	if proc.ContainerID == "" {
		return false, nil
	}
	callCtx, cancel := m.callCtx(ctx)
	defer cancel()
	status, err := m.eng.GetStatus(callCtx, proc.ContainerID)
	if err != nil {
		if errors.Is(err, engine.ErrContainerNotFound) {
			return false, nil
		}
		return false, err
	}
	return status.Status == core.StatusRunning, nil
}

// finalizeStaleProcess closes out a non-terminal previous attempt before a
// new process is created, so at most one attempt is ever live.
func (m *Manager) finalizeStaleProcess(ctx context.Context, parent *store.Parent) error {
	if parent.LatestProcessID == 0 {
		return nil
	}
	proc, err := m.store.GetProcess(ctx, parent.LatestProcessID)
	if err != nil {
		if errors.Is(err, store.ErrProcessNotFound) {
			return nil
		}
		return err
	}
	if proc.Status.IsTerminal() {
		return nil
	}
	logging.Info(subsystem, "Finalizing stale process %d of %s", proc.ID, parent.Ref)
	if proc.ContainerID != "" {
		m.cleanupContainer(ctx, proc)
	}
	return m.setProcessStatus(ctx, proc.ID, core.StatusStopped, "Stale process stopped before a new start")
}

func (m *Manager) cleanupContainer(ctx context.Context, proc *store.Process) {
	callCtx, cancel := m.callCtx(ctx)
	defer cancel()
	logs := NewProcessLog(m.store, proc.ID)
	if err := m.eng.Cleanup(callCtx, proc.ContainerID, logs); err != nil {
		logging.Warn(subsystem, "Cleanup of container %s failed: %v", proc.ContainerID, err)
	}
}

// Stop brings the parent to stopped. Already-stopped parents are left
// alone; a pending auto-start is cancelled either way.
func (m *Manager) Stop(ctx context.Context, ref core.ParentRef) error {
	parent, err := m.store.GetParent(ctx, ref)
	if err != nil {
		return err
	}
	m.sched.CancelAutoStart(ref)

	if parent.Status == core.StatusStopped {
		if proc, perr := m.latestProcess(ctx, parent); perr == nil && (proc == nil || proc.Status.IsTerminal()) {
			logging.Debug(subsystem, "%s is already stopped", ref)
			return nil
		}
	}

	if err := m.setParentStatus(ctx, ref, core.StatusStopping, ""); err != nil {
		return err
	}
	if proc, perr := m.latestProcess(ctx, parent); perr != nil {
		return perr
	} else if proc != nil && !proc.Status.IsTerminal() {
		if err := m.setProcessStatus(ctx, proc.ID, core.StatusStopping, ""); err != nil {
			return err
		}
		if proc.ContainerID != "" {
			m.drainLogs(ctx, proc)
			m.cleanupContainer(ctx, proc)
		}
		if err := m.setProcessStatus(ctx, proc.ID, core.StatusStopped, ""); err != nil {
			return err
		}
	}
	if err := m.setParentStatus(ctx, ref, core.StatusStopped, ""); err != nil {
		return err
	}
	logging.Info(subsystem, "%s stopped", ref)
	return nil
}

// Restart stops the parent and schedules a fresh start shortly after.
func (m *Manager) Restart(ctx context.Context, ref core.ParentRef) error {
	if err := m.Stop(ctx, ref); err != nil {
		return err
	}
	if err := m.setParentStatus(ctx, ref, core.StatusPending, "Restart requested"); err != nil {
		return err
	}
	m.sched.ScheduleAutoStart(ref, time.Second)
	return nil
}

// Delete tears the parent down and removes its row. Cleanup failures are
// logged and do not block the deletion.
func (m *Manager) Delete(ctx context.Context, ref core.ParentRef) error {
	parent, err := m.store.GetParent(ctx, ref)
	if err != nil {
		if errors.Is(err, store.ErrParentGone) {
			return nil
		}
		return err
	}
	m.sched.CancelAutoStart(ref)

	if err := m.setParentStatus(ctx, ref, core.StatusDeleting, ""); err != nil {
		return err
	}
	if proc, perr := m.latestProcess(ctx, parent); perr == nil && proc != nil && proc.ContainerID != "" && !proc.Status.IsTerminal() {
		m.cleanupContainer(ctx, proc)
	}
	if err := m.store.DeleteParent(ctx, ref); err != nil {
		return err
	}
	logging.Info(subsystem, "%s deleted", ref)
	return nil
}

func (m *Manager) latestProcess(ctx context.Context, parent *store.Parent) (*store.Process, error) {
	if parent.LatestProcessID == 0 {
		return nil, nil
	}
	proc, err := m.store.GetProcess(ctx, parent.LatestProcessID)
	if errors.Is(err, store.ErrProcessNotFound) {
		return nil, nil
	}
	return proc, err
}

func (m *Manager) drainLogs(ctx context.Context, proc *store.Process) {
	callCtx, cancel := m.callCtx(ctx)
	defer cancel()
	logs := NewProcessLog(m.store, proc.ID)
	logs.SetLogReadAt(proc.UpdatedAt)
	if err := m.eng.UpdateLogs(callCtx, proc.ContainerID, logs); err != nil {
		logging.Debug(subsystem, "Log update for process %d failed: %v", proc.ID, err)
	}
}

// Monitor reconciles the persisted state of a running parent with the
// engine's view of its container and applies the restart policy to
// terminal outcomes.
func (m *Manager) Monitor(ctx context.Context, ref core.ParentRef) error {
	parent, err := m.store.GetParent(ctx, ref)
	if err != nil {
		return err
	}

	if !parent.Enabled {
		if parent.Status == core.StatusRunning || parent.Status == core.StatusStarting ||
			parent.Status == core.StatusWorkersOffline {
			logging.Info(subsystem, "%s was disabled while active, stopping", ref)
			return m.Stop(ctx, ref)
		}
		return nil
	}

	switch parent.Status {
	case core.StatusRunning, core.StatusWorkersOffline, core.StatusUnresponsive:
	default:
		logging.Debug(subsystem, "%s is %s, nothing to monitor", ref, parent.Status)
		return nil
	}

	proc, err := m.latestProcess(ctx, parent)
	if err != nil {
		return err
	}
	if proc == nil || proc.ContainerID == "" {
		msg := "Active parent has no worker process behind it"
		logging.Error(subsystem, nil, "%s: %s", ref, msg)
		return m.setParentStatus(ctx, ref, core.StatusError, msg)
	}

	m.drainLogs(ctx, proc)

	callCtx, cancel := m.callCtx(ctx)
	status, err := m.eng.GetStatus(callCtx, proc.ContainerID)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrContainerNotFound):
			msg := fmt.Sprintf("Container %s no longer exists", proc.ContainerID)
			logging.Error(subsystem, nil, "%s: %s", ref, msg)
			if serr := m.setProcessStatus(ctx, proc.ID, core.StatusFailed, msg); serr != nil {
				return serr
			}
			return m.onProcessFailure(ctx, ref, msg)
		case recoverable(err):
			logging.Warn(subsystem, "Monitor of %s skipped, engine unavailable: %v", ref, err)
			return nil
		}
		return err
	}

	switch status.Status {
	case core.StatusRunning:
		return m.monitorRunning(ctx, parent, proc)
	case core.StatusCompleted:
		if err := m.setProcessStatus(ctx, proc.ID, core.StatusCompleted, status.Message); err != nil {
			return err
		}
		return m.onProcessCompleted(ctx, parent)
	case core.StatusFailed:
		if err := m.setProcessStatus(ctx, proc.ID, core.StatusFailed, status.Message); err != nil {
			return err
		}
		return m.onProcessFailure(ctx, ref, status.Message)
	}
	if err := m.setProcessStatus(ctx, proc.ID, core.StatusError, status.Message); err != nil {
		return err
	}
	return m.setParentStatus(ctx, ref, core.StatusError, status.Message)
}

func (m *Manager) monitorRunning(ctx context.Context, parent *store.Parent, proc *store.Process) error {
	ref := parent.Ref
	cutoff := time.Now().Add(-time.Duration(m.cfg.Orchestrator.LivenessTimeoutSeconds) * time.Second)
	if proc.UpdatedAt.Before(cutoff) {
		msg := fmt.Sprintf("No heartbeat from process %d since %s", proc.ID, proc.UpdatedAt.UTC().Format(time.RFC3339))
		logging.Error(subsystem, nil, "%s is unresponsive: %s", ref, msg)
		if err := m.setProcessStatus(ctx, proc.ID, core.StatusUnresponsive, msg); err != nil {
			return err
		}
		m.cleanupContainer(ctx, proc)
		// The row keeps reading unresponsive; only the restart policy
		// treats the outcome as a failure.
		return m.failParent(ctx, ref, core.StatusUnresponsive, msg)
	}

	if parent.Status == core.StatusWorkersOffline {
		logging.Info(subsystem, "Worker pool for %s is back online", ref)
		return m.setParentStatus(ctx, ref, core.StatusRunning, "")
	}
	if parent.Status != core.StatusRunning {
		return m.setParentStatus(ctx, ref, core.StatusRunning, "")
	}
	return nil
}

func (m *Manager) onProcessCompleted(ctx context.Context, parent *store.Parent) error {
	ref := parent.Ref
	if parent.RestartPolicy == core.RestartAlways {
		delay := time.Duration(m.cfg.Orchestrator.RestartSecondsOnComplete) * time.Second
		msg := fmt.Sprintf("Process completed, restart policy %s applied, restarting in %s", parent.RestartPolicy, delay)
		logging.Info(subsystem, "%s: %s", ref, msg)
		if err := m.setParentStatus(ctx, ref, core.StatusCompleted, msg); err != nil {
			return err
		}
		m.sched.ScheduleAutoStart(ref, delay)
		return nil
	}
	return m.setParentStatus(ctx, ref, core.StatusCompleted, "")
}

func (m *Manager) onProcessFailure(ctx context.Context, ref core.ParentRef, message string) error {
	return m.failParent(ctx, ref, core.StatusFailed, message)
}

// failParent records a failed outcome under the given status and applies
// the restart policy.
func (m *Manager) failParent(ctx context.Context, ref core.ParentRef, status core.Status, message string) error {
	parent, err := m.store.GetParent(ctx, ref)
	if err != nil {
		return err
	}
	restartable := parent.RestartPolicy == core.RestartAlways || parent.RestartPolicy == core.RestartOnFailure
	if restartable && parent.FailureCount < m.cfg.Orchestrator.MaxRestartsOnFailure {
		if err := m.store.IncrementFailureCount(ctx, ref); err != nil {
			return err
		}
		delay := time.Duration(m.cfg.Orchestrator.RestartSecondsOnFailure) * time.Second
		msg := fmt.Sprintf("%s Restart policy %s applied, attempt %d of %d in %s",
			message, parent.RestartPolicy, parent.FailureCount+1, m.cfg.Orchestrator.MaxRestartsOnFailure, delay)
		logging.Info(subsystem, "%s: %s", ref, msg)
		if err := m.setParentStatus(ctx, ref, status, msg); err != nil {
			return err
		}
		m.sched.ScheduleAutoStart(ref, delay)
		return nil
	}
	if restartable {
		message = fmt.Sprintf("%s Restart limit of %d reached, not restarting",
			message, m.cfg.Orchestrator.MaxRestartsOnFailure)
	}
	return m.setParentStatus(ctx, ref, status, message)
}
