// Package orchestrator routes lifecycle requests to the per-parent state
// machine. Every parent is processed under one dispatch key, so request
// draining and monitoring for a parent never run concurrently; requests
// are consumed only after the state machine acted on them.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"rulehive/internal/config"
	"rulehive/internal/core"
	"rulehive/internal/dispatch"
	"rulehive/internal/engine"
	"rulehive/internal/manager"
	"rulehive/internal/queue"
	"rulehive/internal/store"
	"rulehive/pkg/logging"
)

const subsystem = "Orchestrator"

// poolHealthTimeout bounds the dispatcher probe used to decide whether a
// worker pool is still draining jobs.
const poolHealthTimeout = 5 * time.Second

// Orchestrator serves one worker pool: it drains the request queues of the
// pool's parents and keeps their running processes monitored.
type Orchestrator struct {
	store      store.Store
	queue      *queue.Queue
	dispatcher *dispatch.Dispatcher
	cfg        *config.Config

	// pool is both the dispatch queue name and the worker queue recorded
	// on the processes this orchestrator starts.
	pool string

	mgr *manager.Manager
}

// New wires an orchestrator for one pool. The orchestrator itself acts as
// the manager's restart scheduler.
func New(s store.Store, eng engine.ContainerEngine, d *dispatch.Dispatcher, cfg *config.Config, pool string) *Orchestrator {
	o := &Orchestrator{
		store:      s,
		queue:      queue.New(s),
		dispatcher: d,
		cfg:        cfg,
		pool:       pool,
	}
	o.mgr = manager.New(s, eng, o, cfg, pool)
	return o
}

// Manager exposes the pool's state machine, mainly for tests.
func (o *Orchestrator) Manager() *manager.Manager { return o.mgr }

// enqueue schedules a processing pass for the parent. Duplicate
// submissions while one is queued or running are dropped; the running pass
// re-reads the queue and picks the new requests up.
func (o *Orchestrator) enqueue(ref core.ParentRef) error {
	return o.dispatcher.EnqueueUnique(o.pool, ref.JobKey(), func(ctx context.Context) {
		o.process(ctx, ref)
	})
}

func (o *Orchestrator) request(ctx context.Context, ref core.ParentRef, kind core.RequestKind) error {
	if err := o.queue.Push(ctx, ref, kind); err != nil {
		if errors.Is(err, store.ErrParentGone) {
			logging.Warn(subsystem, "Request %s for vanished %s dropped", kind, ref)
		}
		return err
	}
	return o.enqueue(ref)
}

// StartRequest queues a start for the parent.
func (o *Orchestrator) StartRequest(ctx context.Context, ref core.ParentRef) error {
	return o.request(ctx, ref, core.RequestStart)
}

// StopRequest queues a stop for the parent.
func (o *Orchestrator) StopRequest(ctx context.Context, ref core.ParentRef) error {
	return o.request(ctx, ref, core.RequestStop)
}

// RestartRequest queues a restart for the parent.
func (o *Orchestrator) RestartRequest(ctx context.Context, ref core.ParentRef) error {
	return o.request(ctx, ref, core.RequestRestart)
}

// DeleteRequest queues a delete for the parent.
func (o *Orchestrator) DeleteRequest(ctx context.Context, ref core.ParentRef) error {
	return o.request(ctx, ref, core.RequestDelete)
}

// ScheduleAutoStart registers the parent's deferred auto-start. A second
// schedule under the same parent replaces the first. The fired job only
// pushes the request and hands off to the parent's uniquely-keyed
// processing job, so request draining stays serialized per parent.
func (o *Orchestrator) ScheduleAutoStart(ref core.ParentRef, delay time.Duration) {
	err := o.dispatcher.EnqueueDelayed(o.pool, ref.AutoStartKey(), delay, func(ctx context.Context) {
		if err := o.queue.Push(ctx, ref, core.RequestAutoStart); err != nil {
			if errors.Is(err, store.ErrParentGone) {
				logging.Debug(subsystem, "Auto-start for vanished %s dropped", ref)
				return
			}
			logging.Error(subsystem, err, "Auto-start push for %s failed", ref)
			return
		}
		if err := o.enqueue(ref); err != nil {
			logging.Error(subsystem, err, "Auto-start processing for %s failed to schedule", ref)
		}
	})
	if err != nil {
		logging.Error(subsystem, err, "Auto-start scheduling for %s failed", ref)
	}
}

// CancelAutoStart drops the parent's pending auto-start, if any.
func (o *Orchestrator) CancelAutoStart(ref core.ParentRef) {
	o.dispatcher.Cancel(ref.AutoStartKey())
}

// retryLater reports failures that must keep the request queued: the next
// pass retries them instead of treating them as an outcome.
func retryLater(err error) bool {
	return errors.Is(err, store.ErrNoCapacity) ||
		errors.Is(err, engine.ErrEngineUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

// process drains the parent's arbitrated request queue one request at a
// time, re-reading after each execution, then falls through to a monitor
// pass. It is the body of the parent's uniquely-keyed dispatch job.
func (o *Orchestrator) process(ctx context.Context, ref core.ParentRef) {
	for {
		requests, err := o.queue.PeekAll(ctx, ref)
		if err != nil {
			logging.Error(subsystem, err, "Reading requests for %s failed", ref)
			return
		}
		if len(requests) == 0 {
			break
		}

		req := requests[0]
		err = o.execute(ctx, req)
		switch {
		case err == nil, errors.Is(err, store.ErrParentGone):
			if perr := o.queue.PopUntil(ctx, ref, req.ID); perr != nil {
				logging.Error(subsystem, perr, "Popping request %d for %s failed", req.ID, ref)
				return
			}
		case retryLater(err):
			logging.Info(subsystem, "Request %s for %s postponed: %v", req.Kind, ref, err)
			return
		default:
			logging.Error(subsystem, err, "Request %s for %s failed", req.Kind, ref)
			if perr := o.queue.PopUntil(ctx, ref, req.ID); perr != nil {
				logging.Error(subsystem, perr, "Popping request %d for %s failed", req.ID, ref)
				return
			}
		}
	}

	if err := o.mgr.Monitor(ctx, ref); err != nil && !errors.Is(err, store.ErrParentGone) {
		logging.Error(subsystem, err, "Monitor of %s failed", ref)
	}
}

func (o *Orchestrator) execute(ctx context.Context, req core.Request) error {
	logging.Debug(subsystem, "Executing %s for %s", req.Kind, req.Parent)
	switch req.Kind {
	case core.RequestStart:
		return o.mgr.Start(ctx, req.Parent, false)
	case core.RequestAutoStart:
		return o.mgr.Start(ctx, req.Parent, true)
	case core.RequestStop:
		return o.mgr.Stop(ctx, req.Parent)
	case core.RequestRestart:
		return o.mgr.Restart(ctx, req.Parent)
	case core.RequestDelete:
		return o.mgr.Delete(ctx, req.Parent)
	}
	logging.Error(subsystem, nil, "Unknown request kind %q for %s dropped", req.Kind, req.Parent)
	return nil
}

// sweepTargets collects every parent that needs a processing pass: those
// with pending requests, the pool's active ones for monitoring, and the
// owners of running process rows past the liveness cutoff. The last set
// catches parents whose own status drifted away from the active set while
// a process row still reads running.
func (o *Orchestrator) sweepTargets(ctx context.Context) ([]core.ParentRef, error) {
	pending, err := o.queue.ListParents(ctx)
	if err != nil {
		return nil, err
	}
	active, err := o.store.ListRunningParentsOnQueue(ctx, o.pool)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-time.Duration(o.cfg.Orchestrator.LivenessTimeoutSeconds) * time.Second)
	stale, err := o.store.ListRunningProcessesOlderThan(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	seen := make(map[core.ParentRef]struct{}, len(pending)+len(active))
	var refs []core.ParentRef
	add := func(ref core.ParentRef) {
		if _, dup := seen[ref]; dup {
			return
		}
		seen[ref] = struct{}{}
		refs = append(refs, ref)
	}
	for _, ref := range pending {
		add(ref)
	}
	for _, ref := range active {
		add(ref)
	}
	for _, proc := range stale {
		if proc.WorkerQueue == o.pool {
			add(proc.Parent)
		}
	}
	return refs, nil
}

// ProcessHeartbeat records a liveness signal for a worker process, pushing
// out the monitor's staleness cutoff. Transport frontends that receive
// worker heartbeats call this.
func (o *Orchestrator) ProcessHeartbeat(ctx context.Context, processID int64) error {
	return o.store.TouchProcess(ctx, processID)
}

// EnqueueAll schedules a processing pass for every sweep target.
func (o *Orchestrator) EnqueueAll(ctx context.Context) error {
	refs, err := o.sweepTargets(ctx)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if err := o.enqueue(ref); err != nil {
			return err
		}
	}
	if len(refs) > 0 {
		logging.Debug(subsystem, "Scheduled processing for %d parents", len(refs))
	}
	return nil
}

// ProcessAll runs a processing pass for every sweep target synchronously,
// bypassing the dispatcher. Used by the single-shot worker mode.
func (o *Orchestrator) ProcessAll(ctx context.Context) error {
	refs, err := o.sweepTargets(ctx)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Dispatcher.WorkersPerQueue)
	for _, ref := range refs {
		g.Go(func() error {
			o.process(gctx, ref)
			return nil
		})
	}
	return g.Wait()
}

// CheckPoolHealth probes the pool's dispatch queue. When the probe fails,
// every running parent on the pool flips to workers_offline; the monitor
// pass flips them back once jobs drain again.
func (o *Orchestrator) CheckPoolHealth(ctx context.Context) error {
	if o.dispatcher.Healthy(o.pool, poolHealthTimeout) {
		return nil
	}
	logging.Error(subsystem, nil, "Worker pool %s is not draining jobs", o.pool)
	refs, err := o.store.ListRunningParentsOnQueue(ctx, o.pool)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		status := core.StatusWorkersOffline
		if err := o.store.UpdateParentStatus(ctx, ref, status, status.DefaultMessage()); err != nil {
			logging.Error(subsystem, err, "Marking %s %s failed", ref, status)
		}
	}
	return nil
}

// Run drives the pool: a sweep plus health check every monitor interval
// until the context is cancelled. With once set it performs exactly one
// synchronous pass.
func (o *Orchestrator) Run(ctx context.Context, once bool) error {
	if once {
		return o.ProcessAll(ctx)
	}

	interval := time.Duration(o.cfg.Orchestrator.MonitorIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logging.Info(subsystem, "Worker pool %s running, sweep every %s", o.pool, interval)
	for {
		if err := o.EnqueueAll(ctx); err != nil {
			logging.Error(subsystem, err, "Sweep failed")
		}
		if err := o.CheckPoolHealth(ctx); err != nil {
			logging.Error(subsystem, err, "Pool health check failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
