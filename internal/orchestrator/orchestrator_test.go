package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulehive/internal/config"
	"rulehive/internal/core"
	"rulehive/internal/dispatch"
	"rulehive/internal/engine"
	"rulehive/internal/store"
)

type fakeEngine struct {
	mu       sync.Mutex
	startErr error
	status   map[string]engine.ContainerStatus
	next     int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{status: make(map[string]engine.ContainerStatus)}
}

func (f *fakeEngine) Start(ctx context.Context, req engine.ContainerRequest, logs engine.LogHandler) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", &engine.StartError{Err: f.startErr}
	}
	f.next++
	id := fmt.Sprintf("container-%d", f.next)
	f.status[id] = engine.ContainerStatus{Status: core.StatusRunning}
	return id, nil
}

func (f *fakeEngine) Cleanup(ctx context.Context, containerID string, logs engine.LogHandler) error {
	return nil
}

func (f *fakeEngine) GetStatus(ctx context.Context, containerID string) (engine.ContainerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.status[containerID]; ok {
		return st, nil
	}
	return engine.ContainerStatus{}, fmt.Errorf("%w: %s", engine.ErrContainerNotFound, containerID)
}

func (f *fakeEngine) UpdateLogs(ctx context.Context, containerID string, logs engine.LogHandler) error {
	return nil
}

type testRig struct {
	o     *Orchestrator
	store store.Store
	eng   *fakeEngine
	d     *dispatch.Dispatcher
	cfg   *config.Config
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	cfg := config.GetDefaultConfig()
	cfg.Dispatcher.WorkersPerQueue = 2

	d, err := dispatch.New([]string{cfg.Dispatcher.DefaultQueue, "activation"}, cfg.Dispatcher.WorkersPerQueue)
	require.NoError(t, err)
	t.Cleanup(d.Close)

	eng := newFakeEngine()
	return &testRig{
		o:     New(s, eng, d, &cfg, "activation"),
		store: s,
		eng:   eng,
		d:     d,
		cfg:   &cfg,
	}
}

func (r *testRig) createParent(t *testing.T, policy core.RestartPolicy) core.ParentRef {
	t.Helper()
	p := &store.Parent{
		Ref:           core.ParentRef{Kind: core.KindActivation},
		Name:          "demo",
		Enabled:       true,
		Image:         "quay.io/ansible/ansible-rulebook:main",
		RestartPolicy: policy,
	}
	require.NoError(t, r.store.CreateParent(context.Background(), p))
	return p.Ref
}

func (r *testRig) parentStatus(t *testing.T, ref core.ParentRef) core.Status {
	t.Helper()
	p, err := r.store.GetParent(context.Background(), ref)
	require.NoError(t, err)
	return p.Status
}

func (r *testRig) waitForStatus(t *testing.T, ref core.ParentRef, want core.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.parentStatus(t, ref) == want
	}, 3*time.Second, 10*time.Millisecond, "parent never reached %s", want)
}

func TestStartRequestDrains(t *testing.T) {
	r := newTestRig(t)
	ref := r.createParent(t, core.RestartAlways)

	require.NoError(t, r.o.StartRequest(context.Background(), ref))
	r.waitForStatus(t, ref, core.StatusRunning)

	// The executed request is consumed.
	assert.Eventually(t, func() bool {
		reqs, err := r.store.ListRequests(context.Background(), ref)
		require.NoError(t, err)
		return len(reqs) == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestStartThenStopCollapses(t *testing.T) {
	r := newTestRig(t)
	ref := r.createParent(t, core.RestartAlways)
	ctx := context.Background()

	require.NoError(t, r.o.StartRequest(ctx, ref))
	require.NoError(t, r.o.StopRequest(ctx, ref))

	r.waitForStatus(t, ref, core.StatusStopped)
}

func TestDeleteRequestWins(t *testing.T) {
	r := newTestRig(t)
	ref := r.createParent(t, core.RestartAlways)
	ctx := context.Background()

	require.NoError(t, r.o.StartRequest(ctx, ref))
	require.NoError(t, r.o.RestartRequest(ctx, ref))
	require.NoError(t, r.o.DeleteRequest(ctx, ref))

	require.Eventually(t, func() bool {
		_, err := r.store.GetParent(ctx, ref)
		return err != nil
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRequestForVanishedParent(t *testing.T) {
	r := newTestRig(t)
	ghost := core.ParentRef{Kind: core.KindActivation, ID: 77}
	err := r.o.StartRequest(context.Background(), ghost)
	assert.ErrorIs(t, err, store.ErrParentGone)
}

func TestProcessAllSingleShot(t *testing.T) {
	r := newTestRig(t)
	a := r.createParent(t, core.RestartAlways)
	b := r.createParent(t, core.RestartAlways)
	ctx := context.Background()

	// Queue the requests without touching the dispatcher, then drain
	// synchronously the way worker --once does.
	require.NoError(t, r.store.PushRequest(ctx, a, core.RequestStart))
	require.NoError(t, r.store.PushRequest(ctx, b, core.RequestStart))

	require.NoError(t, r.o.ProcessAll(ctx))
	assert.Equal(t, core.StatusRunning, r.parentStatus(t, a))
	assert.Equal(t, core.StatusRunning, r.parentStatus(t, b))
}

func TestCapacityLeavesRequestQueued(t *testing.T) {
	r := newTestRig(t)
	r.cfg.Orchestrator.MaxRunningProcesses = 1
	first := r.createParent(t, core.RestartAlways)
	second := r.createParent(t, core.RestartAlways)
	ctx := context.Background()

	require.NoError(t, r.store.PushRequest(ctx, first, core.RequestStart))
	require.NoError(t, r.store.PushRequest(ctx, second, core.RequestStart))
	require.NoError(t, r.o.ProcessAll(ctx))

	statuses := []core.Status{r.parentStatus(t, first), r.parentStatus(t, second)}
	assert.Contains(t, statuses, core.StatusRunning)
	assert.Contains(t, statuses, core.StatusPending)

	// Exactly one start request survived for the postponed parent.
	var queued int
	for _, ref := range []core.ParentRef{first, second} {
		reqs, err := r.store.ListRequests(ctx, ref)
		require.NoError(t, err)
		queued += len(reqs)
	}
	assert.Equal(t, 1, queued)

	// Capacity frees up: the next pass starts the postponed parent.
	running := first
	if statuses[0] == core.StatusPending {
		running = second
	}
	require.NoError(t, r.o.Manager().Stop(ctx, running))
	require.NoError(t, r.o.ProcessAll(ctx))
	for _, ref := range []core.ParentRef{first, second} {
		if ref == running {
			continue
		}
		assert.Equal(t, core.StatusRunning, r.parentStatus(t, ref))
	}
}

func TestEngineUnavailableLeavesRequestQueued(t *testing.T) {
	r := newTestRig(t)
	ref := r.createParent(t, core.RestartAlways)
	ctx := context.Background()
	r.eng.startErr = engine.ErrEngineUnavailable

	require.NoError(t, r.store.PushRequest(ctx, ref, core.RequestStart))
	require.NoError(t, r.o.ProcessAll(ctx))

	assert.Equal(t, core.StatusPending, r.parentStatus(t, ref))
	reqs, err := r.store.ListRequests(ctx, ref)
	require.NoError(t, err)
	assert.Len(t, reqs, 1)

	// The engine recovers; the queued request is retried.
	r.eng.mu.Lock()
	r.eng.startErr = nil
	r.eng.mu.Unlock()
	require.NoError(t, r.o.ProcessAll(ctx))
	assert.Equal(t, core.StatusRunning, r.parentStatus(t, ref))
}

func TestMonitorFallThrough(t *testing.T) {
	r := newTestRig(t)
	ref := r.createParent(t, core.RestartNever)
	ctx := context.Background()

	require.NoError(t, r.store.PushRequest(ctx, ref, core.RequestStart))
	require.NoError(t, r.o.ProcessAll(ctx))
	require.Equal(t, core.StatusRunning, r.parentStatus(t, ref))

	// The container finishes; the next empty-queue pass notices.
	proc, err := r.store.LatestProcess(ctx, ref)
	require.NoError(t, err)
	r.eng.mu.Lock()
	r.eng.status[proc.ContainerID] = engine.ContainerStatus{Status: core.StatusCompleted}
	r.eng.mu.Unlock()

	require.NoError(t, r.o.ProcessAll(ctx))
	assert.Equal(t, core.StatusCompleted, r.parentStatus(t, ref))
}

func TestScheduleAutoStartRunsLater(t *testing.T) {
	r := newTestRig(t)
	ref := r.createParent(t, core.RestartAlways)

	r.o.ScheduleAutoStart(ref, 10*time.Millisecond)
	r.waitForStatus(t, ref, core.StatusRunning)
}

func TestCancelAutoStart(t *testing.T) {
	r := newTestRig(t)
	ref := r.createParent(t, core.RestartAlways)

	r.o.ScheduleAutoStart(ref, 50*time.Millisecond)
	r.o.CancelAutoStart(ref)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, core.StatusPending, r.parentStatus(t, ref))
}

func TestAutoStartReplacedNotDuplicated(t *testing.T) {
	r := newTestRig(t)
	ref := r.createParent(t, core.RestartAlways)
	ctx := context.Background()

	r.o.ScheduleAutoStart(ref, time.Hour)
	r.o.ScheduleAutoStart(ref, 10*time.Millisecond)
	r.waitForStatus(t, ref, core.StatusRunning)

	assert.Eventually(t, func() bool {
		all, err := r.store.ListProcesses(ctx, ref)
		require.NoError(t, err)
		return len(all) == 1
	}, time.Second, 20*time.Millisecond)
}

func TestAutoStartWaitsForInFlightProcessing(t *testing.T) {
	r := newTestRig(t)
	ref := r.createParent(t, core.RestartAlways)
	ctx := context.Background()

	// Occupy the parent's processing key with a job that will not finish.
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, r.d.EnqueueUnique("activation", ref.JobKey(), func(context.Context) {
		close(started)
		<-release
	}))
	<-started

	r.o.ScheduleAutoStart(ref, 10*time.Millisecond)

	// The fired auto-start queues its request but may not drain it while
	// the parent's processing job is still in flight.
	require.Eventually(t, func() bool {
		reqs, err := r.store.ListRequests(ctx, ref)
		require.NoError(t, err)
		return len(reqs) == 1
	}, 3*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, core.StatusPending, r.parentStatus(t, ref))

	close(release)
	require.NoError(t, r.o.ProcessAll(ctx))
	assert.Equal(t, core.StatusRunning, r.parentStatus(t, ref))
}

func TestProcessHeartbeatTouchesProcess(t *testing.T) {
	r := newTestRig(t)
	ref := r.createParent(t, core.RestartAlways)
	ctx := context.Background()

	require.NoError(t, r.store.PushRequest(ctx, ref, core.RequestStart))
	require.NoError(t, r.o.ProcessAll(ctx))
	proc, err := r.store.LatestProcess(ctx, ref)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, r.o.ProcessHeartbeat(ctx, proc.ID))

	after, err := r.store.GetProcess(ctx, proc.ID)
	require.NoError(t, err)
	assert.True(t, after.UpdatedAt.After(proc.UpdatedAt))

	assert.ErrorIs(t, r.o.ProcessHeartbeat(ctx, 9999), store.ErrProcessNotFound)
}

func TestSweepCoversStaleProcessOfDriftedParent(t *testing.T) {
	r := newTestRig(t)
	ref := r.createParent(t, core.RestartOnFailure)
	ctx := context.Background()

	require.NoError(t, r.store.PushRequest(ctx, ref, core.RequestStart))
	require.NoError(t, r.o.ProcessAll(ctx))
	proc, err := r.store.LatestProcess(ctx, ref)
	require.NoError(t, err)

	// The parent's status drifted out of the active set while its process
	// row still reads running; only the stale-process sweep can find it.
	require.NoError(t, r.store.UpdateParentStatus(ctx, ref, core.StatusUnresponsive, ""))
	r.cfg.Orchestrator.LivenessTimeoutSeconds = 0
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, r.o.ProcessAll(ctx))

	after, err := r.store.GetProcess(ctx, proc.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusUnresponsive, after.Status)

	parent, err := r.store.GetParent(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, 1, parent.FailureCount)
}

func TestCheckPoolHealthHealthy(t *testing.T) {
	r := newTestRig(t)
	ref := r.createParent(t, core.RestartAlways)
	ctx := context.Background()

	require.NoError(t, r.store.PushRequest(ctx, ref, core.RequestStart))
	require.NoError(t, r.o.ProcessAll(ctx))

	require.NoError(t, r.o.CheckPoolHealth(ctx))
	assert.Equal(t, core.StatusRunning, r.parentStatus(t, ref))
}

func TestEnqueueAllPicksUpRunningParents(t *testing.T) {
	r := newTestRig(t)
	ref := r.createParent(t, core.RestartNever)
	ctx := context.Background()

	require.NoError(t, r.store.PushRequest(ctx, ref, core.RequestStart))
	require.NoError(t, r.o.ProcessAll(ctx))
	require.Equal(t, core.StatusRunning, r.parentStatus(t, ref))

	proc, err := r.store.LatestProcess(ctx, ref)
	require.NoError(t, err)
	r.eng.mu.Lock()
	r.eng.status[proc.ContainerID] = engine.ContainerStatus{Status: core.StatusFailed, Message: "Container exited with code 1."}
	r.eng.mu.Unlock()

	// No pending requests: the sweep still monitors running parents.
	require.NoError(t, r.o.EnqueueAll(ctx))
	r.waitForStatus(t, ref, core.StatusFailed)
}
