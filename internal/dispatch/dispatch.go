// Package dispatch is the in-process job dispatcher: named queues, a
// fixed worker pool per queue, key-based deduplication and delayed
// scheduling. Jobs are closures; durability lives in the request queue
// rows, not here, so a crash loses only the dispatch bookkeeping and the
// startup sweep re-enqueues whatever still has pending requests.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rulehive/pkg/logging"
)

const subsystem = "Dispatcher"

// ErrUnknownQueue is returned for enqueue calls naming a queue the
// dispatcher was not configured with.
var ErrUnknownQueue = errors.New("unknown dispatch queue")

// ErrClosed is returned once Close has been called.
var ErrClosed = errors.New("dispatcher closed")

// Job is one unit of work. The context is cancelled when the dispatcher
// shuts down.
type Job func(ctx context.Context)

type task struct {
	key string
	job Job
}

// Dispatcher routes keyed jobs to per-queue worker pools.
type Dispatcher struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	queues   map[string]chan task
	inflight map[string]struct{}
	timers   map[string]*time.Timer
}

// New builds a dispatcher with the given queues, each served by workers
// goroutines. Queue names must be unique.
func New(queues []string, workers int) (*Dispatcher, error) {
	if len(queues) == 0 {
		return nil, errors.New("at least one dispatch queue is required")
	}
	if workers < 1 {
		return nil, fmt.Errorf("invalid worker count %d", workers)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		ctx:      ctx,
		cancel:   cancel,
		queues:   make(map[string]chan task, len(queues)),
		inflight: make(map[string]struct{}),
		timers:   make(map[string]*time.Timer),
	}
	for _, name := range queues {
		if _, dup := d.queues[name]; dup {
			cancel()
			return nil, fmt.Errorf("duplicate dispatch queue %q", name)
		}
		ch := make(chan task, 1024)
		d.queues[name] = ch
		for i := 0; i < workers; i++ {
			d.wg.Add(1)
			go d.worker(name, ch)
		}
	}
	logging.Info(subsystem, "Started %d queues with %d workers each", len(queues), workers)
	return d, nil
}

func (d *Dispatcher) worker(queue string, ch chan task) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case t := <-ch:
			d.run(queue, t)
		}
	}
}

func (d *Dispatcher) run(queue string, t task) {
	defer func() {
		d.mu.Lock()
		delete(d.inflight, t.key)
		d.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			logging.Error(subsystem, nil, "Job %s on queue %s panicked: %v", t.key, queue, r)
		}
	}()
	t.job(d.ctx)
}

// EnqueueUnique submits a job under a key. While a job with the same key
// is queued or running, further submissions are dropped; the running job
// is expected to observe the state that prompted them.
func (d *Dispatcher) EnqueueUnique(queue, key string, job Job) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	ch, ok := d.queues[queue]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownQueue, queue)
	}
	if _, dup := d.inflight[key]; dup {
		d.mu.Unlock()
		logging.Debug(subsystem, "Job %s already in flight, skipping", key)
		return nil
	}
	d.inflight[key] = struct{}{}
	d.mu.Unlock()

	select {
	case ch <- task{key: key, job: job}:
		return nil
	case <-d.ctx.Done():
		d.mu.Lock()
		delete(d.inflight, key)
		d.mu.Unlock()
		return ErrClosed
	}
}

// EnqueueDelayed schedules a unique submission after the delay. A second
// delayed submission under the same key replaces the first, resetting the
// clock.
func (d *Dispatcher) EnqueueDelayed(queue, key string, delay time.Duration, job Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if _, ok := d.queues[queue]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownQueue, queue)
	}
	if prev, ok := d.timers[key]; ok {
		prev.Stop()
	}
	d.timers[key] = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.timers, key)
		d.mu.Unlock()
		if err := d.EnqueueUnique(queue, key, job); err != nil && !errors.Is(err, ErrClosed) {
			logging.Error(subsystem, err, "Delayed job %s failed to enqueue", key)
		}
	})
	logging.Debug(subsystem, "Job %s scheduled on %s in %s", key, queue, delay)
	return nil
}

// Cancel drops a pending delayed submission under the key. Jobs already
// queued or running are not interrupted.
func (d *Dispatcher) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[key]; ok {
		t.Stop()
		delete(d.timers, key)
		logging.Debug(subsystem, "Cancelled delayed job %s", key)
	}
}

// Ping submits a probe job and waits for a worker to execute it, bounded
// by the context deadline. It reports whether the pool behind the queue is
// draining work.
func (d *Dispatcher) Ping(ctx context.Context, queue string) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	ch, ok := d.queues[queue]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownQueue, queue)
	}

	done := make(chan struct{})
	probe := task{key: fmt.Sprintf("ping-%s-%d", queue, time.Now().UnixNano()), job: func(context.Context) { close(done) }}
	select {
	case ch <- probe:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Healthy reports whether the queue's workers respond within the timeout.
func (d *Dispatcher) Healthy(queue string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return d.Ping(ctx, queue) == nil
}

// Close stops the timers, cancels running jobs and waits for the workers
// to exit.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for key, t := range d.timers {
		t.Stop()
		delete(d.timers, key)
	}
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
	logging.Info(subsystem, "Dispatcher stopped")
}
