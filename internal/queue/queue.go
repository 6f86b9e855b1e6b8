// Package queue is the durable per-parent lifecycle request queue and its
// arbitration algorithm. Requests are appended by whoever issues them (API
// layer, restart scheduler, monitor) and consumed exclusively by the
// activation manager for that parent.
package queue

import (
	"context"

	"rulehive/internal/core"
	"rulehive/internal/store"
)

// Queue wraps the store's request rows with arbitration.
type Queue struct {
	store store.Store
}

// New creates a request queue over the given store.
func New(s store.Store) *Queue {
	return &Queue{store: s}
}

// Push appends a request. It returns store.ErrParentGone when the parent no
// longer exists; the request is still recorded, but the caller should not
// schedule further work for the parent.
func (q *Queue) Push(ctx context.Context, ref core.ParentRef, kind core.RequestKind) error {
	return q.store.PushRequest(ctx, ref, kind)
}

// PeekAll returns the arbitrated list of pending requests for the parent
// without deleting them. Requests superseded by arbitration are deleted as
// a side effect; the returned qualified requests are deleted later by
// PopUntil once executed.
func (q *Queue) PeekAll(ctx context.Context, ref core.ParentRef) ([]core.Request, error) {
	raw, err := q.store.ListRequests(ctx, ref)
	if err != nil {
		return nil, err
	}
	qualified, dropped := arbitrate(raw)
	if len(dropped) > 0 {
		ids := make([]int64, len(dropped))
		for i, r := range dropped {
			ids[i] = r.ID
		}
		if err := q.store.DeleteRequests(ctx, ref, ids); err != nil {
			return nil, err
		}
	}
	return qualified, nil
}

// PopUntil deletes every pending request with id <= the given id, used
// after the request has been executed.
func (q *Queue) PopUntil(ctx context.Context, ref core.ParentRef, id int64) error {
	return q.store.DeleteRequestsUntil(ctx, ref, id)
}

// ListParents returns the parents that currently have pending requests.
func (q *Queue) ListParents(ctx context.Context) ([]core.ParentRef, error) {
	return q.store.ListRequestParents(ctx)
}

func isStart(k core.RequestKind) bool {
	return k == core.RequestStart || k == core.RequestRestart
}

// arbitrate reduces the raw ordered request list to the minimal set that
// must actually execute. It is a single left-to-right reduction keeping one
// reference candidate:
//
//   - delete is absorbing: nothing after it matters
//   - duplicates and opportunistic auto-starts never override the reference
//   - a concrete request always outranks a speculative auto-start
//   - stop/delete invalidates everything queued before it
//   - start and restart are equivalent intents; the earlier one wins
//
// The second return value lists the requests arbitration discarded.
func arbitrate(requests []core.Request) (qualified, dropped []core.Request) {
	if len(requests) < 2 {
		return requests, nil
	}

	var ref *core.Request
	for i := range requests {
		req := requests[i]
		if ref == nil {
			ref = &req
			continue
		}

		// Nothing can be done after delete, dedup, and skip auto_start.
		if ref.Kind == core.RequestDelete || req.Kind == ref.Kind || req.Kind == core.RequestAutoStart {
			dropped = append(dropped, req)
			continue
		}

		if ref.Kind == core.RequestAutoStart {
			dropped = append(dropped, *ref)
			ref = &req
			continue
		}

		if req.Kind == core.RequestStop || req.Kind == core.RequestDelete {
			dropped = append(dropped, qualified...)
			qualified = qualified[:0]
			dropped = append(dropped, *ref)
			ref = &req
			continue
		}

		if isStart(req.Kind) && isStart(ref.Kind) {
			dropped = append(dropped, req)
			continue
		}

		qualified = append(qualified, *ref)
		ref = &req
	}

	if ref != nil {
		qualified = append(qualified, *ref)
	}
	return qualified, dropped
}
