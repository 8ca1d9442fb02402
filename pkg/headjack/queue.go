// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package headjack

import (
	"context"
	"sync"

	"maunium.net/go/mautrix/id"
)

// roomQueues runs items through one FIFO per room. Each room gets a worker
// goroutine while it has queued items; rooms are processed concurrently.
type roomQueues[T any] struct {
	depth int
	run   func(ctx context.Context, roomID id.RoomID, item T)
	drop  func(item T)
	// stale reports items that no longer need processing. They do not count
	// against depth and are discarded when the queue is full.
	stale func(item T) bool

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	queues map[id.RoomID][]T
	active map[id.RoomID]bool
	// closed rejects new items; stopped also makes workers abandon queued ones.
	closed  bool
	stopped bool
	wg      sync.WaitGroup
}

// newRoomQueues creates queues that hold at most depth items per room; a
// depth of zero means unbounded. drop is called for items still queued at
// close.
func newRoomQueues[T any](depth int, run func(context.Context, id.RoomID, T), drop func(T)) *roomQueues[T] {
	ctx, cancel := context.WithCancel(context.Background())
	return &roomQueues[T]{
		depth:  depth,
		run:    run,
		drop:   drop,
		ctx:    ctx,
		cancel: cancel,
		queues: make(map[id.RoomID][]T),
		active: make(map[id.RoomID]bool),
	}
}

// start replaces the worker context with one derived from parent.
func (q *roomQueues[T]) start(parent context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancel()
	q.ctx, q.cancel = context.WithCancel(parent)
}

func (q *roomQueues[T]) push(roomID id.RoomID, item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrGovernorClosed
	}
	if q.depth > 0 && len(q.queues[roomID]) >= q.depth {
		q.compact(roomID)
		if len(q.queues[roomID]) >= q.depth {
			return ErrQueueFull
		}
	}
	q.queues[roomID] = append(q.queues[roomID], item)
	if !q.active[roomID] {
		q.active[roomID] = true
		q.wg.Add(1)
		go q.worker(q.ctx, roomID)
	}
	return nil
}

func (q *roomQueues[T]) worker(ctx context.Context, roomID id.RoomID) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		items := q.queues[roomID]
		if q.stopped {
			// close hands the remaining items to drop.
			delete(q.active, roomID)
			q.mu.Unlock()
			return
		}
		if len(items) == 0 {
			delete(q.queues, roomID)
			delete(q.active, roomID)
			q.mu.Unlock()
			return
		}
		item := items[0]
		var zero T
		items[0] = zero
		q.queues[roomID] = items[1:]
		q.mu.Unlock()

		q.run(ctx, roomID, item)
	}
}

// compact removes stale items from a room's queue. q.mu must be held.
func (q *roomQueues[T]) compact(roomID id.RoomID) {
	if q.stale == nil {
		return
	}
	items := q.queues[roomID]
	kept := items[:0]
	for _, item := range items {
		if !q.stale(item) {
			kept = append(kept, item)
		}
	}
	clear(items[len(kept):])
	q.queues[roomID] = kept
}

// len returns the number of items waiting for a room, not counting the one
// being processed or stale ones.
func (q *roomQueues[T]) len(roomID id.RoomID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, item := range q.queues[roomID] {
		if q.stale == nil || !q.stale(item) {
			n++
		}
	}
	return n
}

// close stops accepting items, cancels running work, waits for the workers
// and drops whatever was still queued.
func (q *roomQueues[T]) close() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.stopped = true
	q.cancel()
	q.mu.Unlock()

	q.wg.Wait()

	q.mu.Lock()
	leftover := q.queues
	q.queues = make(map[id.RoomID][]T)
	q.mu.Unlock()
	for _, items := range leftover {
		for _, item := range items {
			if q.drop != nil {
				q.drop(item)
			}
		}
	}
}

// drain waits for every queued item to be processed, then closes.
func (q *roomQueues[T]) drain() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
	q.mu.Lock()
	q.cancel()
	q.mu.Unlock()
}
