// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package headjack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/headjack/pkg/clock"
)

// ActionKind is the kind of outbound request a Pending carries.
type ActionKind int

const (
	ActionSend ActionKind = iota
	ActionReaction
	ActionJoin
	ActionLeave
)

func (k ActionKind) String() string {
	switch k {
	case ActionSend:
		return "send"
	case ActionReaction:
		return "reaction"
	case ActionJoin:
		return "join"
	case ActionLeave:
		return "leave"
	default:
		return fmt.Sprintf("ActionKind(%d)", int(k))
	}
}

// Action is one outbound request.
type Action struct {
	Kind      ActionKind
	RoomID    id.RoomID
	EventType event.Type
	Content   any

	SubmittedAt time.Time
	// WithheldDevices are the room's unverified devices at submission time.
	// The client must not share keys for this event with them.
	WithheldDevices []DeviceKey
}

type pendingState int

const (
	pendingQueued pendingState = iota
	pendingDispatched
	pendingDone
)

// Pending is a queued Action. It resolves once the action was sent or failed
// permanently.
type Pending struct {
	Action Action

	mu      sync.Mutex
	state   pendingState
	done    chan struct{}
	eventID id.EventID
	err     error
}

func newPending(action Action) *Pending {
	return &Pending{Action: action, done: make(chan struct{})}
}

// Done is closed when the action resolves.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Err returns the failure reason once resolved.
func (p *Pending) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// EventID returns the ID of the sent event once resolved. It is empty for
// joins and leaves.
func (p *Pending) EventID() id.EventID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.eventID
}

// Wait blocks until the action resolves or ctx is done. A cancelled ctx does
// not cancel the action.
func (p *Pending) Wait(ctx context.Context) (id.EventID, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.eventID, p.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Cancel withdraws the action if it has not been dispatched yet. It reports
// whether the action was withdrawn.
func (p *Pending) Cancel() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != pendingQueued {
		return false
	}
	p.state = pendingDone
	p.err = ErrActionCancelled
	close(p.done)
	return true
}

func (p *Pending) resolved() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == pendingDone
}

func (p *Pending) dispatch() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != pendingQueued {
		return false
	}
	p.state = pendingDispatched
	return true
}

func (p *Pending) resolve(eventID id.EventID, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == pendingDone {
		return
	}
	p.state = pendingDone
	p.eventID = eventID
	p.err = err
	close(p.done)
}

// GovernorConfig tunes the outbound governor.
type GovernorConfig struct {
	// QueueDepth caps queued actions per room. Zero means unbounded.
	QueueDepth int
	// DefaultRetryAfter is used when a rate-limit response has no retry-after.
	DefaultRetryAfter time.Duration
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	Jitter            float64
}

// Governor serializes outbound actions per room. Actions in one room are sent
// in submission order; rooms do not wait on each other.
type Governor struct {
	client Client
	cfg    GovernorConfig
	clock  clock.Clock
	log    zerolog.Logger
	queues *roomQueues[*Pending]
}

// NewGovernor returns a governor sending through client. Start must be called
// before actions are processed with a cancellable context; until then the
// workers use a background context.
func NewGovernor(client Client, cfg GovernorConfig, clk clock.Clock, log zerolog.Logger) *Governor {
	g := &Governor{
		client: client,
		cfg:    cfg,
		clock:  clk,
		log:    log.With().Str("component", "governor").Logger(),
	}
	g.queues = newRoomQueues(cfg.QueueDepth, g.process, func(p *Pending) {
		p.resolve("", ErrGovernorClosed)
	})
	g.queues.stale = (*Pending).resolved
	return g
}

// Start ties the room workers to ctx.
func (g *Governor) Start(ctx context.Context) {
	g.queues.start(ctx)
}

// Close stops all room workers. Actions still queued resolve with
// ErrGovernorClosed.
func (g *Governor) Close() {
	g.queues.close()
}

// Enqueue queues an action for a room. It fails fast with ErrQueueFull when
// the room already has QueueDepth actions waiting.
func (g *Governor) Enqueue(roomID id.RoomID, action Action) (*Pending, error) {
	action.RoomID = roomID
	if action.SubmittedAt.IsZero() {
		action.SubmittedAt = g.clock.Now()
	}
	p := newPending(action)
	if err := g.queues.push(roomID, p); err != nil {
		return nil, err
	}
	return p, nil
}

// QueueLen returns the number of actions waiting for a room.
func (g *Governor) QueueLen(roomID id.RoomID) int {
	return g.queues.len(roomID)
}

func (g *Governor) process(ctx context.Context, roomID id.RoomID, p *Pending) {
	if !p.dispatch() {
		return
	}
	log := g.log.With().
		Str("room_id", roomID.String()).
		Stringer("action", p.Action.Kind).
		Logger()

	bo := newBackoff(g.cfg.InitialBackoff, g.cfg.MaxBackoff, g.cfg.Jitter)
	for attempt := 1; ; attempt++ {
		eventID, err := g.send(ctx, p.Action)
		if err == nil {
			log.Debug().Str("event_id", eventID.String()).Int("attempt", attempt).Msg("Sent outbound action")
			p.resolve(eventID, nil)
			return
		}
		if ctx.Err() != nil {
			p.resolve("", fmt.Errorf("%w: %w", ErrGovernorClosed, err))
			return
		}

		var wait time.Duration
		switch class := Classify(err); class {
		case ClassRateLimited:
			var ok bool
			if wait, ok = RetryAfter(err); !ok {
				wait = g.cfg.DefaultRetryAfter
			}
			log.Warn().Err(err).Dur("retry_after", wait).Msg("Rate limited, pausing room")
		case ClassTransient:
			wait = nextDelay(bo, g.cfg.MaxBackoff)
			log.Warn().Err(err).Dur("backoff", wait).Int("attempt", attempt).Msg("Transient send failure, retrying")
		default:
			var rejected *RejectedError
			if class == ClassRejected && !errors.As(err, &rejected) {
				err = &RejectedError{Reason: "server refused action", Err: err}
			}
			log.Error().Err(err).Stringer("class", class).Msg("Dropping outbound action")
			p.resolve("", err)
			return
		}

		select {
		case <-g.clock.After(wait):
		case <-ctx.Done():
			p.resolve("", fmt.Errorf("%w: %w", ErrGovernorClosed, err))
			return
		}
	}
}

func (g *Governor) send(ctx context.Context, action Action) (id.EventID, error) {
	switch action.Kind {
	case ActionJoin:
		return "", g.client.Join(ctx, action.RoomID)
	case ActionLeave:
		return "", g.client.Leave(ctx, action.RoomID)
	case ActionReaction:
		evtType := action.EventType
		if evtType.Type == "" {
			evtType = event.EventReaction
		}
		return g.client.Send(ctx, action.RoomID, evtType, action.Content, SendOptions{WithheldDevices: action.WithheldDevices})
	default:
		evtType := action.EventType
		if evtType.Type == "" {
			evtType = event.EventMessage
		}
		return g.client.Send(ctx, action.RoomID, evtType, action.Content, SendOptions{WithheldDevices: action.WithheldDevices})
	}
}
