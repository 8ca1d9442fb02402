// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package headjack

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/aiku/headjack/pkg/clock"
)

// SyncConfig tunes the sync loop.
type SyncConfig struct {
	// Timeout is the long-poll timeout passed to the server.
	Timeout        time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Jitter is the backoff randomization factor in [0, 1).
	Jitter float64
}

// SyncLoop drives the long-poll cycle for one session.
type SyncLoop struct {
	client  Client
	session *Session
	store   Store
	norm    *Normalizer
	cfg     SyncConfig
	clock   clock.Clock
	log     zerolog.Logger
}

// NewSyncLoop returns a loop that resumes from the session's cursor.
func NewSyncLoop(client Client, session *Session, store Store, cfg SyncConfig, clk clock.Clock, log zerolog.Logger) *SyncLoop {
	log = log.With().Str("component", "sync").Logger()
	return &SyncLoop{
		client:  client,
		session: session,
		store:   store,
		norm:    NewNormalizer(log, clk.Now),
		cfg:     cfg,
		clock:   clk,
		log:     log,
	}
}

// Run syncs until ctx is cancelled or a fatal error occurs. Every event of a
// batch is passed to sink before the batch's cursor is persisted, so a crash
// re-delivers the batch rather than losing it.
//
// Transient and rate-limit failures are retried forever with exponential
// backoff. A fatal or rejected sync returns *FatalError carrying the last
// cursor that was fully applied. Cancellation returns ctx.Err().
func (l *SyncLoop) Run(ctx context.Context, sink func(context.Context, *Event)) error {
	return l.run(ctx, func(ev *Event) bool {
		sink(ctx, ev)
		return true
	})
}

// Events returns the loop as a lazy sequence. Iteration ends on
// cancellation, which is not reported, or after yielding a fatal error.
// Stopping the iteration early leaves the cursor of the unfinished batch
// unsaved.
func (l *SyncLoop) Events(ctx context.Context) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		err := l.run(ctx, func(ev *Event) bool {
			return yield(ev, nil)
		})
		if err != nil && ctx.Err() == nil && !errors.Is(err, errStopped) {
			yield(nil, err)
		}
	}
}

var errStopped = errors.New("iteration stopped")

func (l *SyncLoop) run(ctx context.Context, emit func(*Event) bool) error {
	bo := newBackoff(l.cfg.InitialBackoff, l.cfg.MaxBackoff, l.cfg.Jitter)
	l.log.Info().Str("since", l.session.Cursor()).Msg("Starting sync loop")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		since := l.session.Cursor()
		resp, err := l.client.Sync(ctx, since, l.cfg.Timeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			class := Classify(err)
			if class == ClassFatal || class == ClassRejected {
				l.log.Error().Err(err).Str("since", since).Stringer("class", class).Msg("Sync failed fatally")
				return &FatalError{Op: "sync", LastCursor: since, Err: err}
			}
			wait := nextDelay(bo, l.cfg.MaxBackoff)
			if retryAfter, ok := RetryAfter(err); ok && retryAfter > wait {
				wait = retryAfter
			}
			l.log.Warn().Err(err).Stringer("class", class).Dur("backoff", wait).Msg("Sync failed, retrying")
			select {
			case <-l.clock.After(wait):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		bo.Reset()

		events := l.norm.Normalize(resp)
		for _, ev := range events {
			if !emit(ev) {
				return errStopped
			}
		}

		if resp.NextBatch == "" || resp.NextBatch == since {
			continue
		}
		l.session.setCursor(resp.NextBatch)
		if l.store != nil {
			if err := l.store.SaveCursor(context.WithoutCancel(ctx), l.session.UserID, resp.NextBatch); err != nil {
				l.log.Warn().Err(err).Msg("Failed to persist sync cursor")
			}
		}
		l.log.Trace().Str("next_batch", resp.NextBatch).Int("events", len(events)).Msg("Applied sync batch")
	}
}

func newBackoff(initial, max time.Duration, jitter float64) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = max
	bo.RandomizationFactor = jitter
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// nextDelay is bo.NextBackOff clamped to max, since jitter may push the
// randomized interval above MaxInterval.
func nextDelay(bo *backoff.ExponentialBackOff, max time.Duration) time.Duration {
	d := bo.NextBackOff()
	if d == backoff.Stop || (max > 0 && d > max) {
		return max
	}
	return d
}
