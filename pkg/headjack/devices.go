// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package headjack

import (
	"context"
	"errors"
	"fmt"
)

// errNoManualVerifier is returned by operator decisions when the bot does not
// use a ManualVerifier.
var errNoManualVerifier = errors.New("bot is not configured with a manual verifier")

// beginVerification starts the handshake for a pending device. Outcomes are
// funnelled to watchVerifications so trust changes are applied one at a time.
// Before Run, the device is only persisted; Run starts a handshake for every
// pending device.
func (b *Bot) beginVerification(ctx context.Context, key DeviceKey) {
	b.mu.Lock()
	runCtx := b.runCtx
	if b.verifying[key] {
		b.mu.Unlock()
		return
	}
	if runCtx != nil {
		b.verifying[key] = true
	}
	b.mu.Unlock()

	b.persistDevice(ctx, key)
	if runCtx == nil {
		return
	}
	if b.verifier == nil {
		b.log.Info().Stringer("device", key).Msg("Device awaits verification but no verifier is configured")
		return
	}
	log := b.log.With().Stringer("device", key).Logger()
	log.Info().Msg("Starting device verification")

	ch, err := b.verifier.BeginVerification(runCtx, key)
	b.mu.Lock()
	if b.runCtx == nil {
		b.mu.Unlock()
		return
	}
	b.bg.Add(1)
	b.mu.Unlock()
	go func() {
		defer b.bg.Done()
		var outcome VerificationOutcome
		if err != nil {
			log.Warn().Err(err).Msg("Failed to start device verification")
			outcome = VerificationOutcome{Key: key, State: TrustRejected, Reason: err.Error()}
		} else {
			select {
			case out, ok := <-ch:
				if !ok {
					log.Warn().Msg("Verifier closed without an outcome")
					out = VerificationOutcome{State: TrustRejected, Reason: "verifier gave no outcome"}
				}
				outcome = out
				outcome.Key = key
			case <-runCtx.Done():
				return
			}
		}
		select {
		case b.outcomes <- outcome:
		case <-runCtx.Done():
		}
	}()
}

func (b *Bot) watchVerifications(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-b.outcomes:
			b.applyOutcome(ctx, out)
		}
	}
}

func (b *Bot) applyOutcome(ctx context.Context, out VerificationOutcome) {
	b.mu.Lock()
	delete(b.verifying, out.Key)
	b.mu.Unlock()

	log := b.log.With().Stringer("device", out.Key).Logger()
	dt, err := b.tracker.CompleteVerification(out.Key, out.State)
	if err != nil {
		log.Warn().Err(err).Msg("Ignoring verification outcome")
		return
	}
	log.Info().Str("state", string(dt.State)).Str("reason", out.Reason).Msg("Device verification finished")
	b.saveTrust(ctx, dt)
}

func (b *Bot) persistDevice(ctx context.Context, key DeviceKey) {
	if dt, ok := b.tracker.Device(key); ok {
		b.saveTrust(ctx, dt)
	}
}

func (b *Bot) saveTrust(ctx context.Context, dt DeviceTrust) {
	if err := b.store.SaveDeviceTrust(context.WithoutCancel(ctx), dt); err != nil {
		b.log.Warn().Err(err).Stringer("device", dt.Key).Msg("Failed to persist device trust")
	}
}

// ApproveDevice resolves a pending manual verification as verified.
func (b *Bot) ApproveDevice(key DeviceKey) error {
	mv, ok := b.verifier.(*ManualVerifier)
	if !ok {
		return errNoManualVerifier
	}
	return mv.Approve(key)
}

// RejectDevice resolves a pending manual verification as rejected.
func (b *Bot) RejectDevice(key DeviceKey, reason string) error {
	mv, ok := b.verifier.(*ManualVerifier)
	if !ok {
		return errNoManualVerifier
	}
	return mv.Reject(key, reason)
}

// RestartVerification moves a rejected device back to pending and starts a
// new handshake.
func (b *Bot) RestartVerification(ctx context.Context, key DeviceKey) (DeviceTrust, error) {
	dt, err := b.tracker.RestartVerification(key)
	if err != nil {
		return dt, err
	}
	b.beginVerification(ctx, key)
	return dt, nil
}

// DistrustDevice revokes trust in a device.
func (b *Bot) DistrustDevice(ctx context.Context, key DeviceKey) (DeviceTrust, error) {
	dt, err := b.tracker.Distrust(key)
	if err != nil {
		return dt, fmt.Errorf("failed to distrust %s: %w", key, err)
	}
	if mv, ok := b.verifier.(*ManualVerifier); ok {
		_ = mv.Reject(key, "distrusted by operator")
	}
	b.saveTrust(ctx, dt)
	return dt, nil
}
