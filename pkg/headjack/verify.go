// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package headjack

import (
	"context"
	"fmt"
	"sync"
)

// VerificationOutcome is the asynchronous result of a verification handshake.
type VerificationOutcome struct {
	Key    DeviceKey
	State  TrustState
	Reason string
}

// Verifier runs the cross-device verification handshake. The returned
// channel receives exactly one outcome with State TrustVerified or
// TrustRejected.
type Verifier interface {
	BeginVerification(ctx context.Context, key DeviceKey) (<-chan VerificationOutcome, error)
}

// ManualVerifier resolves verifications through an operator decision, made
// through the admin API or directly with Approve and Reject.
type ManualVerifier struct {
	mu      sync.Mutex
	pending map[DeviceKey]chan VerificationOutcome
}

var _ Verifier = (*ManualVerifier)(nil)

// NewManualVerifier returns a verifier with no pending handshakes.
func NewManualVerifier() *ManualVerifier {
	return &ManualVerifier{pending: make(map[DeviceKey]chan VerificationOutcome)}
}

func (v *ManualVerifier) BeginVerification(_ context.Context, key DeviceKey) (<-chan VerificationOutcome, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if old, ok := v.pending[key]; ok {
		old <- VerificationOutcome{Key: key, State: TrustRejected, Reason: "superseded by a new verification"}
		close(old)
	}
	ch := make(chan VerificationOutcome, 1)
	v.pending[key] = ch
	return ch, nil
}

// Approve completes a pending verification successfully.
func (v *ManualVerifier) Approve(key DeviceKey) error {
	return v.resolve(VerificationOutcome{Key: key, State: TrustVerified})
}

// Reject fails a pending verification.
func (v *ManualVerifier) Reject(key DeviceKey, reason string) error {
	return v.resolve(VerificationOutcome{Key: key, State: TrustRejected, Reason: reason})
}

func (v *ManualVerifier) resolve(outcome VerificationOutcome) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	ch, ok := v.pending[outcome.Key]
	if !ok {
		return fmt.Errorf("%w: no verification pending for %s", ErrUnknownDevice, outcome.Key)
	}
	delete(v.pending, outcome.Key)
	ch <- outcome
	close(ch)
	return nil
}

// Pending returns the devices waiting for a decision.
func (v *ManualVerifier) Pending() []DeviceKey {
	v.mu.Lock()
	keys := make([]DeviceKey, 0, len(v.pending))
	for key := range v.pending {
		keys = append(keys, key)
	}
	v.mu.Unlock()
	sortKeys(keys)
	return keys
}
