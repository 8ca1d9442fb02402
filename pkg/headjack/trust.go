// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package headjack

import (
	"fmt"
	"slices"
	"strings"

	"maunium.net/go/mautrix/id"
)

// Device verification state machine:
//
//	unknown -> pending -> verified
//	unknown -> pending -> rejected
//
// verified and rejected are terminal. They are only left through
// RestartVerification (rejected -> pending) or Distrust (-> rejected),
// both of which are operator actions.

// RequestVerification moves every unknown device seen in an encrypted room to
// pending and returns the devices that changed. It is a no-op for rooms that
// are not encrypted.
func (t *Tracker) RequestVerification(roomID id.RoomID) []DeviceKey {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.rooms[roomID]
	if !ok || !rec.encrypted {
		return nil
	}
	var moved []DeviceKey
	for key := range rec.devices {
		dev := t.devices[key]
		if dev.state == TrustUnknown {
			dev.state = TrustPending
			dev.updatedAt = t.now()
			moved = append(moved, key)
		}
	}
	sortKeys(moved)
	return moved
}

// CompleteVerification records the outcome of a verification handshake. The
// device must be pending.
func (t *Tracker) CompleteVerification(key DeviceKey, outcome TrustState) (DeviceTrust, error) {
	if outcome != TrustVerified && outcome != TrustRejected {
		return DeviceTrust{}, fmt.Errorf("%w: outcome %s", ErrInvalidTransition, outcome)
	}
	return t.transition(key, outcome, TrustPending)
}

// RestartVerification starts a new verification for a rejected or unknown
// device.
func (t *Tracker) RestartVerification(key DeviceKey) (DeviceTrust, error) {
	return t.transition(key, TrustPending, TrustRejected, TrustUnknown)
}

// Distrust explicitly revokes trust in a device. Sending to it is blocked
// until verification is restarted.
func (t *Tracker) Distrust(key DeviceKey) (DeviceTrust, error) {
	return t.transition(key, TrustRejected, TrustUnknown, TrustPending, TrustVerified)
}

func (t *Tracker) transition(key DeviceKey, to TrustState, from ...TrustState) (DeviceTrust, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	dev, ok := t.devices[key]
	if !ok {
		return DeviceTrust{}, fmt.Errorf("%w: %s", ErrUnknownDevice, key)
	}
	allowed := false
	for _, state := range from {
		if dev.state == state {
			allowed = true
			break
		}
	}
	if !allowed {
		return snapshotDevice(key, dev), fmt.Errorf("%w: %s is %s, cannot move to %s", ErrInvalidTransition, key, dev.state, to)
	}
	dev.state = to
	dev.updatedAt = t.now()
	return snapshotDevice(key, dev), nil
}

// WithheldDevices returns the devices in a room that are not verified. An
// encrypted send to the room must not be shared with them.
func (t *Tracker) WithheldDevices(roomID id.RoomID) []DeviceKey {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.rooms[roomID]
	if !ok || !rec.encrypted {
		return nil
	}
	var withheld []DeviceKey
	for key := range rec.devices {
		if t.devices[key].state != TrustVerified {
			withheld = append(withheld, key)
		}
	}
	sortKeys(withheld)
	return withheld
}

// RestoreDevices loads persisted trust records. Records already known to the
// tracker are left alone.
func (t *Tracker) RestoreDevices(records []DeviceTrust) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, rec := range records {
		if _, ok := t.devices[rec.Key]; ok {
			continue
		}
		dev := &deviceRecord{state: rec.State, rooms: make(map[id.RoomID]struct{}), updatedAt: rec.UpdatedAt}
		if dev.state == "" {
			dev.state = TrustUnknown
		}
		t.devices[rec.Key] = dev
		for _, roomID := range rec.Rooms {
			dev.rooms[roomID] = struct{}{}
			t.room(roomID).devices[rec.Key] = struct{}{}
		}
	}
}

func sortKeys(keys []DeviceKey) {
	slices.SortFunc(keys, func(a, b DeviceKey) int {
		return strings.Compare(a.String(), b.String())
	})
}
