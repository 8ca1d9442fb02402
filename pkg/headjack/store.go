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

// Store persists the sync cursor and device trust records. Failures are
// logged by the engine and never stop the bot; losing the cursor only means
// re-processing events.
type Store interface {
	LoadCursor(ctx context.Context, userID id.UserID) (string, error)
	SaveCursor(ctx context.Context, userID id.UserID, cursor string) error
	LoadDeviceTrust(ctx context.Context) ([]DeviceTrust, error)
	SaveDeviceTrust(ctx context.Context, trust DeviceTrust) error
}

// MemoryStore is a Store that keeps everything in memory.
type MemoryStore struct {
	mu      sync.Mutex
	cursors map[id.UserID]string
	trust   map[DeviceKey]DeviceTrust
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cursors: make(map[id.UserID]string),
		trust:   make(map[DeviceKey]DeviceTrust),
	}
}

func (s *MemoryStore) LoadCursor(_ context.Context, userID id.UserID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[userID], nil
}

func (s *MemoryStore) SaveCursor(_ context.Context, userID id.UserID, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[userID] = cursor
	return nil
}

func (s *MemoryStore) LoadDeviceTrust(_ context.Context) ([]DeviceTrust, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeviceTrust, 0, len(s.trust))
	for _, dt := range s.trust {
		out = append(out, dt)
	}
	sortDevices(out)
	return out, nil
}

func (s *MemoryStore) SaveDeviceTrust(_ context.Context, trust DeviceTrust) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trust[trust.Key] = trust
	return nil
}
