// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package headjack

import (
	"sort"
	"sync"

	"maunium.net/go/mautrix/id"
)

// Session is one authenticated bot identity. The cursor is written only by
// the SyncLoop and the joined set only by the Tracker; everyone else reads.
type Session struct {
	UserID   id.UserID
	DeviceID id.DeviceID

	mu     sync.RWMutex
	cursor string
	joined map[id.RoomID]struct{}
}

// NewSession returns a session with an empty cursor and no joined rooms.
func NewSession(userID id.UserID, deviceID id.DeviceID) *Session {
	return &Session{
		UserID:   userID,
		DeviceID: deviceID,
		joined:   make(map[id.RoomID]struct{}),
	}
}

// Cursor returns the last fully applied sync token.
func (s *Session) Cursor() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor
}

func (s *Session) setCursor(cursor string) {
	s.mu.Lock()
	s.cursor = cursor
	s.mu.Unlock()
}

// IsJoined reports whether the bot is currently joined to the room.
func (s *Session) IsJoined(roomID id.RoomID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.joined[roomID]
	return ok
}

// JoinedRooms returns the joined room IDs in sorted order.
func (s *Session) JoinedRooms() []id.RoomID {
	s.mu.RLock()
	rooms := make([]id.RoomID, 0, len(s.joined))
	for roomID := range s.joined {
		rooms = append(rooms, roomID)
	}
	s.mu.RUnlock()
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}

func (s *Session) setJoined(roomID id.RoomID, joined bool) {
	s.mu.Lock()
	if joined {
		s.joined[roomID] = struct{}{}
	} else {
		delete(s.joined, roomID)
	}
	s.mu.Unlock()
}
