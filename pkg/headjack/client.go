// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package headjack

import (
	"context"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Client is the protocol capability the engine drives. Wire framing,
// encryption and federation live behind it. The mxclient package provides
// the implementation backed by mautrix; tests use fakes.
//
// Errors should be classifiable by Classify: return *RateLimitedError,
// *RejectedError or *FatalError, or the underlying mautrix errors.
type Client interface {
	UserID() id.UserID
	DeviceID() id.DeviceID
	Sync(ctx context.Context, since string, timeout time.Duration) (*mautrix.RespSync, error)
	Send(ctx context.Context, roomID id.RoomID, evtType event.Type, content any, opts SendOptions) (id.EventID, error)
	Join(ctx context.Context, roomID id.RoomID) error
	Leave(ctx context.Context, roomID id.RoomID) error
	JoinedMemberCount(ctx context.Context, roomID id.RoomID) (int, error)
}

// SendOptions carries per-event constraints to Client.Send.
type SendOptions struct {
	// WithheldDevices must not receive the keys for the event. A client that
	// cannot exclude them has to refuse the send with a *RejectedError.
	WithheldDevices []DeviceKey
}

// TagClient reads and writes room tags for the bot account.
type TagClient interface {
	RoomTags(ctx context.Context, roomID id.RoomID) ([]string, error)
	AddRoomTag(ctx context.Context, roomID id.RoomID, tag string) error
	RemoveRoomTag(ctx context.Context, roomID id.RoomID, tag string) error
}
