// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package mxclient implements headjack.Client on top of the mautrix
// client-server API client.
package mxclient

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/headjack/pkg/headjack"
)

// syncFilter enables lazy loading of room members. It is sent inline as the
// filter query parameter.
var syncFilter = func() string {
	data, err := json.Marshal(&mautrix.Filter{
		Room: &mautrix.RoomFilter{
			State:    &mautrix.FilterPart{LazyLoadMembers: true},
			Timeline: &mautrix.FilterPart{LazyLoadMembers: true},
		},
	})
	if err != nil {
		panic(err)
	}
	return string(data)
}()

// Client is an authenticated session on a homeserver.
type Client struct {
	mx  *mautrix.Client
	log zerolog.Logger
}

var (
	_ headjack.Client    = (*Client)(nil)
	_ headjack.TagClient = (*Client)(nil)
)

// newClient builds the underlying mautrix client. Retries are disabled:
// the sync loop and the outbound governor own retry policy.
func newClient(homeserver string, userID id.UserID, token string, log zerolog.Logger) (*mautrix.Client, error) {
	mx, err := mautrix.NewClient(homeserver, userID, token)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	mx.DefaultHTTPRetries = 0
	mx.Log = log.With().Str("component", "mautrix").Logger()
	return mx, nil
}

// Raw returns the underlying mautrix client.
func (c *Client) Raw() *mautrix.Client { return c.mx }

func (c *Client) UserID() id.UserID     { return c.mx.UserID }
func (c *Client) DeviceID() id.DeviceID { return c.mx.DeviceID }

func (c *Client) Sync(ctx context.Context, since string, timeout time.Duration) (*mautrix.RespSync, error) {
	resp, err := c.mx.FullSyncRequest(ctx, mautrix.ReqSync{
		Timeout:  int(timeout.Milliseconds()),
		Since:    since,
		FilterID: syncFilter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sync: %w", err)
	}
	return resp, nil
}

// Send posts an event to a room. There is no per-device key sharing here, so
// a send that has to withhold keys from unverified devices is refused.
func (c *Client) Send(ctx context.Context, roomID id.RoomID, evtType event.Type, content any, opts headjack.SendOptions) (id.EventID, error) {
	if n := len(opts.WithheldDevices); n > 0 {
		c.log.Warn().
			Str("room_id", roomID.String()).
			Int("withheld_devices", n).
			Msg("Refusing send to room with unverified devices")
		return "", &headjack.RejectedError{
			Reason: fmt.Sprintf("%d unverified devices in %s", n, roomID),
			Err:    headjack.ErrDeviceNotVerified,
		}
	}
	resp, err := c.mx.SendMessageEvent(ctx, roomID, evtType, content)
	if err != nil {
		return "", fmt.Errorf("failed to send %s to %s: %w", evtType.Type, roomID, err)
	}
	return resp.EventID, nil
}

func (c *Client) Join(ctx context.Context, roomID id.RoomID) error {
	if _, err := c.mx.JoinRoomByID(ctx, roomID); err != nil {
		return fmt.Errorf("failed to join %s: %w", roomID, err)
	}
	return nil
}

func (c *Client) Leave(ctx context.Context, roomID id.RoomID) error {
	if _, err := c.mx.LeaveRoom(ctx, roomID); err != nil {
		return fmt.Errorf("failed to leave %s: %w", roomID, err)
	}
	return nil
}

func (c *Client) JoinedMemberCount(ctx context.Context, roomID id.RoomID) (int, error) {
	resp, err := c.mx.JoinedMembers(ctx, roomID)
	if err != nil {
		return 0, fmt.Errorf("failed to get members of %s: %w", roomID, err)
	}
	return len(resp.Joined), nil
}

func (c *Client) RoomTags(ctx context.Context, roomID id.RoomID) ([]string, error) {
	resp, err := c.mx.GetTags(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to get tags of %s: %w", roomID, err)
	}
	tags := make([]string, 0, len(resp.Tags))
	for tag := range resp.Tags {
		tags = append(tags, string(tag))
	}
	slices.Sort(tags)
	return tags, nil
}

func (c *Client) AddRoomTag(ctx context.Context, roomID id.RoomID, tag string) error {
	if err := c.mx.AddTag(ctx, roomID, event.RoomTag(tag), 0); err != nil {
		return fmt.Errorf("failed to add tag %q to %s: %w", tag, roomID, err)
	}
	return nil
}

func (c *Client) RemoveRoomTag(ctx context.Context, roomID id.RoomID, tag string) error {
	if err := c.mx.RemoveTag(ctx, roomID, event.RoomTag(tag)); err != nil {
		return fmt.Errorf("failed to remove tag %q from %s: %w", tag, roomID, err)
	}
	return nil
}
