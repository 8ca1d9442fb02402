// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package headjack

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/headjack/pkg/headjack/mdfmt"
)

// Context is what a handler sees: the triggering event, the parsed command,
// read access to room and device state, and sends routed through the
// Governor.
type Context struct {
	Event   *Event
	Command Command

	bot *Bot
}

// RoomID returns the room the event was sent in.
func (c *Context) RoomID() id.RoomID { return c.Event.RoomID }

// Sender returns the user that sent the event.
func (c *Context) Sender() id.UserID { return c.Event.Sender }

// Session returns the bot's session.
func (c *Context) Session() *Session { return c.bot.session }

// Room returns a snapshot of the current room.
func (c *Context) Room() (RoomState, bool) { return c.bot.tracker.Room(c.Event.RoomID) }

// Devices returns snapshots of the devices seen in the current room.
func (c *Context) Devices() []DeviceTrust { return c.bot.tracker.RoomDevices(c.Event.RoomID) }

// Device returns a snapshot of any known device.
func (c *Context) Device(key DeviceKey) (DeviceTrust, bool) { return c.bot.tracker.Device(key) }

// Send queues a message event in the current room and returns immediately.
func (c *Context) Send(ctx context.Context, content any) (*Pending, error) {
	return c.bot.Send(ctx, c.Event.RoomID, event.EventMessage, content)
}

// Reply sends a text reply to the triggering event and waits for it to be
// sent.
func (c *Context) Reply(ctx context.Context, text string) (id.EventID, error) {
	return c.reply(ctx, &event.MessageEventContent{MsgType: event.MsgText, Body: text})
}

// ReplyNotice is Reply with a notice, which other bots are expected to ignore.
func (c *Context) ReplyNotice(ctx context.Context, text string) (id.EventID, error) {
	return c.reply(ctx, &event.MessageEventContent{MsgType: event.MsgNotice, Body: text})
}

// ReplyMarkdown renders markdown and sends it as a reply.
func (c *Context) ReplyMarkdown(ctx context.Context, md string) (id.EventID, error) {
	return c.reply(ctx, mdfmt.Render(md, event.MsgText))
}

func (c *Context) reply(ctx context.Context, content *event.MessageEventContent) (id.EventID, error) {
	if c.Event.ID != "" {
		content.RelatesTo = &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: c.Event.ID}}
	}
	p, err := c.Send(ctx, content)
	if err != nil {
		return "", err
	}
	return p.Wait(ctx)
}

// React annotates the triggering event with key, usually an emoji.
func (c *Context) React(ctx context.Context, key string) (id.EventID, error) {
	if c.Event.ID == "" {
		return "", fmt.Errorf("cannot react to an event without an ID")
	}
	content := &event.ReactionEventContent{
		RelatesTo: event.RelatesTo{Type: event.RelAnnotation, EventID: c.Event.ID, Key: key},
	}
	p, err := c.bot.enqueue(ctx, c.Event.RoomID, Action{Kind: ActionReaction, EventType: event.EventReaction, Content: content})
	if err != nil {
		return "", err
	}
	return p.Wait(ctx)
}

// Tags loads the bot's namespaced tags for the current room. It fails if the
// client cannot manage tags.
func (c *Context) Tags(ctx context.Context, namespace string) (*Tags, error) {
	tc, ok := c.bot.client.(TagClient)
	if !ok {
		return nil, fmt.Errorf("client does not support room tags")
	}
	return LoadTags(ctx, tc, c.Event.RoomID, namespace)
}
