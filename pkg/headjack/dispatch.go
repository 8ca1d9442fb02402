// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package headjack

import (
	"context"
	"strings"
	"unicode"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// dispatchMessage decides whether a message event reaches handler code and
// queues it on the room's handler worker. Handlers therefore never block the
// sync loop, and events of one room are handled in server order.
func (b *Bot) dispatchMessage(ev *Event) {
	if !b.session.IsJoined(ev.RoomID) {
		return
	}
	if !b.allow.Allowed(ev.Sender) {
		b.log.Trace().
			Str("sender", ev.Sender.String()).
			Str("room_id", ev.RoomID.String()).
			Msg("Ignoring message from sender outside the allow list")
		return
	}
	if ev.MsgType != event.MsgText {
		return
	}
	if err := b.handlers.push(ev.RoomID, ev); err != nil {
		b.log.Warn().Err(err).Str("event_id", ev.ID.String()).Msg("Failed to queue message for handlers")
	}
}

// handleMessage runs on the room's handler worker.
func (b *Bot) handleMessage(ctx context.Context, _ id.RoomID, ev *Event) {
	hc := &Context{Event: ev, bot: b}
	if _, ok := b.router.Dispatch(ctx, hc); ok {
		return
	}

	b.mu.Lock()
	text := b.textHandler
	b.mu.Unlock()
	if text == nil {
		return
	}
	body := strings.TrimLeftFunc(ev.Body, unicode.IsSpace)
	if strings.HasPrefix(body, b.cfg.CommandPrefix) {
		return
	}
	if err := b.router.invoke(ctx, hc, text); err != nil {
		b.log.Warn().Err(err).
			Str("room_id", ev.RoomID.String()).
			Str("event_id", ev.ID.String()).
			Msg("Text handler failed")
	}
}
