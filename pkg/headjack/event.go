// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package headjack

import (
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/headjack/pkg/headjack/mdfmt"
)

// EventKind is the normalized category of an incoming protocol event.
type EventKind int

const (
	KindMessage EventKind = iota + 1
	KindMembership
	KindEncryption
	KindEncrypted
	KindVerificationRequest
	KindVerificationCancel
)

func (k EventKind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindMembership:
		return "membership"
	case KindEncryption:
		return "encryption"
	case KindEncrypted:
		return "encrypted"
	case KindVerificationRequest:
		return "verification_request"
	case KindVerificationCancel:
		return "verification_cancel"
	default:
		return "unknown"
	}
}

const (
	verificationRequestType = "m.key.verification.request"
	verificationCancelType  = "m.key.verification.cancel"
)

// Event is the uniform representation every component downstream of the sync
// loop works with.
type Event struct {
	ID        id.EventID
	Kind      EventKind
	RoomID    id.RoomID
	Sender    id.UserID
	DeviceID  id.DeviceID
	Timestamp time.Time
	// Order is the server timestamp in milliseconds. Zero marks stripped
	// invite state, which carries no server ordering.
	Order int64

	// KindMessage
	Body    string
	MsgType event.MessageType

	// KindMembership
	Membership event.Membership
	StateKey   string

	// KindVerificationRequest and KindVerificationCancel
	TransactionID string

	Raw *event.Event
}

// Markdown returns the message body as markdown, converting the formatted
// HTML body when there is one.
func (e *Event) Markdown() string {
	if e.Raw != nil {
		if content, ok := e.Raw.Content.Parsed.(*event.MessageEventContent); ok {
			return mdfmt.ToMarkdown(content)
		}
	}
	return e.Body
}

// Normalizer converts sync responses into Events.
type Normalizer struct {
	now func() time.Time
	log zerolog.Logger
}

// NewNormalizer returns a Normalizer. now stamps the receive time of events
// that carry no server timestamp.
func NewNormalizer(log zerolog.Logger, now func() time.Time) *Normalizer {
	return &Normalizer{now: now, log: log.With().Str("component", "normalizer").Logger()}
}

// Normalize flattens a sync response. Rooms are visited in a stable order and
// events within a room keep server order. Unsupported event types are dropped.
func (n *Normalizer) Normalize(resp *mautrix.RespSync) []*Event {
	if resp == nil {
		return nil
	}
	var out []*Event

	for _, roomID := range sortedKeys(resp.Rooms.Invite) {
		room := resp.Rooms.Invite[roomID]
		if room == nil {
			continue
		}
		for _, evt := range room.State.Events {
			if ev := n.normalizeRoomEvent(roomID, evt, event.StateEventType); ev != nil {
				out = append(out, ev)
			}
		}
	}
	for _, roomID := range sortedKeys(resp.Rooms.Join) {
		room := resp.Rooms.Join[roomID]
		if room == nil {
			continue
		}
		for _, evt := range room.State.Events {
			if ev := n.normalizeRoomEvent(roomID, evt, event.StateEventType); ev != nil {
				out = append(out, ev)
			}
		}
		for _, evt := range room.Timeline.Events {
			if ev := n.normalizeRoomEvent(roomID, evt, timelineClass(evt)); ev != nil {
				out = append(out, ev)
			}
		}
	}
	for _, roomID := range sortedKeys(resp.Rooms.Leave) {
		room := resp.Rooms.Leave[roomID]
		if room == nil {
			continue
		}
		for _, evt := range room.State.Events {
			if ev := n.normalizeRoomEvent(roomID, evt, event.StateEventType); ev != nil {
				out = append(out, ev)
			}
		}
		for _, evt := range room.Timeline.Events {
			if ev := n.normalizeRoomEvent(roomID, evt, timelineClass(evt)); ev != nil {
				out = append(out, ev)
			}
		}
	}
	for _, evt := range resp.ToDevice.Events {
		if ev := n.normalizeToDevice(evt); ev != nil {
			out = append(out, ev)
		}
	}
	return out
}

func timelineClass(evt *event.Event) event.TypeClass {
	if evt.StateKey != nil {
		return event.StateEventType
	}
	return event.MessageEventType
}

func (n *Normalizer) normalizeRoomEvent(roomID id.RoomID, evt *event.Event, class event.TypeClass) *Event {
	if evt == nil {
		return nil
	}
	evt.RoomID = roomID
	evt.Type.Class = class
	if err := evt.Content.ParseRaw(evt.Type); err != nil && !errors.Is(err, event.ErrContentAlreadyParsed) {
		// Unsupported or malformed content. Encrypted-room bookkeeping only
		// needs the type, so keep going for the kinds handled below.
		n.log.Trace().Err(err).
			Str("event_id", evt.ID.String()).
			Str("event_type", evt.Type.Type).
			Msg("Failed to parse event content")
	}

	ev := &Event{
		ID:     evt.ID,
		RoomID: roomID,
		Sender: evt.Sender,
		Order:  evt.Timestamp,
		Raw:    evt,
	}
	if evt.Timestamp > 0 {
		ev.Timestamp = time.UnixMilli(evt.Timestamp)
	} else {
		ev.Timestamp = n.now()
	}

	switch evt.Type.Type {
	case event.StateMember.Type:
		content, ok := evt.Content.Parsed.(*event.MemberEventContent)
		if !ok || evt.StateKey == nil {
			return nil
		}
		ev.Kind = KindMembership
		ev.Membership = content.Membership
		ev.StateKey = *evt.StateKey
	case event.StateEncryption.Type:
		if evt.StateKey == nil {
			return nil
		}
		ev.Kind = KindEncryption
	case event.EventEncrypted.Type:
		ev.Kind = KindEncrypted
		if content, ok := evt.Content.Parsed.(*event.EncryptedEventContent); ok {
			ev.DeviceID = content.DeviceID
		} else {
			ev.DeviceID = id.DeviceID(rawString(evt.Content.Raw, "device_id"))
		}
	case event.EventMessage.Type:
		content, ok := evt.Content.Parsed.(*event.MessageEventContent)
		if !ok {
			return nil
		}
		if content.MsgType == verificationRequestType {
			ev.Kind = KindVerificationRequest
			ev.DeviceID = id.DeviceID(rawString(evt.Content.Raw, "from_device"))
			ev.TransactionID = evt.ID.String()
			return ev
		}
		ev.Kind = KindMessage
		ev.Body = content.Body
		ev.MsgType = content.MsgType
	default:
		return nil
	}
	return ev
}

func (n *Normalizer) normalizeToDevice(evt *event.Event) *Event {
	if evt == nil {
		return nil
	}
	var kind EventKind
	switch evt.Type.Type {
	case verificationRequestType:
		kind = KindVerificationRequest
	case verificationCancelType:
		kind = KindVerificationCancel
	default:
		return nil
	}
	ev := &Event{
		Kind:          kind,
		Sender:        evt.Sender,
		DeviceID:      id.DeviceID(rawString(evt.Content.Raw, "from_device")),
		TransactionID: rawString(evt.Content.Raw, "transaction_id"),
		Timestamp:     n.now(),
		Raw:           evt,
	}
	if ts, ok := evt.Content.Raw["timestamp"].(float64); ok {
		ev.Order = int64(ts)
	}
	return ev
}

func rawString(raw map[string]any, key string) string {
	if raw == nil {
		return ""
	}
	s, _ := raw[key].(string)
	return s
}

func sortedKeys[V any](m map[id.RoomID]V) []id.RoomID {
	keys := make([]id.RoomID, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
