// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package headjack

import (
	"sort"
	"sync"
	"time"

	"go.mau.fi/util/exsync"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// defaultDedupeSize is how many recent event IDs the Tracker remembers.
const defaultDedupeSize = 4096

// RoomState is a consistent snapshot of one room record.
type RoomState struct {
	RoomID      id.RoomID   `json:"room_id"`
	Membership  Membership  `json:"membership"`
	Encrypted   bool        `json:"encrypted"`
	LastEventID id.EventID  `json:"last_event_id,omitempty"`
	LastOrder   int64       `json:"last_order"`
	Devices     []DeviceKey `json:"devices,omitempty"`
}

// DeviceTrust is a consistent snapshot of one device trust record.
type DeviceTrust struct {
	Key       DeviceKey   `json:"key"`
	State     TrustState  `json:"state"`
	Rooms     []id.RoomID `json:"rooms,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// RoomTransition describes a membership change applied by the Tracker.
type RoomTransition struct {
	RoomID id.RoomID
	From   Membership
	To     Membership
	Sender id.UserID
}

// Update reports what applying one event changed.
type Update struct {
	// Duplicate is set when the event ID was already applied.
	Duplicate bool
	// Stale is set when the event is older than the state it would change.
	Stale bool

	Transition *RoomTransition
	// EncryptionEnabled is set the first time a room is seen as encrypted.
	EncryptionEnabled bool
	// Observed lists devices seen for the first time.
	Observed []DeviceKey
	// VerificationRequested lists devices moved to pending by a remote request.
	VerificationRequested []DeviceKey
	// VerificationCancelled lists devices moved to rejected by a cancellation.
	VerificationCancelled []DeviceKey
}

type roomRecord struct {
	membership  Membership
	memberOrder int64
	encrypted   bool
	lastEventID id.EventID
	lastOrder   int64
	devices     map[DeviceKey]struct{}
}

type deviceRecord struct {
	state     TrustState
	rooms     map[id.RoomID]struct{}
	updatedAt time.Time
}

// Tracker holds the authoritative room and device state. Rooms and devices
// live in two maps keyed by ID and refer to each other by key. Writes come
// from the goroutine running the sync loop; readers get copies taken under
// the read lock.
type Tracker struct {
	session *Session
	now     func() time.Time

	mu      sync.RWMutex
	rooms   map[id.RoomID]*roomRecord
	devices map[DeviceKey]*deviceRecord

	seen     *exsync.Set[id.EventID]
	seenRing []id.EventID
	seenPos  int
}

// NewTracker returns an empty Tracker that maintains the joined set of session.
func NewTracker(session *Session, now func() time.Time) *Tracker {
	return &Tracker{
		session:  session,
		now:      now,
		rooms:    make(map[id.RoomID]*roomRecord),
		devices:  make(map[DeviceKey]*deviceRecord),
		seen:     exsync.NewSet[id.EventID](),
		seenRing: make([]id.EventID, defaultDedupeSize),
	}
}

// Apply folds one normalized event into the state. Applying the same event
// twice yields the same state as applying it once; membership changes are
// ordered by server timestamp, not arrival.
func (t *Tracker) Apply(ev *Event) Update {
	t.mu.Lock()
	defer t.mu.Unlock()

	var up Update
	if ev.ID != "" {
		if t.seen.Has(ev.ID) {
			up.Duplicate = true
			return up
		}
		t.remember(ev.ID)
	}

	switch ev.Kind {
	case KindMembership:
		if ev.StateKey != t.session.UserID.String() {
			return up
		}
		t.applyMembership(ev, &up)
	case KindEncryption:
		rec := t.room(ev.RoomID)
		if !rec.encrypted {
			rec.encrypted = true
			up.EncryptionEnabled = true
		}
		t.touch(rec, ev)
	case KindEncrypted:
		rec := t.room(ev.RoomID)
		if !rec.encrypted {
			rec.encrypted = true
			up.EncryptionEnabled = true
		}
		t.touch(rec, ev)
		if ev.DeviceID != "" && ev.Sender != t.session.UserID {
			key := DeviceKey{UserID: ev.Sender, DeviceID: ev.DeviceID}
			if t.observe(key, ev.RoomID) {
				up.Observed = append(up.Observed, key)
			}
		}
	case KindVerificationRequest:
		if ev.DeviceID == "" {
			return up
		}
		key := DeviceKey{UserID: ev.Sender, DeviceID: ev.DeviceID}
		if t.observe(key, ev.RoomID) {
			up.Observed = append(up.Observed, key)
		}
		dev := t.devices[key]
		if dev.state == TrustUnknown {
			dev.state = TrustPending
			dev.updatedAt = t.now()
			up.VerificationRequested = append(up.VerificationRequested, key)
		}
	case KindVerificationCancel:
		key := DeviceKey{UserID: ev.Sender, DeviceID: ev.DeviceID}
		if dev, ok := t.devices[key]; ok && dev.state == TrustPending {
			dev.state = TrustRejected
			dev.updatedAt = t.now()
			up.VerificationCancelled = append(up.VerificationCancelled, key)
		}
	case KindMessage:
		t.touch(t.room(ev.RoomID), ev)
	}
	return up
}

func (t *Tracker) applyMembership(ev *Event, up *Update) {
	var target Membership
	switch ev.Membership {
	case event.MembershipInvite:
		target = MembershipInvited
	case event.MembershipJoin:
		target = MembershipJoined
	case event.MembershipLeave, event.MembershipBan:
		target = MembershipLeft
	default:
		return
	}

	rec := t.room(ev.RoomID)
	if ev.Order == 0 {
		// Stripped invite state has no server order. The server only sends
		// it while the invite is outstanding, so it never overrides a join.
		if rec.membership == MembershipJoined {
			up.Stale = true
			return
		}
	} else {
		if ev.Order < rec.memberOrder {
			up.Stale = true
			return
		}
		rec.memberOrder = ev.Order
		t.touch(rec, ev)
	}

	if rec.membership == target {
		return
	}
	up.Transition = &RoomTransition{RoomID: ev.RoomID, From: rec.membership, To: target, Sender: ev.Sender}
	rec.membership = target
	t.session.setJoined(ev.RoomID, target == MembershipJoined)
}

func (t *Tracker) room(roomID id.RoomID) *roomRecord {
	rec, ok := t.rooms[roomID]
	if !ok {
		rec = &roomRecord{membership: MembershipUnseen, devices: make(map[DeviceKey]struct{})}
		t.rooms[roomID] = rec
	}
	return rec
}

func (t *Tracker) touch(rec *roomRecord, ev *Event) {
	if ev.Order >= rec.lastOrder && ev.Order > 0 {
		rec.lastOrder = ev.Order
		rec.lastEventID = ev.ID
	}
}

// observe links a device to a room, creating the device record if needed.
// It reports whether the device was new.
func (t *Tracker) observe(key DeviceKey, roomID id.RoomID) bool {
	dev, ok := t.devices[key]
	if !ok {
		dev = &deviceRecord{state: TrustUnknown, rooms: make(map[id.RoomID]struct{}), updatedAt: t.now()}
		t.devices[key] = dev
	}
	if roomID != "" {
		dev.rooms[roomID] = struct{}{}
		t.room(roomID).devices[key] = struct{}{}
	}
	return !ok
}

func (t *Tracker) remember(eventID id.EventID) {
	if old := t.seenRing[t.seenPos]; old != "" {
		t.seen.Remove(old)
	}
	t.seenRing[t.seenPos] = eventID
	t.seenPos = (t.seenPos + 1) % len(t.seenRing)
	t.seen.Add(eventID)
}

// Room returns a snapshot of one room, including left rooms.
func (t *Tracker) Room(roomID id.RoomID) (RoomState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.rooms[roomID]
	if !ok {
		return RoomState{}, false
	}
	return snapshotRoom(roomID, rec), true
}

// Rooms returns snapshots of every room the bot is invited to or joined.
// Left rooms are kept internally so older events cannot resurrect them, but
// are not listed.
func (t *Tracker) Rooms() []RoomState {
	t.mu.RLock()
	out := make([]RoomState, 0, len(t.rooms))
	for roomID, rec := range t.rooms {
		if rec.membership == MembershipLeft || rec.membership == MembershipUnseen {
			continue
		}
		out = append(out, snapshotRoom(roomID, rec))
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

// IsEncrypted reports whether encryption was ever enabled in the room.
func (t *Tracker) IsEncrypted(roomID id.RoomID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.rooms[roomID]
	return ok && rec.encrypted
}

// Device returns a snapshot of one device trust record.
func (t *Tracker) Device(key DeviceKey) (DeviceTrust, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	dev, ok := t.devices[key]
	if !ok {
		return DeviceTrust{}, false
	}
	return snapshotDevice(key, dev), true
}

// Devices returns snapshots of every known device.
func (t *Tracker) Devices() []DeviceTrust {
	t.mu.RLock()
	out := make([]DeviceTrust, 0, len(t.devices))
	for key, dev := range t.devices {
		out = append(out, snapshotDevice(key, dev))
	}
	t.mu.RUnlock()
	sortDevices(out)
	return out
}

// RoomDevices returns snapshots of the devices seen in one room.
func (t *Tracker) RoomDevices(roomID id.RoomID) []DeviceTrust {
	t.mu.RLock()
	rec, ok := t.rooms[roomID]
	if !ok {
		t.mu.RUnlock()
		return nil
	}
	out := make([]DeviceTrust, 0, len(rec.devices))
	for key := range rec.devices {
		out = append(out, snapshotDevice(key, t.devices[key]))
	}
	t.mu.RUnlock()
	sortDevices(out)
	return out
}

func snapshotRoom(roomID id.RoomID, rec *roomRecord) RoomState {
	rs := RoomState{
		RoomID:      roomID,
		Membership:  rec.membership,
		Encrypted:   rec.encrypted,
		LastEventID: rec.lastEventID,
		LastOrder:   rec.lastOrder,
	}
	for key := range rec.devices {
		rs.Devices = append(rs.Devices, key)
	}
	sortKeys(rs.Devices)
	return rs
}

func snapshotDevice(key DeviceKey, dev *deviceRecord) DeviceTrust {
	dt := DeviceTrust{Key: key, State: dev.state, UpdatedAt: dev.updatedAt}
	for roomID := range dev.rooms {
		dt.Rooms = append(dt.Rooms, roomID)
	}
	sort.Slice(dt.Rooms, func(i, j int) bool { return dt.Rooms[i] < dt.Rooms[j] })
	return dt
}

func sortDevices(devs []DeviceTrust) {
	sort.Slice(devs, func(i, j int) bool { return devs[i].Key.String() < devs[j].Key.String() })
}
