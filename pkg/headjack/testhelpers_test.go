// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package headjack

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/headjack/pkg/clock"
)

const (
	botUser   id.UserID   = "@bot:example.org"
	botDevice id.DeviceID = "BOTDEVICE"
	alice     id.UserID   = "@alice:example.org"
	mallory   id.UserID   = "@mallory:evil.example"
	roomA     id.RoomID   = "!a:example.org"
	roomB     id.RoomID   = "!b:example.org"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// syncStep is one scripted response of fakeClient.Sync.
type syncStep struct {
	resp *mautrix.RespSync
	err  error
}

// sentCall records one outbound request that reached the client.
type sentCall struct {
	Kind    ActionKind
	RoomID  id.RoomID
	Type    event.Type
	Content any
	// Withheld is what the governor asked the client to exclude.
	Withheld []DeviceKey
}

// Body returns the text body of a message send, if any.
func (c sentCall) Body() string {
	if content, ok := c.Content.(*event.MessageEventContent); ok {
		return content.Body
	}
	return ""
}

// fakeClient is a scripted Client. Sync replays steps in order and then
// blocks until the context is cancelled.
type fakeClient struct {
	mu      sync.Mutex
	steps   []syncStep
	since   []string
	sent    []sentCall
	members map[id.RoomID]int
	tags    map[id.RoomID][]string
	eventN  int

	// sendErr, when set, decides the result of each outbound request.
	sendErr func(call sentCall, attempt int) error
	attempt map[string]int
}

var (
	_ Client    = (*fakeClient)(nil)
	_ TagClient = (*fakeClient)(nil)
)

func newFakeClient(steps ...syncStep) *fakeClient {
	return &fakeClient{
		steps:   steps,
		members: make(map[id.RoomID]int),
		tags:    make(map[id.RoomID][]string),
		attempt: make(map[string]int),
	}
}

func (f *fakeClient) UserID() id.UserID     { return botUser }
func (f *fakeClient) DeviceID() id.DeviceID { return botDevice }

func (f *fakeClient) Sync(ctx context.Context, since string, _ time.Duration) (*mautrix.RespSync, error) {
	f.mu.Lock()
	f.since = append(f.since, since)
	if len(f.steps) > 0 {
		step := f.steps[0]
		f.steps = f.steps[1:]
		f.mu.Unlock()
		return step.resp, step.err
	}
	f.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeClient) record(call sentCall) (id.EventID, error) {
	f.mu.Lock()
	key := fmt.Sprintf("%s/%v", call.RoomID, call.Content)
	f.attempt[key]++
	attempt := f.attempt[key]
	hook := f.sendErr
	f.mu.Unlock()

	if hook != nil {
		if err := hook(call, attempt); err != nil {
			return "", err
		}
	}
	f.mu.Lock()
	f.sent = append(f.sent, call)
	f.eventN++
	evtID := id.EventID(fmt.Sprintf("$sent%d", f.eventN))
	f.mu.Unlock()
	return evtID, nil
}

func (f *fakeClient) Send(_ context.Context, roomID id.RoomID, evtType event.Type, content any, opts SendOptions) (id.EventID, error) {
	kind := ActionSend
	if evtType == event.EventReaction {
		kind = ActionReaction
	}
	return f.record(sentCall{Kind: kind, RoomID: roomID, Type: evtType, Content: content, Withheld: opts.WithheldDevices})
}

func (f *fakeClient) Join(_ context.Context, roomID id.RoomID) error {
	_, err := f.record(sentCall{Kind: ActionJoin, RoomID: roomID, Content: "join"})
	return err
}

func (f *fakeClient) Leave(_ context.Context, roomID id.RoomID) error {
	_, err := f.record(sentCall{Kind: ActionLeave, RoomID: roomID, Content: "leave"})
	return err
}

func (f *fakeClient) JoinedMemberCount(_ context.Context, roomID id.RoomID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[roomID], nil
}

func (f *fakeClient) RoomTags(_ context.Context, roomID id.RoomID) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tags[roomID]...), nil
}

func (f *fakeClient) AddRoomTag(_ context.Context, roomID id.RoomID, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags[roomID] = append(f.tags[roomID], tag)
	return nil
}

func (f *fakeClient) RemoveRoomTag(_ context.Context, roomID id.RoomID, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.tags[roomID][:0]
	for _, t := range f.tags[roomID] {
		if t != tag {
			kept = append(kept, t)
		}
	}
	f.tags[roomID] = kept
	return nil
}

func (f *fakeClient) Sent() []sentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentCall(nil), f.sent...)
}

func (f *fakeClient) Since() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.since...)
}

// Event builders. Content is pre-parsed so the normalizer skips JSON parsing.

func memberEvent(roomID id.RoomID, sender, target id.UserID, membership event.Membership, ts int64, evtID id.EventID) *event.Event {
	stateKey := target.String()
	return &event.Event{
		ID:        evtID,
		Type:      event.StateMember,
		Sender:    sender,
		StateKey:  &stateKey,
		Timestamp: ts,
		RoomID:    roomID,
		Content:   event.Content{Parsed: &event.MemberEventContent{Membership: membership}},
	}
}

func textEvent(sender id.UserID, body string, ts int64, evtID id.EventID) *event.Event {
	return &event.Event{
		ID:        evtID,
		Type:      event.EventMessage,
		Sender:    sender,
		Timestamp: ts,
		Content:   event.Content{Parsed: &event.MessageEventContent{MsgType: event.MsgText, Body: body}},
	}
}

func encryptionEvent(ts int64, evtID id.EventID) *event.Event {
	stateKey := ""
	return &event.Event{
		ID:        evtID,
		Type:      event.StateEncryption,
		Sender:    alice,
		StateKey:  &stateKey,
		Timestamp: ts,
		Content:   event.Content{Parsed: &event.EncryptionEventContent{Algorithm: id.AlgorithmMegolmV1}},
	}
}

func encryptedEvent(sender id.UserID, device id.DeviceID, ts int64, evtID id.EventID) *event.Event {
	return &event.Event{
		ID:        evtID,
		Type:      event.EventEncrypted,
		Sender:    sender,
		Timestamp: ts,
		Content: event.Content{Parsed: &event.EncryptedEventContent{
			Algorithm: id.AlgorithmMegolmV1,
			DeviceID:  device,
		}},
	}
}

// joinedSync builds a sync response with timeline events in joined rooms.
func joinedSync(next string, rooms map[id.RoomID][]*event.Event) *mautrix.RespSync {
	resp := &mautrix.RespSync{NextBatch: next}
	resp.Rooms.Join = make(map[id.RoomID]*mautrix.SyncJoinedRoom)
	for roomID, evts := range rooms {
		room := &mautrix.SyncJoinedRoom{}
		room.Timeline.Events = evts
		resp.Rooms.Join[roomID] = room
	}
	return resp
}

// inviteSync builds a sync response with stripped invite state.
func inviteSync(next string, roomID id.RoomID, inviter id.UserID) *mautrix.RespSync {
	resp := &mautrix.RespSync{NextBatch: next}
	room := &mautrix.SyncInvitedRoom{}
	room.State.Events = []*event.Event{memberEvent(roomID, inviter, botUser, event.MembershipInvite, 0, "")}
	resp.Rooms.Invite = map[id.RoomID]*mautrix.SyncInvitedRoom{roomID: room}
	return resp
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Name = "bot"
	cfg.CommandPrefix = "!"
	cfg.AllowList = `:example\.org$`
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	return cfg
}

func testLogger(t *testing.T) *zerolog.Logger {
	log := zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel)
	return &log
}

func newTestBot(t *testing.T, client *fakeClient, cfg *Config, opts Options) *Bot {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = clock.Fake(testEpoch)
	}
	if opts.Logger == nil {
		opts.Logger = testLogger(t)
	}
	b, err := New(client, cfg, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

// runBot starts b.Run in the background and returns a function that stops it
// and returns Run's error.
func runBot(t *testing.T, b *Bot) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	var once sync.Once
	var result error
	stop = func() error {
		once.Do(func() {
			cancel()
			select {
			case result = <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("bot did not stop")
			}
		})
		return result
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
