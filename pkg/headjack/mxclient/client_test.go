// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mxclient

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"testing"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"

	"github.com/aiku/headjack/pkg/headjack"
)

func TestConnectPasswordLogin(t *testing.T) {
	t.Parallel()
	hs := newFakeHomeserver()
	defer hs.Close()
	store := NewMemoryAccountStore()

	client, err := Connect(t.Context(), Credentials{Homeserver: hs.URL(), UserID: botUser, Password: password}, store, testLogger(t))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if client.UserID() != botUser || client.DeviceID() != "DEVICE1" {
		t.Errorf("session = %s/%s", client.UserID(), client.DeviceID())
	}

	var loginBody string
	for _, c := range hs.Calls() {
		if strings.HasSuffix(c.Path, "/login") {
			loginBody = c.Body
		}
	}
	if !strings.Contains(loginBody, DeviceDisplayName) {
		t.Errorf("login body %q does not name the device", loginBody)
	}

	saved, _ := store.LoadAccount(t.Context(), botUser)
	if saved == nil || saved.AccessToken != "syt_login1" || saved.DeviceID != "DEVICE1" || saved.Homeserver != hs.URL() {
		t.Errorf("saved account = %+v", saved)
	}
}

func TestConnectRestoresStoredSession(t *testing.T) {
	t.Parallel()
	hs := newFakeHomeserver()
	defer hs.Close()

	client := loggedInClient(t, hs)
	if client.DeviceID() != "GOODDEVICE" {
		t.Errorf("DeviceID = %s, want GOODDEVICE", client.DeviceID())
	}
	if hs.Logins() != 0 {
		t.Errorf("restoring a valid session performed %d logins", hs.Logins())
	}
	if !hs.CalledPath("/account/whoami") {
		t.Error("stored session was not validated")
	}
}

func TestConnectFallsBackToPasswordOnRevokedToken(t *testing.T) {
	t.Parallel()
	hs := newFakeHomeserver()
	defer hs.Close()
	store := NewMemoryAccountStore()
	_ = store.SaveAccount(t.Context(), &Account{
		Homeserver:  hs.URL(),
		UserID:      botUser,
		DeviceID:    "OLDDEVICE",
		AccessToken: "syt_revoked",
	})

	client, err := Connect(t.Context(), Credentials{Homeserver: hs.URL(), UserID: botUser, Password: password}, store, testLogger(t))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if hs.Logins() != 1 || client.DeviceID() != "DEVICE1" {
		t.Errorf("logins = %d, device = %s", hs.Logins(), client.DeviceID())
	}
	saved, _ := store.LoadAccount(t.Context(), botUser)
	if saved.AccessToken != "syt_login1" {
		t.Errorf("revoked token was not replaced: %+v", saved)
	}
}

func TestConnectIgnoresSessionForOtherHomeserver(t *testing.T) {
	t.Parallel()
	hs := newFakeHomeserver()
	defer hs.Close()
	store := NewMemoryAccountStore()
	_ = store.SaveAccount(t.Context(), &Account{
		Homeserver:  "https://old.example.org",
		UserID:      botUser,
		AccessToken: goodToken,
	})

	if _, err := Connect(t.Context(), Credentials{Homeserver: hs.URL(), UserID: botUser, Password: password}, store, testLogger(t)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if hs.CalledPath("/account/whoami") || hs.Logins() != 1 {
		t.Error("session for another homeserver should not be restored")
	}
}

func TestConnectWithoutCredentials(t *testing.T) {
	t.Parallel()
	hs := newFakeHomeserver()
	defer hs.Close()

	_, err := Connect(t.Context(), Credentials{Homeserver: hs.URL(), UserID: botUser}, NewMemoryAccountStore(), testLogger(t))
	if !errors.Is(err, ErrNoCredentials) {
		t.Errorf("err = %v, want ErrNoCredentials", err)
	}
}

func TestConnectWrongPassword(t *testing.T) {
	t.Parallel()
	hs := newFakeHomeserver()
	defer hs.Close()

	_, err := Connect(t.Context(), Credentials{Homeserver: hs.URL(), UserID: botUser, Password: "nope"}, NewMemoryAccountStore(), testLogger(t))
	if err == nil {
		t.Fatal("expected login to fail")
	}
	if class := headjack.Classify(err); class != headjack.ClassRejected {
		t.Errorf("Classify = %s, want rejected", class)
	}
}

func TestConnectTransientRestoreErrorIsReturned(t *testing.T) {
	t.Parallel()
	hs := newFakeHomeserver()
	defer hs.Close()
	hs.Fail("/account/whoami", failure{Status: http.StatusBadGateway, ErrCode: "M_UNKNOWN"})
	store := NewMemoryAccountStore()
	_ = store.SaveAccount(t.Context(), &Account{Homeserver: hs.URL(), UserID: botUser, AccessToken: goodToken})

	_, err := Connect(t.Context(), Credentials{Homeserver: hs.URL(), UserID: botUser, Password: password}, store, testLogger(t))
	if err == nil || headjack.Classify(err) != headjack.ClassTransient {
		t.Errorf("err = %v, want a transient error", err)
	}
	if hs.Logins() != 0 {
		t.Error("a transient failure should not create a new device")
	}
}

func TestClientSync(t *testing.T) {
	t.Parallel()
	hs := newFakeHomeserver()
	defer hs.Close()
	hs.SetSyncBody(`{
		"next_batch": "s2",
		"rooms": {"join": {"!a:example.org": {"timeline": {"events": [
			{"type": "m.room.message", "event_id": "$1", "sender": "@alice:example.org",
			 "origin_server_ts": 1000, "content": {"msgtype": "m.text", "body": "!ping"}}
		]}}}}
	}`)
	client := loggedInClient(t, hs)

	resp, err := client.Sync(t.Context(), "s1", 10*time.Second)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if resp.NextBatch != "s2" {
		t.Errorf("NextBatch = %q", resp.NextBatch)
	}
	room := resp.Rooms.Join[roomA]
	if room == nil || len(room.Timeline.Events) != 1 {
		t.Fatalf("joined room missing from %+v", resp.Rooms.Join)
	}

	var syncCall *endpointCall
	for _, c := range hs.Calls() {
		if strings.HasSuffix(c.Path, "/sync") {
			syncCall = &c
		}
	}
	if syncCall == nil {
		t.Fatal("sync endpoint was not called")
	}
	if since := syncCall.Query.Get("since"); since != "s1" {
		t.Errorf("since = %q", since)
	}
	var filter mautrix.Filter
	if err = json.Unmarshal([]byte(syncCall.Query.Get("filter")), &filter); err != nil {
		t.Fatalf("sync filter %q: %v", syncCall.Query.Get("filter"), err)
	}
	if filter.Room == nil || filter.Room.State == nil || !filter.Room.State.LazyLoadMembers {
		t.Errorf("sync filter does not lazy load members: %+v", filter.Room)
	}
}

func TestClientErrorsClassify(t *testing.T) {
	t.Parallel()
	hs := newFakeHomeserver()
	defer hs.Close()
	client := loggedInClient(t, hs)

	hs.Fail("/sync", failure{Status: http.StatusTooManyRequests, ErrCode: "M_LIMIT_EXCEEDED", Extra: map[string]any{"retry_after_ms": 1500}})
	_, err := client.Sync(t.Context(), "", time.Second)
	if class := headjack.Classify(err); class != headjack.ClassRateLimited {
		t.Errorf("Classify(429) = %s", class)
	}
	if d, ok := headjack.RetryAfter(err); !ok || d != 1500*time.Millisecond {
		t.Errorf("RetryAfter = %s, %v", d, ok)
	}

	hs.Fail("/send/", failure{Status: http.StatusForbidden, ErrCode: "M_FORBIDDEN"})
	_, err = client.Send(t.Context(), roomA, event.EventMessage, &event.MessageEventContent{MsgType: event.MsgText, Body: "hi"}, headjack.SendOptions{})
	if class := headjack.Classify(err); class != headjack.ClassRejected {
		t.Errorf("Classify(403) = %s", class)
	}
}

func TestClientRefusesSendWithWithheldDevices(t *testing.T) {
	t.Parallel()
	hs := newFakeHomeserver()
	defer hs.Close()
	client := loggedInClient(t, hs)

	withheld := []headjack.DeviceKey{{UserID: "@alice:example.org", DeviceID: "ALICEDEV"}}
	_, err := client.Send(t.Context(), roomA, event.EventMessage,
		&event.MessageEventContent{MsgType: event.MsgText, Body: "secret"},
		headjack.SendOptions{WithheldDevices: withheld})
	if !errors.Is(err, headjack.ErrDeviceNotVerified) {
		t.Errorf("err = %v, want ErrDeviceNotVerified", err)
	}
	if class := headjack.Classify(err); class != headjack.ClassRejected {
		t.Errorf("Classify = %s, want rejected", class)
	}
	if hs.CalledPath("/send/") {
		t.Error("event reached the homeserver")
	}
}

func TestClientRevokedTokenIsFatal(t *testing.T) {
	t.Parallel()
	hs := newFakeHomeserver()
	defer hs.Close()
	client := loggedInClient(t, hs)

	hs.RevokeToken(goodToken)
	_, err := client.Sync(t.Context(), "", time.Second)
	if class := headjack.Classify(err); class != headjack.ClassFatal {
		t.Errorf("Classify = %s, want fatal", class)
	}
}

func TestClientRoomActions(t *testing.T) {
	t.Parallel()
	hs := newFakeHomeserver()
	defer hs.Close()
	hs.SetMembers(roomA, botUser, "@alice:example.org", "@bob:example.org")
	client := loggedInClient(t, hs)
	ctx := t.Context()

	evtID, err := client.Send(ctx, roomA, event.EventMessage, &event.MessageEventContent{MsgType: event.MsgText, Body: "hello"}, headjack.SendOptions{})
	if err != nil || !strings.HasPrefix(evtID.String(), "$") {
		t.Errorf("Send = %q, %v", evtID, err)
	}
	if err := client.Join(ctx, roomA); err != nil {
		t.Errorf("Join: %v", err)
	}
	if n, err := client.JoinedMemberCount(ctx, roomA); err != nil || n != 3 {
		t.Errorf("JoinedMemberCount = %d, %v", n, err)
	}
	if err := client.Leave(ctx, roomA); err != nil {
		t.Errorf("Leave: %v", err)
	}

	var sendBody string
	for _, c := range hs.Calls() {
		if c.Method == http.MethodPut && strings.Contains(c.Path, "/send/m.room.message/") {
			sendBody = c.Body
		}
	}
	if !strings.Contains(sendBody, `"hello"`) {
		t.Errorf("send body = %q", sendBody)
	}
	if !hs.CalledPath("/leave") {
		t.Error("leave endpoint was not called")
	}
}

func TestClientRoomTags(t *testing.T) {
	t.Parallel()
	hs := newFakeHomeserver()
	defer hs.Close()
	client := loggedInClient(t, hs)
	ctx := t.Context()

	if err := client.AddRoomTag(ctx, roomA, "org.example.weather"); err != nil {
		t.Fatalf("AddRoomTag: %v", err)
	}
	if err := client.AddRoomTag(ctx, roomA, "m.favourite"); err != nil {
		t.Fatalf("AddRoomTag: %v", err)
	}
	tags, err := client.RoomTags(ctx, roomA)
	if err != nil {
		t.Fatalf("RoomTags: %v", err)
	}
	if want := []string{"m.favourite", "org.example.weather"}; !slices.Equal(tags, want) {
		t.Errorf("RoomTags = %q, want %q", tags, want)
	}

	if err := client.RemoveRoomTag(ctx, roomA, "m.favourite"); err != nil {
		t.Fatalf("RemoveRoomTag: %v", err)
	}
	tagSet, err := headjack.LoadTags(ctx, client, roomA, "org.example")
	if err != nil {
		t.Fatalf("LoadTags: %v", err)
	}
	if got := tagSet.Tags(); !slices.Equal(got, []string{"weather"}) {
		t.Errorf("namespaced tags = %q", got)
	}
}
