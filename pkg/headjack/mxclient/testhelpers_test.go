// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mxclient

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

const (
	botUser   id.UserID = "@bot:example.org"
	roomA     id.RoomID = "!a:example.org"
	password            = "hunter2"
	goodToken           = "syt_good"
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Query  url.Values
	Body   string
}

// fakeHomeserver wraps an httptest.Server simulating the parts of the
// client-server API the adapter uses. It records calls and serves canned
// responses.
type fakeHomeserver struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall

	// Tokens maps valid access tokens to their user and device.
	Tokens map[string][2]string
	// Members maps room ID to joined member IDs.
	Members map[id.RoomID][]id.UserID
	// Tags maps room ID to tag names.
	Tags map[id.RoomID]map[string]bool
	// SyncBody is returned verbatim from /sync.
	SyncBody string
	// FailStatus makes paths containing the key fail with the given status
	// and errcode.
	FailStatus map[string]failure

	logins int
}

type failure struct {
	Status  int
	ErrCode string
	Extra   map[string]any
}

func newFakeHomeserver() *fakeHomeserver {
	f := &fakeHomeserver{
		Tokens:     make(map[string][2]string),
		Members:    make(map[id.RoomID][]id.UserID),
		Tags:       make(map[id.RoomID]map[string]bool),
		FailStatus: make(map[string]failure),
		SyncBody:   `{"next_batch":"s1"}`,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /_matrix/client/v3/login", f.login)
	mux.HandleFunc("GET /_matrix/client/v3/account/whoami", f.authed(f.whoami))
	mux.HandleFunc("GET /_matrix/client/v3/sync", f.authed(f.sync))
	mux.HandleFunc("PUT /_matrix/client/v3/rooms/{room}/send/{type}/{txn}", f.authed(f.send))
	mux.HandleFunc("POST /_matrix/client/v3/rooms/{room}/join", f.authed(f.empty))
	mux.HandleFunc("POST /_matrix/client/v3/join/{room}", f.authed(f.empty))
	mux.HandleFunc("POST /_matrix/client/v3/rooms/{room}/leave", f.authed(f.empty))
	mux.HandleFunc("GET /_matrix/client/v3/rooms/{room}/joined_members", f.authed(f.joinedMembers))
	mux.HandleFunc("GET /_matrix/client/v3/user/{user}/rooms/{room}/tags", f.authed(f.getTags))
	mux.HandleFunc("PUT /_matrix/client/v3/user/{user}/rooms/{room}/tags/{tag}", f.authed(f.putTag))
	mux.HandleFunc("DELETE /_matrix/client/v3/user/{user}/rooms/{room}/tags/{tag}", f.authed(f.deleteTag))
	f.Server = httptest.NewServer(f.recording(mux))
	return f
}

func (f *fakeHomeserver) Close() {
	f.Server.Close()
}

func (f *fakeHomeserver) URL() string { return f.Server.URL }

func (f *fakeHomeserver) record(method string, u *url.URL, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: method, Path: u.Path, Query: u.Query(), Body: body})
}

func (f *fakeHomeserver) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeHomeserver) CalledPath(path string) bool {
	for _, c := range f.Calls() {
		if strings.Contains(c.Path, path) {
			return true
		}
	}
	return false
}

// Fail makes requests whose path contains substr fail.
func (f *fakeHomeserver) Fail(substr string, fail failure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FailStatus[substr] = fail
}

func (f *fakeHomeserver) SetMembers(roomID id.RoomID, members ...id.UserID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Members[roomID] = members
}

func (f *fakeHomeserver) SetSyncBody(body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SyncBody = body
}

func (f *fakeHomeserver) AddToken(token string, userID id.UserID, deviceID id.DeviceID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Tokens[token] = [2]string{userID.String(), deviceID.String()}
}

func (f *fakeHomeserver) RevokeToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Tokens, token)
}

func (f *fakeHomeserver) Logins() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

func (f *fakeHomeserver) recording(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		f.record(r.Method, r.URL, string(body))

		for prefix, fail := range f.failures() {
			if strings.Contains(r.URL.Path, prefix) {
				writeError(w, fail.Status, fail.ErrCode, fail.Extra)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (f *fakeHomeserver) failures() map[string]failure {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make(map[string]failure, len(f.FailStatus))
	for k, v := range f.FailStatus {
		cp[k] = v
	}
	return cp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errcode string, extra map[string]any) {
	body := map[string]any{"errcode": errcode, "error": "fake " + errcode}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, body)
}

func (f *fakeHomeserver) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		f.mu.Lock()
		_, ok := f.Tokens[token]
		f.mu.Unlock()
		if !ok {
			writeError(w, http.StatusUnauthorized, "M_UNKNOWN_TOKEN", nil)
			return
		}
		next(w, r)
	}
}

func (f *fakeHomeserver) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier struct {
			User string `json:"user"`
		} `json:"identifier"`
		Password    string `json:"password"`
		DisplayName string `json:"initial_device_display_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password != password {
		writeError(w, http.StatusForbidden, "M_FORBIDDEN", nil)
		return
	}
	f.mu.Lock()
	f.logins++
	token := fmt.Sprintf("syt_login%d", f.logins)
	device := fmt.Sprintf("DEVICE%d", f.logins)
	f.Tokens[token] = [2]string{req.Identifier.User, device}
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{
		"user_id":      req.Identifier.User,
		"access_token": token,
		"device_id":    device,
	})
}

func (f *fakeHomeserver) whoami(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	f.mu.Lock()
	owner := f.Tokens[token]
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"user_id": owner[0], "device_id": owner[1]})
}

func (f *fakeHomeserver) sync(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	body := f.SyncBody
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, body)
}

func (f *fakeHomeserver) send(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"event_id": "$" + r.PathValue("txn")})
}

func (f *fakeHomeserver) empty(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	writeJSON(w, http.StatusOK, map[string]string{"room_id": room})
}

func (f *fakeHomeserver) joinedMembers(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	members := f.Members[id.RoomID(r.PathValue("room"))]
	f.mu.Unlock()
	joined := make(map[string]any, len(members))
	for _, m := range members {
		joined[m.String()] = map[string]any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"joined": joined})
}

func (f *fakeHomeserver) getTags(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	tags := make(map[string]any)
	for tag := range f.Tags[id.RoomID(r.PathValue("room"))] {
		tags[tag] = map[string]any{}
	}
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"tags": tags})
}

func (f *fakeHomeserver) putTag(w http.ResponseWriter, r *http.Request) {
	room := id.RoomID(r.PathValue("room"))
	f.mu.Lock()
	if f.Tags[room] == nil {
		f.Tags[room] = make(map[string]bool)
	}
	f.Tags[room][r.PathValue("tag")] = true
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (f *fakeHomeserver) deleteTag(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	delete(f.Tags[id.RoomID(r.PathValue("room"))], r.PathValue("tag"))
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{})
}

func testLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel)
}

// loggedInClient returns a client holding a token the fake accepts.
func loggedInClient(t *testing.T, hs *fakeHomeserver) *Client {
	t.Helper()
	hs.AddToken(goodToken, botUser, "GOODDEVICE")
	store := NewMemoryAccountStore()
	_ = store.SaveAccount(t.Context(), &Account{
		Homeserver:  hs.URL(),
		UserID:      botUser,
		DeviceID:    "GOODDEVICE",
		AccessToken: goodToken,
	})
	client, err := Connect(t.Context(), Credentials{Homeserver: hs.URL(), UserID: botUser}, store, testLogger(t))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return client
}
