// Copyright 2024-2026 Aiku AI

package headjack

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"maunium.net/go/mautrix/id"
)

// maxAdminBodySize is the maximum allowed request body for admin calls (64 KB).
const maxAdminBodySize = 64 << 10

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	UserID      id.UserID   `json:"user_id"`
	DeviceID    id.DeviceID `json:"device_id"`
	Cursor      string      `json:"cursor"`
	JoinedRooms []id.RoomID `json:"joined_rooms"`
	Rooms       []RoomState `json:"rooms"`
}

// DeviceActionRequest is the body of POST /api/devices.
type DeviceActionRequest struct {
	UserID   id.UserID   `json:"user_id"`
	DeviceID id.DeviceID `json:"device_id"`
	// Action is one of verify, reject, restart or distrust.
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// AdminHandler returns the admin API:
//
//	GET  /api/status   session and room overview
//	GET  /api/devices  device trust records
//	POST /api/devices  operator trust decisions
func (b *Bot) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", b.HandleStatus)
	mux.HandleFunc("/api/devices", b.HandleDevices)
	return mux
}

func (b *Bot) startAdminAPI(ctx context.Context) (stop func()) {
	if b.cfg.AdminAPIAddr == "" {
		return func() {}
	}
	server := &http.Server{
		Addr:         b.cfg.AdminAPIAddr,
		Handler:      b.AdminHandler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}
	go func() {
		b.log.Info().Str("addr", server.Addr).Msg("Starting admin API")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.log.Error().Err(err).Msg("Admin API error")
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			b.log.Warn().Err(err).Msg("Failed to shut down admin API")
		}
	}
}

// HandleStatus serves GET /api/status.
func (b *Bot) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	b.writeJSON(w, http.StatusOK, StatusResponse{
		UserID:      b.session.UserID,
		DeviceID:    b.session.DeviceID,
		Cursor:      b.session.Cursor(),
		JoinedRooms: b.session.JoinedRooms(),
		Rooms:       b.tracker.Rooms(),
	})
}

// HandleDevices serves GET and POST /api/devices.
func (b *Bot) HandleDevices(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		b.writeJSON(w, http.StatusOK, b.tracker.Devices())
	case http.MethodPost:
		b.handleDeviceAction(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (b *Bot) handleDeviceAction(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBodySize)
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	var req DeviceActionRequest
	if err = json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.DeviceID == "" {
		http.Error(w, "user_id and device_id are required", http.StatusBadRequest)
		return
	}
	key := DeviceKey{UserID: req.UserID, DeviceID: req.DeviceID}

	b.log.Info().
		Str("remote_addr", r.RemoteAddr).
		Stringer("device", key).
		Str("action", req.Action).
		Msg("Device action requested")

	ctx := r.Context()
	status := http.StatusOK
	switch req.Action {
	case "verify":
		// The outcome is applied asynchronously by the verification watcher.
		status = http.StatusAccepted
		err = b.ApproveDevice(key)
	case "reject":
		status = http.StatusAccepted
		reason := req.Reason
		if reason == "" {
			reason = "rejected by operator"
		}
		err = b.RejectDevice(key, reason)
	case "restart":
		_, err = b.RestartVerification(ctx, key)
	case "distrust":
		_, err = b.DistrustDevice(ctx, key)
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
		return
	}
	switch {
	case errors.Is(err, ErrUnknownDevice):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, errNoManualVerifier):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	dt, _ := b.tracker.Device(key)
	b.writeJSON(w, status, dt)
}

func (b *Bot) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		b.log.Warn().Err(err).Msg("Failed to write admin API response")
	}
}
