// Copyright 2024-2026 Aiku AI

package headjack

import (
	"fmt"
	"strings"

	"maunium.net/go/mautrix/id"
)

// DeviceKey identifies a remote device. Rooms and devices reference each
// other through these keys rather than pointers.
type DeviceKey struct {
	UserID   id.UserID   `json:"user_id"`
	DeviceID id.DeviceID `json:"device_id"`
}

func (k DeviceKey) String() string {
	return fmt.Sprintf("%s/%s", k.UserID, k.DeviceID)
}

// ParseDeviceKey parses the "user/device" form produced by DeviceKey.String.
func ParseDeviceKey(s string) (DeviceKey, error) {
	idx := strings.LastIndexByte(s, '/')
	if idx <= 0 || idx == len(s)-1 {
		return DeviceKey{}, fmt.Errorf("invalid device key %q", s)
	}
	return DeviceKey{UserID: id.UserID(s[:idx]), DeviceID: id.DeviceID(s[idx+1:])}, nil
}

// Membership is the bot's own membership in a room.
type Membership string

const (
	MembershipUnseen  Membership = "unseen"
	MembershipInvited Membership = "invited"
	MembershipJoined  Membership = "joined"
	MembershipLeft    Membership = "left"
)

// TrustState is the verification status of a remote device.
type TrustState string

const (
	TrustUnknown  TrustState = "unknown"
	TrustPending  TrustState = "pending"
	TrustVerified TrustState = "verified"
	TrustRejected TrustState = "rejected"
)

// Terminal reports whether the state can only be left through an explicit
// operator action.
func (s TrustState) Terminal() bool {
	return s == TrustVerified || s == TrustRejected
}

// ParseTrustState accepts the string form stored by a Store.
func ParseTrustState(s string) (TrustState, error) {
	switch TrustState(s) {
	case TrustUnknown, TrustPending, TrustVerified, TrustRejected:
		return TrustState(s), nil
	default:
		return "", fmt.Errorf("invalid trust state %q", s)
	}
}
