// Copyright 2024-2026 Aiku AI

package headjack

import (
	"fmt"
	"regexp"

	"maunium.net/go/mautrix/id"
)

// AllowList decides whose messages and invites the bot acts on. The bot's own
// user is never allowed, so it cannot answer itself.
type AllowList struct {
	self id.UserID
	re   *regexp.Regexp
}

// NewAllowList compiles expr, which is matched against full user IDs. An
// empty expression allows nobody.
func NewAllowList(expr string, self id.UserID) (*AllowList, error) {
	al := &AllowList{self: self}
	if expr == "" {
		return al, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid allow list %q: %w", expr, err)
	}
	al.re = re
	return al, nil
}

// Allowed reports whether events from user should be handled.
func (a *AllowList) Allowed(user id.UserID) bool {
	if user == "" || user == a.self {
		return false
	}
	return a.re != nil && a.re.MatchString(user.String())
}

// Empty reports whether the list admits nobody.
func (a *AllowList) Empty() bool { return a.re == nil }
