// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mxclient

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/headjack/pkg/headjack"
)

// DeviceDisplayName is the display name given to devices created by a
// password login.
const DeviceDisplayName = "headjack client"

// ErrNoCredentials is returned when there is neither a usable stored session
// nor a password to log in with.
var ErrNoCredentials = errors.New("no stored session and no password configured")

// Account is a persisted login.
type Account struct {
	Homeserver  string
	UserID      id.UserID
	DeviceID    id.DeviceID
	AccessToken string
}

// AccountStore persists logins across restarts. LoadAccount returns nil
// without an error when nothing is stored for the user.
type AccountStore interface {
	LoadAccount(ctx context.Context, userID id.UserID) (*Account, error)
	SaveAccount(ctx context.Context, account *Account) error
}

// Credentials identify the account to log in as.
type Credentials struct {
	Homeserver string
	UserID     id.UserID
	Password   string
}

// CredentialsFromConfig extracts the login settings of a bot config.
func CredentialsFromConfig(cfg *headjack.Config) Credentials {
	return Credentials{
		Homeserver: cfg.Homeserver,
		UserID:     id.UserID(cfg.Username),
		Password:   cfg.Password,
	}
}

// Connect returns an authenticated client. A stored session is reused when
// the homeserver still accepts its token; otherwise the password is used to
// create a new device, which is then saved.
func Connect(ctx context.Context, creds Credentials, store AccountStore, log zerolog.Logger) (*Client, error) {
	log = log.With().Str("component", "login").Str("user_id", creds.UserID.String()).Logger()

	account, err := store.LoadAccount(ctx, creds.UserID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load stored session, logging in with password")
	} else if account != nil && account.AccessToken != "" && account.Homeserver == creds.Homeserver {
		client, err := restoreSession(ctx, account, log)
		switch {
		case err == nil:
			log.Info().Str("device_id", client.DeviceID().String()).Msg("Restored stored session")
			return client, nil
		case headjack.Classify(err) != headjack.ClassFatal:
			return nil, err
		default:
			log.Warn().Err(err).Msg("Stored session is no longer valid, logging in with password")
		}
	}

	if creds.Password == "" {
		return nil, ErrNoCredentials
	}
	client, err := passwordLogin(ctx, creds, log)
	if err != nil {
		return nil, err
	}
	err = store.SaveAccount(ctx, &Account{
		Homeserver:  creds.Homeserver,
		UserID:      client.UserID(),
		DeviceID:    client.DeviceID(),
		AccessToken: client.mx.AccessToken,
	})
	if err != nil {
		log.Err(err).Msg("Failed to save session, the next start will log in again")
	}
	log.Info().Str("device_id", client.DeviceID().String()).Msg("Logged in with password")
	return client, nil
}

func restoreSession(ctx context.Context, account *Account, log zerolog.Logger) (*Client, error) {
	mx, err := newClient(account.Homeserver, account.UserID, account.AccessToken, log)
	if err != nil {
		return nil, err
	}
	mx.DeviceID = account.DeviceID

	resp, err := mx.Whoami(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to validate stored session: %w", err)
	}
	if resp.UserID != account.UserID {
		return nil, &headjack.FatalError{
			Op:  "restore session",
			Err: fmt.Errorf("stored token belongs to %s", resp.UserID),
		}
	}
	if resp.DeviceID != "" {
		mx.DeviceID = resp.DeviceID
	}
	return &Client{mx: mx, log: log}, nil
}

func passwordLogin(ctx context.Context, creds Credentials, log zerolog.Logger) (*Client, error) {
	mx, err := newClient(creds.Homeserver, "", "", log)
	if err != nil {
		return nil, err
	}
	_, err = mx.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: creds.UserID.String(),
		},
		Password:                 creds.Password,
		InitialDeviceDisplayName: DeviceDisplayName,
		StoreCredentials:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to log in: %w", err)
	}
	return &Client{mx: mx, log: log}, nil
}

// MemoryAccountStore keeps accounts in memory.
type MemoryAccountStore struct {
	mu       sync.Mutex
	accounts map[id.UserID]Account
}

var _ AccountStore = (*MemoryAccountStore)(nil)

func NewMemoryAccountStore() *MemoryAccountStore {
	return &MemoryAccountStore{accounts: make(map[id.UserID]Account)}
}

func (s *MemoryAccountStore) LoadAccount(_ context.Context, userID id.UserID) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[userID]
	if !ok {
		return nil, nil
	}
	return &account, nil
}

func (s *MemoryAccountStore) SaveAccount(_ context.Context, account *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[account.UserID] = *account
	return nil
}
