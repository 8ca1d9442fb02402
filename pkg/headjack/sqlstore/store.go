// Copyright 2024-2026 Aiku AI

// Package sqlstore persists sessions, sync cursors and device trust in
// SQLite or PostgreSQL.
package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/headjack/pkg/headjack"
	"github.com/aiku/headjack/pkg/headjack/mxclient"
)

//go:embed schema.sql
var schema string

// Dialect selects the driver and placeholder format.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

// ParseDialect accepts the database.type config values.
func ParseDialect(s string) (Dialect, error) {
	switch s {
	case "", "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("unsupported database type %q", s)
	}
}

func (d Dialect) builder() sq.StatementBuilderType {
	if d == DialectPostgres {
		return sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	}
	return sq.StatementBuilder.PlaceholderFormat(sq.Question)
}

// Store implements headjack.Store and mxclient.AccountStore.
type Store struct {
	db *sql.DB
	sq sq.StatementBuilderType
}

var (
	_ headjack.Store        = (*Store)(nil)
	_ mxclient.AccountStore = (*Store)(nil)
)

// New wraps an open database. Call Upgrade before use.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, sq: dialect.builder()}
}

// Open connects to the configured database and creates missing tables.
func Open(ctx context.Context, cfg headjack.DatabaseConfig) (*Store, error) {
	dialect, err := ParseDialect(cfg.Type)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(string(dialect), cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == DialectSQLite {
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
	}
	s := New(db, dialect)
	if err := s.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Upgrade creates any missing tables.
func (s *Store) Upgrade(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) LoadCursor(ctx context.Context, userID id.UserID) (string, error) {
	query, args, err := s.sq.Select("next_batch").
		From("headjack_sync").
		Where(sq.Eq{"user_id": userID.String()}).
		ToSql()
	if err != nil {
		return "", fmt.Errorf("failed to build cursor query: %w", err)
	}
	var cursor string
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("failed to load cursor: %w", err)
	}
	return cursor, nil
}

func (s *Store) SaveCursor(ctx context.Context, userID id.UserID, cursor string) error {
	_, err := s.sq.Insert("headjack_sync").
		Columns("user_id", "next_batch").
		Values(userID.String(), cursor).
		Suffix("ON CONFLICT (user_id) DO UPDATE SET next_batch=excluded.next_batch").
		RunWith(s.db).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

func (s *Store) LoadDeviceTrust(ctx context.Context) ([]headjack.DeviceTrust, error) {
	query, args, err := s.sq.Select("user_id", "device_id", "state", "rooms", "updated_at").
		From("headjack_device_trust").
		OrderBy("user_id", "device_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build device trust query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load device trust: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []headjack.DeviceTrust
	for rows.Next() {
		dt, err := scanDeviceTrust(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate device trust rows: %w", err)
	}
	return out, nil
}

func scanDeviceTrust(rows *sql.Rows) (headjack.DeviceTrust, error) {
	var userID, deviceID, state, rooms string
	var updatedAt int64
	if err := rows.Scan(&userID, &deviceID, &state, &rooms, &updatedAt); err != nil {
		return headjack.DeviceTrust{}, fmt.Errorf("failed to scan device trust: %w", err)
	}
	dt := headjack.DeviceTrust{
		Key:       headjack.DeviceKey{UserID: id.UserID(userID), DeviceID: id.DeviceID(deviceID)},
		UpdatedAt: time.UnixMilli(updatedAt),
	}
	var err error
	if dt.State, err = headjack.ParseTrustState(state); err != nil {
		return headjack.DeviceTrust{}, fmt.Errorf("device %s: %w", dt.Key, err)
	}
	if err = json.Unmarshal([]byte(rooms), &dt.Rooms); err != nil {
		return headjack.DeviceTrust{}, fmt.Errorf("device %s: failed to parse rooms: %w", dt.Key, err)
	}
	return dt, nil
}

func (s *Store) SaveDeviceTrust(ctx context.Context, trust headjack.DeviceTrust) error {
	rooms := trust.Rooms
	if rooms == nil {
		rooms = []id.RoomID{}
	}
	roomsJSON, err := json.Marshal(rooms)
	if err != nil {
		return fmt.Errorf("failed to encode rooms: %w", err)
	}
	_, err = s.sq.Insert("headjack_device_trust").
		Columns("user_id", "device_id", "state", "rooms", "updated_at").
		Values(trust.Key.UserID.String(), trust.Key.DeviceID.String(), string(trust.State), string(roomsJSON), trust.UpdatedAt.UnixMilli()).
		Suffix("ON CONFLICT (user_id, device_id) DO UPDATE SET state=excluded.state, rooms=excluded.rooms, updated_at=excluded.updated_at").
		RunWith(s.db).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to save trust of %s: %w", trust.Key, err)
	}
	return nil
}

func (s *Store) LoadAccount(ctx context.Context, userID id.UserID) (*mxclient.Account, error) {
	query, args, err := s.sq.Select("homeserver", "device_id", "access_token").
		From("headjack_account").
		Where(sq.Eq{"user_id": userID.String()}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build account query: %w", err)
	}
	account := &mxclient.Account{UserID: userID}
	var deviceID string
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&account.Homeserver, &deviceID, &account.AccessToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	account.DeviceID = id.DeviceID(deviceID)
	return account, nil
}

func (s *Store) SaveAccount(ctx context.Context, account *mxclient.Account) error {
	_, err := s.sq.Insert("headjack_account").
		Columns("user_id", "homeserver", "device_id", "access_token").
		Values(account.UserID.String(), account.Homeserver, account.DeviceID.String(), account.AccessToken).
		Suffix("ON CONFLICT (user_id) DO UPDATE SET homeserver=excluded.homeserver, device_id=excluded.device_id, access_token=excluded.access_token").
		RunWith(s.db).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}
