// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package headjack is a Matrix bot engine: it owns the sync loop, tracks room
// and device state, routes commands to handlers and paces outbound sends.
//
// The wire protocol and cryptography stay in the client SDK, reached through
// the [Client] interface. The mxclient sub-package implements it on top of
// mautrix.
//
// # Flow
//
// [SyncLoop] long-polls the server and turns each response into [Event]
// values through the [Normalizer]. The [Tracker] applies every event to the
// room and device state; message events from allowed senders in joined rooms
// are queued on a per-room handler worker where the [Router] picks the first
// matching route. Handlers reply through their [Context], which hands the
// send to the [Governor]. The governor keeps one FIFO per room and waits out
// rate limits without dropping actions.
//
// # Delivery
//
// The sync cursor is persisted only after every event of a batch was handed
// on, so a crash re-delivers the batch. The tracker drops event IDs it has
// already applied and orders membership changes by server timestamp.
//
// # Device trust
//
// Devices seen in encrypted rooms start unknown and become pending when the
// bot sends to the room or the device asks for verification. A [Verifier]
// moves them to verified or rejected. Both are terminal until an operator
// restarts verification or distrusts the device, for example through the
// admin API.
//
// # Sub-packages
//
//   - mxclient implements Client and TagClient with mautrix.
//   - sqlstore implements Store on SQLite or PostgreSQL.
//   - mdfmt converts between markdown and Matrix HTML.
package headjack
