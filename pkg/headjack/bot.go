// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package headjack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/headjack/pkg/clock"
)

const (
	autoJoinFirstDelay = 2 * time.Second
	autoJoinMaxDelay   = time.Hour
)

// Options are the optional collaborators of a Bot.
type Options struct {
	// Store persists the cursor and device trust. Defaults to a MemoryStore.
	Store Store
	// Verifier runs device verification. Without one, devices stay pending.
	Verifier Verifier
	Clock    clock.Clock
	Logger   *zerolog.Logger
}

// Bot wires the sync loop, tracker, router and governor around one session.
type Bot struct {
	cfg      *Config
	client   Client
	store    Store
	verifier Verifier
	clock    clock.Clock
	log      zerolog.Logger

	session  *Session
	tracker  *Tracker
	router   *Router
	governor *Governor
	loop     *SyncLoop
	allow    *AllowList
	handlers *roomQueues[*Event]
	outcomes chan VerificationOutcome
	bg       sync.WaitGroup

	mu          sync.Mutex
	running     bool
	runCtx      context.Context
	help        []HelpEntry
	textHandler HandlerFunc
	onJoin      func(ctx context.Context, roomID id.RoomID)
	onInvite    func(ctx context.Context, roomID id.RoomID, inviter id.UserID) bool
	verifying   map[DeviceKey]bool
}

// New creates a bot for an authenticated client. cfg must have been
// post-processed.
func New(client Client, cfg *Config, opts Options) (*Bot, error) {
	if client == nil || cfg == nil {
		return nil, fmt.Errorf("client and config are required")
	}
	b := &Bot{
		cfg:       cfg,
		client:    client,
		store:     opts.Store,
		verifier:  opts.Verifier,
		clock:     opts.Clock,
		outcomes:  make(chan VerificationOutcome, 16),
		verifying: make(map[DeviceKey]bool),
	}
	if b.store == nil {
		b.store = NewMemoryStore()
	}
	if b.clock == nil {
		b.clock = clock.Real()
	}
	if opts.Logger != nil {
		b.log = opts.Logger.With().Str("component", "bot").Logger()
	} else {
		b.log = zerolog.Nop()
	}

	var err error
	if b.allow, err = NewAllowList(cfg.AllowList, client.UserID()); err != nil {
		return nil, err
	}
	if b.allow.Empty() {
		b.log.Warn().Msg("allow_list is empty, all messages and invites will be ignored")
	}
	b.session = NewSession(client.UserID(), client.DeviceID())
	b.tracker = NewTracker(b.session, b.clock.Now)
	b.router = NewRouter(b.log)
	b.governor = NewGovernor(client, GovernorConfig{
		QueueDepth:        cfg.RateLimitQueueDepth,
		DefaultRetryAfter: cfg.RateLimit.DefaultRetryAfter,
		InitialBackoff:    cfg.Sync.InitialBackoff,
		MaxBackoff:        cfg.MaxBackoff,
		Jitter:            cfg.Sync.Jitter,
	}, b.clock, b.log)
	b.loop = NewSyncLoop(client, b.session, b.store, SyncConfig{
		Timeout:        cfg.Sync.Timeout,
		InitialBackoff: cfg.Sync.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		Jitter:         cfg.Sync.Jitter,
	}, b.clock, b.log)
	b.handlers = newRoomQueues(0, b.handleMessage, nil)
	return b, nil
}

func (b *Bot) Session() *Session { return b.session }

func (b *Bot) Tracker() *Tracker { return b.tracker }

// Router exposes the router, mainly to replace its OnError hook.
func (b *Bot) Router() *Router { return b.router }

func (b *Bot) Governor() *Governor { return b.governor }

func (b *Bot) Config() *Config { return b.cfg }

// Register adds a route for pattern. It fails with ErrRouterSealed once Run
// has started.
func (b *Bot) Register(pattern Pattern, h HandlerFunc) error {
	return b.router.Register(pattern, h)
}

// RegisterTextCommand registers prefix+name as an exact trigger and lists it
// in the help output. args and short are only used for help; an empty short
// description hides the command from help.
func (b *Bot) RegisterTextCommand(name, args, short string, h HandlerFunc) error {
	if err := b.router.Register(Exact(b.cfg.CommandPrefix+name), h); err != nil {
		return err
	}
	b.mu.Lock()
	b.help = append(b.help, HelpEntry{Command: name, Args: args, Short: short})
	b.mu.Unlock()
	return nil
}

// RegisterTextHandler sets the handler for text messages that are not
// commands.
func (b *Bot) RegisterTextHandler(h HandlerFunc) error {
	if b.router.Sealed() {
		return ErrRouterSealed
	}
	b.mu.Lock()
	b.textHandler = h
	b.mu.Unlock()
	return nil
}

// OnJoin sets a callback run after the bot joined a room and the room passed
// the size check.
func (b *Bot) OnJoin(f func(ctx context.Context, roomID id.RoomID)) {
	b.mu.Lock()
	b.onJoin = f
	b.mu.Unlock()
}

// OnInvite sets the decision callback for invites when auto_join is off.
// Returning true joins the room.
func (b *Bot) OnInvite(f func(ctx context.Context, roomID id.RoomID, inviter id.UserID) bool) {
	b.mu.Lock()
	b.onInvite = f
	b.mu.Unlock()
}

// Send queues an event for a room.
func (b *Bot) Send(ctx context.Context, roomID id.RoomID, evtType event.Type, content any) (*Pending, error) {
	return b.enqueue(ctx, roomID, Action{Kind: ActionSend, EventType: evtType, Content: content})
}

// Join queues a join of roomID.
func (b *Bot) Join(ctx context.Context, roomID id.RoomID) (*Pending, error) {
	return b.enqueue(ctx, roomID, Action{Kind: ActionJoin})
}

// Leave queues leaving roomID.
func (b *Bot) Leave(ctx context.Context, roomID id.RoomID) (*Pending, error) {
	return b.enqueue(ctx, roomID, Action{Kind: ActionLeave})
}

func (b *Bot) enqueue(ctx context.Context, roomID id.RoomID, action Action) (*Pending, error) {
	if (action.Kind == ActionSend || action.Kind == ActionReaction) && b.tracker.IsEncrypted(roomID) {
		for _, key := range b.tracker.RequestVerification(roomID) {
			b.beginVerification(ctx, key)
		}
		action.WithheldDevices = b.tracker.WithheldDevices(roomID)
	}
	return b.governor.Enqueue(roomID, action)
}

// Run starts the bot and blocks until ctx is cancelled or the sync loop hits
// a fatal error. Routes can no longer be registered once Run has started.
func (b *Bot) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return errors.New("bot is already running")
	}
	b.running = true
	b.mu.Unlock()

	if err := b.RegisterTextCommand("help", "", "Show this message", b.helpHandler); err != nil {
		return fmt.Errorf("failed to register help command: %w", err)
	}
	b.router.Seal()
	b.restore(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	b.governor.Start(runCtx)
	b.handlers.start(runCtx)

	b.bg.Add(1)
	go func() {
		defer b.bg.Done()
		b.watchVerifications(runCtx)
	}()
	b.mu.Lock()
	b.runCtx = runCtx
	b.mu.Unlock()
	for _, dt := range b.tracker.Devices() {
		if dt.State == TrustPending {
			b.beginVerification(runCtx, dt.Key)
		}
	}

	stopAdmin := b.startAdminAPI(runCtx)

	b.log.Info().
		Str("user_id", b.session.UserID.String()).
		Str("device_id", b.session.DeviceID.String()).
		Str("command_prefix", b.cfg.CommandPrefix).
		Bool("auto_join", b.cfg.AutoJoin).
		Msg("Starting bot")
	err := b.loop.Run(runCtx, b.handleEvent)

	cancel()
	stopAdmin()
	b.handlers.close()
	b.governor.Close()
	b.mu.Lock()
	b.runCtx = nil
	b.mu.Unlock()
	b.bg.Wait()
	b.log.Info().Err(err).Msg("Bot stopped")
	return err
}

func (b *Bot) restore(ctx context.Context) {
	cursor, err := b.store.LoadCursor(ctx, b.session.UserID)
	if err != nil {
		b.log.Warn().Err(err).Msg("Failed to load sync cursor, starting from scratch")
	} else if cursor != "" {
		b.session.setCursor(cursor)
	}
	trust, err := b.store.LoadDeviceTrust(ctx)
	if err != nil {
		b.log.Warn().Err(err).Msg("Failed to load device trust records")
		return
	}
	b.tracker.RestoreDevices(trust)
	b.log.Debug().Int("devices", len(trust)).Msg("Restored device trust records")
}

func (b *Bot) handleEvent(ctx context.Context, ev *Event) {
	up := b.tracker.Apply(ev)
	if up.Duplicate || up.Stale {
		b.log.Debug().
			Str("event_id", ev.ID.String()).
			Stringer("kind", ev.Kind).
			Bool("duplicate", up.Duplicate).
			Msg("Dropping already applied event")
		return
	}
	if up.EncryptionEnabled {
		b.log.Info().Str("room_id", ev.RoomID.String()).Msg("Room is encrypted")
	}
	for _, key := range up.Observed {
		b.persistDevice(ctx, key)
	}
	for _, key := range up.VerificationRequested {
		b.beginVerification(ctx, key)
	}
	for _, key := range up.VerificationCancelled {
		b.log.Info().Stringer("device", key).Msg("Verification cancelled by remote device")
		b.persistDevice(ctx, key)
	}
	if up.Transition != nil {
		b.handleTransition(ctx, up.Transition)
	}
	if ev.Kind == KindMessage {
		b.dispatchMessage(ev)
	}
}

func (b *Bot) handleTransition(ctx context.Context, tr *RoomTransition) {
	log := b.log.With().
		Str("room_id", tr.RoomID.String()).
		Str("from", string(tr.From)).
		Str("to", string(tr.To)).
		Logger()
	log.Debug().Msg("Room membership changed")

	switch tr.To {
	case MembershipInvited:
		if !b.allow.Allowed(tr.Sender) {
			log.Info().Str("inviter", tr.Sender.String()).Msg("Ignoring invite from sender outside the allow list")
			return
		}
		join := b.cfg.AutoJoin
		b.mu.Lock()
		onInvite := b.onInvite
		b.mu.Unlock()
		if !join && onInvite != nil {
			join = onInvite(ctx, tr.RoomID, tr.Sender)
		}
		if !join {
			log.Info().Str("inviter", tr.Sender.String()).Msg("Invite left pending")
			return
		}
		b.bg.Add(1)
		go func() {
			defer b.bg.Done()
			b.autoJoin(ctx, tr.RoomID)
		}()
	case MembershipLeft:
		log.Info().Msg("Left room")
	}
}

// autoJoin joins a room, retrying with a doubling delay because servers can
// deliver an invite before the invited user is able to join.
func (b *Bot) autoJoin(ctx context.Context, roomID id.RoomID) {
	log := b.log.With().Str("room_id", roomID.String()).Logger()
	delay := autoJoinFirstDelay
	for {
		p, err := b.Join(ctx, roomID)
		if err == nil {
			_, err = p.Wait(ctx)
		}
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		if delay > autoJoinMaxDelay {
			log.Error().Err(err).Msg("Giving up joining room")
			return
		}
		log.Warn().Err(err).Dur("retry_in", delay).Msg("Failed to join room, retrying")
		select {
		case <-b.clock.After(delay):
		case <-ctx.Done():
			return
		}
		delay *= 2
	}

	if limit := b.cfg.RoomSizeLimit; limit > 0 {
		members, err := b.client.JoinedMemberCount(ctx, roomID)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to count room members")
		} else if members > limit {
			log.Warn().Int("members", members).Int("limit", limit).Msg("Room has too many members, leaving")
			if p, err := b.Leave(ctx, roomID); err != nil {
				log.Error().Err(err).Msg("Failed to queue leave")
			} else if _, err = p.Wait(ctx); err != nil {
				log.Error().Err(err).Msg("Failed to leave room")
			}
			return
		}
	}

	log.Info().Msg("Joined room")
	b.mu.Lock()
	onJoin := b.onJoin
	b.mu.Unlock()
	if onJoin != nil {
		onJoin(ctx, roomID)
	}
}
