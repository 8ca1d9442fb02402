// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package headjack

import (
	"context"
	"fmt"
	"regexp"
	"runtime/debug"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// HandlerFunc handles one matched command.
type HandlerFunc func(ctx context.Context, hc *Context) error

// Command is what a pattern extracted from a message.
type Command struct {
	Name string
	Args []string
	// ArgErr is set when the arguments could not be fully parsed.
	ArgErr error
	Raw    string
}

// HandlerResult describes one dispatch.
type HandlerResult struct {
	Pattern string
	Command Command
	Err     error
}

// Pattern is a command trigger. The set of patterns is closed: use Exact,
// Prefix or Regex.
type Pattern interface {
	fmt.Stringer
	match(body string) (Command, bool)
}

type exactPattern struct{ trigger string }

// Exact matches messages whose first word is trigger. "!ping" matches
// "!ping" and "!ping a b" but not "!pingpong".
func Exact(trigger string) Pattern { return exactPattern{trigger: trigger} }

func (p exactPattern) String() string { return "exact:" + p.trigger }

func (p exactPattern) match(body string) (Command, bool) {
	if !strings.HasPrefix(body, p.trigger) {
		return Command{}, false
	}
	rest := body[len(p.trigger):]
	if rest != "" && !startsWithSpace(rest) {
		return Command{}, false
	}
	cmd := Command{Name: p.trigger, Raw: body}
	cmd.Args, cmd.ArgErr = SplitArgs(rest)
	return cmd, true
}

type prefixPattern struct{ prefix string }

// Prefix matches every message starting with prefix. The first word after
// the prefix becomes the command name.
func Prefix(prefix string) Pattern { return prefixPattern{prefix: prefix} }

func (p prefixPattern) String() string { return "prefix:" + p.prefix }

func (p prefixPattern) match(body string) (Command, bool) {
	if !strings.HasPrefix(body, p.prefix) {
		return Command{}, false
	}
	rest := strings.TrimLeftFunc(body[len(p.prefix):], unicode.IsSpace)
	name := rest
	if i := strings.IndexFunc(rest, unicode.IsSpace); i >= 0 {
		_, size := utf8.DecodeRuneInString(rest[i:])
		name, rest = rest[:i], rest[i+size:]
	} else {
		rest = ""
	}
	cmd := Command{Name: name, Raw: body}
	cmd.Args, cmd.ArgErr = SplitArgs(rest)
	return cmd, true
}

type regexPattern struct {
	name string
	re   *regexp.Regexp
}

// Regex matches messages against expr. Capture groups become the arguments;
// without groups, the text after the match is split into arguments.
func Regex(name, expr string) (Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to compile pattern %q: %w", name, err)
	}
	return regexPattern{name: name, re: re}, nil
}

// MustRegex is like Regex but panics on an invalid expression.
func MustRegex(name, expr string) Pattern {
	p, err := Regex(name, expr)
	if err != nil {
		panic(err)
	}
	return p
}

func (p regexPattern) String() string { return "regex:" + p.name }

func (p regexPattern) match(body string) (Command, bool) {
	loc := p.re.FindStringSubmatchIndex(body)
	if loc == nil {
		return Command{}, false
	}
	cmd := Command{Name: p.name, Raw: body}
	if p.re.NumSubexp() > 0 {
		for i := 1; i <= p.re.NumSubexp(); i++ {
			if start := loc[2*i]; start >= 0 {
				cmd.Args = append(cmd.Args, body[start:loc[2*i+1]])
			}
		}
		return cmd, true
	}
	cmd.Args, cmd.ArgErr = SplitArgs(body[loc[1]:])
	return cmd, true
}

func startsWithSpace(s string) bool {
	for _, r := range s {
		return unicode.IsSpace(r)
	}
	return false
}

type route struct {
	pattern Pattern
	handler HandlerFunc
}

// Router maps patterns to handlers. Routes are registered before the bot
// starts; once sealed the route table is read-only and Dispatch takes no lock.
type Router struct {
	log zerolog.Logger

	mu     sync.Mutex
	routes []route
	sealed bool

	// OnError is called when a handler returns an error or panics. The
	// default replies with a notice in the room.
	OnError func(ctx context.Context, hc *Context, err error)
}

// NewRouter returns an empty, unsealed router.
func NewRouter(log zerolog.Logger) *Router {
	return &Router{
		log:     log.With().Str("component", "router").Logger(),
		OnError: defaultOnError,
	}
}

// Register adds a route. Routes are tried in registration order.
func (r *Router) Register(p Pattern, h HandlerFunc) error {
	if p == nil || h == nil {
		return fmt.Errorf("pattern and handler must not be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrRouterSealed
	}
	r.routes = append(r.routes, route{pattern: p, handler: h})
	return nil
}

// Seal freezes the route table.
func (r *Router) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether the route table is frozen.
func (r *Router) Sealed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sealed
}

// Match returns the pattern of the first route matching body.
func (r *Router) Match(body string) (Pattern, Command, bool) {
	rt, cmd, ok := r.match(body)
	return rt.pattern, cmd, ok
}

func (r *Router) match(body string) (route, Command, bool) {
	for _, rt := range r.table() {
		if cmd, ok := rt.pattern.match(body); ok {
			return rt, cmd, true
		}
	}
	return route{}, Command{}, false
}

func (r *Router) table() []route {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.routes
}

// Dispatch runs the first handler whose pattern matches the message in hc.
// It returns false when nothing matched. Handler errors and panics are
// logged and reported through OnError; they never reach the caller.
func (r *Router) Dispatch(ctx context.Context, hc *Context) (HandlerResult, bool) {
	if hc == nil || hc.Event == nil || hc.Event.Kind != KindMessage {
		return HandlerResult{}, false
	}
	body := strings.TrimLeftFunc(hc.Event.Body, unicode.IsSpace)
	rt, cmd, ok := r.match(body)
	if !ok {
		return HandlerResult{}, false
	}
	hc.Command = cmd
	res := HandlerResult{Pattern: rt.pattern.String(), Command: cmd}

	log := r.log.With().
		Str("pattern", res.Pattern).
		Str("command", cmd.Name).
		Str("room_id", hc.Event.RoomID.String()).
		Str("event_id", hc.Event.ID.String()).
		Logger()
	if cmd.ArgErr != nil {
		log.Debug().Err(cmd.ArgErr).Msg("Command arguments could not be fully parsed")
	}

	ctx = log.WithContext(ctx)
	res.Err = r.invoke(ctx, hc, rt.handler)
	if res.Err != nil {
		log.Warn().Err(res.Err).Msg("Command handler failed")
		if r.OnError != nil {
			r.OnError(ctx, hc, res.Err)
		}
	}
	return res, true
}

func (r *Router) invoke(ctx context.Context, hc *Context, h HandlerFunc) (err error) {
	defer func() {
		if p := recover(); p != nil {
			zerolog.Ctx(ctx).Error().
				Str("panic", fmt.Sprint(p)).
				Str("stack", string(debug.Stack())).
				Msg("Command handler panicked")
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return h(ctx, hc)
}

func defaultOnError(ctx context.Context, hc *Context, err error) {
	if _, sendErr := hc.ReplyNotice(ctx, fmt.Sprintf("Command failed: %v", err)); sendErr != nil {
		zerolog.Ctx(ctx).Warn().Err(sendErr).Msg("Failed to send command error reply")
	}
}
