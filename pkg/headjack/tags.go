// Copyright 2024-2026 Aiku AI

package headjack

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"maunium.net/go/mautrix/id"
)

// Tags is the bot's view of its own room tags under one namespace, of the
// form "tld.domain". A tag "foo" is stored on the server as
// "tld.domain.foo". Tags can be plain words or "key=value" pairs.
//
// Changes are local until Sync or Close.
type Tags struct {
	client    TagClient
	roomID    id.RoomID
	namespace string
	tags      []string
	dirty     bool
}

// LoadTags fetches the namespaced tags of a room.
func LoadTags(ctx context.Context, client TagClient, roomID id.RoomID, namespace string) (*Tags, error) {
	t := &Tags{client: client, roomID: roomID, namespace: namespace}
	existing, err := t.fetch(ctx)
	if err != nil {
		return nil, err
	}
	t.tags = existing
	return t, nil
}

func (t *Tags) fetch(ctx context.Context) ([]string, error) {
	all, err := t.client.RoomTags(ctx, t.roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to get tags of %s: %w", t.roomID, err)
	}
	var out []string
	for _, tag := range all {
		if t.namespace == "" {
			out = append(out, tag)
		} else if rest, ok := strings.CutPrefix(tag, t.namespace+"."); ok {
			out = append(out, rest)
		}
	}
	return out, nil
}

func (t *Tags) qualify(tag string) string {
	if t.namespace == "" {
		return tag
	}
	return t.namespace + "." + tag
}

// Namespace returns the namespace the tags live under.
func (t *Tags) Namespace() string { return t.namespace }

// Tags returns the current tags without the namespace.
func (t *Tags) Tags() []string { return slices.Clone(t.tags) }

// Dirty reports whether there are unsynced changes.
func (t *Tags) Dirty() bool { return t.dirty }

// Add adds a plain tag.
func (t *Tags) Add(tag string) {
	if slices.Contains(t.tags, tag) {
		return
	}
	t.tags = append(t.tags, tag)
	t.dirty = true
}

// Remove removes a plain tag. Removing a missing tag does nothing.
func (t *Tags) Remove(tag string) {
	before := len(t.tags)
	t.tags = slices.DeleteFunc(t.tags, func(s string) bool { return s == tag })
	t.dirty = t.dirty || len(t.tags) != before
}

// Value returns the value of a key=value tag.
func (t *Tags) Value(key string) (string, bool) {
	for _, tag := range t.tags {
		if k, v, ok := strings.Cut(tag, "="); ok && k == key {
			return v, true
		}
	}
	return "", false
}

// SetValue replaces any existing value of key.
func (t *Tags) SetValue(key, value string) {
	t.RemoveValue(key)
	t.tags = append(t.tags, key+"="+value)
	t.dirty = true
}

// RemoveValue removes a key=value tag.
func (t *Tags) RemoveValue(key string) {
	before := len(t.tags)
	t.tags = slices.DeleteFunc(t.tags, func(s string) bool { return strings.HasPrefix(s, key+"=") })
	t.dirty = t.dirty || len(t.tags) != before
}

// Values returns every key=value tag as a map.
func (t *Tags) Values() map[string]string {
	kvs := make(map[string]string)
	for _, tag := range t.tags {
		if k, v, ok := strings.Cut(tag, "="); ok {
			kvs[k] = v
		}
	}
	return kvs
}

// Sync makes the server's tags in the namespace equal to the local ones.
func (t *Tags) Sync(ctx context.Context) error {
	existing, err := t.fetch(ctx)
	if err != nil {
		return err
	}
	for _, tag := range t.tags {
		if slices.Contains(existing, tag) {
			continue
		}
		if err = t.client.AddRoomTag(ctx, t.roomID, t.qualify(tag)); err != nil {
			return fmt.Errorf("failed to add tag %q: %w", tag, err)
		}
	}
	for _, tag := range existing {
		if slices.Contains(t.tags, tag) {
			continue
		}
		if err = t.client.RemoveRoomTag(ctx, t.roomID, t.qualify(tag)); err != nil {
			return fmt.Errorf("failed to remove tag %q: %w", tag, err)
		}
	}
	t.dirty = false
	return nil
}

// Close syncs the tags if they changed.
func (t *Tags) Close(ctx context.Context) error {
	if !t.dirty {
		return nil
	}
	return t.Sync(ctx)
}
