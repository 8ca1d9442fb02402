// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package mdfmt converts between the markdown bot code writes and the HTML
// Matrix messages carry.
package mdfmt

import (
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
)

// Render converts markdown to message content with a plain-text body and,
// when the markdown contains formatting, an HTML formatted body. Raw HTML in
// the input is escaped.
func Render(md string, msgType event.MessageType) *event.MessageEventContent {
	content := format.RenderMarkdown(md, true, false)
	if msgType != "" {
		content.MsgType = msgType
	}
	return &content
}

// ToMarkdown returns the message as markdown. Plain messages are returned
// unchanged; HTML formatted bodies are converted and lose their reply
// fallback.
func ToMarkdown(content *event.MessageEventContent) string {
	if content == nil {
		return ""
	}
	if content.Format != event.FormatHTML || content.FormattedBody == "" {
		return content.Body
	}
	return format.HTMLToMarkdown(event.TrimReplyFallbackHTML(content.FormattedBody))
}
