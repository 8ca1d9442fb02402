// Copyright 2024-2026 Aiku AI

package headjack

import (
	"context"
	"strings"
)

// HelpEntry documents one text command.
type HelpEntry struct {
	Command string
	Args    string
	Short   string
}

// renderHelp formats the help listing as markdown. Entries without a short
// description are hidden.
func renderHelp(prefix string, entries []HelpEntry) string {
	var sb strings.Builder
	sb.WriteString("`" + prefix + "help`\n\nAvailable commands:")
	for _, h := range entries {
		if h.Short == "" {
			continue
		}
		sb.WriteString("\n\n`" + prefix + h.Command)
		if h.Args != "" {
			sb.WriteString(" " + h.Args)
		}
		sb.WriteString("` - " + h.Short)
	}
	return sb.String()
}

func (b *Bot) helpHandler(ctx context.Context, hc *Context) error {
	b.mu.Lock()
	entries := append([]HelpEntry(nil), b.help...)
	b.mu.Unlock()
	_, err := hc.ReplyMarkdown(ctx, renderHelp(b.cfg.CommandPrefix, entries))
	return err
}
