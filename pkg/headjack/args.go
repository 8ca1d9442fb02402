// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package headjack

import (
	"fmt"
	"strings"
	"unicode"
)

// ArgError reports malformed command arguments. The handler still runs and
// receives whatever arguments could be parsed.
type ArgError struct {
	Pos    int
	Reason string
}

func (e *ArgError) Error() string {
	return fmt.Sprintf("invalid arguments at offset %d: %s", e.Pos, e.Reason)
}

// SplitArgs splits s into arguments the way a POSIX shell would for plain
// words: whitespace separates, single quotes are literal, double quotes allow
// backslash escapes, and a backslash outside quotes escapes the next rune.
func SplitArgs(s string) ([]string, error) {
	var (
		args     []string
		cur      strings.Builder
		inArg    bool
		quote    rune
		quotePos int
		escaped  bool
	)
	for i, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case quote == '\'':
			if r == '\'' {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case quote == '"':
			switch r {
			case '"':
				quote = 0
			case '\\':
				escaped = true
			default:
				cur.WriteRune(r)
			}
		case r == '\\':
			escaped = true
			inArg = true
		case r == '\'' || r == '"':
			quote = r
			quotePos = i
			inArg = true
		case unicode.IsSpace(r):
			if inArg {
				args = append(args, cur.String())
				cur.Reset()
				inArg = false
			}
		default:
			cur.WriteRune(r)
			inArg = true
		}
	}
	if inArg {
		args = append(args, cur.String())
	}
	switch {
	case quote != 0:
		return args, &ArgError{Pos: quotePos, Reason: fmt.Sprintf("unterminated %c quote", quote)}
	case escaped:
		return args, &ArgError{Pos: len(s) - 1, Reason: "trailing backslash"}
	}
	return args, nil
}
