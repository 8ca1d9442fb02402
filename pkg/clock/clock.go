// Copyright 2024-2026 Aiku AI

// Package clock abstracts the time operations the sync loop and the rate
// governor suspend on, so tests can drive backoff and cool-down periods
// without sleeping.
package clock

import "time"

// Clock is the subset of the time package used by headjack. Production code
// uses Real; tests use Fake.
type Clock interface {
	Now() time.Time
	// After returns a channel that receives once d has elapsed. If d <= 0
	// the channel is ready immediately.
	After(d time.Duration) <-chan time.Time
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
