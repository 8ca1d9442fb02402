// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package headjack

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"maunium.net/go/mautrix"
)

var (
	// ErrQueueFull is returned by Governor.Enqueue when the room's queue
	// already holds rate_limit_queue_depth actions.
	ErrQueueFull = errors.New("outbound queue is full")
	// ErrRouterSealed is returned when a route is registered after Run.
	ErrRouterSealed = errors.New("router is sealed")
	// ErrActionCancelled resolves a Pending that was cancelled before dispatch.
	ErrActionCancelled = errors.New("action cancelled before dispatch")
	// ErrGovernorClosed resolves actions that were still queued at shutdown.
	ErrGovernorClosed = errors.New("governor closed")
	// ErrUnknownDevice is returned for trust operations on an unobserved device.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrInvalidTransition is returned when a trust change is not allowed
	// from the device's current state.
	ErrInvalidTransition = errors.New("invalid trust transition")
	// ErrDeviceNotVerified is wrapped by clients that refuse an encrypted
	// send because some recipients are not verified.
	ErrDeviceNotVerified = errors.New("device not verified")
)

// ErrorClass is the coarse category the sync loop and the governor use to
// decide between retrying, pausing, and giving up.
type ErrorClass int

const (
	// ClassTransient covers network errors, timeouts and 5xx responses.
	ClassTransient ErrorClass = iota
	// ClassRateLimited is a server-side throttle with an optional retry-after.
	ClassRateLimited
	// ClassRejected is a permanent refusal of one request.
	ClassRejected
	// ClassFatal means the session itself is unusable.
	ClassFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRateLimited:
		return "rate_limited"
	case ClassRejected:
		return "rejected"
	case ClassFatal:
		return "fatal"
	default:
		return fmt.Sprintf("ErrorClass(%d)", int(c))
	}
}

// RateLimitedError is returned by a Client when the server throttled a request.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// RejectedError is a permanent failure of a single request.
type RejectedError struct {
	Reason string
	Err    error
}

func (e *RejectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rejected: %s: %v", e.Reason, e.Err)
	}
	return "rejected: " + e.Reason
}

func (e *RejectedError) Unwrap() error { return e.Err }

// FatalError terminates the sync loop. LastCursor is the last cursor that was
// fully applied and persisted; the owning process decides whether to log in
// again or exit.
type FatalError struct {
	Op         string
	LastCursor string
	Err        error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal error during %s (last cursor %q): %v", e.Op, e.LastCursor, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Classify maps an error returned by a Client to an ErrorClass. It understands
// the package's own typed errors, mautrix HTTP errors and network errors.
// Anything unrecognized is treated as transient.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassTransient
	}

	var fatal *FatalError
	if errors.As(err, &fatal) {
		return ClassFatal
	}
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return ClassRateLimited
	}
	var rej *RejectedError
	if errors.As(err, &rej) {
		return ClassRejected
	}

	switch {
	case errors.Is(err, mautrix.MLimitExceeded):
		return ClassRateLimited
	case errors.Is(err, mautrix.MUnknownToken),
		errors.Is(err, mautrix.MMissingToken),
		errors.Is(err, mautrix.MUserDeactivated):
		return ClassFatal
	}

	if status := httpStatus(err); status != 0 {
		switch {
		case status == http.StatusTooManyRequests:
			return ClassRateLimited
		case status == http.StatusUnauthorized:
			return ClassFatal
		case status >= 500, status == http.StatusRequestTimeout:
			return ClassTransient
		case status >= 400:
			return ClassRejected
		}
	}

	// Network errors, timeouts and anything unrecognized.
	return ClassTransient
}

// RetryAfter extracts the server-provided cool-down from a rate-limit error.
// It returns false when the server did not specify one.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter, true
	}
	var extra map[string]any
	var respErr mautrix.RespError
	var respErrPtr *mautrix.RespError
	switch {
	case errors.As(err, &respErr):
		extra = respErr.ExtraData
	case errors.As(err, &respErrPtr) && respErrPtr != nil:
		extra = respErrPtr.ExtraData
	}
	if ms, ok := extra["retry_after_ms"].(float64); ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond, true
	}
	return 0, false
}

func httpStatus(err error) int {
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) && httpErr.Response != nil {
		return httpErr.Response.StatusCode
	}
	var httpErrPtr *mautrix.HTTPError
	if errors.As(err, &httpErrPtr) && httpErrPtr.Response != nil {
		return httpErrPtr.Response.StatusCode
	}
	return 0
}
