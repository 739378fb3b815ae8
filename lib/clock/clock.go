// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// The session managers read the time to stamp and rotate sessions and
// to window new-session rate limits; the device key store and key
// querier wait on it for fresh keys and retries. Production code
// passes Real(); tests pass Fake() and cross rotation periods or
// retry intervals with Advance:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	manager := NewManager(Config{Clock: c})
//	c.Advance(7 * 24 * time.Hour)
//
// A goroutine blocked in After registers a pending wait. WaitForTimers
// blocks until the expected number of waits is registered, removing
// the race between registration and Advance.
package clock

import "time"

// Clock is the time source of the encryption engine.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d
	// has elapsed. If d <= 0 the channel is ready immediately.
	After(d time.Duration) <-chan time.Time
}
