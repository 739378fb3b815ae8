// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package devicekeys caches the verified device keys of tracked users
// and the set of users whose cached keys are known to be stale.
//
// A user is tracked once anything asks for their keys (room membership,
// an explicit Track). Tracked users enter the outdated set when the
// homeserver reports a device-list change, and leave it when SetDevices
// stores a fresh, verified device list. Waiters in WaitFresh suspend on
// a broadcast channel that is closed and replaced on every change to
// the outdated set, so they never poll.
package devicekeys

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/e2ee/lib/clock"
	"github.com/bureau-foundation/e2ee/lib/ref"
)

// ErrWaitTimeout is returned by WaitFresh when the timeout expires
// before every watched user's keys are fresh.
var ErrWaitTimeout = errors.New("devicekeys: timed out waiting for device keys")

// TrustLevel is the local decision about a device.
type TrustLevel int

const (
	// TrustUnverified devices passed the self-signature check but have
	// not been verified out of band. They may receive keys.
	TrustUnverified TrustLevel = iota
	// TrustValid devices were verified out of band.
	TrustValid
	// TrustBlocked devices were blocked locally and never receive keys.
	TrustBlocked
	// TrustInvalid devices failed a signature check.
	TrustInvalid
)

func (l TrustLevel) String() string {
	switch l {
	case TrustUnverified:
		return "unverified"
	case TrustValid:
		return "valid"
	case TrustBlocked:
		return "blocked"
	case TrustInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("TrustLevel(%d)", int(l))
	}
}

// Device is one verified device of a tracked user.
type Device struct {
	UserID     ref.UserID
	DeviceID   ref.DeviceID
	Algorithms []string
	Curve25519 ref.Curve25519Key
	Ed25519    ref.Ed25519Key
	Trust      TrustLevel
}

// Usable reports whether keys may be shared with the device.
func (d Device) Usable() bool {
	return d.Trust == TrustUnverified || d.Trust == TrustValid
}

// Store is an in-memory device key cache. Safe for concurrent use.
type Store struct {
	clock clock.Clock

	mu sync.Mutex
	// devices holds every tracked user; a tracked user with no known
	// devices maps to an empty map.
	devices map[ref.UserID]map[ref.DeviceID]Device
	// outdated maps each stale user to the mark of the latest change
	// reported for them. A refresh only clears the entry when it was
	// started after that change.
	outdated map[ref.UserID]uint64
	marks    uint64
	// changed is closed and replaced whenever outdated changes.
	changed chan struct{}
}

// New creates an empty Store. A nil clock means clock.Real().
func New(c clock.Clock) *Store {
	if c == nil {
		c = clock.Real()
	}
	return &Store{
		clock:    c,
		devices:  make(map[ref.UserID]map[ref.DeviceID]Device),
		outdated: make(map[ref.UserID]uint64),
		changed:  make(chan struct{}),
	}
}

// broadcastLocked wakes every waiter. Callers hold s.mu.
func (s *Store) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Track starts tracking users that are not tracked yet and marks them
// outdated so their keys get fetched. Returns the users that were
// newly tracked.
func (s *Store) Track(users ...ref.UserID) []ref.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var added []ref.UserID
	for _, user := range users {
		if _, ok := s.devices[user]; ok {
			continue
		}
		s.devices[user] = make(map[ref.DeviceID]Device)
		s.marks++
		s.outdated[user] = s.marks
		added = append(added, user)
	}
	if len(added) > 0 {
		s.broadcastLocked()
	}
	return added
}

// IsTracked reports whether the store tracks user.
func (s *Store) IsTracked(user ref.UserID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.devices[user]
	return ok
}

// HasDevices reports whether at least one device of user is cached.
func (s *Store) HasDevices(user ref.UserID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.devices[user]) > 0
}

// Tracked returns every tracked user, sorted.
func (s *Store) Tracked() []ref.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedUsers(maps.Keys(s.devices))
}

// Get returns a copy of user's cached devices. The boolean is false
// when the user is not tracked.
func (s *Store) Get(user ref.UserID) (map[ref.DeviceID]Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	devices, ok := s.devices[user]
	if !ok {
		return nil, false
	}
	return maps.Clone(devices), true
}

// Device returns one cached device.
func (s *Store) Device(user ref.UserID, device ref.DeviceID) (Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[user][device]
	return d, ok
}

// FindByCurve25519 returns the cached device of user whose identity
// key is key.
func (s *Store) FindByCurve25519(user ref.UserID, key ref.Curve25519Key) (Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, device := range s.devices[user] {
		if device.Curve25519 == key {
			return device, true
		}
	}
	return Device{}, false
}

// MarkOutdated adds tracked users to the outdated set. Untracked users
// are ignored. A user already outdated gets a new mark, so a refresh
// that was in flight when the change arrived does not clear it.
// Returns the users that were added.
func (s *Store) MarkOutdated(users ...ref.UserID) []ref.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var added []ref.UserID
	for _, user := range users {
		if _, tracked := s.devices[user]; !tracked {
			continue
		}
		_, already := s.outdated[user]
		s.marks++
		s.outdated[user] = s.marks
		if !already {
			added = append(added, user)
		}
	}
	if len(added) > 0 {
		s.broadcastLocked()
	}
	return added
}

// IsOutdated reports whether user's cached keys are stale.
func (s *Store) IsOutdated(user ref.UserID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.outdated[user]
	return ok
}

// Outdated returns a sorted snapshot of the outdated set.
func (s *Store) Outdated() []ref.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedUsers(maps.Keys(s.outdated))
}

// OutdatedMarks returns a snapshot of the outdated set with each
// user's current mark, for use with SetQueriedDevices.
func (s *Store) OutdatedMarks() map[ref.UserID]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.outdated)
}

// Changed returns a channel closed at the next change to the outdated
// set. Take a snapshot with Outdated after receiving from it.
func (s *Store) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// DeviceChange describes how SetDevices altered a user's device list.
type DeviceChange struct {
	// Added lists devices that were not cached before.
	Added []ref.DeviceID
	// Rotated lists devices whose identity key changed.
	Rotated []ref.DeviceID
	// Removed lists cached devices absent from the new list.
	Removed []ref.DeviceID
}

// Empty reports whether nothing changed.
func (c DeviceChange) Empty() bool {
	return len(c.Added) == 0 && len(c.Rotated) == 0 && len(c.Removed) == 0
}

// SetDevices replaces user's cached devices with a freshly verified
// list and removes user from the outdated set. Local trust decisions
// (valid, blocked) survive for devices whose identity keys did not
// change. A blocked device stays blocked when its keys change, and a
// known device whose Ed25519 key changed becomes invalid. Setting devices of an untracked user starts tracking it.
func (s *Store) SetDevices(user ref.UserID, devices map[ref.DeviceID]Device) DeviceChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	change := s.replaceLocked(user, devices)
	if _, ok := s.outdated[user]; ok {
		delete(s.outdated, user)
		s.broadcastLocked()
	}
	return change
}

// SetQueriedDevices is SetDevices for the result of a key query that
// started when user's mark was mark. If user was marked again since,
// the devices are stored but user stays outdated.
func (s *Store) SetQueriedDevices(user ref.UserID, devices map[ref.DeviceID]Device, mark uint64) DeviceChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	change := s.replaceLocked(user, devices)
	if current, ok := s.outdated[user]; ok && current == mark {
		delete(s.outdated, user)
		s.broadcastLocked()
	}
	return change
}

func (s *Store) replaceLocked(user ref.UserID, devices map[ref.DeviceID]Device) DeviceChange {
	previous := s.devices[user]
	next := make(map[ref.DeviceID]Device, len(devices))
	var change DeviceChange
	for id, device := range devices {
		old, known := previous[id]
		switch {
		case !known:
			change.Added = append(change.Added, id)
		case old.Curve25519 != device.Curve25519 || old.Ed25519 != device.Ed25519:
			change.Rotated = append(change.Rotated, id)
			switch {
			case old.Trust == TrustBlocked || old.Trust == TrustInvalid:
				device.Trust = old.Trust
			case old.Ed25519 != device.Ed25519:
				// A device ID keeps its signing key for life.
				device.Trust = TrustInvalid
			default:
				device.Trust = TrustUnverified
			}
		case device.Trust == TrustUnverified:
			device.Trust = old.Trust
		}
		next[id] = device
	}
	for id := range previous {
		if _, ok := devices[id]; !ok {
			change.Removed = append(change.Removed, id)
		}
	}
	slices.SortFunc(change.Added, compareDevices)
	slices.SortFunc(change.Rotated, compareDevices)
	slices.SortFunc(change.Removed, compareDevices)

	s.devices[user] = next
	return change
}

// SetTrust records a local trust decision for a cached device.
func (s *Store) SetTrust(user ref.UserID, device ref.DeviceID, level TrustLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[user][device]
	if !ok {
		return fmt.Errorf("devicekeys: device %s of %s is not cached", device, user)
	}
	d.Trust = level
	s.devices[user][device] = d
	return nil
}

// Forget drops everything known about user: cached devices, tracking,
// and outdated membership.
func (s *Store) Forget(user ref.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, user)
	if _, ok := s.outdated[user]; ok {
		delete(s.outdated, user)
		s.broadcastLocked()
	}
}

// WaitFresh blocks until none of users is in the outdated set, ctx is
// done, or timeout elapses (ErrWaitTimeout). A non-positive timeout
// waits only on ctx.
func (s *Store) WaitFresh(ctx context.Context, users []ref.UserID, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		expired = s.clock.After(timeout)
	}
	for {
		s.mu.Lock()
		pending := false
		for _, user := range users {
			if _, ok := s.outdated[user]; ok {
				pending = true
				break
			}
		}
		changed := s.changed
		s.mu.Unlock()

		if !pending {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		case <-expired:
			return ErrWaitTimeout
		}
	}
}

func compareDevices(a, b ref.DeviceID) int {
	return strings.Compare(a.String(), b.String())
}

func sortedUsers(keys iter.Seq[ref.UserID]) []ref.UserID {
	return slices.SortedFunc(keys, func(a, b ref.UserID) int {
		return strings.Compare(a.String(), b.String())
	})
}
