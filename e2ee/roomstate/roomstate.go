// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package roomstate tracks, for the rooms the local account is in,
// each member's membership and the room's encryption settings.
//
// The tracker is fed from m.room.member and m.room.encryption state
// events and answers the two questions key distribution asks: which
// users must receive a room's session key, and which encrypted rooms a
// user still shares with the local account.
package roomstate

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/e2ee/lib/ref"
)

// Membership is a room member's state.
type Membership string

const (
	MembershipJoin   Membership = "join"
	MembershipInvite Membership = "invite"
	MembershipLeave  Membership = "leave"
	MembershipBan    Membership = "ban"
	MembershipKnock  Membership = "knock"
)

// Present reports whether a member in this state receives room keys:
// joined and invited members do.
func (m Membership) Present() bool {
	return m == MembershipJoin || m == MembershipInvite
}

// EncryptionSettings is the content of a room's m.room.encryption
// state event.
type EncryptionSettings struct {
	Algorithm string `json:"algorithm"`
	// RotationPeriodMs is the maximum age of an outbound session in
	// milliseconds. Zero means the engine default.
	RotationPeriodMs int64 `json:"rotation_period_ms,omitempty"`
	// RotationPeriodMsgs is the maximum number of messages encrypted
	// with one outbound session. Zero means the engine default.
	RotationPeriodMsgs int `json:"rotation_period_msgs,omitempty"`
}

// RotationPeriod returns RotationPeriodMs as a duration.
func (s EncryptionSettings) RotationPeriod() time.Duration {
	return time.Duration(s.RotationPeriodMs) * time.Millisecond
}

type room struct {
	members    map[ref.UserID]Membership
	encryption *EncryptionSettings
}

// Tracker holds membership and encryption state per room. Safe for
// concurrent use.
type Tracker struct {
	mu    sync.RWMutex
	rooms map[ref.RoomID]*room
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{rooms: make(map[ref.RoomID]*room)}
}

func (t *Tracker) roomLocked(roomID ref.RoomID) *room {
	r, ok := t.rooms[roomID]
	if !ok {
		r = &room{members: make(map[ref.UserID]Membership)}
		t.rooms[roomID] = r
	}
	return r
}

// SetMembership records user's membership in roomID and returns the
// previous membership (empty if unknown).
func (t *Tracker) SetMembership(roomID ref.RoomID, user ref.UserID, membership Membership) Membership {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.roomLocked(roomID)
	previous := r.members[user]
	if membership.Present() {
		r.members[user] = membership
	} else {
		delete(r.members, user)
	}
	return previous
}

// Membership returns user's membership in roomID, or "" if unknown.
func (t *Tracker) Membership(roomID ref.RoomID, user ref.UserID) Membership {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if r, ok := t.rooms[roomID]; ok {
		return r.members[user]
	}
	return ""
}

// Members returns the joined and invited members of roomID, sorted.
func (t *Tracker) Members(roomID ref.RoomID) []ref.UserID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.rooms[roomID]
	if !ok {
		return nil
	}
	members := make([]ref.UserID, 0, len(r.members))
	for user := range r.members {
		members = append(members, user)
	}
	slices.SortFunc(members, compareUsers)
	return members
}

// SetEncryption records roomID's encryption settings. Encryption
// cannot be turned off once enabled: an empty algorithm is ignored.
// Returns true when the room was not encrypted before.
func (t *Tracker) SetEncryption(roomID ref.RoomID, settings EncryptionSettings) bool {
	if settings.Algorithm == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.roomLocked(roomID)
	enabled := r.encryption == nil
	r.encryption = &settings
	return enabled
}

// Encryption returns roomID's encryption settings.
func (t *Tracker) Encryption(roomID ref.RoomID) (EncryptionSettings, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.rooms[roomID]
	if !ok || r.encryption == nil {
		return EncryptionSettings{}, false
	}
	return *r.encryption, true
}

// IsEncrypted reports whether roomID has encryption enabled.
func (t *Tracker) IsEncrypted(roomID ref.RoomID) bool {
	_, ok := t.Encryption(roomID)
	return ok
}

// EncryptedRoomsOf returns the encrypted rooms where user is joined or
// invited, sorted.
func (t *Tracker) EncryptedRoomsOf(user ref.UserID) []ref.RoomID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var rooms []ref.RoomID
	for roomID, r := range t.rooms {
		if r.encryption == nil {
			continue
		}
		if _, ok := r.members[user]; ok {
			rooms = append(rooms, roomID)
		}
	}
	slices.SortFunc(rooms, func(a, b ref.RoomID) int {
		return strings.Compare(a.String(), b.String())
	})
	return rooms
}

// SharedEncryptedRooms returns the encrypted rooms where both local
// and user are joined or invited, sorted. Rooms local has left do not
// count, whatever their last known member list says.
func (t *Tracker) SharedEncryptedRooms(local, user ref.UserID) []ref.RoomID {
	var shared []ref.RoomID
	for _, roomID := range t.EncryptedRoomsOf(user) {
		if t.Membership(roomID, local).Present() {
			shared = append(shared, roomID)
		}
	}
	return shared
}

// Forget drops everything known about roomID.
func (t *Tracker) Forget(roomID ref.RoomID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rooms, roomID)
}

func compareUsers(a, b ref.UserID) int {
	return strings.Compare(a.String(), b.String())
}
