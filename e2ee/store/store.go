// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists pickled ratchet state and the Megolm replay
// ledger.
//
// [Store] is the only place session state lives between operations.
// Records carry sealed pickles plus the bookkeeping the session managers
// need to select, rotate and share sessions; nothing here can read a
// pickle. Two implementations are provided: [NewMemory] for tests and
// ephemeral devices, and [OpenSQLite] for durable state.
//
// Stores do not serialize ratchet mutation. Callers hold the
// per-identity-key or per-room lock while they load, mutate and save.
// The one operation that must be atomic inside the store is
// [Store.RecordMessageIndex], because two decrypts of the same Megolm
// index can race without sharing a lock.
package store

import (
	"context"
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/bureau-foundation/e2ee/e2ee/ratchet"
	"github.com/bureau-foundation/e2ee/lib/ref"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the session store gateway. All methods are safe for
// concurrent use.
type Store interface {
	// LoadAccount returns the pickled local account, or ErrNotFound
	// before one has been saved.
	LoadAccount(ctx context.Context) (ratchet.Pickle, error)

	// SaveAccount replaces the pickled local account.
	SaveAccount(ctx context.Context, pickle ratchet.Pickle) error

	// OlmSessions returns every pairwise session with senderKey, most
	// recently used first. No sessions is not an error.
	OlmSessions(ctx context.Context, senderKey ref.Curve25519Key) ([]OlmSessionRecord, error)

	// SaveOlmSession inserts or replaces one pairwise session. Other
	// sessions for the same key are untouched.
	SaveOlmSession(ctx context.Context, record OlmSessionRecord) error

	// SaveOlmSessionWithAccount saves a new inbound session and the
	// account that consumed a one-time key to create it, atomically.
	SaveOlmSessionWithAccount(ctx context.Context, record OlmSessionRecord, account ratchet.Pickle) error

	// OutboundGroupSession returns the room's active outbound session
	// or ErrNotFound.
	OutboundGroupSession(ctx context.Context, roomID ref.RoomID) (OutboundGroupSessionRecord, error)

	// SaveOutboundGroupSession replaces the room's outbound session.
	SaveOutboundGroupSession(ctx context.Context, record OutboundGroupSessionRecord) error

	// DeleteOutboundGroupSession removes the room's outbound session.
	// Deleting a missing session is not an error.
	DeleteOutboundGroupSession(ctx context.Context, roomID ref.RoomID) error

	// InboundGroupSession returns one inbound session or ErrNotFound.
	InboundGroupSession(ctx context.Context, senderKey ref.Curve25519Key, sessionID string, roomID ref.RoomID) (InboundGroupSessionRecord, error)

	// SaveInboundGroupSession inserts or replaces an inbound session.
	SaveInboundGroupSession(ctx context.Context, record InboundGroupSessionRecord) error

	// DeleteInboundGroupSessions removes every inbound session and
	// ledger entry for a room.
	DeleteInboundGroupSessions(ctx context.Context, roomID ref.RoomID) error

	// RecordMessageIndex stores record under key unless a record is
	// already there. It returns the record now stored and whether this
	// call inserted it. Concurrent calls for one key see exactly one
	// insert.
	RecordMessageIndex(ctx context.Context, key MessageIndexKey, record MessageIndexRecord) (stored MessageIndexRecord, inserted bool, err error)

	// Close releases resources.
	Close() error
}

// OlmSessionRecord is one pickled pairwise session.
type OlmSessionRecord struct {
	// SenderKey is the peer's Curve25519 identity key.
	SenderKey  ref.Curve25519Key
	SessionID  string
	CreatedAt  time.Time
	LastUsedAt time.Time
	Pickle     ratchet.Pickle
}

// OutboundGroupSessionRecord is a room's active outbound Megolm
// session and its sharing state.
type OutboundGroupSessionRecord struct {
	RoomID    ref.RoomID
	SessionID string
	Pickle    ratchet.Pickle

	// EncryptedMessageCount is the number of room messages encrypted
	// with this session.
	EncryptedMessageCount int
	CreatedAt             time.Time

	// SharedWith records, per device, the identity key the session key
	// was sent to. A device whose identity key has changed must be
	// sent the key again.
	SharedWith map[ref.UserID]map[ref.DeviceID]ref.Curve25519Key

	// NewDevices are devices that joined or appeared since the session
	// was shared and still need the key.
	NewDevices map[ref.UserID][]ref.DeviceID
}

// SharedKey returns the identity key the session was shared with for
// a device.
func (r *OutboundGroupSessionRecord) SharedKey(userID ref.UserID, deviceID ref.DeviceID) (ref.Curve25519Key, bool) {
	key, ok := r.SharedWith[userID][deviceID]
	return key, ok
}

// MarkShared records that the session key reached a device and clears
// it from NewDevices.
func (r *OutboundGroupSessionRecord) MarkShared(userID ref.UserID, deviceID ref.DeviceID, identityKey ref.Curve25519Key) {
	if r.SharedWith == nil {
		r.SharedWith = make(map[ref.UserID]map[ref.DeviceID]ref.Curve25519Key)
	}
	if r.SharedWith[userID] == nil {
		r.SharedWith[userID] = make(map[ref.DeviceID]ref.Curve25519Key)
	}
	r.SharedWith[userID][deviceID] = identityKey

	remaining := slices.DeleteFunc(r.NewDevices[userID], func(candidate ref.DeviceID) bool {
		return candidate == deviceID
	})
	if len(remaining) == 0 {
		delete(r.NewDevices, userID)
	} else {
		r.NewDevices[userID] = remaining
	}
}

// AddNewDevices queues devices for key distribution on the next
// encrypt. Duplicates are ignored.
func (r *OutboundGroupSessionRecord) AddNewDevices(userID ref.UserID, deviceIDs ...ref.DeviceID) {
	if len(deviceIDs) == 0 {
		return
	}
	if r.NewDevices == nil {
		r.NewDevices = make(map[ref.UserID][]ref.DeviceID)
	}
	for _, deviceID := range deviceIDs {
		if !slices.Contains(r.NewDevices[userID], deviceID) {
			r.NewDevices[userID] = append(r.NewDevices[userID], deviceID)
		}
	}
}

// IsNewDevice reports whether a device is queued in NewDevices.
func (r *OutboundGroupSessionRecord) IsNewDevice(userID ref.UserID, deviceID ref.DeviceID) bool {
	return slices.Contains(r.NewDevices[userID], deviceID)
}

// Clone returns a deep copy.
func (r OutboundGroupSessionRecord) Clone() OutboundGroupSessionRecord {
	if r.SharedWith != nil {
		shared := make(map[ref.UserID]map[ref.DeviceID]ref.Curve25519Key, len(r.SharedWith))
		for userID, devices := range r.SharedWith {
			shared[userID] = maps.Clone(devices)
		}
		r.SharedWith = shared
	}
	if r.NewDevices != nil {
		pending := make(map[ref.UserID][]ref.DeviceID, len(r.NewDevices))
		for userID, devices := range r.NewDevices {
			pending[userID] = slices.Clone(devices)
		}
		r.NewDevices = pending
	}
	return r
}

// InboundGroupSessionRecord is one pickled inbound Megolm session.
type InboundGroupSessionRecord struct {
	SenderKey  ref.Curve25519Key
	SessionID  string
	RoomID     ref.RoomID
	SigningKey ref.Ed25519Key
	Pickle     ratchet.Pickle

	// FirstKnownIndex is the earliest index the session decrypts.
	FirstKnownIndex uint32
}

// MessageIndexKey identifies one Megolm ratchet index.
type MessageIndexKey struct {
	SenderKey ref.Curve25519Key
	SessionID string
	RoomID    ref.RoomID
	Index     uint32
}

// MessageIndexRecord is the event first seen at a ratchet index.
type MessageIndexRecord struct {
	EventID ref.EventID

	// OriginTimestamp is the event's origin_server_ts in milliseconds.
	OriginTimestamp int64
}

func sortMostRecentFirst(records []OlmSessionRecord) {
	slices.SortStableFunc(records, func(a, b OlmSessionRecord) int {
		return b.LastUsedAt.Compare(a.LastUsedAt)
	})
}
