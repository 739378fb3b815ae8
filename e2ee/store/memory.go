// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"slices"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/bureau-foundation/e2ee/e2ee/ratchet"
	"github.com/bureau-foundation/e2ee/lib/ref"
)

type inboundKey struct {
	senderKey ref.Curve25519Key
	sessionID string
	roomID    ref.RoomID
}

// Memory is an in-process Store. State is lost when the process exits.
type Memory struct {
	// accountMu orders account writes against combined
	// session-and-account commits.
	accountMu sync.Mutex
	account   ratchet.Pickle

	olmSessions *xsync.MapOf[ref.Curve25519Key, []OlmSessionRecord]
	outbound    *xsync.MapOf[ref.RoomID, OutboundGroupSessionRecord]
	inbound     *xsync.MapOf[inboundKey, InboundGroupSessionRecord]
	ledger      *xsync.MapOf[MessageIndexKey, MessageIndexRecord]
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		olmSessions: xsync.NewMapOf[ref.Curve25519Key, []OlmSessionRecord](),
		outbound:    xsync.NewMapOf[ref.RoomID, OutboundGroupSessionRecord](),
		inbound:     xsync.NewMapOf[inboundKey, InboundGroupSessionRecord](),
		ledger:      xsync.NewMapOf[MessageIndexKey, MessageIndexRecord](),
	}
}

func (m *Memory) LoadAccount(ctx context.Context) (ratchet.Pickle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.accountMu.Lock()
	defer m.accountMu.Unlock()
	if m.account == "" {
		return "", ErrNotFound
	}
	return m.account, nil
}

func (m *Memory) SaveAccount(ctx context.Context, pickle ratchet.Pickle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.accountMu.Lock()
	defer m.accountMu.Unlock()
	m.account = pickle
	return nil
}

func (m *Memory) OlmSessions(ctx context.Context, senderKey ref.Curve25519Key) ([]OlmSessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	records, _ := m.olmSessions.Load(senderKey)
	records = slices.Clone(records)
	sortMostRecentFirst(records)
	return records, nil
}

func (m *Memory) SaveOlmSession(ctx context.Context, record OlmSessionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.upsertOlmSession(record)
	return nil
}

func (m *Memory) upsertOlmSession(record OlmSessionRecord) {
	m.olmSessions.Compute(record.SenderKey, func(existing []OlmSessionRecord, _ bool) ([]OlmSessionRecord, bool) {
		updated := slices.Clone(existing)
		index := slices.IndexFunc(updated, func(candidate OlmSessionRecord) bool {
			return candidate.SessionID == record.SessionID
		})
		if index >= 0 {
			updated[index] = record
		} else {
			updated = append(updated, record)
		}
		return updated, false
	})
}

func (m *Memory) SaveOlmSessionWithAccount(ctx context.Context, record OlmSessionRecord, account ratchet.Pickle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.accountMu.Lock()
	defer m.accountMu.Unlock()
	m.upsertOlmSession(record)
	m.account = account
	return nil
}

func (m *Memory) OutboundGroupSession(ctx context.Context, roomID ref.RoomID) (OutboundGroupSessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return OutboundGroupSessionRecord{}, err
	}
	record, ok := m.outbound.Load(roomID)
	if !ok {
		return OutboundGroupSessionRecord{}, ErrNotFound
	}
	return record.Clone(), nil
}

func (m *Memory) SaveOutboundGroupSession(ctx context.Context, record OutboundGroupSessionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.outbound.Store(record.RoomID, record.Clone())
	return nil
}

func (m *Memory) DeleteOutboundGroupSession(ctx context.Context, roomID ref.RoomID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.outbound.Delete(roomID)
	return nil
}

func (m *Memory) InboundGroupSession(ctx context.Context, senderKey ref.Curve25519Key, sessionID string, roomID ref.RoomID) (InboundGroupSessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return InboundGroupSessionRecord{}, err
	}
	record, ok := m.inbound.Load(inboundKey{senderKey: senderKey, sessionID: sessionID, roomID: roomID})
	if !ok {
		return InboundGroupSessionRecord{}, ErrNotFound
	}
	return record, nil
}

func (m *Memory) SaveInboundGroupSession(ctx context.Context, record InboundGroupSessionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.inbound.Store(inboundKey{senderKey: record.SenderKey, sessionID: record.SessionID, roomID: record.RoomID}, record)
	return nil
}

func (m *Memory) DeleteInboundGroupSessions(ctx context.Context, roomID ref.RoomID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.inbound.Range(func(key inboundKey, _ InboundGroupSessionRecord) bool {
		if key.roomID == roomID {
			m.inbound.Delete(key)
		}
		return true
	})
	m.ledger.Range(func(key MessageIndexKey, _ MessageIndexRecord) bool {
		if key.RoomID == roomID {
			m.ledger.Delete(key)
		}
		return true
	})
	return nil
}

func (m *Memory) RecordMessageIndex(ctx context.Context, key MessageIndexKey, record MessageIndexRecord) (MessageIndexRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return MessageIndexRecord{}, false, err
	}
	stored, loaded := m.ledger.LoadOrStore(key, record)
	return stored, !loaded, nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
