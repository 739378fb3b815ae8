// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/e2ee/e2ee/ratchet"
	"github.com/bureau-foundation/e2ee/lib/codec"
	"github.com/bureau-foundation/e2ee/lib/ref"
	"github.com/bureau-foundation/e2ee/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS account (
	id     INTEGER PRIMARY KEY CHECK (id = 1),
	pickle TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS olm_sessions (
	sender_key   TEXT    NOT NULL,
	session_id   TEXT    NOT NULL,
	created_at   INTEGER NOT NULL,
	last_used_at INTEGER NOT NULL,
	pickle       TEXT    NOT NULL,
	PRIMARY KEY (sender_key, session_id)
);

CREATE TABLE IF NOT EXISTS outbound_group_sessions (
	room_id       TEXT    PRIMARY KEY,
	session_id    TEXT    NOT NULL,
	pickle        TEXT    NOT NULL,
	message_count INTEGER NOT NULL,
	created_at    INTEGER NOT NULL,
	shared_with   BLOB,
	new_devices   BLOB
);

CREATE TABLE IF NOT EXISTS inbound_group_sessions (
	sender_key        TEXT    NOT NULL,
	session_id        TEXT    NOT NULL,
	room_id           TEXT    NOT NULL,
	signing_key       TEXT    NOT NULL,
	pickle            TEXT    NOT NULL,
	first_known_index INTEGER NOT NULL,
	PRIMARY KEY (sender_key, session_id, room_id)
);
CREATE INDEX IF NOT EXISTS inbound_group_sessions_room ON inbound_group_sessions (room_id);

CREATE TABLE IF NOT EXISTS message_indices (
	sender_key    TEXT    NOT NULL,
	session_id    TEXT    NOT NULL,
	room_id       TEXT    NOT NULL,
	message_index INTEGER NOT NULL,
	event_id      TEXT    NOT NULL,
	origin_ts     INTEGER NOT NULL,
	PRIMARY KEY (sender_key, session_id, room_id, message_index)
);
`

// SQLiteConfig holds the parameters for [OpenSQLite].
type SQLiteConfig struct {
	// Path is the database file. The parent directory must exist.
	Path string

	// PoolSize is the connection count. Zero picks a default.
	PoolSize int

	// Logger receives pool lifecycle messages. Nil discards them.
	Logger *slog.Logger
}

// SQLite is a durable Store.
type SQLite struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens or creates the database at config.Path.
func OpenSQLite(config SQLiteConfig) (*SQLite, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     config.Path,
		PoolSize: config.PoolSize,
		Schema:   schema,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return &SQLite{pool: pool, logger: logger}, nil
}

// Close closes the connection pool.
func (s *SQLite) Close() error {
	return s.pool.Close()
}

func (s *SQLite) LoadAccount(ctx context.Context) (ratchet.Pickle, error) {
	var pickle ratchet.Pickle
	found := false
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT pickle FROM account WHERE id = 1", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				pickle = ratchet.Pickle(stmt.ColumnText(0))
				found = true
				return nil
			},
		})
	})
	if err != nil {
		return "", fmt.Errorf("store: loading account: %w", err)
	}
	if !found {
		return "", ErrNotFound
	}
	return pickle, nil
}

func (s *SQLite) SaveAccount(ctx context.Context, pickle ratchet.Pickle) error {
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return saveAccount(conn, pickle)
	})
	if err != nil {
		return fmt.Errorf("store: saving account: %w", err)
	}
	return nil
}

func saveAccount(conn *sqlite.Conn, pickle ratchet.Pickle) error {
	return sqlitex.Execute(conn,
		`INSERT INTO account (id, pickle) VALUES (1, ?)
		 ON CONFLICT (id) DO UPDATE SET pickle = excluded.pickle`,
		&sqlitex.ExecOptions{Args: []any{string(pickle)}})
}

func (s *SQLite) OlmSessions(ctx context.Context, senderKey ref.Curve25519Key) ([]OlmSessionRecord, error) {
	var records []OlmSessionRecord
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT session_id, created_at, last_used_at, pickle FROM olm_sessions
			 WHERE sender_key = ? ORDER BY last_used_at DESC`,
			&sqlitex.ExecOptions{
				Args: []any{senderKey.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					records = append(records, OlmSessionRecord{
						SenderKey:  senderKey,
						SessionID:  stmt.ColumnText(0),
						CreatedAt:  fromUnixNano(stmt.ColumnInt64(1)),
						LastUsedAt: fromUnixNano(stmt.ColumnInt64(2)),
						Pickle:     ratchet.Pickle(stmt.ColumnText(3)),
					})
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("store: loading olm sessions for %s: %w", senderKey, err)
	}
	return records, nil
}

func (s *SQLite) SaveOlmSession(ctx context.Context, record OlmSessionRecord) error {
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return saveOlmSession(conn, record)
	})
	if err != nil {
		return fmt.Errorf("store: saving olm session %s: %w", record.SessionID, err)
	}
	return nil
}

func saveOlmSession(conn *sqlite.Conn, record OlmSessionRecord) error {
	return sqlitex.Execute(conn,
		`INSERT INTO olm_sessions (sender_key, session_id, created_at, last_used_at, pickle)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (sender_key, session_id) DO UPDATE SET
			last_used_at = excluded.last_used_at,
			pickle = excluded.pickle`,
		&sqlitex.ExecOptions{Args: []any{
			record.SenderKey.String(),
			record.SessionID,
			record.CreatedAt.UnixNano(),
			record.LastUsedAt.UnixNano(),
			string(record.Pickle),
		}})
}

func (s *SQLite) SaveOlmSessionWithAccount(ctx context.Context, record OlmSessionRecord, account ratchet.Pickle) error {
	err := s.pool.WithImmediateTx(ctx, func(conn *sqlite.Conn) error {
		if err := saveOlmSession(conn, record); err != nil {
			return err
		}
		return saveAccount(conn, account)
	})
	if err != nil {
		return fmt.Errorf("store: saving olm session %s with account: %w", record.SessionID, err)
	}
	return nil
}

// sharingState is the encoded form of an outbound session's sharing
// maps. Keys are plain strings so the blob does not depend on how ref
// types marshal.
type sharingState struct {
	SharedWith map[string]map[string]string `cbor:"1,keyasint,omitempty"`
	NewDevices map[string][]string          `cbor:"2,keyasint,omitempty"`
}

func encodeSharing(record OutboundGroupSessionRecord) (sharedWith, newDevices []byte, err error) {
	shared := make(map[string]map[string]string, len(record.SharedWith))
	for userID, devices := range record.SharedWith {
		encoded := make(map[string]string, len(devices))
		for deviceID, key := range devices {
			encoded[deviceID.String()] = key.String()
		}
		shared[userID.String()] = encoded
	}
	pending := make(map[string][]string, len(record.NewDevices))
	for userID, devices := range record.NewDevices {
		for _, deviceID := range devices {
			pending[userID.String()] = append(pending[userID.String()], deviceID.String())
		}
	}
	if sharedWith, err = codec.Marshal(shared); err != nil {
		return nil, nil, err
	}
	if newDevices, err = codec.Marshal(pending); err != nil {
		return nil, nil, err
	}
	return sharedWith, newDevices, nil
}

func decodeSharing(record *OutboundGroupSessionRecord, sharedWith, newDevices []byte) error {
	var shared map[string]map[string]string
	if len(sharedWith) > 0 {
		if err := codec.Unmarshal(sharedWith, &shared); err != nil {
			return fmt.Errorf("decoding shared_with: %w", err)
		}
	}
	var pending map[string][]string
	if len(newDevices) > 0 {
		if err := codec.Unmarshal(newDevices, &pending); err != nil {
			return fmt.Errorf("decoding new_devices: %w", err)
		}
	}

	for userText, devices := range shared {
		userID, err := ref.ParseUserID(userText)
		if err != nil {
			return err
		}
		for deviceText, keyText := range devices {
			deviceID, err := ref.ParseDeviceID(deviceText)
			if err != nil {
				return err
			}
			key, err := ref.ParseCurve25519Key(keyText)
			if err != nil {
				return err
			}
			record.MarkShared(userID, deviceID, key)
		}
	}
	for userText, devices := range pending {
		userID, err := ref.ParseUserID(userText)
		if err != nil {
			return err
		}
		for _, deviceText := range devices {
			deviceID, err := ref.ParseDeviceID(deviceText)
			if err != nil {
				return err
			}
			record.AddNewDevices(userID, deviceID)
		}
	}
	return nil
}

func (s *SQLite) OutboundGroupSession(ctx context.Context, roomID ref.RoomID) (OutboundGroupSessionRecord, error) {
	var (
		record                 OutboundGroupSessionRecord
		sharedWith, newDevices []byte
		found                  bool
	)
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT session_id, pickle, message_count, created_at, shared_with, new_devices
			 FROM outbound_group_sessions WHERE room_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{roomID.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = true
					record = OutboundGroupSessionRecord{
						RoomID:                roomID,
						SessionID:             stmt.ColumnText(0),
						Pickle:                ratchet.Pickle(stmt.ColumnText(1)),
						EncryptedMessageCount: stmt.ColumnInt(2),
						CreatedAt:             fromUnixNano(stmt.ColumnInt64(3)),
					}
					sharedWith = columnBlob(stmt, 4)
					newDevices = columnBlob(stmt, 5)
					return nil
				},
			})
	})
	if err != nil {
		return OutboundGroupSessionRecord{}, fmt.Errorf("store: loading outbound group session for %s: %w", roomID, err)
	}
	if !found {
		return OutboundGroupSessionRecord{}, ErrNotFound
	}
	if err := decodeSharing(&record, sharedWith, newDevices); err != nil {
		return OutboundGroupSessionRecord{}, fmt.Errorf("store: outbound group session for %s: %w", roomID, err)
	}
	return record, nil
}

func (s *SQLite) SaveOutboundGroupSession(ctx context.Context, record OutboundGroupSessionRecord) error {
	sharedWith, newDevices, err := encodeSharing(record)
	if err != nil {
		return fmt.Errorf("store: encoding sharing state for %s: %w", record.RoomID, err)
	}
	err = s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO outbound_group_sessions
				(room_id, session_id, pickle, message_count, created_at, shared_with, new_devices)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (room_id) DO UPDATE SET
				session_id = excluded.session_id,
				pickle = excluded.pickle,
				message_count = excluded.message_count,
				created_at = excluded.created_at,
				shared_with = excluded.shared_with,
				new_devices = excluded.new_devices`,
			&sqlitex.ExecOptions{Args: []any{
				record.RoomID.String(),
				record.SessionID,
				string(record.Pickle),
				record.EncryptedMessageCount,
				record.CreatedAt.UnixNano(),
				sharedWith,
				newDevices,
			}})
	})
	if err != nil {
		return fmt.Errorf("store: saving outbound group session for %s: %w", record.RoomID, err)
	}
	return nil
}

func (s *SQLite) DeleteOutboundGroupSession(ctx context.Context, roomID ref.RoomID) error {
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "DELETE FROM outbound_group_sessions WHERE room_id = ?",
			&sqlitex.ExecOptions{Args: []any{roomID.String()}})
	})
	if err != nil {
		return fmt.Errorf("store: deleting outbound group session for %s: %w", roomID, err)
	}
	return nil
}

func (s *SQLite) InboundGroupSession(ctx context.Context, senderKey ref.Curve25519Key, sessionID string, roomID ref.RoomID) (InboundGroupSessionRecord, error) {
	var (
		record     InboundGroupSessionRecord
		signingKey string
		found      bool
	)
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT signing_key, pickle, first_known_index FROM inbound_group_sessions
			 WHERE sender_key = ? AND session_id = ? AND room_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{senderKey.String(), sessionID, roomID.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = true
					signingKey = stmt.ColumnText(0)
					record = InboundGroupSessionRecord{
						SenderKey:       senderKey,
						SessionID:       sessionID,
						RoomID:          roomID,
						Pickle:          ratchet.Pickle(stmt.ColumnText(1)),
						FirstKnownIndex: uint32(stmt.ColumnInt64(2)),
					}
					return nil
				},
			})
	})
	if err != nil {
		return InboundGroupSessionRecord{}, fmt.Errorf("store: loading inbound group session %s: %w", sessionID, err)
	}
	if !found {
		return InboundGroupSessionRecord{}, ErrNotFound
	}
	if record.SigningKey, err = ref.ParseEd25519Key(signingKey); err != nil {
		return InboundGroupSessionRecord{}, fmt.Errorf("store: inbound group session %s: %w", sessionID, err)
	}
	return record, nil
}

func (s *SQLite) SaveInboundGroupSession(ctx context.Context, record InboundGroupSessionRecord) error {
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO inbound_group_sessions
				(sender_key, session_id, room_id, signing_key, pickle, first_known_index)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (sender_key, session_id, room_id) DO UPDATE SET
				signing_key = excluded.signing_key,
				pickle = excluded.pickle,
				first_known_index = excluded.first_known_index`,
			&sqlitex.ExecOptions{Args: []any{
				record.SenderKey.String(),
				record.SessionID,
				record.RoomID.String(),
				record.SigningKey.String(),
				string(record.Pickle),
				int64(record.FirstKnownIndex),
			}})
	})
	if err != nil {
		return fmt.Errorf("store: saving inbound group session %s: %w", record.SessionID, err)
	}
	return nil
}

func (s *SQLite) DeleteInboundGroupSessions(ctx context.Context, roomID ref.RoomID) error {
	err := s.pool.WithImmediateTx(ctx, func(conn *sqlite.Conn) error {
		for _, query := range []string{
			"DELETE FROM inbound_group_sessions WHERE room_id = ?",
			"DELETE FROM message_indices WHERE room_id = ?",
		} {
			if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: []any{roomID.String()}}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: deleting inbound group sessions for %s: %w", roomID, err)
	}
	return nil
}

func (s *SQLite) RecordMessageIndex(ctx context.Context, key MessageIndexKey, record MessageIndexRecord) (MessageIndexRecord, bool, error) {
	var (
		stored   MessageIndexRecord
		inserted bool
	)
	err := s.pool.WithImmediateTx(ctx, func(conn *sqlite.Conn) error {
		args := []any{key.SenderKey.String(), key.SessionID, key.RoomID.String(), int64(key.Index)}
		err := sqlitex.Execute(conn,
			`INSERT INTO message_indices (sender_key, session_id, room_id, message_index, event_id, origin_ts)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT DO NOTHING`,
			&sqlitex.ExecOptions{Args: append(args, record.EventID.String(), record.OriginTimestamp)})
		if err != nil {
			return err
		}
		if conn.Changes() == 1 {
			stored, inserted = record, true
			return nil
		}

		var eventID string
		err = sqlitex.Execute(conn,
			`SELECT event_id, origin_ts FROM message_indices
			 WHERE sender_key = ? AND session_id = ? AND room_id = ? AND message_index = ?`,
			&sqlitex.ExecOptions{
				Args: args,
				ResultFunc: func(stmt *sqlite.Stmt) error {
					eventID = stmt.ColumnText(0)
					stored.OriginTimestamp = stmt.ColumnInt64(1)
					return nil
				},
			})
		if err != nil {
			return err
		}
		if eventID == "" {
			return errors.New("conflicting ledger row vanished")
		}
		stored.EventID, err = ref.ParseEventID(eventID)
		return err
	})
	if err != nil {
		return MessageIndexRecord{}, false, fmt.Errorf("store: recording message index %d of %s: %w", key.Index, key.SessionID, err)
	}
	return stored, inserted, nil
}

func fromUnixNano(nanoseconds int64) time.Time {
	return time.Unix(0, nanoseconds).UTC()
}

func columnBlob(stmt *sqlite.Stmt, column int) []byte {
	if stmt.ColumnIsNull(column) {
		return nil
	}
	data := make([]byte, stmt.ColumnLen(column))
	stmt.ColumnBytes(column, data)
	return data
}
