// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/e2ee/e2ee/ratchet"
	"github.com/bureau-foundation/e2ee/lib/ref"
	"github.com/bureau-foundation/e2ee/lib/testutil"
)

var (
	testEpoch   = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	aliceKey    = testCurveKey(1)
	bobKey      = testCurveKey(2)
	testRoom    = ref.MustParseRoomID("!room:bureau.local")
	otherRoom   = ref.MustParseRoomID("!other:bureau.local")
	testUser    = ref.MustParseUserID("@alice:bureau.local")
	testDevice  = ref.MustParseDeviceID("ALICEDEV")
	otherDevice = ref.MustParseDeviceID("ALICEPHONE")
)

func testCurveKey(seed byte) ref.Curve25519Key {
	var raw [ref.KeySize]byte
	for index := range raw {
		raw[index] = seed
	}
	return ref.Curve25519KeyFromBytes(raw)
}

func testSigningKey(t *testing.T) ref.Ed25519Key {
	t.Helper()
	raw := make([]byte, ref.KeySize)
	raw[0] = 9
	key, err := ref.Ed25519KeyFromBytes(raw)
	if err != nil {
		t.Fatalf("Ed25519KeyFromBytes: %v", err)
	}
	return key
}

// forEachStore runs test against every Store implementation.
func forEachStore(t *testing.T, test func(t *testing.T, store Store)) {
	t.Run("memory", func(t *testing.T) {
		test(t, NewMemory())
	})
	t.Run("sqlite", func(t *testing.T) {
		store, err := OpenSQLite(SQLiteConfig{Path: testutil.DatabasePath(t, "sessions"), PoolSize: 4})
		if err != nil {
			t.Fatalf("OpenSQLite: %v", err)
		}
		t.Cleanup(func() {
			if err := store.Close(); err != nil {
				t.Errorf("Close: %v", err)
			}
		})
		test(t, store)
	})
}

func TestAccount(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		if _, err := store.LoadAccount(ctx); !errors.Is(err, ErrNotFound) {
			t.Fatalf("LoadAccount on empty store = %v, want ErrNotFound", err)
		}
		for _, pickle := range []ratchet.Pickle{"first", "second"} {
			if err := store.SaveAccount(ctx, pickle); err != nil {
				t.Fatalf("SaveAccount: %v", err)
			}
			loaded, err := store.LoadAccount(ctx)
			if err != nil {
				t.Fatalf("LoadAccount: %v", err)
			}
			if loaded != pickle {
				t.Errorf("LoadAccount = %q, want %q", loaded, pickle)
			}
		}
	})
}

func TestOlmSessionsMostRecentFirst(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		if records, err := store.OlmSessions(ctx, aliceKey); err != nil || len(records) != 0 {
			t.Fatalf("OlmSessions on empty store = %v, %v", records, err)
		}

		for index, sessionID := range []string{"old", "newest", "middle"} {
			lastUsed := map[string]time.Duration{"old": 0, "newest": 2 * time.Hour, "middle": time.Hour}[sessionID]
			record := OlmSessionRecord{
				SenderKey:  aliceKey,
				SessionID:  sessionID,
				CreatedAt:  testEpoch.Add(time.Duration(index) * time.Minute),
				LastUsedAt: testEpoch.Add(lastUsed),
				Pickle:     ratchet.Pickle("pickle-" + sessionID),
			}
			if err := store.SaveOlmSession(ctx, record); err != nil {
				t.Fatalf("SaveOlmSession: %v", err)
			}
		}
		if err := store.SaveOlmSession(ctx, OlmSessionRecord{
			SenderKey: bobKey, SessionID: "bob", CreatedAt: testEpoch, LastUsedAt: testEpoch, Pickle: "bob",
		}); err != nil {
			t.Fatalf("SaveOlmSession: %v", err)
		}

		records, err := store.OlmSessions(ctx, aliceKey)
		if err != nil {
			t.Fatalf("OlmSessions: %v", err)
		}
		var order []string
		for _, record := range records {
			order = append(order, record.SessionID)
		}
		if len(order) != 3 || order[0] != "newest" || order[1] != "middle" || order[2] != "old" {
			t.Fatalf("session order = %v, want [newest middle old]", order)
		}

		// Updating one session moves only that session.
		updated := records[2]
		updated.LastUsedAt = testEpoch.Add(3 * time.Hour)
		updated.Pickle = "advanced"
		if err := store.SaveOlmSession(ctx, updated); err != nil {
			t.Fatalf("SaveOlmSession: %v", err)
		}
		records, err = store.OlmSessions(ctx, aliceKey)
		if err != nil {
			t.Fatalf("OlmSessions: %v", err)
		}
		if records[0].SessionID != "old" || records[0].Pickle != "advanced" {
			t.Errorf("most recent = %+v, want updated session old", records[0])
		}
		if !records[0].CreatedAt.Equal(testEpoch) {
			t.Errorf("CreatedAt = %v, want unchanged %v", records[0].CreatedAt, testEpoch)
		}
		if records[1].Pickle != "pickle-newest" {
			t.Errorf("sibling pickle = %q, want untouched", records[1].Pickle)
		}
	})
}

func TestSaveOlmSessionWithAccount(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		record := OlmSessionRecord{SenderKey: aliceKey, SessionID: "s", CreatedAt: testEpoch, LastUsedAt: testEpoch, Pickle: "p"}
		if err := store.SaveOlmSessionWithAccount(ctx, record, "account-after"); err != nil {
			t.Fatalf("SaveOlmSessionWithAccount: %v", err)
		}
		account, err := store.LoadAccount(ctx)
		if err != nil || account != "account-after" {
			t.Fatalf("LoadAccount = %q, %v", account, err)
		}
		records, err := store.OlmSessions(ctx, aliceKey)
		if err != nil || len(records) != 1 {
			t.Fatalf("OlmSessions = %v, %v", records, err)
		}
	})
}

func TestCancelledContextWritesNothing(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		record := OlmSessionRecord{SenderKey: aliceKey, SessionID: "s", CreatedAt: testEpoch, LastUsedAt: testEpoch, Pickle: "p"}
		if err := store.SaveOlmSession(ctx, record); err == nil {
			t.Fatal("SaveOlmSession with cancelled context succeeded")
		}
		records, err := store.OlmSessions(context.Background(), aliceKey)
		if err != nil || len(records) != 0 {
			t.Fatalf("OlmSessions after cancelled save = %v, %v", records, err)
		}
	})
}

func TestOutboundGroupSession(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		if _, err := store.OutboundGroupSession(ctx, testRoom); !errors.Is(err, ErrNotFound) {
			t.Fatalf("OutboundGroupSession on empty store = %v, want ErrNotFound", err)
		}

		record := OutboundGroupSessionRecord{
			RoomID:                testRoom,
			SessionID:             "megolm-1",
			Pickle:                "pickle",
			EncryptedMessageCount: 24,
			CreatedAt:             testEpoch,
		}
		record.MarkShared(testUser, testDevice, aliceKey)
		record.AddNewDevices(testUser, otherDevice, otherDevice)
		if err := store.SaveOutboundGroupSession(ctx, record); err != nil {
			t.Fatalf("SaveOutboundGroupSession: %v", err)
		}

		loaded, err := store.OutboundGroupSession(ctx, testRoom)
		if err != nil {
			t.Fatalf("OutboundGroupSession: %v", err)
		}
		if loaded.SessionID != "megolm-1" || loaded.EncryptedMessageCount != 24 || !loaded.CreatedAt.Equal(testEpoch) {
			t.Errorf("loaded = %+v", loaded)
		}
		if key, ok := loaded.SharedKey(testUser, testDevice); !ok || key != aliceKey {
			t.Errorf("SharedKey = %v, %v; want %v", key, ok, aliceKey)
		}
		if !loaded.IsNewDevice(testUser, otherDevice) || len(loaded.NewDevices[testUser]) != 1 {
			t.Errorf("NewDevices = %v, want [%s]", loaded.NewDevices, otherDevice)
		}

		// Mutating the loaded copy does not reach the store.
		loaded.MarkShared(testUser, otherDevice, bobKey)
		again, err := store.OutboundGroupSession(ctx, testRoom)
		if err != nil {
			t.Fatalf("OutboundGroupSession: %v", err)
		}
		if _, ok := again.SharedKey(testUser, otherDevice); ok {
			t.Error("unsaved MarkShared visible in store")
		}

		if err := store.DeleteOutboundGroupSession(ctx, testRoom); err != nil {
			t.Fatalf("DeleteOutboundGroupSession: %v", err)
		}
		if _, err := store.OutboundGroupSession(ctx, testRoom); !errors.Is(err, ErrNotFound) {
			t.Fatalf("after delete = %v, want ErrNotFound", err)
		}
		if err := store.DeleteOutboundGroupSession(ctx, testRoom); err != nil {
			t.Fatalf("deleting missing session: %v", err)
		}
	})
}

func TestInboundGroupSessions(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		signingKey := testSigningKey(t)
		for _, roomID := range []ref.RoomID{testRoom, otherRoom} {
			if err := store.SaveInboundGroupSession(ctx, InboundGroupSessionRecord{
				SenderKey:       aliceKey,
				SessionID:       "megolm-1",
				RoomID:          roomID,
				SigningKey:      signingKey,
				Pickle:          ratchet.Pickle("pickle-" + roomID.String()),
				FirstKnownIndex: 7,
			}); err != nil {
				t.Fatalf("SaveInboundGroupSession: %v", err)
			}
		}

		record, err := store.InboundGroupSession(ctx, aliceKey, "megolm-1", testRoom)
		if err != nil {
			t.Fatalf("InboundGroupSession: %v", err)
		}
		if record.FirstKnownIndex != 7 || record.SigningKey != signingKey || record.Pickle != "pickle-!room:bureau.local" {
			t.Errorf("record = %+v", record)
		}
		if _, err := store.InboundGroupSession(ctx, bobKey, "megolm-1", testRoom); !errors.Is(err, ErrNotFound) {
			t.Errorf("lookup with wrong sender key = %v, want ErrNotFound", err)
		}

		key := MessageIndexKey{SenderKey: aliceKey, SessionID: "megolm-1", RoomID: testRoom, Index: 7}
		if _, _, err := store.RecordMessageIndex(ctx, key, MessageIndexRecord{EventID: ref.MustParseEventID("$a"), OriginTimestamp: 1}); err != nil {
			t.Fatalf("RecordMessageIndex: %v", err)
		}

		if err := store.DeleteInboundGroupSessions(ctx, testRoom); err != nil {
			t.Fatalf("DeleteInboundGroupSessions: %v", err)
		}
		if _, err := store.InboundGroupSession(ctx, aliceKey, "megolm-1", testRoom); !errors.Is(err, ErrNotFound) {
			t.Errorf("deleted room session = %v, want ErrNotFound", err)
		}
		if _, err := store.InboundGroupSession(ctx, aliceKey, "megolm-1", otherRoom); err != nil {
			t.Errorf("other room's session deleted: %v", err)
		}
		// The ledger entry went with the room.
		if _, inserted, err := store.RecordMessageIndex(ctx, key, MessageIndexRecord{EventID: ref.MustParseEventID("$b"), OriginTimestamp: 2}); err != nil || !inserted {
			t.Errorf("RecordMessageIndex after room delete = inserted %v, %v", inserted, err)
		}
	})
}

func TestRecordMessageIndexFirstWriterWins(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		key := MessageIndexKey{SenderKey: aliceKey, SessionID: "megolm-1", RoomID: testRoom, Index: 3}
		first := MessageIndexRecord{EventID: ref.MustParseEventID("$first"), OriginTimestamp: 1000}

		stored, inserted, err := store.RecordMessageIndex(ctx, key, first)
		if err != nil || !inserted || stored != first {
			t.Fatalf("first RecordMessageIndex = %+v, %v, %v", stored, inserted, err)
		}

		stored, inserted, err = store.RecordMessageIndex(ctx, key, first)
		if err != nil || inserted || stored != first {
			t.Fatalf("identical replay = %+v, inserted %v, %v", stored, inserted, err)
		}

		forged := MessageIndexRecord{EventID: ref.MustParseEventID("$forged"), OriginTimestamp: 1000}
		stored, inserted, err = store.RecordMessageIndex(ctx, key, forged)
		if err != nil || inserted {
			t.Fatalf("conflicting record = inserted %v, %v", inserted, err)
		}
		if stored != first {
			t.Errorf("stored = %+v, want original %+v", stored, first)
		}
	})
}

func TestRecordMessageIndexConcurrent(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		key := MessageIndexKey{SenderKey: bobKey, SessionID: "race", RoomID: testRoom, Index: 0}

		const writers = 16
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			winners  int
			observed = make(map[ref.EventID]bool)
		)
		for writer := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				record := MessageIndexRecord{
					EventID:         ref.MustParseEventID(testutil.UniqueID("$race")),
					OriginTimestamp: int64(writer),
				}
				stored, inserted, err := store.RecordMessageIndex(ctx, key, record)
				if err != nil {
					t.Errorf("RecordMessageIndex: %v", err)
					return
				}
				mu.Lock()
				defer mu.Unlock()
				if inserted {
					winners++
				}
				observed[stored.EventID] = true
			}()
		}
		wg.Wait()

		if winners != 1 {
			t.Errorf("%d writers inserted, want exactly 1", winners)
		}
		if len(observed) != 1 {
			t.Errorf("writers observed %d different stored records, want 1", len(observed))
		}
	})
}
