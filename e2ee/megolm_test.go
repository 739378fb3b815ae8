// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"errors"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bureau-foundation/e2ee/e2ee/devicekeys"
	"github.com/bureau-foundation/e2ee/e2ee/ratchet"
	"github.com/bureau-foundation/e2ee/e2ee/roomstate"
	"github.com/bureau-foundation/e2ee/lib/clock"
	"github.com/bureau-foundation/e2ee/lib/ref"
	"github.com/bureau-foundation/e2ee/messaging"
)

// roomKeys returns the room keys among decrypted to-device events.
func roomKeys(t *testing.T, events []*DecryptedOlmEvent) []RoomKeyContent {
	t.Helper()
	var keys []RoomKeyContent
	for _, event := range events {
		content, err := event.Payload.Decode()
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if key, ok := content.(RoomKeyContent); ok {
			keys = append(keys, key)
		}
	}
	return keys
}

func encryptText(t *testing.T, d *testDevice, roomID ref.RoomID, body string) *MegolmEncryptedContent {
	t.Helper()
	content, err := d.machine.EncryptMegolm(context.Background(), roomID, textPayload(t, body))
	if err != nil {
		t.Fatalf("EncryptMegolm(%s): %v", roomID, err)
	}
	return content
}

func TestMegolmRoundTrip(t *testing.T) {
	ctx := context.Background()
	server := newFakeHomeserver()
	a := newTestDevice(t, server, alice, "ALICEDEV")
	b := newTestDevice(t, server, bob, "BOBDEV")
	joinRoom(t, testRoom, megolmSettings, userIDs(a, b), a, b)

	first := encryptText(t, a, testRoom, "first")
	if first.Algorithm != messaging.AlgorithmMegolm || first.SenderKey != a.identityKey() || first.DeviceID != a.device {
		t.Fatalf("content header = %+v", first)
	}
	keys := roomKeys(t, b.receive(t))
	if len(keys) != 1 || keys[0].SessionID != first.SessionID || keys[0].RoomID != testRoom {
		t.Fatalf("bob received room keys %+v, want one for session %s", keys, first.SessionID)
	}

	second := encryptText(t, a, testRoom, "second")
	if second.SessionID != first.SessionID {
		t.Errorf("second message used session %s, want %s", second.SessionID, first.SessionID)
	}
	if events := server.drain(bob, b.device); len(events) != 0 {
		t.Errorf("second message sent %d more to-device events", len(events))
	}

	for i, test := range []struct {
		content *MegolmEncryptedContent
		body    string
	}{{first, "first"}, {second, "second"}} {
		event := roomEvent(testRoom, alice, "$event"+string(rune('a'+i)), int64(1000+i), test.content)
		decrypted, err := b.machine.DecryptMegolm(ctx, event)
		if err != nil {
			t.Fatalf("DecryptMegolm(%s): %v", test.body, err)
		}
		if got := bodyOf(t, decrypted.Payload); got != test.body {
			t.Errorf("body = %q, want %q", got, test.body)
		}
		if decrypted.MessageIndex != uint32(i) {
			t.Errorf("index = %d, want %d", decrypted.MessageIndex, i)
		}
		if decrypted.SenderDevice != a.device || decrypted.SenderKey != a.identityKey() || decrypted.Sender != alice {
			t.Errorf("sender = %s %s %s", decrypted.Sender, decrypted.SenderDevice, decrypted.SenderKey)
		}
		if decrypted.RoomID != testRoom || decrypted.SessionID != first.SessionID {
			t.Errorf("room %s session %s", decrypted.RoomID, decrypted.SessionID)
		}
	}

	// The sender reads its own messages through the inbound session it
	// installed for itself.
	own, err := a.machine.DecryptMegolm(ctx, roomEvent(testRoom, alice, "$evento", 999, first))
	if err != nil {
		t.Fatalf("DecryptMegolm own message: %v", err)
	}
	if got := bodyOf(t, own.Payload); got != "first" || own.SenderDevice != a.device {
		t.Errorf("own message = %q from %s", got, own.SenderDevice)
	}
}

func TestMegolmEncryptRequiresEncryptedRoom(t *testing.T) {
	server := newFakeHomeserver()
	a := newTestDevice(t, server, alice, "ALICEDEV")
	if _, err := a.machine.EncryptMegolm(context.Background(), otherRoom, textPayload(t, "hi")); err == nil {
		t.Fatal("EncryptMegolm in an unencrypted room succeeded")
	}
	rotations := promtest.ToFloat64(a.machine.metrics.megolmRotations)
	if rotations != 0 {
		t.Errorf("created %v sessions", rotations)
	}
}

func TestMegolmReplayedIndex(t *testing.T) {
	ctx := context.Background()
	server := newFakeHomeserver()
	a := newTestDevice(t, server, alice, "ALICEDEV")
	b := newTestDevice(t, server, bob, "BOBDEV")
	joinRoom(t, testRoom, megolmSettings, userIDs(a, b), a, b)

	content := encryptText(t, a, testRoom, "once")
	b.receive(t)

	original := roomEvent(testRoom, alice, "$original", 1000, content)
	if _, err := b.machine.DecryptMegolm(ctx, original); err != nil {
		t.Fatalf("DecryptMegolm: %v", err)
	}
	if _, err := b.machine.DecryptMegolm(ctx, original); err != nil {
		t.Fatalf("decrypting the same event again: %v", err)
	}

	tests := []struct {
		name  string
		event EncryptedRoomEvent
	}{
		{"different event ID", roomEvent(testRoom, alice, "$forged", 1000, content)},
		{"different timestamp", roomEvent(testRoom, alice, "$original", 2000, content)},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := b.machine.DecryptMegolm(ctx, test.event)
			if !errors.Is(err, ErrReplayedIndex) {
				t.Fatalf("DecryptMegolm = %v, want ErrReplayedIndex", err)
			}
			var decryptErr *DecryptionError
			if !errors.As(err, &decryptErr) || !errors.Is(err, ErrDecryption) {
				t.Errorf("error %v is not a DecryptionError", err)
			}
		})
	}

	if got := promtest.ToFloat64(b.machine.metrics.decryptFailures.WithLabelValues("megolm", "replayed_index")); got != 2 {
		t.Errorf("replayed_index failures = %v, want 2", got)
	}
	if _, err := b.machine.DecryptMegolm(ctx, original); err != nil {
		t.Errorf("original event after replays: %v", err)
	}
}

func TestMegolmRoomMismatch(t *testing.T) {
	ctx := context.Background()
	server := newFakeHomeserver()
	a := newTestDevice(t, server, alice, "ALICEDEV")
	b := newTestDevice(t, server, bob, "BOBDEV")
	joinRoom(t, testRoom, megolmSettings, userIDs(a, b), a, b)

	content := encryptText(t, a, testRoom, "for ops only")
	events := b.receive(t)
	keys := roomKeys(t, events)
	if len(keys) != 1 {
		t.Fatalf("received %d room keys", len(keys))
	}

	// A malicious sender reuses the session key for a second room.
	relabelled := keys[0]
	relabelled.RoomID = otherRoom
	if err := b.machine.megolm.HandleRoomKey(ctx, events[0], relabelled); err != nil {
		t.Fatalf("HandleRoomKey: %v", err)
	}

	_, err := b.machine.DecryptMegolm(ctx, roomEvent(otherRoom, alice, "$moved", 1000, content))
	if !errors.Is(err, ErrRoomMismatch) {
		t.Fatalf("DecryptMegolm in other room = %v, want ErrRoomMismatch", err)
	}
	if _, err := b.machine.DecryptMegolm(ctx, roomEvent(testRoom, alice, "$moved", 1000, content)); err != nil {
		t.Fatalf("DecryptMegolm in the right room: %v", err)
	}
}

func TestMegolmUnknownSession(t *testing.T) {
	ctx := context.Background()
	server := newFakeHomeserver()
	a := newTestDevice(t, server, alice, "ALICEDEV")
	b := newTestDevice(t, server, bob, "BOBDEV")
	joinRoom(t, testRoom, megolmSettings, userIDs(a, b), a, b)

	content := encryptText(t, a, testRoom, "early")
	_, err := b.machine.DecryptMegolm(ctx, roomEvent(testRoom, alice, "$early", 1000, content))
	if !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("DecryptMegolm before the room key = %v, want ErrUnknownSession", err)
	}

	b.receive(t)
	if _, err := b.machine.DecryptMegolm(ctx, roomEvent(testRoom, alice, "$early", 1000, content)); err != nil {
		t.Fatalf("DecryptMegolm after the room key: %v", err)
	}
}

func TestMegolmMalformedContent(t *testing.T) {
	ctx := context.Background()
	server := newFakeHomeserver()
	b := newTestDevice(t, server, bob, "BOBDEV")

	tests := []struct {
		name    string
		content MegolmEncryptedContent
	}{
		{"algorithm", MegolmEncryptedContent{Algorithm: messaging.AlgorithmOlm, SenderKey: b.identityKey(), SessionID: "s", Ciphertext: "AAAA"}},
		{"sender key", MegolmEncryptedContent{Algorithm: messaging.AlgorithmMegolm, SessionID: "s", Ciphertext: "AAAA"}},
		{"session ID", MegolmEncryptedContent{Algorithm: messaging.AlgorithmMegolm, SenderKey: b.identityKey(), Ciphertext: "AAAA"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := b.machine.DecryptMegolm(ctx, roomEvent(testRoom, alice, "$bad", 1, &test.content))
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("DecryptMegolm = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestMegolmRotatesAfterMessageCount(t *testing.T) {
	ctx := context.Background()
	server := newFakeHomeserver()
	a := newTestDevice(t, server, alice, "ALICEDEV")
	b := newTestDevice(t, server, bob, "BOBDEV")
	settings := roomstate.EncryptionSettings{Algorithm: messaging.AlgorithmMegolm, RotationPeriodMsgs: 3}
	joinRoom(t, testRoom, settings, userIDs(a, b), a, b)

	var sessions []string
	for _, body := range []string{"one", "two", "three", "four"} {
		sessions = append(sessions, encryptText(t, a, testRoom, body).SessionID)
	}
	if sessions[0] != sessions[1] || sessions[1] != sessions[2] {
		t.Fatalf("rotated early: %v", sessions)
	}
	if sessions[3] == sessions[2] {
		t.Fatalf("fourth message reused session %s", sessions[3])
	}

	record, err := a.store.OutboundGroupSession(ctx, testRoom)
	if err != nil {
		t.Fatalf("OutboundGroupSession: %v", err)
	}
	if record.SessionID != sessions[3] || record.EncryptedMessageCount != 1 {
		t.Errorf("stored session %s with count %d, want %s with 1", record.SessionID, record.EncryptedMessageCount, sessions[3])
	}
	if got := promtest.ToFloat64(a.machine.metrics.megolmRotations); got != 2 {
		t.Errorf("megolm sessions created = %v, want 2", got)
	}

	keys := roomKeys(t, b.receive(t))
	if len(keys) != 2 || keys[0].SessionID != sessions[0] || keys[1].SessionID != sessions[3] {
		t.Errorf("bob received keys %+v", keys)
	}
}

func TestMegolmRotatesAfterPeriod(t *testing.T) {
	fake := clock.Fake(testEpoch)
	server := newFakeHomeserver()
	a := newTestDevice(t, server, alice, "ALICEDEV", withClock(fake))
	b := newTestDevice(t, server, bob, "BOBDEV")
	settings := roomstate.EncryptionSettings{
		Algorithm:        messaging.AlgorithmMegolm,
		RotationPeriodMs: time.Hour.Milliseconds(),
	}
	joinRoom(t, testRoom, settings, userIDs(a, b), a, b)

	first := encryptText(t, a, testRoom, "morning").SessionID
	fake.Advance(time.Hour - time.Second)
	if got := encryptText(t, a, testRoom, "still morning").SessionID; got != first {
		t.Fatalf("rotated before the period elapsed")
	}
	fake.Advance(time.Second)
	if got := encryptText(t, a, testRoom, "afternoon").SessionID; got == first {
		t.Fatalf("session %s outlived its rotation period", first)
	}
}

func TestMegolmKeySharingIsBestEffort(t *testing.T) {
	ctx := context.Background()
	server := newFakeHomeserver()
	a := newTestDevice(t, server, alice, "ALICEDEV")
	b := newTestDevice(t, server, bob, "BOBDEV")
	c := newTestDevice(t, server, carol, "CAROLDEV")
	joinRoom(t, testRoom, megolmSettings, userIDs(a, b, c), a, b, c)

	// Carol has no one-time or fallback key left to claim.
	server.dropKeys(carol, c.device)

	first := encryptText(t, a, testRoom, "before carol's keys")
	if got := promtest.ToFloat64(a.machine.metrics.roomKeyShareFails); got != 1 {
		t.Errorf("share failures = %v, want 1", got)
	}
	if keys := roomKeys(t, b.receive(t)); len(keys) != 1 {
		t.Fatalf("bob received %d room keys, want 1", len(keys))
	}
	if events := server.drain(carol, c.device); len(events) != 0 {
		t.Fatalf("carol received %d events without a claimable key", len(events))
	}

	if _, err := c.machine.OnOneTimeKeyCountLow(ctx, 0, false); err != nil {
		t.Fatalf("OnOneTimeKeyCountLow: %v", err)
	}

	second := encryptText(t, a, testRoom, "after carol's keys")
	if second.SessionID != first.SessionID {
		t.Fatalf("retrying a device rotated the session")
	}
	keys := roomKeys(t, c.receive(t))
	if len(keys) != 1 || keys[0].SessionID != first.SessionID {
		t.Fatalf("carol received %+v", keys)
	}
	if events := server.drain(bob, b.device); len(events) != 0 {
		t.Errorf("bob was sent the key again")
	}

	decrypted, err := c.machine.DecryptMegolm(ctx, roomEvent(testRoom, alice, "$second", 2, second))
	if err != nil {
		t.Fatalf("carol decrypting the second message: %v", err)
	}
	if got := bodyOf(t, decrypted.Payload); got != "after carol's keys" {
		t.Errorf("body = %q", got)
	}
	// The key carol got starts at the second message.
	if _, err := c.machine.DecryptMegolm(ctx, roomEvent(testRoom, alice, "$first", 1, first)); !errors.Is(err, ErrRatchet) {
		t.Errorf("carol decrypting the first message = %v, want ErrRatchet", err)
	}
}

func TestMegolmDepartedMemberForcesRotation(t *testing.T) {
	ctx := context.Background()
	server := newFakeHomeserver()
	a := newTestDevice(t, server, alice, "ALICEDEV")
	b := newTestDevice(t, server, bob, "BOBDEV")
	c := newTestDevice(t, server, carol, "CAROLDEV")
	joinRoom(t, testRoom, megolmSettings, userIDs(a, b, c), a, b, c)

	before := encryptText(t, a, testRoom, "everyone")
	b.receive(t)
	c.receive(t)

	if err := a.machine.OnMembershipChange(ctx, testRoom, carol, roomstate.MembershipLeave); err != nil {
		t.Fatalf("OnMembershipChange: %v", err)
	}
	if a.machine.Devices().IsTracked(carol) {
		t.Errorf("alice still tracks carol after the last shared room")
	}

	after := encryptText(t, a, testRoom, "without carol")
	if after.SessionID == before.SessionID {
		t.Fatalf("session %s survived a departure", before.SessionID)
	}
	if keys := roomKeys(t, b.receive(t)); len(keys) != 1 || keys[0].SessionID != after.SessionID {
		t.Errorf("bob received %+v", keys)
	}
	if events := server.drain(carol, c.device); len(events) != 0 {
		t.Errorf("carol received %d events after leaving", len(events))
	}
	_, err := c.machine.DecryptMegolm(ctx, roomEvent(testRoom, alice, "$after", 2, after))
	if !errors.Is(err, ErrUnknownSession) {
		t.Errorf("carol decrypting after leaving = %v, want ErrUnknownSession", err)
	}
}

func TestMegolmSharesCurrentSessionWithNewDevice(t *testing.T) {
	ctx := context.Background()
	server := newFakeHomeserver()
	a := newTestDevice(t, server, alice, "ALICEDEV")
	b := newTestDevice(t, server, bob, "BOBDEV")
	joinRoom(t, testRoom, megolmSettings, userIDs(a, b), a, b)

	first := encryptText(t, a, testRoom, "before the phone")
	b.receive(t)

	phone := newTestDevice(t, server, bob, "BOBPHONE")
	a.machine.OnDeviceListChange([]ref.UserID{bob}, nil)
	if outdated := a.machine.Devices().Outdated(); len(outdated) != 1 || outdated[0] != bob {
		t.Fatalf("outdated = %v, want [bob]", outdated)
	}
	a.refresh(t, bob)

	second := encryptText(t, a, testRoom, "after the phone")
	if second.SessionID != first.SessionID {
		t.Fatalf("a new device rotated the session")
	}
	if events := server.drain(bob, b.device); len(events) != 0 {
		t.Errorf("bob's first device was sent the key again")
	}
	keys := roomKeys(t, phone.receive(t))
	if len(keys) != 1 || keys[0].SessionID != first.SessionID {
		t.Fatalf("phone received %+v", keys)
	}
	if _, err := phone.machine.DecryptMegolm(ctx, roomEvent(testRoom, alice, "$phone", 2, second)); err != nil {
		t.Fatalf("phone decrypting: %v", err)
	}

	record, err := a.store.OutboundGroupSession(ctx, testRoom)
	if err != nil {
		t.Fatalf("OutboundGroupSession: %v", err)
	}
	if len(record.NewDevices) != 0 {
		t.Errorf("new devices still queued: %v", record.NewDevices)
	}
	if key, ok := record.SharedKey(bob, phone.device); !ok || key != phone.identityKey() {
		t.Errorf("phone not recorded as shared")
	}
}

func TestMegolmSkipsBlockedDevices(t *testing.T) {
	server := newFakeHomeserver()
	a := newTestDevice(t, server, alice, "ALICEDEV")
	b := newTestDevice(t, server, bob, "BOBDEV")
	joinRoom(t, testRoom, megolmSettings, userIDs(a, b), a, b)

	if err := a.machine.SetDeviceTrust(bob, b.device, devicekeys.TrustBlocked); err != nil {
		t.Fatalf("SetDeviceTrust: %v", err)
	}
	encryptText(t, a, testRoom, "not for bob")
	if events := server.drain(bob, b.device); len(events) != 0 {
		t.Errorf("blocked device received %d events", len(events))
	}
	if got := promtest.ToFloat64(a.machine.metrics.roomKeyShareFails); got != 0 {
		t.Errorf("blocked device counted as a share failure")
	}
}

func TestHandleRoomKeyKeepsEarliestIndex(t *testing.T) {
	ctx := context.Background()
	a, b := pair(t)

	outbound, err := ratchet.NewOutboundGroupSession()
	if err != nil {
		t.Fatalf("NewOutboundGroupSession: %v", err)
	}
	keyAt := func() string {
		key, err := outbound.SessionKey()
		if err != nil {
			t.Fatalf("SessionKey: %v", err)
		}
		return key
	}
	early := keyAt()
	for range 2 {
		if _, err := outbound.Encrypt([]byte("{}")); err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
	}
	late := keyAt()

	sender := &DecryptedOlmEvent{Sender: alice, SenderDevice: a.device, SenderKey: a.identityKey()}
	install := func(sessionKey string) uint32 {
		t.Helper()
		err := b.machine.megolm.HandleRoomKey(ctx, sender, RoomKeyContent{
			Algorithm:  messaging.AlgorithmMegolm,
			RoomID:     testRoom,
			SessionID:  outbound.ID(),
			SessionKey: sessionKey,
		})
		if err != nil {
			t.Fatalf("HandleRoomKey: %v", err)
		}
		record, err := b.store.InboundGroupSession(ctx, a.identityKey(), outbound.ID(), testRoom)
		if err != nil {
			t.Fatalf("InboundGroupSession: %v", err)
		}
		return record.FirstKnownIndex
	}

	if got := install(late); got != 2 {
		t.Fatalf("first known index = %d, want 2", got)
	}
	if got := install(early); got != 0 {
		t.Fatalf("earlier key did not replace the session: index %d", got)
	}
	if got := install(late); got != 0 {
		t.Fatalf("later key replaced the session: index %d", got)
	}

	err = b.machine.megolm.HandleRoomKey(ctx, sender, RoomKeyContent{
		Algorithm:  messaging.AlgorithmMegolm,
		RoomID:     testRoom,
		SessionID:  "not-the-session",
		SessionKey: early,
	})
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("HandleRoomKey with mismatched session ID = %v, want ErrMalformed", err)
	}
}

func TestMegolmCancelledEncryptPersistsNothing(t *testing.T) {
	server := newFakeHomeserver()
	a := newTestDevice(t, server, alice, "ALICEDEV")
	b := newTestDevice(t, server, bob, "BOBDEV")
	joinRoom(t, testRoom, megolmSettings, userIDs(a, b), a, b)
	first := encryptText(t, a, testRoom, "first")

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.machine.EncryptMegolm(cancelled, testRoom, textPayload(t, "never")); !errors.Is(err, context.Canceled) {
		t.Fatalf("EncryptMegolm with cancelled context = %v", err)
	}
	record, err := a.store.OutboundGroupSession(context.Background(), testRoom)
	if err != nil {
		t.Fatalf("OutboundGroupSession: %v", err)
	}
	if record.SessionID != first.SessionID || record.EncryptedMessageCount != 1 {
		t.Errorf("stored %s with count %d after a cancelled encrypt", record.SessionID, record.EncryptedMessageCount)
	}
}

func TestMegolmBlockedDeviceStaysBlockedUnderNewKeys(t *testing.T) {
	server := newFakeHomeserver()
	a := newTestDevice(t, server, alice, "ALICEDEV")
	b := newTestDevice(t, server, bob, "BOBDEV")
	joinRoom(t, testRoom, megolmSettings, userIDs(a, b), a, b)
	if err := a.machine.SetDeviceTrust(bob, b.device, devicekeys.TrustBlocked); err != nil {
		t.Fatalf("SetDeviceTrust: %v", err)
	}

	// The same device ID republished with a fresh account.
	replaced := newTestDevice(t, server, bob, "BOBDEV")
	a.machine.OnDeviceListChange([]ref.UserID{bob}, nil)
	a.refresh(t, bob)

	device, ok := a.machine.Devices().Device(bob, b.device)
	if !ok || device.Curve25519 != replaced.identityKey() {
		t.Fatalf("republished keys not cached: %+v", device)
	}
	if device.Trust != devicekeys.TrustBlocked {
		t.Errorf("trust after republish = %v, want blocked", device.Trust)
	}
	encryptText(t, a, testRoom, "still not for bob")
	if events := server.drain(bob, b.device); len(events) != 0 {
		t.Errorf("blocked device received %d events after republishing its keys", len(events))
	}
}
