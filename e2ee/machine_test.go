// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bureau-foundation/e2ee/e2ee/ratchet"
	"github.com/bureau-foundation/e2ee/e2ee/store"
	"github.com/bureau-foundation/e2ee/lib/ref"
	"github.com/bureau-foundation/e2ee/messaging"
)

func TestNewMachineRequiresDependencies(t *testing.T) {
	server := newFakeHomeserver()
	device := ref.MustParseDeviceID("ALICEDEV")
	_, err := NewMachine(context.Background(), Config{
		UserID:    alice,
		DeviceID:  device,
		Transport: server.transport(alice, device),
	})
	if err == nil {
		t.Fatal("NewMachine without a store or pickle key succeeded")
	}
}

func TestHandleToDevice(t *testing.T) {
	ctx := context.Background()
	a, b := pair(t)

	decrypted, err := b.machine.HandleToDevice(ctx, messaging.ToDeviceEvent{
		Type:    "m.room_key_request",
		Sender:  alice,
		Content: json.RawMessage(`{}`),
	})
	if decrypted != nil || err != nil {
		t.Fatalf("HandleToDevice(unencrypted) = %v, %v; want nil, nil", decrypted, err)
	}

	_, err = b.machine.HandleToDevice(ctx, messaging.ToDeviceEvent{
		Type:    messaging.EventTypeEncrypted,
		Sender:  alice,
		Content: json.RawMessage(`{"algorithm": 5}`),
	})
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("HandleToDevice(malformed) = %v, want ErrMalformed", err)
	}
	if got := promtest.ToFloat64(b.machine.metrics.decryptFailures.WithLabelValues("olm", "malformed")); got != 1 {
		t.Errorf("malformed failures = %v, want 1", got)
	}

	content, err := a.machine.EncryptOlm(ctx, textPayload(t, "direct"), bob, b.device)
	if err != nil {
		t.Fatalf("EncryptOlm: %v", err)
	}
	err = a.server.transport(alice, a.device).SendToDevice(ctx, messaging.SendToDeviceRequest{
		EventType: messaging.EventTypeEncrypted,
		Messages:  map[ref.UserID]map[ref.DeviceID]any{bob: {b.device: content}},
	})
	if err != nil {
		t.Fatalf("SendToDevice: %v", err)
	}
	events := b.receive(t)
	if len(events) != 1 {
		t.Fatalf("received %d events", len(events))
	}
	if got := bodyOf(t, events[0].Payload); got != "direct" || events[0].Sender != alice || !events[0].SenderVerified {
		t.Errorf("received %q from %s (verified %v)", got, events[0].Sender, events[0].SenderVerified)
	}
}

func TestMachineMetricsRegistry(t *testing.T) {
	ctx := context.Background()
	a, b := pair(t)
	content, err := a.machine.EncryptOlm(ctx, textPayload(t, "hi"), bob, b.device)
	if err != nil {
		t.Fatalf("EncryptOlm: %v", err)
	}
	if _, err := b.machine.DecryptOlm(ctx, content, alice); err != nil {
		t.Fatalf("DecryptOlm: %v", err)
	}

	for _, test := range []struct {
		machine *Machine
		name    string
		want    int
	}{
		{a.machine, "e2ee_one_time_keys_uploaded_total", 1},
		{a.machine, "e2ee_olm_sessions_created_total", 1},
		{b.machine, "e2ee_olm_sessions_created_total", 1},
		{b.machine, "e2ee_decrypt_failures_total", 0},
	} {
		count, err := promtest.GatherAndCount(test.machine.Metrics(), test.name)
		if err != nil {
			t.Fatalf("GatherAndCount(%s): %v", test.name, err)
		}
		if count != test.want {
			t.Errorf("%s has %d series, want %d", test.name, count, test.want)
		}
	}
	if got := promtest.ToFloat64(b.machine.metrics.olmSessionsCreated.WithLabelValues("inbound")); got != 1 {
		t.Errorf("inbound sessions created = %v, want 1", got)
	}
}

func TestMachineRestartFromSQLite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "e2ee.db")
	pickleKey, err := ratchet.GeneratePickleKey()
	if err != nil {
		t.Fatalf("GeneratePickleKey: %v", err)
	}
	t.Cleanup(func() { pickleKey.Close() })

	open := func() *store.SQLite {
		t.Helper()
		s, err := store.OpenSQLite(store.SQLiteConfig{Path: path})
		if err != nil {
			t.Fatalf("OpenSQLite: %v", err)
		}
		return s
	}

	server := newFakeHomeserver()
	first := open()
	a := newTestDevice(t, server, alice, "ALICEDEV", withStore(first), withPickleKey(pickleKey))
	b := newTestDevice(t, server, bob, "BOBDEV")
	a.refresh(t, bob)
	b.refresh(t, alice)

	content, err := a.machine.EncryptOlm(ctx, textPayload(t, "before restart"), bob, b.device)
	if err != nil {
		t.Fatalf("EncryptOlm: %v", err)
	}
	if _, err := b.machine.DecryptOlm(ctx, content, alice); err != nil {
		t.Fatalf("DecryptOlm: %v", err)
	}
	reply, err := b.machine.EncryptOlm(ctx, textPayload(t, "reply"), alice, a.device)
	if err != nil {
		t.Fatalf("EncryptOlm reply: %v", err)
	}
	if _, err := a.machine.DecryptOlm(ctx, reply, bob); err != nil {
		t.Fatalf("DecryptOlm reply: %v", err)
	}
	identityKey, signingKey := a.machine.IdentityKeys()
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second := open()
	t.Cleanup(func() { second.Close() })
	restarted := newTestDevice(t, server, alice, "ALICEDEV", withStore(second), withPickleKey(pickleKey))
	if gotIdentity, gotSigning := restarted.machine.IdentityKeys(); gotIdentity != identityKey || gotSigning != signingKey {
		t.Fatalf("identity keys changed across restart")
	}
	if n := len(restarted.olmSessions(t, b)); n != 1 {
		t.Fatalf("restarted device has %d sessions with bob, want 1", n)
	}

	restarted.refresh(t, bob)
	content, err = restarted.machine.EncryptOlm(ctx, textPayload(t, "after restart"), bob, b.device)
	if err != nil {
		t.Fatalf("EncryptOlm after restart: %v", err)
	}
	if got := content.Ciphertext[b.identityKey().String()].Type; got != ratchet.MessageTypeNormal {
		t.Errorf("message type after restart = %s, want ordinary", got)
	}
	decrypted, err := b.machine.DecryptOlm(ctx, content, alice)
	if err != nil {
		t.Fatalf("DecryptOlm after restart: %v", err)
	}
	if got := bodyOf(t, decrypted.Payload); got != "after restart" {
		t.Errorf("body = %q", got)
	}
}

func TestMachineRejectsWrongPickleKey(t *testing.T) {
	shared := store.NewMemory()
	server := newFakeHomeserver()
	newTestDevice(t, server, alice, "ALICEDEV", withStore(shared))

	other, err := ratchet.GeneratePickleKey()
	if err != nil {
		t.Fatalf("GeneratePickleKey: %v", err)
	}
	defer other.Close()
	device := ref.MustParseDeviceID("ALICEDEV")
	_, err = NewMachine(context.Background(), Config{
		UserID:    alice,
		DeviceID:  device,
		Store:     shared,
		Transport: server.transport(alice, device),
		PickleKey: other,
	})
	if err == nil {
		t.Fatal("NewMachine unpickled the account with the wrong key")
	}
}
