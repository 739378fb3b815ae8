// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package trust_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/bureau-foundation/e2ee/e2ee/ratchet"
	"github.com/bureau-foundation/e2ee/e2ee/trust"
	"github.com/bureau-foundation/e2ee/lib/ref"
	"github.com/bureau-foundation/e2ee/messaging"
)

var (
	alice       = ref.MustParseUserID("@alice:test.local")
	aliceDevice = ref.MustParseDeviceID("ALICEDEVICE")
	mallory     = ref.MustParseUserID("@mallory:test.local")
)

func newAccount(t *testing.T) *ratchet.Account {
	t.Helper()
	account, err := ratchet.NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	return account
}

// signedDeviceKeys returns account's device key document for
// alice/ALICEDEVICE, self-signed, as the server would return it.
func signedDeviceKeys(t *testing.T, account *ratchet.Account) json.RawMessage {
	t.Helper()
	curve, ed := account.IdentityKeys()
	keys := messaging.DeviceKeys{
		UserID:     alice,
		DeviceID:   aliceDevice,
		Algorithms: []string{messaging.AlgorithmOlm, messaging.AlgorithmMegolm},
		Keys: map[string]string{
			"curve25519:ALICEDEVICE": curve.String(),
			"ed25519:ALICEDEVICE":    ed.String(),
		},
	}
	signature, err := trust.Sign(keys, account.Sign)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	keys.Signatures = messaging.Signatures{
		alice.String(): {"ed25519:ALICEDEVICE": signature},
	}
	raw, err := json.Marshal(keys)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

// mutate decodes document, applies edit, and re-encodes it.
func mutate(t *testing.T, document json.RawMessage, edit func(map[string]any)) json.RawMessage {
	t.Helper()
	var object map[string]any
	if err := json.Unmarshal(document, &object); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	edit(object)
	raw, err := json.Marshal(object)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestCanonical(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "keys sorted and whitespace removed",
			input: `{ "b": 1, "a": { "d": true, "c": null } }`,
			want:  `{"a":{"c":null,"d":true},"b":1}`,
		},
		{
			name:  "signatures and unsigned stripped",
			input: `{"signatures":{"@a:b":{"ed25519:X":"sig"}},"unsigned":{"age":5},"k":"v"}`,
			want:  `{"k":"v"}`,
		},
		{
			name:  "nested signatures kept",
			input: `{"inner":{"signatures":"kept"}}`,
			want:  `{"inner":{"signatures":"kept"}}`,
		},
		{
			name:  "html not escaped",
			input: `{"k":"<a&b>"}`,
			want:  `{"k":"<a&b>"}`,
		},
		{
			name:  "large integers preserved",
			input: `{"n":12345678901234567890}`,
			want:  `{"n":12345678901234567890}`,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := trust.Canonical(json.RawMessage(test.input))
			if err != nil {
				t.Fatalf("Canonical: %v", err)
			}
			if string(got) != test.want {
				t.Errorf("Canonical = %s, want %s", got, test.want)
			}
		})
	}
}

func TestCanonicalRejectsNonObjects(t *testing.T) {
	for _, input := range []string{`[1,2]`, `"string"`, `null`, `{"a":1} {"b":2}`, `{`} {
		if _, err := trust.Canonical(json.RawMessage(input)); err == nil {
			t.Errorf("Canonical(%s) succeeded, want error", input)
		}
	}
}

func TestVerifyDeviceKeys(t *testing.T) {
	gate := trust.NewGate(trust.GateConfig{})
	account := newAccount(t)
	document := signedDeviceKeys(t, account)

	keys, result := gate.VerifyDeviceKeys(document, alice, aliceDevice)
	if !result.Valid {
		t.Fatalf("VerifyDeviceKeys = %v, want valid", result)
	}
	curve, ed := account.IdentityKeys()
	if got, _ := keys.Curve25519(); got != curve {
		t.Errorf("Curve25519 = %s, want %s", got, curve)
	}
	if got, _ := keys.Ed25519(); got != ed {
		t.Errorf("Ed25519 = %s, want %s", got, ed)
	}
}

func TestVerifyDeviceKeysIgnoresUnsigned(t *testing.T) {
	gate := trust.NewGate(trust.GateConfig{})
	document := mutate(t, signedDeviceKeys(t, newAccount(t)), func(object map[string]any) {
		object["unsigned"] = map[string]any{"device_display_name": "laptop"}
	})
	if _, result := gate.VerifyDeviceKeys(document, alice, aliceDevice); !result.Valid {
		t.Fatalf("VerifyDeviceKeys = %v, want valid", result)
	}
}

func TestVerifyDeviceKeysRejectsTampering(t *testing.T) {
	gate := trust.NewGate(trust.GateConfig{})
	account := newAccount(t)
	other := newAccount(t)
	otherCurve, otherEd := other.IdentityKeys()

	tests := []struct {
		name   string
		edit   func(map[string]any)
		reason string
	}{
		{
			name:   "user id changed",
			edit:   func(o map[string]any) { o["user_id"] = mallory.String() },
			reason: "name user",
		},
		{
			name:   "device id changed",
			edit:   func(o map[string]any) { o["device_id"] = "OTHERDEVICE" },
			reason: "name device",
		},
		{
			name: "curve25519 key replaced",
			edit: func(o map[string]any) {
				o["keys"].(map[string]any)["curve25519:ALICEDEVICE"] = otherCurve.String()
			},
			reason: "does not match",
		},
		{
			name: "ed25519 key replaced",
			edit: func(o map[string]any) {
				o["keys"].(map[string]any)["ed25519:ALICEDEVICE"] = otherEd.String()
			},
			reason: "does not match",
		},
		{
			name:   "algorithm added",
			edit:   func(o map[string]any) { o["algorithms"] = []any{"m.olm.v1.curve25519-aes-sha2"} },
			reason: "does not match",
		},
		{
			name:   "signed field added",
			edit:   func(o map[string]any) { o["extra"] = "value" },
			reason: "does not match",
		},
		{
			name:   "signature removed",
			edit:   func(o map[string]any) { delete(o, "signatures") },
			reason: "no signatures",
		},
		{
			name: "signature by wrong signer",
			edit: func(o map[string]any) {
				o["signatures"] = map[string]any{mallory.String(): o["signatures"].(map[string]any)[alice.String()]}
			},
			reason: "no signatures by",
		},
		{
			name: "signature not base64",
			edit: func(o map[string]any) {
				o["signatures"] = map[string]any{alice.String(): map[string]any{"ed25519:ALICEDEVICE": "!!"}}
			},
			reason: "malformed",
		},
		{
			name:   "signatures wrong type",
			edit:   func(o map[string]any) { o["signatures"] = "nope" },
			reason: "malformed device keys",
		},
		{
			name: "ed25519 key missing",
			edit: func(o map[string]any) {
				delete(o["keys"].(map[string]any), "ed25519:ALICEDEVICE")
			},
			reason: "no ed25519 key",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			document := mutate(t, signedDeviceKeys(t, account), test.edit)
			_, result := gate.VerifyDeviceKeys(document, alice, aliceDevice)
			if result.Valid {
				t.Fatal("tampered document verified")
			}
			if !strings.Contains(result.Reason, test.reason) {
				t.Errorf("reason %q does not mention %q", result.Reason, test.reason)
			}
		})
	}
}

func TestVerifyNeverPanicsOnMalformedInput(t *testing.T) {
	gate := trust.NewGate(trust.GateConfig{})
	_, ed := newAccount(t).IdentityKeys()
	inputs := []any{
		json.RawMessage(``),
		json.RawMessage(`null`),
		json.RawMessage(`[]`),
		json.RawMessage(`{"signatures":{"@alice:test.local":"flat"}}`),
		json.RawMessage(`{"signatures":{"@alice:test.local":{"ed25519:ALICEDEVICE":42}}}`),
		make(chan int),
		nil,
	}
	for _, input := range inputs {
		if result := gate.Verify(input, alice, "ed25519:ALICEDEVICE", ed); result.Valid {
			t.Errorf("Verify(%v) valid", input)
		}
	}
	if result := gate.Verify(json.RawMessage(`{}`), alice, "ed25519:ALICEDEVICE", ref.Ed25519Key{}); result.Valid {
		t.Error("Verify with zero key valid")
	}
	for _, document := range []string{``, `{`, `{"user_id":"not-a-user"}`} {
		if _, result := gate.VerifyDeviceKeys(json.RawMessage(document), alice, aliceDevice); result.Valid {
			t.Errorf("VerifyDeviceKeys(%q) valid", document)
		}
	}
}

func signedOneTimeKey(t *testing.T, account *ratchet.Account) json.RawMessage {
	t.Helper()
	if err := account.GenerateOneTimeKeys(1); err != nil {
		t.Fatalf("GenerateOneTimeKeys: %v", err)
	}
	var key messaging.SignedKey
	for _, public := range account.OneTimeKeys() {
		key.Key = public
	}
	signature, err := trust.Sign(key, account.Sign)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	key.Signatures = messaging.Signatures{alice.String(): {"ed25519:ALICEDEVICE": signature}}
	raw, err := json.Marshal(key)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestVerifyOneTimeKey(t *testing.T) {
	gate := trust.NewGate(trust.GateConfig{})
	account := newAccount(t)
	_, signingKey := account.IdentityKeys()
	_, otherKey := newAccount(t).IdentityKeys()
	document := signedOneTimeKey(t, account)

	key, result := gate.VerifyOneTimeKey(document, alice, aliceDevice, signingKey)
	if !result.Valid {
		t.Fatalf("VerifyOneTimeKey = %v, want valid", result)
	}
	if key.Key.IsZero() {
		t.Error("decoded key is zero")
	}

	if _, result := gate.VerifyOneTimeKey(document, alice, aliceDevice, otherKey); result.Valid {
		t.Error("one-time key verified against another device's signing key")
	}

	replaced := mutate(t, document, func(o map[string]any) {
		other, _ := newAccount(t).IdentityKeys()
		o["key"] = other.String()
	})
	if _, result := gate.VerifyOneTimeKey(replaced, alice, aliceDevice, signingKey); result.Valid {
		t.Error("one-time key with substituted key verified")
	}

	fallback := mutate(t, document, func(o map[string]any) { o["fallback"] = true })
	if _, result := gate.VerifyOneTimeKey(fallback, alice, aliceDevice, signingKey); result.Valid {
		t.Error("fallback flag added after signing verified")
	}
}
