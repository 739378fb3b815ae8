// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package trust decides whether signed key material may be used.
//
// Every device key document and every claimed one-time key is signed
// with the owning device's Ed25519 key over its canonical JSON form
// (object keys sorted, no insignificant whitespace, the "signatures"
// and "unsigned" members removed). [Gate] checks those signatures and
// the identity fields around them before any key reaches a store or a
// new Olm session.
//
// Verification never returns an error and never panics on malformed
// input: the outcome is a [Result] that is either valid or invalid
// with a reason, and callers branch on it.
package trust

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/e2ee/lib/ref"
	"github.com/bureau-foundation/e2ee/messaging"
)

// Result is the outcome of a verification.
type Result struct {
	Valid  bool
	Reason string
}

func (r Result) String() string {
	if r.Valid {
		return "valid"
	}
	return "invalid: " + r.Reason
}

var valid = Result{Valid: true}

func invalid(format string, args ...any) Result {
	return Result{Reason: fmt.Sprintf(format, args...)}
}

// Canonical returns the canonical JSON encoding of value with the
// top-level "signatures" and "unsigned" members removed. value may be
// a json.RawMessage, a []byte holding JSON, or anything encoding/json
// can marshal into an object.
func Canonical(value any) ([]byte, error) {
	object, err := decodeObject(value)
	if err != nil {
		return nil, err
	}
	delete(object, "signatures")
	delete(object, "unsigned")
	return encodeCanonical(object)
}

// Sign returns the unpadded base64 signature sign produces over the
// canonical form of value.
func Sign(value any, sign func(message []byte) string) (string, error) {
	canonical, err := Canonical(value)
	if err != nil {
		return "", fmt.Errorf("trust: canonicalizing signed object: %w", err)
	}
	return sign(canonical), nil
}

// GateConfig configures a Gate.
type GateConfig struct {
	// Logger receives a warning for every invalid result. If nil,
	// logs are discarded.
	Logger *slog.Logger
}

// Gate verifies signed key material. A Gate has no mutable state and
// is safe for concurrent use.
type Gate struct {
	logger *slog.Logger
}

// NewGate creates a Gate.
func NewGate(config GateConfig) *Gate {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Gate{logger: logger}
}

// Verify checks that object carries a valid signature by signer under
// keyID, made with key, over its canonical form.
func (g *Gate) Verify(object any, signer ref.UserID, keyID string, key ref.Ed25519Key) Result {
	result := verify(object, signer, keyID, key)
	if !result.Valid {
		g.logger.Warn("signature verification failed",
			"signer", signer,
			"key_id", keyID,
			"reason", result.Reason,
		)
	}
	return result
}

// VerifyDeviceKeys checks a device key document fetched for
// (userID, deviceID): the document must name that user and device,
// advertise both identity keys, and be self-signed by its Ed25519 key.
// The decoded document is only meaningful when the result is valid.
func (g *Gate) VerifyDeviceKeys(document json.RawMessage, userID ref.UserID, deviceID ref.DeviceID) (messaging.DeviceKeys, Result) {
	keys, result := verifyDeviceKeys(document, userID, deviceID)
	if !result.Valid {
		g.logger.Warn("rejecting device keys",
			"user_id", userID,
			"device_id", deviceID,
			"reason", result.Reason,
		)
	}
	return keys, result
}

// VerifyOneTimeKey checks a claimed one-time or fallback key document:
// it must be signed by the claimed device's Ed25519 key, which the
// caller takes from previously verified device keys.
func (g *Gate) VerifyOneTimeKey(document json.RawMessage, userID ref.UserID, deviceID ref.DeviceID, signingKey ref.Ed25519Key) (messaging.SignedKey, Result) {
	var key messaging.SignedKey
	result := func() Result {
		if err := json.Unmarshal(document, &key); err != nil {
			return invalid("malformed signed key: %v", err)
		}
		if key.Key.IsZero() {
			return invalid("signed key has no key")
		}
		return verify(document, userID, ref.KeyID(messaging.AlgorithmEd25519, deviceID.String()), signingKey)
	}()
	if !result.Valid {
		g.logger.Warn("rejecting one-time key",
			"user_id", userID,
			"device_id", deviceID,
			"reason", result.Reason,
		)
	}
	return key, result
}

func verifyDeviceKeys(document json.RawMessage, userID ref.UserID, deviceID ref.DeviceID) (messaging.DeviceKeys, Result) {
	var keys messaging.DeviceKeys
	if err := json.Unmarshal(document, &keys); err != nil {
		return keys, invalid("malformed device keys: %v", err)
	}
	if keys.UserID != userID {
		return keys, invalid("device keys name user %q, expected %q", keys.UserID, userID)
	}
	if keys.DeviceID != deviceID {
		return keys, invalid("device keys name device %q, expected %q", keys.DeviceID, deviceID)
	}
	if _, err := keys.Curve25519(); err != nil {
		return keys, invalid("%v", err)
	}
	signingKey, err := keys.Ed25519()
	if err != nil {
		return keys, invalid("%v", err)
	}
	return keys, verify(document, userID, ref.KeyID(messaging.AlgorithmEd25519, deviceID.String()), signingKey)
}

func verify(object any, signer ref.UserID, keyID string, key ref.Ed25519Key) Result {
	if key.IsZero() {
		return invalid("no signing key for %s", keyID)
	}
	decoded, err := decodeObject(object)
	if err != nil {
		return invalid("malformed signed object: %v", err)
	}

	signatures, ok := decoded["signatures"].(map[string]any)
	if !ok {
		return invalid("object has no signatures")
	}
	bySigner, ok := signatures[signer.String()].(map[string]any)
	if !ok {
		return invalid("no signatures by %s", signer)
	}
	encoded, ok := bySigner[keyID].(string)
	if !ok {
		return invalid("no signature by %s with %s", signer, keyID)
	}
	signature, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil || len(signature) != ed25519.SignatureSize {
		return invalid("signature by %s with %s is malformed", signer, keyID)
	}

	delete(decoded, "signatures")
	delete(decoded, "unsigned")
	canonical, err := encodeCanonical(decoded)
	if err != nil {
		return invalid("cannot canonicalize: %v", err)
	}
	public := key.Bytes()
	if !ed25519.Verify(public[:], canonical, signature) {
		return invalid("signature by %s with %s does not match", signer, keyID)
	}
	return valid
}

// decodeObject turns value into a generic JSON object. Numbers stay
// json.Number so integers re-encode without a float round trip.
func decodeObject(value any) (map[string]any, error) {
	var raw []byte
	switch v := value.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		marshaled, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		raw = marshaled
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var object map[string]any
	if err := decoder.Decode(&object); err != nil {
		return nil, err
	}
	if object == nil {
		return nil, fmt.Errorf("not a JSON object")
	}
	if decoder.More() {
		return nil, fmt.Errorf("trailing data after JSON object")
	}
	return object, nil
}

// encodeCanonical relies on encoding/json sorting map keys and
// emitting no whitespace; HTML escaping is the only default that has
// to be turned off.
func encodeCanonical(object map[string]any) ([]byte, error) {
	var buffer bytes.Buffer
	encoder := json.NewEncoder(&buffer)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(object); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buffer.Bytes(), []byte("\n")), nil
}
