// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/e2ee/lib/ref"
)

// Key algorithm names used in key IDs and device documents.
const (
	AlgorithmCurve25519       = "curve25519"
	AlgorithmEd25519          = "ed25519"
	AlgorithmSignedCurve25519 = "signed_curve25519"
)

// Encryption algorithms a device can advertise.
const (
	AlgorithmOlm    = "m.olm.v1.curve25519-aes-sha2"
	AlgorithmMegolm = "m.megolm.v1.aes-sha2"
)

// Event types carried over the to-device channel or in rooms.
const (
	EventTypeEncrypted  ref.EventType = "m.room.encrypted"
	EventTypeRoomKey    ref.EventType = "m.room_key"
	EventTypeEncryption ref.EventType = "m.room.encryption"
	EventTypeMember     ref.EventType = "m.room.member"
)

// Signatures maps signer user ID to key ID ("ed25519:DEVICE") to an
// unpadded base64 signature.
type Signatures map[string]map[string]string

// DeviceKeys is the signed identity document a device publishes with
// /keys/upload and that other devices fetch with /keys/query.
type DeviceKeys struct {
	UserID     ref.UserID        `json:"user_id"`
	DeviceID   ref.DeviceID      `json:"device_id"`
	Algorithms []string          `json:"algorithms"`
	Keys       map[string]string `json:"keys"`
	Signatures Signatures        `json:"signatures,omitempty"`
	Unsigned   map[string]any    `json:"unsigned,omitempty"`
}

// Curve25519 returns the device's identity key.
func (d DeviceKeys) Curve25519() (ref.Curve25519Key, error) {
	raw, ok := d.Keys[ref.KeyID(AlgorithmCurve25519, d.DeviceID.String())]
	if !ok {
		return ref.Curve25519Key{}, fmt.Errorf("device %s has no curve25519 key", d.DeviceID)
	}
	return ref.ParseCurve25519Key(raw)
}

// Ed25519 returns the device's signing key.
func (d DeviceKeys) Ed25519() (ref.Ed25519Key, error) {
	raw, ok := d.Keys[ref.KeyID(AlgorithmEd25519, d.DeviceID.String())]
	if !ok {
		return ref.Ed25519Key{}, fmt.Errorf("device %s has no ed25519 key", d.DeviceID)
	}
	return ref.ParseEd25519Key(raw)
}

// SignedKey is a one-time or fallback key signed by its device's
// Ed25519 key.
type SignedKey struct {
	Key        ref.Curve25519Key `json:"key"`
	Fallback   bool              `json:"fallback,omitempty"`
	Signatures Signatures        `json:"signatures,omitempty"`
}

// UploadKeysRequest is the body of POST /keys/upload. Key maps are
// keyed by algorithm-qualified key ID ("signed_curve25519:AAAAAQ").
type UploadKeysRequest struct {
	DeviceKeys   *DeviceKeys          `json:"device_keys,omitempty"`
	OneTimeKeys  map[string]SignedKey `json:"one_time_keys,omitempty"`
	FallbackKeys map[string]SignedKey `json:"fallback_keys,omitempty"`
}

// UploadKeysResponse reports how many unclaimed one-time keys the
// server holds for this device, per algorithm.
type UploadKeysResponse struct {
	OneTimeKeyCounts map[string]int `json:"one_time_key_counts"`
}

// QueryKeysRequest is the body of POST /keys/query. An empty device
// list for a user requests all of that user's devices.
type QueryKeysRequest struct {
	DeviceKeys map[ref.UserID][]ref.DeviceID `json:"device_keys"`
	// Timeout is how long, in milliseconds, the server waits for
	// remote homeservers.
	Timeout int64 `json:"timeout,omitempty"`
}

// QueryKeysResponse carries raw device key documents. Failures lists
// remote servers that could not be reached.
type QueryKeysResponse struct {
	DeviceKeys map[ref.UserID]map[ref.DeviceID]json.RawMessage `json:"device_keys"`
	Failures   map[string]json.RawMessage                      `json:"failures,omitempty"`
}

// ClaimKeysRequest is the body of POST /keys/claim: the key algorithm
// to claim per device.
type ClaimKeysRequest struct {
	OneTimeKeys map[ref.UserID]map[ref.DeviceID]string `json:"one_time_keys"`
	Timeout     int64                                  `json:"timeout,omitempty"`
}

// ClaimKeysResponse carries, per device, a single key ID mapped to the
// raw signed key document.
type ClaimKeysResponse struct {
	OneTimeKeys map[ref.UserID]map[ref.DeviceID]map[string]json.RawMessage `json:"one_time_keys"`
	Failures    map[string]json.RawMessage                                 `json:"failures,omitempty"`
}

// SendToDeviceRequest is one batch of to-device events sharing an
// event type. Message contents are marshaled as JSON.
type SendToDeviceRequest struct {
	EventType ref.EventType
	Messages  map[ref.UserID]map[ref.DeviceID]any
}

// ToDeviceEvent is an event received over the to-device channel, as
// delivered in the sync response.
type ToDeviceEvent struct {
	Type    ref.EventType   `json:"type"`
	Sender  ref.UserID      `json:"sender"`
	Content json.RawMessage `json:"content"`
}
