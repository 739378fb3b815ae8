// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/e2ee/e2ee/ratchet"
	"github.com/bureau-foundation/e2ee/lib/ref"
	"github.com/bureau-foundation/e2ee/messaging"
)

// Payload is serialized event content of any kind: the only shape the
// session managers encrypt. Use [NewPayload] to build one from a
// typed [Content] and [Payload.Decode] to get the typed value back.
type Payload struct {
	Type    ref.EventType
	Content json.RawMessage
}

// Content is one of the event content kinds multiplexed through
// encrypted envelopes. The set is closed: [RoomKeyContent] for session
// keys, [OpaqueContent] for everything the engine does not interpret.
type Content interface {
	EventType() ref.EventType
	isContent()
}

// RoomKeyContent is an m.room_key event: a Megolm session key sent to
// one device over Olm.
type RoomKeyContent struct {
	Algorithm  string     `json:"algorithm"`
	RoomID     ref.RoomID `json:"room_id"`
	SessionID  string     `json:"session_id"`
	SessionKey string     `json:"session_key"`
}

func (RoomKeyContent) EventType() ref.EventType { return messaging.EventTypeRoomKey }
func (RoomKeyContent) isContent() {}

// OpaqueContent is content of a type the engine passes through
// untouched, such as m.room.message.
type OpaqueContent struct {
	Type ref.EventType
	Raw  json.RawMessage
}

func (c OpaqueContent) EventType() ref.EventType { return c.Type }
func (OpaqueContent) isContent() {}

// NewPayload serializes content.
func NewPayload(content Content) (Payload, error) {
	if opaque, ok := content.(OpaqueContent); ok {
		if !json.Valid(opaque.Raw) {
			return Payload{}, fmt.Errorf("e2ee: %s content is not valid JSON", opaque.Type)
		}
		return Payload{Type: opaque.Type, Content: opaque.Raw}, nil
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return Payload{}, fmt.Errorf("e2ee: encoding %s content: %w", content.EventType(), err)
	}
	return Payload{Type: content.EventType(), Content: raw}, nil
}

// Decode returns the typed content for the payload's event type.
func (p Payload) Decode() (Content, error) {
	switch p.Type {
	case messaging.EventTypeRoomKey:
		var content RoomKeyContent
		if err := json.Unmarshal(p.Content, &content); err != nil {
			return nil, fmt.Errorf("e2ee: decoding %s content: %w", p.Type, err)
		}
		return content, nil
	default:
		return OpaqueContent{Type: p.Type, Raw: p.Content}, nil
	}
}

// signingKeys is the "keys" object of an Olm payload.
type signingKeys struct {
	Ed25519 ref.Ed25519Key `json:"ed25519"`
}

// olmPayload is the plaintext inside an Olm message. The sender and
// recipient fields bind the ciphertext to both devices so it cannot be
// replayed to, or claimed from, another one.
type olmPayload struct {
	Type          ref.EventType   `json:"type"`
	Content       json.RawMessage `json:"content"`
	Sender        ref.UserID      `json:"sender"`
	SenderDevice  ref.DeviceID    `json:"sender_device"`
	Keys          signingKeys     `json:"keys"`
	Recipient     ref.UserID      `json:"recipient"`
	RecipientKeys signingKeys     `json:"recipient_keys"`
}

// megolmPayload is the plaintext inside a Megolm message.
type megolmPayload struct {
	Type    ref.EventType   `json:"type"`
	Content json.RawMessage `json:"content"`
	RoomID  ref.RoomID      `json:"room_id"`
}

// OlmCiphertext is one recipient's ciphertext in an Olm event.
type OlmCiphertext struct {
	Type ratchet.MessageType `json:"type"`
	// Body is the unpadded base64 ratchet message.
	Body string `json:"body"`
}

// OlmEncryptedContent is the content of a to-device m.room.encrypted
// event using Olm. Ciphertext is keyed by recipient identity key.
type OlmEncryptedContent struct {
	Algorithm  string                   `json:"algorithm"`
	SenderKey  ref.Curve25519Key        `json:"sender_key"`
	Ciphertext map[string]OlmCiphertext `json:"ciphertext"`
}

// MegolmEncryptedContent is the content of a room m.room.encrypted
// event using Megolm.
type MegolmEncryptedContent struct {
	Algorithm  string            `json:"algorithm"`
	SenderKey  ref.Curve25519Key `json:"sender_key"`
	DeviceID   ref.DeviceID      `json:"device_id"`
	SessionID  string            `json:"session_id"`
	Ciphertext string            `json:"ciphertext"`
}

// EncryptedRoomEvent is a received room event carrying Megolm
// ciphertext.
type EncryptedRoomEvent struct {
	EventID        ref.EventID
	RoomID         ref.RoomID
	Sender         ref.UserID
	OriginServerTS int64
	Content        MegolmEncryptedContent
}

// DecryptedOlmEvent is the verified plaintext of an Olm event.
type DecryptedOlmEvent struct {
	Sender           ref.UserID
	SenderDevice     ref.DeviceID
	SenderKey        ref.Curve25519Key
	SenderSigningKey ref.Ed25519Key
	// SenderVerified is true when the sender's device keys were cached
	// and matched both the sender key and the claimed signing key.
	SenderVerified bool
	Payload        Payload
}

// DecryptedEvent is the verified plaintext of a Megolm room event.
type DecryptedEvent struct {
	EventID      ref.EventID
	RoomID       ref.RoomID
	Sender       ref.UserID
	SenderKey    ref.Curve25519Key
	SenderDevice ref.DeviceID
	SessionID    string
	MessageIndex uint32
	Payload      Payload
}
