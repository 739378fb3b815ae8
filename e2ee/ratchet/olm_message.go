// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ratchet

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/e2ee/lib/codec"
)

// MessageType distinguishes Olm pre-key messages from ordinary ones.
// The values match the "type" field of m.olm.v1 ciphertext.
type MessageType int

const (
	// MessageTypePreKey carries the key material that lets the
	// receiver create the session.
	MessageTypePreKey MessageType = 0

	// MessageTypeNormal is any message after the sender has heard
	// back from the receiver.
	MessageTypeNormal MessageType = 1
)

func (t MessageType) String() string {
	switch t {
	case MessageTypePreKey:
		return "pre-key"
	case MessageTypeNormal:
		return "ordinary"
	default:
		return fmt.Sprintf("MessageType(%d)", int(t))
	}
}

const olmMessageVersion = 3

// ErrBadMessageFormat is returned for undecodable or wrong-version
// messages.
var ErrBadMessageFormat = errors.New("ratchet: bad message format")

// olmMessageBody is the authenticated part of an Olm message.
type olmMessageBody struct {
	Version    int      `cbor:"1,keyasint"`
	RatchetKey [32]byte `cbor:"2,keyasint"`
	ChainIndex uint32   `cbor:"3,keyasint"`
	Ciphertext []byte   `cbor:"4,keyasint"`
}

// olmMessage is an encoded body plus its truncated MAC. The MAC covers
// Body exactly as transmitted.
type olmMessage struct {
	Body []byte `cbor:"1,keyasint"`
	MAC  []byte `cbor:"2,keyasint"`
}

// preKeyMessage wraps the first messages of a session with the keys the
// receiver needs to run the triple Diffie-Hellman.
type preKeyMessage struct {
	Version     int      `cbor:"1,keyasint"`
	OneTimeKey  [32]byte `cbor:"2,keyasint"`
	BaseKey     [32]byte `cbor:"3,keyasint"`
	IdentityKey [32]byte `cbor:"4,keyasint"`
	Message     []byte   `cbor:"5,keyasint"`
}

func decodeOlmMessage(data []byte) (olmMessage, olmMessageBody, error) {
	var message olmMessage
	if err := codec.Unmarshal(data, &message); err != nil {
		return olmMessage{}, olmMessageBody{}, fmt.Errorf("%w: %v", ErrBadMessageFormat, err)
	}
	var body olmMessageBody
	if err := codec.Unmarshal(message.Body, &body); err != nil {
		return olmMessage{}, olmMessageBody{}, fmt.Errorf("%w: %v", ErrBadMessageFormat, err)
	}
	if body.Version != olmMessageVersion {
		return olmMessage{}, olmMessageBody{}, fmt.Errorf("%w: version %d", ErrBadMessageFormat, body.Version)
	}
	if len(message.MAC) != macLength {
		return olmMessage{}, olmMessageBody{}, fmt.Errorf("%w: MAC length %d", ErrBadMessageFormat, len(message.MAC))
	}
	return message, body, nil
}

func decodePreKeyMessage(data []byte) (preKeyMessage, error) {
	var message preKeyMessage
	if err := codec.Unmarshal(data, &message); err != nil {
		return preKeyMessage{}, fmt.Errorf("%w: %v", ErrBadMessageFormat, err)
	}
	if message.Version != olmMessageVersion {
		return preKeyMessage{}, fmt.Errorf("%w: pre-key version %d", ErrBadMessageFormat, message.Version)
	}
	return message, nil
}
