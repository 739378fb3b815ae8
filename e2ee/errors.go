// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/e2ee/lib/ref"
)

// Sentinels matched by the typed errors below through errors.Is:
//
//	if errors.Is(err, e2ee.ErrReplayedIndex) { ... }
//
// Use errors.As to reach the structured fields:
//
//	var sessionErr *e2ee.SessionError
//	if errors.As(err, &sessionErr) && sessionErr.Kind == e2ee.SessionPreventTooManySessions { ... }
var (
	ErrKeyNotFound            = errors.New("e2ee: device key not found")
	ErrKeyVerificationFailed  = errors.New("e2ee: key verification failed")
	ErrCouldNotDecrypt        = errors.New("e2ee: no session matches the message")
	ErrPreventTooManySessions = errors.New("e2ee: too many new sessions for sender")
	ErrDecryption             = errors.New("e2ee: decryption failed")

	ErrUnknownSession    = errors.New("e2ee: unknown group session")
	ErrReplayedIndex     = errors.New("e2ee: message index already used by another event")
	ErrRoomMismatch      = errors.New("e2ee: decrypted room does not match event room")
	ErrSenderMismatch    = errors.New("e2ee: decrypted sender does not match event sender")
	ErrRecipientMismatch = errors.New("e2ee: decrypted recipient is not this device")
	ErrNotForThisDevice  = errors.New("e2ee: no ciphertext for this device")
	ErrRatchet           = errors.New("e2ee: ratchet rejected the message")
	ErrMalformed         = errors.New("e2ee: malformed encrypted content")
)

// KeyNotFoundError reports that a device's identity key could not be
// resolved, or that the device may not be used.
type KeyNotFoundError struct {
	UserID   ref.UserID
	DeviceID ref.DeviceID
	Reason   string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("e2ee: no usable key for device %s of %s: %s", e.DeviceID, e.UserID, e.Reason)
}

func (e *KeyNotFoundError) Is(target error) bool { return target == ErrKeyNotFound }

// KeyVerificationFailedError reports a claimed one-time key or device
// key with an invalid signature.
type KeyVerificationFailedError struct {
	UserID   ref.UserID
	DeviceID ref.DeviceID
	Reason   string
}

func (e *KeyVerificationFailedError) Error() string {
	return fmt.Sprintf("e2ee: key of device %s of %s failed verification: %s", e.DeviceID, e.UserID, e.Reason)
}

func (e *KeyVerificationFailedError) Is(target error) bool { return target == ErrKeyVerificationFailed }

// SessionErrorKind distinguishes the Olm session failures.
type SessionErrorKind int

const (
	// SessionCouldNotDecrypt: an ordinary message matched no session.
	SessionCouldNotDecrypt SessionErrorKind = iota
	// SessionPreventTooManySessions: the new-session flood guard tripped.
	SessionPreventTooManySessions
)

func (k SessionErrorKind) String() string {
	switch k {
	case SessionCouldNotDecrypt:
		return "could not decrypt"
	case SessionPreventTooManySessions:
		return "prevent too many sessions"
	default:
		return fmt.Sprintf("SessionErrorKind(%d)", int(k))
	}
}

// SessionError is an Olm session-level failure for one sender key.
type SessionError struct {
	Kind      SessionErrorKind
	SenderKey ref.Curve25519Key
	// Err is the last ratchet error seen, if any.
	Err error
}

func (e *SessionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("e2ee: olm session for %s: %s: %v", e.SenderKey, e.Kind, e.Err)
	}
	return fmt.Sprintf("e2ee: olm session for %s: %s", e.SenderKey, e.Kind)
}

func (e *SessionError) Unwrap() error { return e.Err }

func (e *SessionError) Is(target error) bool {
	switch e.Kind {
	case SessionCouldNotDecrypt:
		return target == ErrCouldNotDecrypt
	case SessionPreventTooManySessions:
		return target == ErrPreventTooManySessions
	}
	return false
}

// DecryptionError is an integrity or authenticity failure. It always
// matches ErrDecryption, plus the sentinel named by Reason.
type DecryptionError struct {
	// Reason is one of the sentinels above (ErrReplayedIndex, ...).
	Reason error
	Detail string
	// Err is the underlying cause, if any.
	Err error
}

func (e *DecryptionError) Error() string {
	message := e.Reason.Error()
	if e.Detail != "" {
		message += ": " + e.Detail
	}
	if e.Err != nil {
		message += ": " + e.Err.Error()
	}
	return message
}

func (e *DecryptionError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Reason, e.Err}
	}
	return []error{e.Reason}
}

func (e *DecryptionError) Is(target error) bool { return target == ErrDecryption }

func decryptionError(reason error, err error, format string, args ...any) *DecryptionError {
	return &DecryptionError{Reason: reason, Detail: fmt.Sprintf(format, args...), Err: err}
}

var failureLabels = []struct {
	err   error
	label string
}{
	{ErrUnknownSession, "unknown_session"},
	{ErrReplayedIndex, "replayed_index"},
	{ErrRoomMismatch, "room_mismatch"},
	{ErrSenderMismatch, "sender_mismatch"},
	{ErrRecipientMismatch, "recipient_mismatch"},
	{ErrNotForThisDevice, "not_for_this_device"},
	{ErrRatchet, "ratchet"},
	{ErrMalformed, "malformed"},
	{ErrCouldNotDecrypt, "could_not_decrypt"},
	{ErrPreventTooManySessions, "too_many_sessions"},
	{ErrKeyNotFound, "key_not_found"},
}

// failureReason returns a metrics label for err.
func failureReason(err error) string {
	for _, candidate := range failureLabels {
		if errors.Is(err, candidate.err) {
			return candidate.label
		}
	}
	return "other"
}
