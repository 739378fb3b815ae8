// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratchet implements the Olm and Megolm cryptographic ratchets
// as owned, side-effect-free values.
//
// Nothing in this package performs I/O or holds locks. A caller loads
// a [Pickle] from storage, unpickles it into a fresh value, applies one
// operation, pickles the result, and writes it back. Two goroutines
// must never operate on values unpickled from the same stored state at
// the same time; the session managers in package e2ee serialize that.
//
// # Olm
//
// [Account] holds a device's long-term Curve25519 identity key, its
// Ed25519 signing key, up to [MaxOneTimeKeys] one-time keys, and a
// current and previous fallback key.
//
// [OlmSession] is a pairwise double ratchet. The initiating side runs a
// triple Diffie-Hellman over its identity key, a fresh base key, the
// peer's identity key and one of the peer's one-time keys, then sends
// [MessageTypePreKey] messages until it hears back. The Diffie-Hellman
// ratchet steps on send: receiving a new ratchet key drops the local
// sender chain, and the next Encrypt generates a new one. Out-of-order
// delivery is handled with up to [MaxSkippedMessageKeys] stored message
// keys and [MaxReceiverChains] receiver chains. A single message may not
// skip more than [MaxMessageGap] keys.
//
// # Megolm
//
// [OutboundGroupSession] is a four-part hash ratchet R0..R3 paired with
// an Ed25519 signing key whose public half is the session ID. Every
// message is MAC'd with a key derived from the ratchet at its index and
// signed with the session's signing key. [InboundGroupSession] holds a
// copy of the ratchet at its first known index and can decrypt any
// later message; it cannot go backwards.
//
// # Payload cipher
//
// Both protocols turn a 32-byte (Olm) or 128-byte (Megolm) secret into
// an AES-256 key, an HMAC-SHA256 key and an IV with HKDF-SHA256, encrypt
// with AES-256-CBC and PKCS#7 padding, and append the first 8 bytes of
// an HMAC over the encoded message.
//
// # Pickles
//
// A [Pickle] is the CBOR encoding of a value's state sealed with age to
// the device's [PickleKey]. Pickles are opaque outside this package.
package ratchet
