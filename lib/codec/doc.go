// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR configuration shared by the
// encryption engine.
//
// The boundary between formats:
//
//   - JSON for everything Matrix sees: event content, the Olm inner
//     payload, signed device keys, /keys and /sendToDevice bodies.
//   - CBOR for everything only this engine reads: pickled ratchet
//     state, the bodies of Olm and Megolm ciphertexts, and structured
//     columns in the SQLite store.
//
// Encoding is Core Deterministic (RFC 8949 §4.2), so equal values
// always produce equal bytes. Decoding rejects duplicate map keys,
// since ciphertext bodies arrive from untrusted peers.
//
//	data, err := codec.Marshal(state)
//	err = codec.Unmarshal(data, &state)
package codec
