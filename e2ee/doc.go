// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package e2ee is an end-to-end encryption engine for Matrix devices.
//
// [Machine] is the entry point. It owns one local Olm account and
// wires together:
//
//   - [OlmManager], which encrypts and decrypts pairwise to-device
//     messages. Sessions are chosen most recently used first, new
//     outbound sessions start from a claimed one-time key that passed
//     the trust gate, and a sender can create at most a fixed number of
//     inbound sessions per window.
//   - [MegolmManager], which encrypts room messages with a per-room
//     outbound group session, rotates it by message count and age, and
//     shares its key with member devices over Olm. Received room events
//     are checked against a replay ledger so each ratchet index is
//     accepted for one event only.
//   - [Reactor], which reacts to membership, encryption-state and
//     device-list changes by queuing key queries and ending outbound
//     sessions that departed members could read.
//   - [KeyQuerier], which drains the outdated device-list set through
//     /keys/query and caches only self-signed device keys.
//
// Ratchet state never lives in memory between operations. Each
// operation takes the per-peer or per-room lock, unpickles the state
// from the [store.Store], applies one ratchet step, and persists the
// result only after every check passed and the context is still live.
// A cancelled call leaves stored state as it was.
//
// Failures are typed. [KeyNotFoundError], [KeyVerificationFailedError],
// [SessionError] and [DecryptionError] match the sentinels declared in
// errors.go through errors.Is, so callers can branch on
// ErrReplayedIndex or ErrPreventTooManySessions without unwrapping.
package e2ee
