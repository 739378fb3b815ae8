// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable references for the
// identifiers the encryption engine passes around: Matrix user, device,
// room and event IDs, plus the Curve25519 and Ed25519 public keys that
// identify a device cryptographically.
//
// Each type wraps a validated string. Constructors (Parse*) validate at
// the boundary; Must* variants panic and exist for tests and static
// initialization. The zero value of every type is "unset" and reports
// IsZero. All types implement encoding.TextMarshaler and
// encoding.TextUnmarshaler, so they serialize as plain strings in JSON
// and CBOR and can be used directly as map keys.
package ref
