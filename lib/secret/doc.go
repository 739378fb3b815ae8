// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret provides a memory-safe buffer for key material.
//
// The engine keeps two long-lived secrets in memory: the pickle key
// that seals every ratchet state written to the store, and the
// homeserver access token. [Buffer] holds each in an anonymous mmap
// region that is mlock'd and excluded from core dumps, and zeroes it
// on Close. The region lives outside the Go heap, so the garbage
// collector never copies it.
//
// [ReadFromPath] loads a key file (or stdin for "-") straight into a
// Buffer and zeros the heap copy. [WriteFile] persists one with 0600
// permissions.
package secret
