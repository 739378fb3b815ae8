// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// pattern so tests never block forever on a channel. They are the only
// helpers that use real wall-clock timeouts; everything else in the
// test suite runs on lib/clock.Fake.
//
// [UniqueID] produces monotonically increasing identifiers for event
// IDs and transaction IDs that must differ between test cases.
//
// [DatabasePath] returns a per-test SQLite file path under t.TempDir.
//
// All helpers call t.Fatalf on failure.
package testutil
