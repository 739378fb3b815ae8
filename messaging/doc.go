// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging is the Matrix client-server transport for the
// encryption engine.
//
// [Client] covers only the endpoints end-to-end encryption needs:
// publishing device and one-time keys (UploadKeys), fetching other
// devices' keys (QueryKeys), claiming one-time keys to start Olm
// sessions (ClaimKeys), and delivering encrypted to-device events
// (SendToDevice). The access token lives in an mmap-backed
// secret.Buffer owned by the Client; call Close to release it.
//
// Key documents in query and claim responses are kept as raw JSON.
// Their signatures cover the canonical form of the exact object the
// server returned, including fields this package does not model, so
// decoding into structs happens only after the signature is checked.
//
// All API errors are returned as [*MatrixError] with the standard Matrix
// error code and HTTP status code. [IsMatrixError] tests for a specific
// code and [IsRetryable] for rate limiting and server errors. Request
// URLs are built by string concatenation with path segments escaped
// individually.
package messaging
