// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"

	"github.com/bureau-foundation/e2ee/messaging"
)

// Transport is the homeserver API the engine consumes.
// *messaging.Client implements it.
type Transport interface {
	ClaimKeys(ctx context.Context, request messaging.ClaimKeysRequest) (*messaging.ClaimKeysResponse, error)
	QueryKeys(ctx context.Context, request messaging.QueryKeysRequest) (*messaging.QueryKeysResponse, error)
	UploadKeys(ctx context.Context, request messaging.UploadKeysRequest) (*messaging.UploadKeysResponse, error)
	SendToDevice(ctx context.Context, request messaging.SendToDeviceRequest) error
}

var _ Transport = (*messaging.Client)(nil)
