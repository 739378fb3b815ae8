// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bureau-foundation/e2ee/e2ee/devicekeys"
	"github.com/bureau-foundation/e2ee/e2ee/trust"
	"github.com/bureau-foundation/e2ee/lib/clock"
	"github.com/bureau-foundation/e2ee/lib/ref"
	"github.com/bureau-foundation/e2ee/messaging"
)

// Defaults for KeyQueryConfig.
const (
	DefaultKeyQueryRetryInterval = 30 * time.Second
	DefaultKeyQueryServerTimeout = 10 * time.Second
)

// KeyQueryConfig configures a KeyQuerier.
type KeyQueryConfig struct {
	UserID    ref.UserID
	DeviceID  ref.DeviceID
	Devices   *devicekeys.Store
	Transport Transport
	Gate      *trust.Gate
	// Reactor is told about every user whose device list changed.
	Reactor *Reactor

	// RetryInterval is how long Run waits after a failed query before
	// trying the outdated set again.
	RetryInterval time.Duration
	// ServerTimeout is passed to the homeserver as the federation
	// timeout of each query.
	ServerTimeout time.Duration

	Clock   clock.Clock
	Metrics *Metrics
	Logger  *slog.Logger
}

// KeyQuerier refreshes outdated device lists with /keys/query. Every
// returned device key document passes through the trust gate before it
// is cached; documents that fail are dropped.
type KeyQuerier struct {
	userID        ref.UserID
	deviceID      ref.DeviceID
	devices       *devicekeys.Store
	transport     Transport
	gate          *trust.Gate
	reactor       *Reactor
	retryInterval time.Duration
	serverTimeout time.Duration
	clock         clock.Clock
	metrics       *Metrics
	logger        *slog.Logger

	inflight singleflight.Group
}

// NewKeyQuerier creates a KeyQuerier.
func NewKeyQuerier(config KeyQueryConfig) *KeyQuerier {
	querier := &KeyQuerier{
		userID:        config.UserID,
		deviceID:      config.DeviceID,
		devices:       config.Devices,
		transport:     config.Transport,
		gate:          config.Gate,
		reactor:       config.Reactor,
		retryInterval: config.RetryInterval,
		serverTimeout: config.ServerTimeout,
		clock:         config.Clock,
		metrics:       config.Metrics,
		logger:        config.Logger,
	}
	if querier.logger == nil {
		querier.logger = slog.New(slog.DiscardHandler)
	}
	if querier.gate == nil {
		querier.gate = trust.NewGate(trust.GateConfig{Logger: querier.logger})
	}
	if querier.clock == nil {
		querier.clock = clock.Real()
	}
	if querier.metrics == nil {
		querier.metrics = NewMetrics()
	}
	if querier.retryInterval <= 0 {
		querier.retryInterval = DefaultKeyQueryRetryInterval
	}
	if querier.serverTimeout <= 0 {
		querier.serverTimeout = DefaultKeyQueryServerTimeout
	}
	return querier
}

// Run drains the outdated set until ctx is done, querying whenever it
// is non-empty. A failed query is retried after RetryInterval. Returns
// ctx.Err().
func (q *KeyQuerier) Run(ctx context.Context) error {
	for {
		changed := q.devices.Changed()
		outdated := q.devices.Outdated()
		if len(outdated) == 0 {
			select {
			case <-changed:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := q.Refresh(ctx, outdated); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.metrics.keyQueryFailures.Inc()
			q.logger.Warn("device key query failed",
				"users", len(outdated),
				"retry_in", q.retryInterval,
				"error", err,
			)
			select {
			case <-q.clock.After(q.retryInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Refresh queries the device lists of users and stores the verified
// results. Concurrent calls for the same set of users share one
// request. Users the server could not answer for stay outdated and
// are reported in the error.
func (q *KeyQuerier) Refresh(ctx context.Context, users []ref.UserID) error {
	if len(users) == 0 {
		return nil
	}
	sorted := slices.SortedFunc(slices.Values(users), func(a, b ref.UserID) int {
		return strings.Compare(a.String(), b.String())
	})
	sorted = slices.Compact(sorted)
	key := make([]string, len(sorted))
	for i, user := range sorted {
		key[i] = user.String()
	}

	result := q.inflight.DoChan(strings.Join(key, "\x00"), func() (any, error) {
		return nil, q.query(ctx, sorted)
	})
	select {
	case res := <-result:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *KeyQuerier) query(ctx context.Context, users []ref.UserID) error {
	// Marks are taken before the request: a change reported while it
	// is in flight keeps the user outdated.
	marks := q.devices.OutdatedMarks()

	request := messaging.QueryKeysRequest{
		DeviceKeys: make(map[ref.UserID][]ref.DeviceID, len(users)),
		Timeout:    q.serverTimeout.Milliseconds(),
	}
	for _, user := range users {
		request.DeviceKeys[user] = []ref.DeviceID{}
	}
	response, err := q.transport.QueryKeys(ctx, request)
	if err != nil {
		return fmt.Errorf("e2ee: querying keys of %d users: %w", len(users), err)
	}

	// Every answered user is stored before the reactor runs: the
	// reactor takes room locks that an encrypt waiting on these users'
	// keys may hold.
	type refreshed struct {
		user   ref.UserID
		change devicekeys.DeviceChange
	}
	var missing []ref.UserID
	var changes []refreshed
	for _, user := range users {
		documents, ok := response.DeviceKeys[user]
		if !ok {
			missing = append(missing, user)
			continue
		}
		if !q.devices.IsTracked(user) {
			continue
		}
		devices := q.verifiedDevices(user, documents)
		change := q.devices.SetQueriedDevices(user, devices, marks[user])
		if change.Empty() {
			continue
		}
		q.logger.Debug("device list refreshed",
			"user_id", user,
			"devices", len(devices),
			"added", len(change.Added),
			"rotated", len(change.Rotated),
			"removed", len(change.Removed),
		)
		changes = append(changes, refreshed{user: user, change: change})
	}
	if q.reactor != nil {
		for _, entry := range changes {
			if err := q.reactor.OnKeysRefreshed(ctx, entry.user, entry.change); err != nil {
				return fmt.Errorf("e2ee: applying device changes of %s: %w", entry.user, err)
			}
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("e2ee: no device keys returned for %d users (%d servers failed)", len(missing), len(response.Failures))
	}
	return nil
}

// verifiedDevices decodes and verifies user's device key documents.
// The local device is skipped: its keys are known first hand.
func (q *KeyQuerier) verifiedDevices(user ref.UserID, documents map[ref.DeviceID]json.RawMessage) map[ref.DeviceID]devicekeys.Device {
	devices := make(map[ref.DeviceID]devicekeys.Device, len(documents))
	for _, deviceID := range slices.SortedFunc(maps.Keys(documents), compareDeviceIDs) {
		if user == q.userID && deviceID == q.deviceID {
			continue
		}
		keys, result := q.gate.VerifyDeviceKeys(documents[deviceID], user, deviceID)
		if !result.Valid {
			q.metrics.deviceKeysRejected.Inc()
			continue
		}
		curve, _ := keys.Curve25519()
		signing, _ := keys.Ed25519()
		devices[deviceID] = devicekeys.Device{
			UserID:     user,
			DeviceID:   deviceID,
			Algorithms: keys.Algorithms,
			Curve25519: curve,
			Ed25519:    signing,
		}
	}
	return devices
}
