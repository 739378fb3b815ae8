// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/e2ee/e2ee/devicekeys"
	"github.com/bureau-foundation/e2ee/e2ee/ratchet"
	"github.com/bureau-foundation/e2ee/e2ee/roomstate"
	"github.com/bureau-foundation/e2ee/e2ee/store"
	"github.com/bureau-foundation/e2ee/e2ee/trust"
	"github.com/bureau-foundation/e2ee/lib/clock"
	"github.com/bureau-foundation/e2ee/lib/ref"
	"github.com/bureau-foundation/e2ee/messaging"
)

// Config configures a Machine. Zero durations and counts take the
// package defaults.
type Config struct {
	UserID   ref.UserID
	DeviceID ref.DeviceID

	Store     store.Store
	Transport Transport
	PickleKey *ratchet.PickleKey

	// Devices and Rooms are created when nil. Pass them in to share
	// them with the sync loop that feeds the Machine.
	Devices *devicekeys.Store
	Rooms   *roomstate.Tracker

	MaxNewSessions   int
	NewSessionWindow time.Duration
	OneTimeKeyTarget int

	RotationPeriod   time.Duration
	RotationMessages int
	KeyWaitTimeout   time.Duration
	ShareConcurrency int

	KeyQueryRetryInterval time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Machine is the engine's entry point: it wires the session managers,
// the membership reactor and the key-query worker around one store
// and one local account.
type Machine struct {
	userID   ref.UserID
	deviceID ref.DeviceID

	olm       *OlmManager
	megolm    *MegolmManager
	reactor   *Reactor
	querier   *KeyQuerier
	devices   *devicekeys.Store
	rooms     *roomstate.Tracker
	transport Transport
	metrics   *Metrics
	logger    *slog.Logger
}

// NewMachine loads or creates the local account and assembles a
// Machine. Call Run to start refreshing device keys.
func NewMachine(ctx context.Context, config Config) (*Machine, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	devices := config.Devices
	if devices == nil {
		devices = devicekeys.New(clk)
	}
	rooms := config.Rooms
	if rooms == nil {
		rooms = roomstate.New()
	}
	metrics := NewMetrics()
	gate := trust.NewGate(trust.GateConfig{Logger: logger})

	olm, err := NewOlmManager(ctx, OlmConfig{
		UserID:           config.UserID,
		DeviceID:         config.DeviceID,
		Store:            config.Store,
		Devices:          devices,
		Transport:        config.Transport,
		Gate:             gate,
		PickleKey:        config.PickleKey,
		MaxNewSessions:   config.MaxNewSessions,
		NewSessionWindow: config.NewSessionWindow,
		OneTimeKeyTarget: config.OneTimeKeyTarget,
		Clock:            clk,
		Metrics:          metrics,
		Logger:           logger.With("component", "olm"),
	})
	if err != nil {
		return nil, err
	}
	megolm, err := NewMegolmManager(MegolmConfig{
		UserID:           config.UserID,
		DeviceID:         config.DeviceID,
		Store:            config.Store,
		Devices:          devices,
		Rooms:            rooms,
		Olm:              olm,
		Transport:        config.Transport,
		PickleKey:        config.PickleKey,
		RotationPeriod:   config.RotationPeriod,
		RotationMessages: config.RotationMessages,
		KeyWaitTimeout:   config.KeyWaitTimeout,
		ShareConcurrency: config.ShareConcurrency,
		Clock:            clk,
		Metrics:          metrics,
		Logger:           logger.With("component", "megolm"),
	})
	if err != nil {
		return nil, err
	}
	reactor := NewReactor(config.UserID, devices, rooms, megolm, logger.With("component", "reactor"))
	querier := NewKeyQuerier(KeyQueryConfig{
		UserID:        config.UserID,
		DeviceID:      config.DeviceID,
		Devices:       devices,
		Transport:     config.Transport,
		Gate:          gate,
		Reactor:       reactor,
		RetryInterval: config.KeyQueryRetryInterval,
		Clock:         clk,
		Metrics:       metrics,
		Logger:        logger.With("component", "keyquery"),
	})

	return &Machine{
		userID:    config.UserID,
		deviceID:  config.DeviceID,
		olm:       olm,
		megolm:    megolm,
		reactor:   reactor,
		querier:   querier,
		devices:   devices,
		rooms:     rooms,
		transport: config.Transport,
		metrics:   metrics,
		logger:    logger,
	}, nil
}

// IdentityKeys returns the local device's identity and signing keys.
func (m *Machine) IdentityKeys() (ref.Curve25519Key, ref.Ed25519Key) {
	return m.olm.IdentityKeys()
}

// Devices returns the device key cache.
func (m *Machine) Devices() *devicekeys.Store { return m.devices }

// Rooms returns the room membership view.
func (m *Machine) Rooms() *roomstate.Tracker { return m.rooms }

// Metrics returns the registry holding the engine's collectors.
func (m *Machine) Metrics() *prometheus.Registry { return m.metrics.Registry() }

// EncryptOlm encrypts payload for one device.
func (m *Machine) EncryptOlm(ctx context.Context, payload Payload, userID ref.UserID, deviceID ref.DeviceID) (*OlmEncryptedContent, error) {
	return m.olm.Encrypt(ctx, payload, userID, deviceID)
}

// DecryptOlm decrypts an Olm event sent by sender to this device.
func (m *Machine) DecryptOlm(ctx context.Context, content *OlmEncryptedContent, sender ref.UserID) (*DecryptedOlmEvent, error) {
	return m.olm.Decrypt(ctx, content, sender)
}

// EncryptMegolm encrypts payload for an encrypted room using the
// room's encryption settings.
func (m *Machine) EncryptMegolm(ctx context.Context, roomID ref.RoomID, payload Payload) (*MegolmEncryptedContent, error) {
	settings, ok := m.rooms.Encryption(roomID)
	if !ok {
		return nil, fmt.Errorf("e2ee: room %s is not encrypted", roomID)
	}
	return m.megolm.Encrypt(ctx, roomID, payload, settings)
}

// DecryptMegolm decrypts an encrypted room event.
func (m *Machine) DecryptMegolm(ctx context.Context, event EncryptedRoomEvent) (*DecryptedEvent, error) {
	return m.megolm.Decrypt(ctx, event)
}

// OnDeviceListChange handles the device_lists section of a sync.
func (m *Machine) OnDeviceListChange(changed, left []ref.UserID) {
	m.reactor.OnDeviceListChange(changed, left)
}

// OnMembershipChange handles an m.room.member state change.
func (m *Machine) OnMembershipChange(ctx context.Context, roomID ref.RoomID, userID ref.UserID, membership roomstate.Membership) error {
	return m.reactor.OnMembershipChange(ctx, roomID, userID, membership)
}

// OnEncryptionSettingsChange handles an m.room.encryption state event.
func (m *Machine) OnEncryptionSettingsChange(ctx context.Context, roomID ref.RoomID, settings roomstate.EncryptionSettings) error {
	return m.reactor.OnEncryptionSettingsChange(ctx, roomID, settings)
}

// OnOneTimeKeyCountLow replenishes one-time keys given the count the
// homeserver reported in sync. fallbackUnused reports whether the
// server still holds an unused fallback key. Returns the number of
// keys uploaded.
func (m *Machine) OnOneTimeKeyCountLow(ctx context.Context, serverCount int, fallbackUnused bool) (int, error) {
	return m.olm.ReplenishOneTimeKeys(ctx, serverCount, fallbackUnused)
}

// PublishDeviceKeys uploads the local device's signed key document,
// then tops up one-time keys and the fallback key.
func (m *Machine) PublishDeviceKeys(ctx context.Context) error {
	keys, err := m.olm.DeviceKeys()
	if err != nil {
		return err
	}
	response, err := m.transport.UploadKeys(ctx, messaging.UploadKeysRequest{DeviceKeys: &keys})
	if err != nil {
		return fmt.Errorf("e2ee: uploading device keys: %w", err)
	}
	m.logger.Info("published device keys", "device_id", m.deviceID)
	_, err = m.olm.ReplenishOneTimeKeys(ctx, response.OneTimeKeyCounts[messaging.AlgorithmSignedCurve25519], false)
	return err
}

// RefreshDeviceKeys tracks users and queries their device keys now,
// instead of waiting for Run to pick them up.
func (m *Machine) RefreshDeviceKeys(ctx context.Context, users ...ref.UserID) error {
	m.devices.Track(users...)
	return m.querier.Refresh(ctx, users)
}

// SetDeviceTrust records a local trust decision. Blocked devices never
// receive room keys and cannot be encrypted to.
func (m *Machine) SetDeviceTrust(userID ref.UserID, deviceID ref.DeviceID, level devicekeys.TrustLevel) error {
	return m.devices.SetTrust(userID, deviceID, level)
}

// HandleToDevice processes one to-device event from sync. Encrypted
// events are decrypted, and room keys they carry are installed. Other
// event types are ignored and yield nil.
func (m *Machine) HandleToDevice(ctx context.Context, event messaging.ToDeviceEvent) (*DecryptedOlmEvent, error) {
	if event.Type != messaging.EventTypeEncrypted {
		return nil, nil
	}
	var content OlmEncryptedContent
	if err := json.Unmarshal(event.Content, &content); err != nil {
		err = decryptionError(ErrMalformed, err, "to-device content from %s", event.Sender)
		m.metrics.decryptFailed("olm", err)
		return nil, err
	}
	decrypted, err := m.olm.Decrypt(ctx, &content, event.Sender)
	if err != nil {
		return nil, err
	}

	typed, err := decrypted.Payload.Decode()
	if err != nil {
		return decrypted, err
	}
	if roomKey, ok := typed.(RoomKeyContent); ok {
		if err := m.megolm.HandleRoomKey(ctx, decrypted, roomKey); err != nil {
			return decrypted, err
		}
	}
	return decrypted, nil
}

// Run refreshes outdated device keys until ctx is done.
func (m *Machine) Run(ctx context.Context) error {
	return m.querier.Run(ctx)
}
