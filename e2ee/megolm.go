// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/e2ee/e2ee/devicekeys"
	"github.com/bureau-foundation/e2ee/e2ee/ratchet"
	"github.com/bureau-foundation/e2ee/e2ee/roomstate"
	"github.com/bureau-foundation/e2ee/e2ee/store"
	"github.com/bureau-foundation/e2ee/lib/clock"
	"github.com/bureau-foundation/e2ee/lib/keyedlock"
	"github.com/bureau-foundation/e2ee/lib/ref"
	"github.com/bureau-foundation/e2ee/messaging"
)

// Defaults for MegolmConfig. The rotation defaults match the values a
// room gets when its m.room.encryption event leaves them out.
const (
	DefaultRotationPeriod   = 7 * 24 * time.Hour
	DefaultRotationMessages = 100
	DefaultKeyWaitTimeout   = 10 * time.Second
	DefaultShareConcurrency = 8
)

// MegolmConfig configures a MegolmManager.
type MegolmConfig struct {
	UserID   ref.UserID
	DeviceID ref.DeviceID

	Store     store.Store
	Devices   *devicekeys.Store
	Rooms     *roomstate.Tracker
	Olm       *OlmManager
	Transport Transport
	PickleKey *ratchet.PickleKey

	// RotationPeriod and RotationMessages apply when a room's settings
	// leave the corresponding field unset.
	RotationPeriod   time.Duration
	RotationMessages int

	// KeyWaitTimeout bounds how long Encrypt waits for outdated member
	// keys before distributing to the devices already known.
	KeyWaitTimeout time.Duration

	// ShareConcurrency bounds parallel per-device Olm encryptions while
	// distributing a session key.
	ShareConcurrency int

	Clock   clock.Clock
	Metrics *Metrics
	Logger  *slog.Logger
}

// MegolmManager owns the local outbound group session of every room
// and the inbound group sessions received from other devices.
type MegolmManager struct {
	userID   ref.UserID
	deviceID ref.DeviceID

	store     store.Store
	devices   *devicekeys.Store
	rooms     *roomstate.Tracker
	olm       *OlmManager
	transport Transport
	pickleKey *ratchet.PickleKey
	clock     clock.Clock
	metrics   *Metrics
	logger    *slog.Logger

	rotationPeriod   time.Duration
	rotationMessages int
	keyWaitTimeout   time.Duration
	shareConcurrency int

	roomLocks    *keyedlock.Map[ref.RoomID]
	inboundLocks *keyedlock.Map[inboundSessionKey]
}

type inboundSessionKey struct {
	senderKey ref.Curve25519Key
	sessionID string
	roomID    ref.RoomID
}

// NewMegolmManager creates a MegolmManager.
func NewMegolmManager(config MegolmConfig) (*MegolmManager, error) {
	if config.Store == nil || config.Devices == nil || config.Rooms == nil || config.Olm == nil || config.Transport == nil || config.PickleKey == nil {
		return nil, fmt.Errorf("e2ee: Store, Devices, Rooms, Olm, Transport and PickleKey are required")
	}
	manager := &MegolmManager{
		userID:           config.UserID,
		deviceID:         config.DeviceID,
		store:            config.Store,
		devices:          config.Devices,
		rooms:            config.Rooms,
		olm:              config.Olm,
		transport:        config.Transport,
		pickleKey:        config.PickleKey,
		clock:            config.Clock,
		metrics:          config.Metrics,
		logger:           config.Logger,
		rotationPeriod:   config.RotationPeriod,
		rotationMessages: config.RotationMessages,
		keyWaitTimeout:   config.KeyWaitTimeout,
		shareConcurrency: config.ShareConcurrency,
		roomLocks:        keyedlock.New[ref.RoomID](),
		inboundLocks:     keyedlock.New[inboundSessionKey](),
	}
	if manager.clock == nil {
		manager.clock = clock.Real()
	}
	if manager.metrics == nil {
		manager.metrics = NewMetrics()
	}
	if manager.logger == nil {
		manager.logger = slog.New(slog.DiscardHandler)
	}
	if manager.rotationPeriod <= 0 {
		manager.rotationPeriod = DefaultRotationPeriod
	}
	if manager.rotationMessages <= 0 {
		manager.rotationMessages = DefaultRotationMessages
	}
	if manager.keyWaitTimeout <= 0 {
		manager.keyWaitTimeout = DefaultKeyWaitTimeout
	}
	if manager.shareConcurrency <= 0 {
		manager.shareConcurrency = DefaultShareConcurrency
	}
	return manager, nil
}

// needsRotation reports whether record must be replaced before the
// next message.
func (m *MegolmManager) needsRotation(record store.OutboundGroupSessionRecord, settings roomstate.EncryptionSettings) bool {
	messages := settings.RotationPeriodMsgs
	if messages <= 0 {
		messages = m.rotationMessages
	}
	period := settings.RotationPeriod()
	if period <= 0 {
		period = m.rotationPeriod
	}
	return record.EncryptedMessageCount >= messages || m.clock.Now().Sub(record.CreatedAt) >= period
}

// Encrypt encrypts payload for roomID with the room's outbound session,
// rotating it first when the rotation policy says so and sharing its
// key with every member device that does not have it yet.
//
// Key distribution is best effort: a device whose key claim or Olm
// encryption fails is logged and skipped, and is tried again on the
// next call.
func (m *MegolmManager) Encrypt(ctx context.Context, roomID ref.RoomID, payload Payload, settings roomstate.EncryptionSettings) (*MegolmEncryptedContent, error) {
	if settings.Algorithm != "" && settings.Algorithm != messaging.AlgorithmMegolm {
		return nil, fmt.Errorf("e2ee: room %s uses unsupported algorithm %q", roomID, settings.Algorithm)
	}
	// Waiting happens outside the room lock: the key query that ends
	// the wait reports new devices to this room under that lock.
	if err := m.waitForMemberKeys(ctx, roomID); err != nil {
		return nil, err
	}
	unlock, err := m.roomLocks.Lock(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	record, err := m.store.OutboundGroupSession(ctx, roomID)
	exists := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("e2ee: loading outbound session for %s: %w", roomID, err)
	}

	var session *ratchet.OutboundGroupSession
	if exists && !m.needsRotation(record, settings) {
		session, err = ratchet.UnpickleOutboundGroupSession(m.pickleKey, record.Pickle)
		if err != nil {
			return nil, fmt.Errorf("e2ee: unpickling outbound session %s: %w", record.SessionID, err)
		}
	} else {
		previous := record.SessionID
		session, record, err = m.createOutboundSession(ctx, roomID)
		if err != nil {
			return nil, err
		}
		m.logger.Info("created outbound megolm session",
			"room_id", roomID,
			"session_id", record.SessionID,
			"previous_session_id", previous,
		)
	}

	if err := m.shareSessionKey(ctx, roomID, session, &record); err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(megolmPayload{
		Type:    payload.Type,
		Content: payload.Content,
		RoomID:  roomID,
	})
	if err != nil {
		return nil, fmt.Errorf("e2ee: encoding megolm payload: %w", err)
	}
	ciphertext, err := session.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("e2ee: megolm encrypt for %s: %w", roomID, err)
	}
	record.EncryptedMessageCount++
	record.Pickle, err = session.Pickle(m.pickleKey)
	if err != nil {
		return nil, fmt.Errorf("e2ee: pickling outbound session %s: %w", record.SessionID, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.store.SaveOutboundGroupSession(ctx, record); err != nil {
		return nil, fmt.Errorf("e2ee: saving outbound session %s: %w", record.SessionID, err)
	}

	identityKey, _ := m.olm.IdentityKeys()
	return &MegolmEncryptedContent{
		Algorithm:  messaging.AlgorithmMegolm,
		SenderKey:  identityKey,
		DeviceID:   m.deviceID,
		SessionID:  record.SessionID,
		Ciphertext: base64.RawStdEncoding.EncodeToString(ciphertext),
	}, nil
}

// createOutboundSession starts a new outbound session for roomID and
// installs the matching inbound session so this device can read its
// own messages.
func (m *MegolmManager) createOutboundSession(ctx context.Context, roomID ref.RoomID) (*ratchet.OutboundGroupSession, store.OutboundGroupSessionRecord, error) {
	session, err := ratchet.NewOutboundGroupSession()
	if err != nil {
		return nil, store.OutboundGroupSessionRecord{}, fmt.Errorf("e2ee: creating outbound session: %w", err)
	}
	sessionKey, err := session.SessionKey()
	if err != nil {
		return nil, store.OutboundGroupSessionRecord{}, fmt.Errorf("e2ee: exporting session key: %w", err)
	}
	inbound, err := ratchet.NewInboundGroupSession(sessionKey)
	if err != nil {
		return nil, store.OutboundGroupSessionRecord{}, fmt.Errorf("e2ee: creating own inbound session: %w", err)
	}
	inboundPickle, err := inbound.Pickle(m.pickleKey)
	if err != nil {
		return nil, store.OutboundGroupSessionRecord{}, fmt.Errorf("e2ee: pickling own inbound session: %w", err)
	}
	identityKey, _ := m.olm.IdentityKeys()
	err = m.store.SaveInboundGroupSession(ctx, store.InboundGroupSessionRecord{
		SenderKey:       identityKey,
		SessionID:       inbound.ID(),
		RoomID:          roomID,
		SigningKey:      inbound.SigningKey(),
		Pickle:          inboundPickle,
		FirstKnownIndex: inbound.FirstKnownIndex(),
	})
	if err != nil {
		return nil, store.OutboundGroupSessionRecord{}, fmt.Errorf("e2ee: saving own inbound session: %w", err)
	}
	m.metrics.megolmRotations.Inc()

	return session, store.OutboundGroupSessionRecord{
		RoomID:    roomID,
		SessionID: session.ID(),
		CreatedAt: m.clock.Now(),
	}, nil
}

// shareTargets lists the member devices that have not received this
// session's key at their current identity key, plus queued new
// devices. Departed users' queue entries are dropped.
func (m *MegolmManager) shareTargets(members []ref.UserID, record *store.OutboundGroupSessionRecord) []devicekeys.Device {
	var targets []devicekeys.Device
	for _, user := range members {
		devices, _ := m.devices.Get(user)
		for _, deviceID := range slices.SortedFunc(maps.Keys(devices), compareDeviceIDs) {
			device := devices[deviceID]
			if user == m.userID && deviceID == m.deviceID {
				continue
			}
			if !device.Usable() {
				continue
			}
			shared, ok := record.SharedKey(user, deviceID)
			if ok && shared == device.Curve25519 && !record.IsNewDevice(user, deviceID) {
				continue
			}
			targets = append(targets, device)
		}
	}
	for user := range record.NewDevices {
		if !slices.Contains(members, user) {
			delete(record.NewDevices, user)
		}
	}
	return targets
}

// waitForMemberKeys tracks roomID's members and waits, at most
// keyWaitTimeout, for their outdated device lists to refresh. A
// timeout is logged and sharing goes ahead with the cached lists.
func (m *MegolmManager) waitForMemberKeys(ctx context.Context, roomID ref.RoomID) error {
	members := m.rooms.Members(roomID)
	m.devices.Track(members...)
	err := m.devices.WaitFresh(ctx, members, m.keyWaitTimeout)
	if errors.Is(err, devicekeys.ErrWaitTimeout) {
		m.logger.Warn("sharing room key with stale device lists",
			"room_id", roomID,
			"outdated", len(m.devices.Outdated()),
			"timeout", m.keyWaitTimeout,
		)
		return nil
	}
	return err
}

// shareSessionKey sends the session key to every member device owed
// it. Devices that received it are marked shared in record.
func (m *MegolmManager) shareSessionKey(ctx context.Context, roomID ref.RoomID, session *ratchet.OutboundGroupSession, record *store.OutboundGroupSessionRecord) error {
	members := m.rooms.Members(roomID)
	m.devices.Track(members...)

	targets := m.shareTargets(members, record)
	if len(targets) == 0 {
		return nil
	}

	sessionKey, err := session.SessionKey()
	if err != nil {
		return fmt.Errorf("e2ee: exporting session key: %w", err)
	}
	payload, err := NewPayload(RoomKeyContent{
		Algorithm:  messaging.AlgorithmMegolm,
		RoomID:     roomID,
		SessionID:  record.SessionID,
		SessionKey: sessionKey,
	})
	if err != nil {
		return err
	}

	var (
		mu       sync.Mutex
		messages = make(map[ref.UserID]map[ref.DeviceID]any)
		served   []devicekeys.Device
		group    errgroup.Group
	)
	group.SetLimit(m.shareConcurrency)
	for _, device := range targets {
		group.Go(func() error {
			content, err := m.olm.Encrypt(ctx, payload, device.UserID, device.DeviceID)
			if err != nil {
				m.metrics.roomKeyShareFails.Inc()
				m.logger.Warn("skipping device while sharing room key",
					"room_id", roomID,
					"session_id", record.SessionID,
					"user_id", device.UserID,
					"device_id", device.DeviceID,
					"error", err,
				)
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			if messages[device.UserID] == nil {
				messages[device.UserID] = make(map[ref.DeviceID]any)
			}
			messages[device.UserID][device.DeviceID] = content
			served = append(served, device)
			return nil
		})
	}
	_ = group.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(served) == 0 {
		return nil
	}

	err = m.transport.SendToDevice(ctx, messaging.SendToDeviceRequest{
		EventType: messaging.EventTypeEncrypted,
		Messages:  messages,
	})
	if err != nil {
		m.metrics.roomKeyShareFails.Add(float64(len(served)))
		m.logger.Warn("sending room key failed",
			"room_id", roomID,
			"session_id", record.SessionID,
			"devices", len(served),
			"error", err,
		)
		return nil
	}
	for _, device := range served {
		record.MarkShared(device.UserID, device.DeviceID, device.Curve25519)
	}
	m.metrics.roomKeysShared.Add(float64(len(served)))
	m.logger.Debug("shared room key",
		"room_id", roomID,
		"session_id", record.SessionID,
		"devices", len(served),
		"targets", len(targets),
	)
	return nil
}

// Decrypt decrypts a room event with the inbound session named in its
// content. Each message index is accepted for one (event ID, origin
// timestamp) only; replaying the same event is allowed.
func (m *MegolmManager) Decrypt(ctx context.Context, event EncryptedRoomEvent) (*DecryptedEvent, error) {
	decrypted, err := m.decrypt(ctx, event)
	if err != nil && ctx.Err() == nil {
		m.metrics.decryptFailed("megolm", err)
	}
	return decrypted, err
}

func (m *MegolmManager) decrypt(ctx context.Context, event EncryptedRoomEvent) (*DecryptedEvent, error) {
	content := event.Content
	if content.Algorithm != messaging.AlgorithmMegolm {
		return nil, decryptionError(ErrMalformed, nil, "algorithm %q", content.Algorithm)
	}
	if content.SenderKey.IsZero() || content.SessionID == "" || event.RoomID.IsZero() {
		return nil, decryptionError(ErrMalformed, nil, "missing sender key, session ID or room ID")
	}

	record, err := m.store.InboundGroupSession(ctx, content.SenderKey, content.SessionID, event.RoomID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, decryptionError(ErrUnknownSession, nil, "session %s from %s in %s", content.SessionID, content.SenderKey, event.RoomID)
	}
	if err != nil {
		return nil, fmt.Errorf("e2ee: loading inbound session %s: %w", content.SessionID, err)
	}

	ciphertext, err := base64.RawStdEncoding.DecodeString(content.Ciphertext)
	if err != nil {
		return nil, decryptionError(ErrMalformed, err, "ciphertext")
	}
	session, err := ratchet.UnpickleInboundGroupSession(m.pickleKey, record.Pickle)
	if err != nil {
		return nil, fmt.Errorf("e2ee: unpickling inbound session %s: %w", content.SessionID, err)
	}
	plaintext, index, err := session.Decrypt(ciphertext)
	if err != nil {
		return nil, decryptionError(ErrRatchet, err, "session %s", content.SessionID)
	}

	var payload megolmPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, decryptionError(ErrMalformed, err, "megolm payload")
	}
	if payload.Type == "" {
		return nil, decryptionError(ErrMalformed, nil, "payload has no event type")
	}
	if payload.RoomID != event.RoomID {
		return nil, decryptionError(ErrRoomMismatch, nil, "payload room %s, event room %s", payload.RoomID, event.RoomID)
	}

	key := store.MessageIndexKey{
		SenderKey: content.SenderKey,
		SessionID: content.SessionID,
		RoomID:    event.RoomID,
		Index:     index,
	}
	seen := store.MessageIndexRecord{EventID: event.EventID, OriginTimestamp: event.OriginServerTS}
	stored, inserted, err := m.store.RecordMessageIndex(ctx, key, seen)
	if err != nil {
		return nil, fmt.Errorf("e2ee: recording message index %d of %s: %w", index, content.SessionID, err)
	}
	if !inserted && stored != seen {
		m.logger.Warn("rejecting reused megolm message index",
			"room_id", event.RoomID,
			"session_id", content.SessionID,
			"index", index,
			"event_id", event.EventID,
			"first_event_id", stored.EventID,
		)
		return nil, decryptionError(ErrReplayedIndex, nil, "index %d of session %s already used by %s", index, content.SessionID, stored.EventID)
	}

	senderDevice := content.DeviceID
	if device, ok := m.devices.FindByCurve25519(event.Sender, content.SenderKey); ok {
		senderDevice = device.DeviceID
	}
	return &DecryptedEvent{
		EventID:      event.EventID,
		RoomID:       event.RoomID,
		Sender:       event.Sender,
		SenderKey:    content.SenderKey,
		SenderDevice: senderDevice,
		SessionID:    content.SessionID,
		MessageIndex: index,
		Payload:      Payload{Type: payload.Type, Content: payload.Content},
	}, nil
}

// HandleRoomKey installs the inbound session carried by an m.room_key
// event that arrived over Olm. A key for a session already held is
// stored only when it can decrypt from an earlier index.
func (m *MegolmManager) HandleRoomKey(ctx context.Context, event *DecryptedOlmEvent, content RoomKeyContent) error {
	if content.Algorithm != messaging.AlgorithmMegolm {
		return decryptionError(ErrMalformed, nil, "room key algorithm %q", content.Algorithm)
	}
	if content.RoomID.IsZero() || content.SessionID == "" || content.SessionKey == "" {
		return decryptionError(ErrMalformed, nil, "room key is missing room_id, session_id or session_key")
	}
	session, err := ratchet.NewInboundGroupSession(content.SessionKey)
	if err != nil {
		return decryptionError(ErrMalformed, err, "room key for session %s", content.SessionID)
	}
	if session.ID() != content.SessionID {
		return decryptionError(ErrMalformed, nil, "room key session_id %s does not match key %s", content.SessionID, session.ID())
	}

	key := inboundSessionKey{senderKey: event.SenderKey, sessionID: content.SessionID, roomID: content.RoomID}
	unlock, err := m.inboundLocks.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	existing, err := m.store.InboundGroupSession(ctx, key.senderKey, key.sessionID, key.roomID)
	switch {
	case err == nil && existing.FirstKnownIndex <= session.FirstKnownIndex():
		m.logger.Debug("ignoring room key for known session",
			"room_id", content.RoomID,
			"session_id", content.SessionID,
			"first_known_index", existing.FirstKnownIndex,
		)
		return nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("e2ee: loading inbound session %s: %w", content.SessionID, err)
	}

	pickle, err := session.Pickle(m.pickleKey)
	if err != nil {
		return fmt.Errorf("e2ee: pickling inbound session %s: %w", content.SessionID, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err = m.store.SaveInboundGroupSession(ctx, store.InboundGroupSessionRecord{
		SenderKey:       event.SenderKey,
		SessionID:       content.SessionID,
		RoomID:          content.RoomID,
		SigningKey:      session.SigningKey(),
		Pickle:          pickle,
		FirstKnownIndex: session.FirstKnownIndex(),
	})
	if err != nil {
		return fmt.Errorf("e2ee: saving inbound session %s: %w", content.SessionID, err)
	}
	m.logger.Info("received room key",
		"room_id", content.RoomID,
		"session_id", content.SessionID,
		"sender", event.Sender,
		"sender_device", event.SenderDevice,
		"first_known_index", session.FirstKnownIndex(),
	)
	return nil
}

// DiscardOutbound drops the room's outbound session so the next
// Encrypt starts a new one. Discarding a room without a session is not
// an error.
func (m *MegolmManager) DiscardOutbound(ctx context.Context, roomID ref.RoomID) error {
	unlock, err := m.roomLocks.Lock(ctx, roomID)
	if err != nil {
		return err
	}
	defer unlock()
	if err := m.store.DeleteOutboundGroupSession(ctx, roomID); err != nil {
		return fmt.Errorf("e2ee: discarding outbound session for %s: %w", roomID, err)
	}
	m.logger.Debug("discarded outbound megolm session", "room_id", roomID)
	return nil
}

// AddNewDevices queues devices of user to receive the room's current
// session key on the next Encrypt. Rooms without an outbound session
// are skipped: their next session is shared with every member anyway.
func (m *MegolmManager) AddNewDevices(ctx context.Context, roomID ref.RoomID, user ref.UserID, deviceIDs []ref.DeviceID) error {
	if len(deviceIDs) == 0 {
		return nil
	}
	unlock, err := m.roomLocks.Lock(ctx, roomID)
	if err != nil {
		return err
	}
	defer unlock()

	record, err := m.store.OutboundGroupSession(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("e2ee: loading outbound session for %s: %w", roomID, err)
	}
	record.AddNewDevices(user, deviceIDs...)
	if err := m.store.SaveOutboundGroupSession(ctx, record); err != nil {
		return fmt.Errorf("e2ee: saving outbound session for %s: %w", roomID, err)
	}
	return nil
}

func compareDeviceIDs(a, b ref.DeviceID) int {
	return strings.Compare(a.String(), b.String())
}
