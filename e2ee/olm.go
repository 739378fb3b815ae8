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
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/e2ee/e2ee/devicekeys"
	"github.com/bureau-foundation/e2ee/e2ee/ratchet"
	"github.com/bureau-foundation/e2ee/e2ee/store"
	"github.com/bureau-foundation/e2ee/e2ee/trust"
	"github.com/bureau-foundation/e2ee/lib/clock"
	"github.com/bureau-foundation/e2ee/lib/keyedlock"
	"github.com/bureau-foundation/e2ee/lib/ref"
	"github.com/bureau-foundation/e2ee/messaging"
)

// Defaults for OlmConfig.
const (
	DefaultMaxNewSessions   = 5
	DefaultNewSessionWindow = time.Hour
	DefaultOneTimeKeyTarget = 50
)

// OlmConfig configures an OlmManager.
type OlmConfig struct {
	UserID   ref.UserID
	DeviceID ref.DeviceID

	Store     store.Store
	Devices   *devicekeys.Store
	Transport Transport
	Gate      *trust.Gate
	PickleKey *ratchet.PickleKey

	// MaxNewSessions bounds how many sessions may be created for one
	// sender key within NewSessionWindow before further pre-key
	// messages are rejected.
	MaxNewSessions   int
	NewSessionWindow time.Duration

	// OneTimeKeyTarget is how many unclaimed one-time keys replenishment
	// keeps on the homeserver.
	OneTimeKeyTarget int

	// Clock defaults to clock.Real().
	Clock clock.Clock
	// Metrics defaults to a fresh NewMetrics().
	Metrics *Metrics
	// Logger defaults to discarding.
	Logger *slog.Logger
}

// OlmManager owns the local Olm account and every pairwise session.
//
// Work on sessions with one peer identity key is serialized by a keyed
// lock; different peers proceed in parallel. Each operation unpickles
// the session, applies one ratchet step, and persists the result only
// once the step succeeded, verification passed and the context is
// still live.
type OlmManager struct {
	userID      ref.UserID
	deviceID    ref.DeviceID
	identityKey ref.Curve25519Key
	signingKey  ref.Ed25519Key

	store     store.Store
	devices   *devicekeys.Store
	transport Transport
	gate      *trust.Gate
	pickleKey *ratchet.PickleKey
	clock     clock.Clock
	metrics   *Metrics
	logger    *slog.Logger

	maxNewSessions   int
	newSessionWindow time.Duration
	oneTimeKeyTarget int

	locks *keyedlock.Map[ref.Curve25519Key]

	// accountMu guards account, the pickle of record. Every
	// read-modify-write of the account holds it through the persist.
	accountMu sync.Mutex
	account   ratchet.Pickle

	// replenishMu serializes key replenishment, which releases
	// accountMu while its upload is in flight.
	replenishMu sync.Mutex
}

// NewOlmManager loads the account from the store, creating and saving
// a new one on first use.
func NewOlmManager(ctx context.Context, config OlmConfig) (*OlmManager, error) {
	if config.UserID.IsZero() || config.DeviceID.IsZero() {
		return nil, fmt.Errorf("e2ee: UserID and DeviceID are required")
	}
	if config.Store == nil || config.Devices == nil || config.Transport == nil || config.PickleKey == nil {
		return nil, fmt.Errorf("e2ee: Store, Devices, Transport and PickleKey are required")
	}

	manager := &OlmManager{
		userID:           config.UserID,
		deviceID:         config.DeviceID,
		store:            config.Store,
		devices:          config.Devices,
		transport:        config.Transport,
		gate:             config.Gate,
		pickleKey:        config.PickleKey,
		clock:            config.Clock,
		metrics:          config.Metrics,
		logger:           config.Logger,
		maxNewSessions:   config.MaxNewSessions,
		newSessionWindow: config.NewSessionWindow,
		oneTimeKeyTarget: config.OneTimeKeyTarget,
		locks:            keyedlock.New[ref.Curve25519Key](),
	}
	if manager.logger == nil {
		manager.logger = slog.New(slog.DiscardHandler)
	}
	if manager.gate == nil {
		manager.gate = trust.NewGate(trust.GateConfig{Logger: manager.logger})
	}
	if manager.clock == nil {
		manager.clock = clock.Real()
	}
	if manager.metrics == nil {
		manager.metrics = NewMetrics()
	}
	if manager.maxNewSessions <= 0 {
		manager.maxNewSessions = DefaultMaxNewSessions
	}
	if manager.newSessionWindow <= 0 {
		manager.newSessionWindow = DefaultNewSessionWindow
	}
	if manager.oneTimeKeyTarget <= 0 {
		manager.oneTimeKeyTarget = DefaultOneTimeKeyTarget
	}

	pickle, created, err := OpenAccount(ctx, config.Store, config.PickleKey)
	if err != nil {
		return nil, err
	}
	if created {
		manager.logger.Info("created olm account", "user_id", config.UserID, "device_id", config.DeviceID)
	}
	account, err := ratchet.UnpickleAccount(config.PickleKey, pickle)
	if err != nil {
		return nil, fmt.Errorf("e2ee: unpickling account: %w", err)
	}
	manager.account = pickle
	manager.identityKey, manager.signingKey = account.IdentityKeys()
	return manager, nil
}

// OpenAccount returns the pickled account held by s, creating and
// saving a new account when the store has none. created reports
// whether the account was new.
func OpenAccount(ctx context.Context, s store.Store, pickleKey *ratchet.PickleKey) (pickle ratchet.Pickle, created bool, err error) {
	pickle, err = s.LoadAccount(ctx)
	if err == nil {
		return pickle, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", false, fmt.Errorf("e2ee: loading account: %w", err)
	}
	account, err := ratchet.NewAccount()
	if err != nil {
		return "", false, fmt.Errorf("e2ee: creating account: %w", err)
	}
	pickle, err = account.Pickle(pickleKey)
	if err != nil {
		return "", false, fmt.Errorf("e2ee: pickling new account: %w", err)
	}
	if err := s.SaveAccount(ctx, pickle); err != nil {
		return "", false, fmt.Errorf("e2ee: saving new account: %w", err)
	}
	return pickle, true, nil
}

// IdentityKeys returns the local device's Curve25519 identity key and
// Ed25519 signing key.
func (m *OlmManager) IdentityKeys() (ref.Curve25519Key, ref.Ed25519Key) {
	return m.identityKey, m.signingKey
}

// snapshotAccount returns an owned copy of the current account for
// read-only use.
func (m *OlmManager) snapshotAccount() (*ratchet.Account, error) {
	m.accountMu.Lock()
	pickle := m.account
	m.accountMu.Unlock()
	return ratchet.UnpickleAccount(m.pickleKey, pickle)
}

// signature maps the local user and device signing key ID to sig.
func (m *OlmManager) signature(sig string) messaging.Signatures {
	return messaging.Signatures{
		m.userID.String(): {ref.KeyID(messaging.AlgorithmEd25519, m.deviceID.String()): sig},
	}
}

// DeviceKeys returns the local device's self-signed key document.
func (m *OlmManager) DeviceKeys() (messaging.DeviceKeys, error) {
	account, err := m.snapshotAccount()
	if err != nil {
		return messaging.DeviceKeys{}, fmt.Errorf("e2ee: loading account: %w", err)
	}
	return SignedDeviceKeys(account, m.userID, m.deviceID)
}

// SignedDeviceKeys builds the device key document for account as
// userID's deviceID and signs it with the account's Ed25519 key.
func SignedDeviceKeys(account *ratchet.Account, userID ref.UserID, deviceID ref.DeviceID) (messaging.DeviceKeys, error) {
	identityKey, signingKey := account.IdentityKeys()
	signingKeyID := ref.KeyID(messaging.AlgorithmEd25519, deviceID.String())
	keys := messaging.DeviceKeys{
		UserID:     userID,
		DeviceID:   deviceID,
		Algorithms: []string{messaging.AlgorithmOlm, messaging.AlgorithmMegolm},
		Keys: map[string]string{
			ref.KeyID(messaging.AlgorithmCurve25519, deviceID.String()): identityKey.String(),
			signingKeyID: signingKey.String(),
		},
	}
	sig, err := trust.Sign(keys, account.Sign)
	if err != nil {
		return messaging.DeviceKeys{}, err
	}
	keys.Signatures = messaging.Signatures{userID.String(): {signingKeyID: sig}}
	return keys, nil
}

// Encrypt encrypts payload for one device, reusing the most recently
// used session with it or starting a new one from a claimed one-time
// key.
func (m *OlmManager) Encrypt(ctx context.Context, payload Payload, userID ref.UserID, deviceID ref.DeviceID) (*OlmEncryptedContent, error) {
	device, err := m.recipient(userID, deviceID)
	if err != nil {
		return nil, err
	}
	plaintext, err := json.Marshal(olmPayload{
		Type:          payload.Type,
		Content:       payload.Content,
		Sender:        m.userID,
		SenderDevice:  m.deviceID,
		Keys:          signingKeys{Ed25519: m.signingKey},
		Recipient:     userID,
		RecipientKeys: signingKeys{Ed25519: device.Ed25519},
	})
	if err != nil {
		return nil, fmt.Errorf("e2ee: encoding olm payload: %w", err)
	}
	return m.encryptPlaintext(ctx, device, plaintext)
}

func (m *OlmManager) recipient(userID ref.UserID, deviceID ref.DeviceID) (devicekeys.Device, error) {
	device, ok := m.devices.Device(userID, deviceID)
	if !ok {
		return device, &KeyNotFoundError{UserID: userID, DeviceID: deviceID, Reason: "device keys not known"}
	}
	if !device.Usable() {
		return device, &KeyNotFoundError{UserID: userID, DeviceID: deviceID, Reason: "device is " + device.Trust.String()}
	}
	return device, nil
}

func (m *OlmManager) encryptPlaintext(ctx context.Context, device devicekeys.Device, plaintext []byte) (*OlmEncryptedContent, error) {
	unlock, err := m.locks.Lock(ctx, device.Curve25519)
	if err != nil {
		return nil, err
	}
	defer unlock()

	records, err := m.store.OlmSessions(ctx, device.Curve25519)
	if err != nil {
		return nil, fmt.Errorf("e2ee: loading olm sessions for %s: %w", device.Curve25519, err)
	}

	var record store.OlmSessionRecord
	var session *ratchet.OlmSession
	created := false
	if len(records) > 0 {
		record = records[0]
		session, err = ratchet.UnpickleOlmSession(m.pickleKey, record.Pickle)
		if err != nil {
			return nil, fmt.Errorf("e2ee: unpickling olm session %s: %w", record.SessionID, err)
		}
	} else {
		session, err = m.createOutboundSession(ctx, device)
		if err != nil {
			return nil, err
		}
		record = store.OlmSessionRecord{
			SenderKey: device.Curve25519,
			SessionID: session.ID(),
			CreatedAt: m.clock.Now(),
		}
		created = true
	}

	messageType, body, err := session.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("e2ee: olm encrypt with session %s: %w", record.SessionID, err)
	}
	record.Pickle, err = session.Pickle(m.pickleKey)
	if err != nil {
		return nil, fmt.Errorf("e2ee: pickling olm session %s: %w", record.SessionID, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	record.LastUsedAt = m.clock.Now()
	if err := m.store.SaveOlmSession(ctx, record); err != nil {
		return nil, fmt.Errorf("e2ee: saving olm session %s: %w", record.SessionID, err)
	}
	if created {
		m.metrics.olmSessionsCreated.WithLabelValues("outbound").Inc()
		m.logger.Debug("created outbound olm session",
			"user_id", device.UserID,
			"device_id", device.DeviceID,
			"session_id", record.SessionID,
		)
	}

	return &OlmEncryptedContent{
		Algorithm: messaging.AlgorithmOlm,
		SenderKey: m.identityKey,
		Ciphertext: map[string]OlmCiphertext{
			device.Curve25519.String(): {
				Type: messageType,
				Body: base64.RawStdEncoding.EncodeToString(body),
			},
		},
	}, nil
}

// createOutboundSession claims a one-time key for device, checks its
// signature, and starts a session against it.
func (m *OlmManager) createOutboundSession(ctx context.Context, device devicekeys.Device) (*ratchet.OlmSession, error) {
	response, err := m.transport.ClaimKeys(ctx, messaging.ClaimKeysRequest{
		OneTimeKeys: map[ref.UserID]map[ref.DeviceID]string{
			device.UserID: {device.DeviceID: messaging.AlgorithmSignedCurve25519},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("e2ee: claiming one-time key for device %s of %s: %w", device.DeviceID, device.UserID, err)
	}

	for keyID, document := range response.OneTimeKeys[device.UserID][device.DeviceID] {
		if !strings.HasPrefix(keyID, messaging.AlgorithmSignedCurve25519+":") {
			continue
		}
		key, result := m.gate.VerifyOneTimeKey(document, device.UserID, device.DeviceID, device.Ed25519)
		if !result.Valid {
			return nil, &KeyVerificationFailedError{UserID: device.UserID, DeviceID: device.DeviceID, Reason: result.Reason}
		}
		account, err := m.snapshotAccount()
		if err != nil {
			return nil, fmt.Errorf("e2ee: loading account: %w", err)
		}
		session, err := ratchet.NewOutboundSession(account, device.Curve25519, key.Key)
		if err != nil {
			return nil, fmt.Errorf("e2ee: creating olm session with device %s of %s: %w", device.DeviceID, device.UserID, err)
		}
		return session, nil
	}
	return nil, &KeyNotFoundError{UserID: device.UserID, DeviceID: device.DeviceID, Reason: "no one-time key available"}
}

// Decrypt decrypts an Olm event addressed to this device and verifies
// that its payload names sender as sender and this device as recipient.
func (m *OlmManager) Decrypt(ctx context.Context, content *OlmEncryptedContent, sender ref.UserID) (*DecryptedOlmEvent, error) {
	event, err := m.decrypt(ctx, content, sender)
	if err != nil && ctx.Err() == nil {
		m.metrics.decryptFailed("olm", err)
	}
	return event, err
}

func (m *OlmManager) decrypt(ctx context.Context, content *OlmEncryptedContent, sender ref.UserID) (*DecryptedOlmEvent, error) {
	if content.Algorithm != messaging.AlgorithmOlm {
		return nil, decryptionError(ErrMalformed, nil, "algorithm %q", content.Algorithm)
	}
	senderKey := content.SenderKey
	if senderKey.IsZero() {
		return nil, decryptionError(ErrMalformed, nil, "missing sender key")
	}
	ciphertext, ok := content.Ciphertext[m.identityKey.String()]
	if !ok {
		return nil, decryptionError(ErrNotForThisDevice, nil, "from %s", senderKey)
	}
	if ciphertext.Type != ratchet.MessageTypePreKey && ciphertext.Type != ratchet.MessageTypeNormal {
		return nil, decryptionError(ErrMalformed, nil, "message type %d", ciphertext.Type)
	}
	body, err := base64.RawStdEncoding.DecodeString(ciphertext.Body)
	if err != nil {
		return nil, decryptionError(ErrMalformed, err, "ciphertext body")
	}

	unlock, err := m.locks.Lock(ctx, senderKey)
	if err != nil {
		return nil, err
	}
	defer unlock()

	records, err := m.store.OlmSessions(ctx, senderKey)
	if err != nil {
		return nil, fmt.Errorf("e2ee: loading olm sessions for %s: %w", senderKey, err)
	}

	var (
		plaintext []byte
		record    store.OlmSessionRecord
		session   *ratchet.OlmSession
		lastErr   error
	)
	for _, candidate := range records {
		unpickled, err := ratchet.UnpickleOlmSession(m.pickleKey, candidate.Pickle)
		if err != nil {
			return nil, fmt.Errorf("e2ee: unpickling olm session %s: %w", candidate.SessionID, err)
		}
		if ciphertext.Type == ratchet.MessageTypePreKey && !unpickled.MatchesInbound(senderKey, body) {
			continue
		}
		decrypted, err := unpickled.Decrypt(ciphertext.Type, body)
		if err != nil {
			if ciphertext.Type == ratchet.MessageTypePreKey {
				return nil, decryptionError(ErrRatchet, err, "session %s", candidate.SessionID)
			}
			lastErr = err
			continue
		}
		plaintext, record, session = decrypted, candidate, unpickled
		break
	}

	// accountPickle is set when a new inbound session consumed a
	// one-time key; it is saved together with the session.
	var accountPickle ratchet.Pickle
	if session == nil {
		if ciphertext.Type == ratchet.MessageTypeNormal {
			return nil, &SessionError{Kind: SessionCouldNotDecrypt, SenderKey: senderKey, Err: lastErr}
		}
		if recent := m.recentSessions(records); recent >= m.maxNewSessions {
			m.metrics.floodRejections.Inc()
			m.logger.Warn("rejecting pre-key message: too many new sessions",
				"sender", sender,
				"sender_key", senderKey,
				"recent_sessions", recent,
				"window", m.newSessionWindow,
			)
			return nil, &SessionError{Kind: SessionPreventTooManySessions, SenderKey: senderKey}
		}

		m.accountMu.Lock()
		defer m.accountMu.Unlock()
		account, err := ratchet.UnpickleAccount(m.pickleKey, m.account)
		if err != nil {
			return nil, fmt.Errorf("e2ee: unpickling account: %w", err)
		}
		session, err = ratchet.NewInboundSession(account, senderKey, body)
		if err != nil {
			return nil, decryptionError(ErrRatchet, err, "creating inbound session")
		}
		plaintext, err = session.Decrypt(ciphertext.Type, body)
		if err != nil {
			return nil, decryptionError(ErrRatchet, err, "new inbound session")
		}
		if err := account.RemoveOneTimeKeys(session); err != nil {
			return nil, fmt.Errorf("e2ee: removing consumed one-time key: %w", err)
		}
		accountPickle, err = account.Pickle(m.pickleKey)
		if err != nil {
			return nil, fmt.Errorf("e2ee: pickling account: %w", err)
		}
		record = store.OlmSessionRecord{
			SenderKey: senderKey,
			SessionID: session.ID(),
			CreatedAt: m.clock.Now(),
		}
	}

	var payload olmPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, decryptionError(ErrMalformed, err, "olm payload")
	}
	event, err := m.verifyPayload(payload, sender, senderKey)
	if err != nil {
		return nil, err
	}

	record.Pickle, err = session.Pickle(m.pickleKey)
	if err != nil {
		return nil, fmt.Errorf("e2ee: pickling olm session %s: %w", record.SessionID, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	record.LastUsedAt = m.clock.Now()
	if accountPickle == "" {
		if err := m.store.SaveOlmSession(ctx, record); err != nil {
			return nil, fmt.Errorf("e2ee: saving olm session %s: %w", record.SessionID, err)
		}
		return event, nil
	}

	if err := m.store.SaveOlmSessionWithAccount(ctx, record, accountPickle); err != nil {
		return nil, fmt.Errorf("e2ee: saving inbound olm session %s: %w", record.SessionID, err)
	}
	m.account = accountPickle
	m.metrics.olmSessionsCreated.WithLabelValues("inbound").Inc()
	m.logger.Debug("created inbound olm session",
		"sender", sender,
		"sender_key", senderKey,
		"session_id", record.SessionID,
	)
	return event, nil
}

// recentSessions counts sessions created within the flood window.
func (m *OlmManager) recentSessions(records []store.OlmSessionRecord) int {
	cutoff := m.clock.Now().Add(-m.newSessionWindow)
	count := 0
	for _, record := range records {
		if record.CreatedAt.After(cutoff) {
			count++
		}
	}
	return count
}

// verifyPayload checks the sender and recipient bindings inside a
// decrypted Olm payload.
func (m *OlmManager) verifyPayload(payload olmPayload, sender ref.UserID, senderKey ref.Curve25519Key) (*DecryptedOlmEvent, error) {
	if payload.Type == "" {
		return nil, decryptionError(ErrMalformed, nil, "payload has no event type")
	}
	if payload.Sender != sender {
		return nil, decryptionError(ErrSenderMismatch, nil, "payload sender %s, event sender %s", payload.Sender, sender)
	}
	if payload.Keys.Ed25519.IsZero() {
		return nil, decryptionError(ErrSenderMismatch, nil, "payload has no sender signing key")
	}
	if payload.Recipient != m.userID {
		return nil, decryptionError(ErrRecipientMismatch, nil, "payload recipient %s", payload.Recipient)
	}
	if payload.RecipientKeys.Ed25519 != m.signingKey {
		return nil, decryptionError(ErrRecipientMismatch, nil, "payload recipient signing key %s", payload.RecipientKeys.Ed25519)
	}

	event := &DecryptedOlmEvent{
		Sender:           sender,
		SenderDevice:     payload.SenderDevice,
		SenderKey:        senderKey,
		SenderSigningKey: payload.Keys.Ed25519,
		Payload:          Payload{Type: payload.Type, Content: payload.Content},
	}

	if device, ok := m.devices.FindByCurve25519(sender, senderKey); ok {
		if device.Ed25519 != payload.Keys.Ed25519 {
			return nil, decryptionError(ErrSenderMismatch, nil, "signing key does not match device %s", device.DeviceID)
		}
		if !payload.SenderDevice.IsZero() && payload.SenderDevice != device.DeviceID {
			return nil, decryptionError(ErrSenderMismatch, nil, "payload device %s, key belongs to %s", payload.SenderDevice, device.DeviceID)
		}
		event.SenderDevice = device.DeviceID
		event.SenderVerified = true
		return event, nil
	}
	if !payload.SenderDevice.IsZero() {
		if device, ok := m.devices.Device(sender, payload.SenderDevice); ok && device.Curve25519 != senderKey {
			return nil, decryptionError(ErrSenderMismatch, nil, "device %s has a different identity key", payload.SenderDevice)
		}
	}
	return event, nil
}

// ReplenishOneTimeKeys tops the homeserver's supply of one-time keys
// up to the target, given how many it reports holding, and publishes
// a new fallback key when the server has no unused one. Returns the
// number of one-time keys uploaded.
//
// New keys are saved before upload and marked published only after
// the server accepted them, so a lost response leads to a re-upload of
// the same keys rather than keys the account no longer knows.
func (m *OlmManager) ReplenishOneTimeKeys(ctx context.Context, serverCount int, fallbackUnused bool) (int, error) {
	m.replenishMu.Lock()
	defer m.replenishMu.Unlock()

	request, err := m.prepareKeyUpload(ctx, serverCount, fallbackUnused)
	if err != nil || request == nil {
		return 0, err
	}
	count := len(request.OneTimeKeys)

	// Inbound pre-key messages keep being decrypted during the upload.
	// They only remove one-time keys, so every key still unpublished
	// afterwards is one this request carried.
	response, err := m.transport.UploadKeys(ctx, *request)
	if err != nil {
		return 0, fmt.Errorf("e2ee: uploading %d one-time keys: %w", count, err)
	}

	if err := m.markKeysPublished(ctx); err != nil {
		return 0, err
	}
	m.metrics.oneTimeKeysUploaded.Add(float64(count))
	m.logger.Info("uploaded one-time keys",
		"count", count,
		"fallback", len(request.FallbackKeys) > 0,
		"server_count", response.OneTimeKeyCounts[messaging.AlgorithmSignedCurve25519],
	)
	return count, nil
}

// prepareKeyUpload generates and saves the keys ReplenishOneTimeKeys
// publishes and returns the signed upload, or nil when nothing is due.
func (m *OlmManager) prepareKeyUpload(ctx context.Context, serverCount int, fallbackUnused bool) (*messaging.UploadKeysRequest, error) {
	m.accountMu.Lock()
	defer m.accountMu.Unlock()

	account, err := ratchet.UnpickleAccount(m.pickleKey, m.account)
	if err != nil {
		return nil, fmt.Errorf("e2ee: unpickling account: %w", err)
	}

	target := min(m.oneTimeKeyTarget, account.MaxNumberOfOneTimeKeys()/2)
	if missing := target - serverCount - len(account.OneTimeKeys()); missing > 0 {
		if err := account.GenerateOneTimeKeys(missing); err != nil {
			return nil, fmt.Errorf("e2ee: generating one-time keys: %w", err)
		}
	}
	if !fallbackUnused {
		if _, _, pending := account.UnpublishedFallbackKey(); !pending {
			if err := account.GenerateFallbackKey(); err != nil {
				return nil, fmt.Errorf("e2ee: generating fallback key: %w", err)
			}
		}
	}

	oneTimeKeys := account.OneTimeKeys()
	fallbackID, fallbackKey, hasFallback := account.UnpublishedFallbackKey()
	if len(oneTimeKeys) == 0 && !hasFallback {
		return nil, nil
	}

	if err := m.saveAccountLocked(ctx, account); err != nil {
		return nil, err
	}

	request := &messaging.UploadKeysRequest{OneTimeKeys: make(map[string]messaging.SignedKey, len(oneTimeKeys))}
	for id, key := range oneTimeKeys {
		signed, err := m.signKey(account, messaging.SignedKey{Key: key})
		if err != nil {
			return nil, err
		}
		request.OneTimeKeys[ref.KeyID(messaging.AlgorithmSignedCurve25519, id)] = signed
	}
	if hasFallback {
		signed, err := m.signKey(account, messaging.SignedKey{Key: fallbackKey, Fallback: true})
		if err != nil {
			return nil, err
		}
		request.FallbackKeys = map[string]messaging.SignedKey{
			ref.KeyID(messaging.AlgorithmSignedCurve25519, fallbackID): signed,
		}
	}
	return request, nil
}

// markKeysPublished records an accepted upload against the current
// account, which may have changed since the upload was prepared.
func (m *OlmManager) markKeysPublished(ctx context.Context) error {
	m.accountMu.Lock()
	defer m.accountMu.Unlock()

	account, err := ratchet.UnpickleAccount(m.pickleKey, m.account)
	if err != nil {
		return fmt.Errorf("e2ee: unpickling account: %w", err)
	}
	account.MarkKeysAsPublished()
	return m.saveAccountLocked(ctx, account)
}

// saveAccountLocked persists account and makes it the pickle of
// record. The caller holds accountMu.
func (m *OlmManager) saveAccountLocked(ctx context.Context, account *ratchet.Account) error {
	pickle, err := account.Pickle(m.pickleKey)
	if err != nil {
		return fmt.Errorf("e2ee: pickling account: %w", err)
	}
	if err := m.store.SaveAccount(ctx, pickle); err != nil {
		return fmt.Errorf("e2ee: saving account: %w", err)
	}
	m.account = pickle
	return nil
}

func (m *OlmManager) signKey(account *ratchet.Account, key messaging.SignedKey) (messaging.SignedKey, error) {
	sig, err := trust.Sign(key, account.Sign)
	if err != nil {
		return key, err
	}
	key.Signatures = m.signature(sig)
	return key, nil
}
