// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/e2ee/e2ee/ratchet"
	"github.com/bureau-foundation/e2ee/e2ee/roomstate"
	"github.com/bureau-foundation/e2ee/e2ee/store"
	"github.com/bureau-foundation/e2ee/lib/clock"
	"github.com/bureau-foundation/e2ee/lib/ref"
	"github.com/bureau-foundation/e2ee/messaging"
)

var (
	alice = ref.MustParseUserID("@alice:bureau.local")
	bob   = ref.MustParseUserID("@bob:bureau.local")
	carol = ref.MustParseUserID("@carol:bureau.local")

	testRoom  = ref.MustParseRoomID("!ops:bureau.local")
	otherRoom = ref.MustParseRoomID("!lobby:bureau.local")

	testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	megolmSettings = roomstate.EncryptionSettings{Algorithm: messaging.AlgorithmMegolm}
)

// fakeHomeserver is an in-process stand-in for the key and to-device
// endpoints of a Matrix homeserver. Every device gets its own
// Transport bound to its identity.
type fakeHomeserver struct {
	mu           sync.Mutex
	deviceKeys   map[ref.UserID]map[ref.DeviceID]json.RawMessage
	oneTimeKeys  map[ref.UserID]map[ref.DeviceID]map[string]json.RawMessage
	fallbackKeys map[ref.UserID]map[ref.DeviceID]map[string]json.RawMessage
	inbox        map[ref.UserID]map[ref.DeviceID][]messaging.ToDeviceEvent

	queries int
	// failQueries makes the next n key queries fail.
	failQueries int
	// beforeUpload, when set, runs at the start of every key upload.
	beforeUpload func()
}

func newFakeHomeserver() *fakeHomeserver {
	return &fakeHomeserver{
		deviceKeys:   make(map[ref.UserID]map[ref.DeviceID]json.RawMessage),
		oneTimeKeys:  make(map[ref.UserID]map[ref.DeviceID]map[string]json.RawMessage),
		fallbackKeys: make(map[ref.UserID]map[ref.DeviceID]map[string]json.RawMessage),
		inbox:        make(map[ref.UserID]map[ref.DeviceID][]messaging.ToDeviceEvent),
	}
}

func nested[V any](outer map[ref.UserID]map[ref.DeviceID]V, user ref.UserID) map[ref.DeviceID]V {
	if outer[user] == nil {
		outer[user] = make(map[ref.DeviceID]V)
	}
	return outer[user]
}

// transport returns the Transport a device uses to talk to h.
func (h *fakeHomeserver) transport(user ref.UserID, device ref.DeviceID) *fakeTransport {
	return &fakeTransport{server: h, user: user, device: device}
}

// drain removes and returns the to-device events queued for a device.
func (h *fakeHomeserver) drain(user ref.UserID, device ref.DeviceID) []messaging.ToDeviceEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	events := h.inbox[user][device]
	delete(h.inbox[user], device)
	return events
}

// oneTimeKeyCount returns how many unclaimed one-time keys a device has.
func (h *fakeHomeserver) oneTimeKeyCount(user ref.UserID, device ref.DeviceID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.oneTimeKeys[user][device])
}

// dropKeys removes a device's one-time and fallback keys, so claims
// for it return nothing.
func (h *fakeHomeserver) dropKeys(user ref.UserID, device ref.DeviceID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.oneTimeKeys[user], device)
	delete(h.fallbackKeys[user], device)
}

// rewriteOneTimeKeys applies edit to every stored one-time key
// document of a device.
func (h *fakeHomeserver) rewriteOneTimeKeys(user ref.UserID, device ref.DeviceID, edit func(map[string]any)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, document := range h.oneTimeKeys[user][device] {
		h.oneTimeKeys[user][device][id] = editDocument(document, edit)
	}
}

// rewriteDeviceKeys applies edit to a device's key document.
func (h *fakeHomeserver) rewriteDeviceKeys(user ref.UserID, device ref.DeviceID, edit func(map[string]any)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deviceKeys[user][device] = editDocument(h.deviceKeys[user][device], edit)
}

func editDocument(document json.RawMessage, edit func(map[string]any)) json.RawMessage {
	var object map[string]any
	if err := json.Unmarshal(document, &object); err != nil {
		panic(err)
	}
	edit(object)
	edited, err := json.Marshal(object)
	if err != nil {
		panic(err)
	}
	return edited
}

type fakeTransport struct {
	server *fakeHomeserver
	user   ref.UserID
	device ref.DeviceID
}

var _ Transport = (*fakeTransport)(nil)

func (t *fakeTransport) UploadKeys(ctx context.Context, request messaging.UploadKeysRequest) (*messaging.UploadKeysResponse, error) {
	h := t.server
	h.mu.Lock()
	hook := h.beforeUpload
	h.mu.Unlock()
	if hook != nil {
		hook()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if request.DeviceKeys != nil {
		document, err := json.Marshal(request.DeviceKeys)
		if err != nil {
			return nil, err
		}
		nested(h.deviceKeys, t.user)[t.device] = document
	}
	for id, key := range request.OneTimeKeys {
		document, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		keys := nested(h.oneTimeKeys, t.user)
		if keys[t.device] == nil {
			keys[t.device] = make(map[string]json.RawMessage)
		}
		keys[t.device][id] = document
	}
	for id, key := range request.FallbackKeys {
		document, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		nested(h.fallbackKeys, t.user)[t.device] = map[string]json.RawMessage{id: document}
	}
	return &messaging.UploadKeysResponse{
		OneTimeKeyCounts: map[string]int{
			messaging.AlgorithmSignedCurve25519: len(h.oneTimeKeys[t.user][t.device]),
		},
	}, nil
}

func (t *fakeTransport) QueryKeys(ctx context.Context, request messaging.QueryKeysRequest) (*messaging.QueryKeysResponse, error) {
	h := t.server
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queries++
	if h.failQueries > 0 {
		h.failQueries--
		return nil, &messaging.MatrixError{Code: "M_UNKNOWN", Message: "query unavailable", StatusCode: 502}
	}
	response := &messaging.QueryKeysResponse{
		DeviceKeys: make(map[ref.UserID]map[ref.DeviceID]json.RawMessage),
	}
	for user := range request.DeviceKeys {
		response.DeviceKeys[user] = maps.Clone(h.deviceKeys[user])
		if response.DeviceKeys[user] == nil {
			response.DeviceKeys[user] = map[ref.DeviceID]json.RawMessage{}
		}
	}
	return response, nil
}

func (t *fakeTransport) ClaimKeys(ctx context.Context, request messaging.ClaimKeysRequest) (*messaging.ClaimKeysResponse, error) {
	h := t.server
	h.mu.Lock()
	defer h.mu.Unlock()
	response := &messaging.ClaimKeysResponse{
		OneTimeKeys: make(map[ref.UserID]map[ref.DeviceID]map[string]json.RawMessage),
	}
	for user, devices := range request.OneTimeKeys {
		for device := range devices {
			if keys := h.oneTimeKeys[user][device]; len(keys) > 0 {
				id := slices.Sorted(maps.Keys(keys))[0]
				nested(response.OneTimeKeys, user)[device] = map[string]json.RawMessage{id: keys[id]}
				delete(keys, id)
				continue
			}
			if fallback := h.fallbackKeys[user][device]; len(fallback) > 0 {
				nested(response.OneTimeKeys, user)[device] = maps.Clone(fallback)
			}
		}
	}
	return response, nil
}

func (t *fakeTransport) SendToDevice(ctx context.Context, request messaging.SendToDeviceRequest) error {
	h := t.server
	h.mu.Lock()
	defer h.mu.Unlock()
	for user, devices := range request.Messages {
		for device, content := range devices {
			raw, err := json.Marshal(content)
			if err != nil {
				return err
			}
			queue := nested(h.inbox, user)
			queue[device] = append(queue[device], messaging.ToDeviceEvent{
				Type:    request.EventType,
				Sender:  t.user,
				Content: raw,
			})
		}
	}
	return nil
}

// testDevice is one Machine connected to a fakeHomeserver.
type testDevice struct {
	user      ref.UserID
	device    ref.DeviceID
	machine   *Machine
	store     store.Store
	pickleKey *ratchet.PickleKey
	server    *fakeHomeserver
}

type deviceOption func(*Config)

func withClock(c clock.Clock) deviceOption {
	return func(config *Config) { config.Clock = c }
}

func withStore(s store.Store) deviceOption {
	return func(config *Config) { config.Store = s }
}

func withPickleKey(key *ratchet.PickleKey) deviceOption {
	return func(config *Config) { config.PickleKey = key }
}

// newTestDevice creates a Machine for user/device and publishes its
// keys to server.
func newTestDevice(t *testing.T, server *fakeHomeserver, user ref.UserID, device string, options ...deviceOption) *testDevice {
	t.Helper()
	deviceID := ref.MustParseDeviceID(device)
	config := Config{
		UserID:         user,
		DeviceID:       deviceID,
		Transport:      server.transport(user, deviceID),
		KeyWaitTimeout: 5 * time.Second,
	}
	for _, option := range options {
		option(&config)
	}
	if config.Store == nil {
		config.Store = store.NewMemory()
	}
	if config.PickleKey == nil {
		key, err := ratchet.GeneratePickleKey()
		if err != nil {
			t.Fatalf("GeneratePickleKey: %v", err)
		}
		t.Cleanup(func() { key.Close() })
		config.PickleKey = key
	}

	machine, err := NewMachine(context.Background(), config)
	if err != nil {
		t.Fatalf("NewMachine(%s %s): %v", user, device, err)
	}
	if err := machine.PublishDeviceKeys(context.Background()); err != nil {
		t.Fatalf("PublishDeviceKeys(%s %s): %v", user, device, err)
	}
	return &testDevice{
		user:      user,
		device:    deviceID,
		machine:   machine,
		store:     config.Store,
		pickleKey: config.PickleKey,
		server:    server,
	}
}

func (d *testDevice) identityKey() ref.Curve25519Key {
	key, _ := d.machine.IdentityKeys()
	return key
}

func (d *testDevice) signingKey() ref.Ed25519Key {
	_, key := d.machine.IdentityKeys()
	return key
}

// refresh fetches the device keys of users into d's cache.
func (d *testDevice) refresh(t *testing.T, users ...ref.UserID) {
	t.Helper()
	if err := d.machine.RefreshDeviceKeys(context.Background(), users...); err != nil {
		t.Fatalf("RefreshDeviceKeys: %v", err)
	}
}

// receive hands every queued to-device event to d and returns the
// decrypted events.
func (d *testDevice) receive(t *testing.T) []*DecryptedOlmEvent {
	t.Helper()
	var decrypted []*DecryptedOlmEvent
	for _, event := range d.server.drain(d.user, d.device) {
		result, err := d.machine.HandleToDevice(context.Background(), event)
		if err != nil {
			t.Fatalf("HandleToDevice from %s: %v", event.Sender, err)
		}
		decrypted = append(decrypted, result)
	}
	return decrypted
}

// olmSessions returns d's stored sessions with peer.
func (d *testDevice) olmSessions(t *testing.T, peer *testDevice) []store.OlmSessionRecord {
	t.Helper()
	records, err := d.store.OlmSessions(context.Background(), peer.identityKey())
	if err != nil {
		t.Fatalf("OlmSessions: %v", err)
	}
	return records
}

// joinRoom makes every device's view of roomID encrypted with the
// given members joined.
func joinRoom(t *testing.T, roomID ref.RoomID, settings roomstate.EncryptionSettings, members []ref.UserID, devices ...*testDevice) {
	t.Helper()
	ctx := context.Background()
	for _, device := range devices {
		for _, member := range members {
			if err := device.machine.OnMembershipChange(ctx, roomID, member, roomstate.MembershipJoin); err != nil {
				t.Fatalf("OnMembershipChange: %v", err)
			}
		}
		if err := device.machine.OnEncryptionSettingsChange(ctx, roomID, settings); err != nil {
			t.Fatalf("OnEncryptionSettingsChange: %v", err)
		}
		device.refresh(t, members...)
	}
}

func textPayload(t *testing.T, body string) Payload {
	t.Helper()
	payload, err := NewPayload(OpaqueContent{
		Type: "m.room.message",
		Raw:  json.RawMessage(fmt.Sprintf(`{"msgtype":"m.text","body":%q}`, body)),
	})
	if err != nil {
		t.Fatalf("NewPayload: %v", err)
	}
	return payload
}

// bodyOf extracts the body field of a textPayload.
func bodyOf(t *testing.T, payload Payload) string {
	t.Helper()
	var content struct {
		Body string `json:"body"`
	}
	if err := json.Unmarshal(payload.Content, &content); err != nil {
		t.Fatalf("decoding payload content %s: %v", payload.Content, err)
	}
	return content.Body
}

// roomEvent wraps Megolm content as a received room event.
func roomEvent(roomID ref.RoomID, sender ref.UserID, eventID string, ts int64, content *MegolmEncryptedContent) EncryptedRoomEvent {
	return EncryptedRoomEvent{
		EventID:        ref.MustParseEventID(eventID),
		RoomID:         roomID,
		Sender:         sender,
		OriginServerTS: ts,
		Content:        *content,
	}
}

func userIDs(devices ...*testDevice) []ref.UserID {
	var users []ref.UserID
	for _, device := range devices {
		if !slices.Contains(users, device.user) {
			users = append(users, device.user)
		}
	}
	slices.SortFunc(users, func(a, b ref.UserID) int { return strings.Compare(a.String(), b.String()) })
	return users
}
