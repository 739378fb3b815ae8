// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/bureau-foundation/e2ee/e2ee/devicekeys"
	"github.com/bureau-foundation/e2ee/e2ee/roomstate"
	"github.com/bureau-foundation/e2ee/lib/ref"
)

// Reactor turns membership, encryption-state and device-list
// notifications into device-key tracking and outbound session
// bookkeeping.
type Reactor struct {
	userID  ref.UserID
	devices *devicekeys.Store
	rooms   *roomstate.Tracker
	megolm  *MegolmManager
	logger  *slog.Logger
}

// NewReactor creates a Reactor. A nil logger discards.
func NewReactor(userID ref.UserID, devices *devicekeys.Store, rooms *roomstate.Tracker, megolm *MegolmManager, logger *slog.Logger) *Reactor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reactor{
		userID:  userID,
		devices: devices,
		rooms:   rooms,
		megolm:  megolm,
		logger:  logger,
	}
}

// OnDeviceListChange handles the device_lists section of a sync.
// Changed users with cached devices are marked outdated; users with no
// cached devices are fetched lazily when a room needs them. Left users
// are forgotten.
func (r *Reactor) OnDeviceListChange(changed, left []ref.UserID) {
	var stale []ref.UserID
	for _, user := range changed {
		if r.devices.HasDevices(user) {
			stale = append(stale, user)
		}
	}
	if marked := r.devices.MarkOutdated(stale...); len(marked) > 0 {
		r.logger.Debug("device lists outdated", "users", len(marked))
	}
	for _, user := range left {
		r.devices.Forget(user)
	}
}

// OnMembershipChange records a member's new state in roomID.
//
// A joining or invited member of an encrypted room without cached
// devices is queued for a key query. A member leaving or banned ends
// the room's outbound session, so the next message uses a key the
// departed member never saw; their devices are forgotten once no
// encrypted room is shared with them. A room the local user has left
// is no longer shared with anyone.
func (r *Reactor) OnMembershipChange(ctx context.Context, roomID ref.RoomID, user ref.UserID, membership roomstate.Membership) error {
	previous := r.rooms.SetMembership(roomID, user, membership)

	switch membership {
	case roomstate.MembershipJoin, roomstate.MembershipInvite:
		if r.rooms.IsEncrypted(roomID) && !r.devices.HasDevices(user) {
			if added := r.devices.Track(user); len(added) == 0 {
				r.devices.MarkOutdated(user)
			}
		}
		return nil

	case roomstate.MembershipLeave, roomstate.MembershipBan:
		if err := r.megolm.DiscardOutbound(ctx, roomID); err != nil {
			return err
		}
		if user == r.userID {
			r.logger.Info("left room", "room_id", roomID, "membership", membership)
			for _, member := range r.rooms.Members(roomID) {
				r.forgetIfUnshared(roomID, member)
			}
			return nil
		}
		r.forgetIfUnshared(roomID, user)
		if previous.Present() {
			r.logger.Debug("member departed", "room_id", roomID, "user_id", user, "membership", membership)
		}
	}
	return nil
}

// forgetIfUnshared drops user's devices once the local user shares no
// encrypted room with them. The local user is always kept.
func (r *Reactor) forgetIfUnshared(roomID ref.RoomID, user ref.UserID) {
	if user == r.userID || !r.devices.IsTracked(user) {
		return
	}
	if len(r.rooms.SharedEncryptedRooms(r.userID, user)) > 0 {
		return
	}
	r.devices.Forget(user)
	r.logger.Debug("forgot devices of departed user", "user_id", user, "room_id", roomID)
}

// OnEncryptionSettingsChange handles an m.room.encryption state event.
// Members whose keys are not tracked yet are queued for a key query,
// and the outbound session is replaced so the new settings apply to
// the next message. Settings without an algorithm are ignored.
func (r *Reactor) OnEncryptionSettingsChange(ctx context.Context, roomID ref.RoomID, settings roomstate.EncryptionSettings) error {
	if settings.Algorithm == "" {
		return nil
	}
	if r.rooms.SetEncryption(roomID, settings) {
		r.logger.Info("room encryption enabled", "room_id", roomID, "algorithm", settings.Algorithm)
	}

	var untracked []ref.UserID
	for _, user := range r.rooms.Members(roomID) {
		if !r.devices.IsTracked(user) {
			untracked = append(untracked, user)
		}
	}
	r.devices.Track(untracked...)
	return r.megolm.DiscardOutbound(ctx, roomID)
}

// OnKeysRefreshed handles the result of a key query for user. New and
// rotated devices are queued on the outbound session of every
// encrypted room user belongs to. A removed device ends those
// sessions, since it already holds their key.
func (r *Reactor) OnKeysRefreshed(ctx context.Context, user ref.UserID, change devicekeys.DeviceChange) error {
	if change.Empty() {
		return nil
	}
	pending := slices.Concat(change.Added, change.Rotated)
	var errs []error
	for _, roomID := range r.rooms.SharedEncryptedRooms(r.userID, user) {
		if len(change.Removed) > 0 {
			errs = append(errs, r.megolm.DiscardOutbound(ctx, roomID))
			continue
		}
		errs = append(errs, r.megolm.AddNewDevices(ctx, roomID, user, pending))
	}
	return errors.Join(errs...)
}
