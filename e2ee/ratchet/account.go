// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ratchet

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/bureau-foundation/e2ee/lib/ref"
)

// MaxOneTimeKeys is the number of one-time keys an account holds.
// Generating more discards the oldest.
const MaxOneTimeKeys = 100

const accountPickleVersion = 1

// ErrUnknownOneTimeKey is returned when a pre-key message names a
// one-time key the account does not hold.
var ErrUnknownOneTimeKey = errors.New("ratchet: unknown one-time key")

// Account is a device's long-term key material.
type Account struct {
	state accountState
}

type accountState struct {
	Version          int          `cbor:"1,keyasint"`
	Identity         curveKeyPair `cbor:"2,keyasint"`
	SigningSeed      []byte       `cbor:"3,keyasint"`
	OneTimeKeys      []oneTimeKey `cbor:"4,keyasint"`
	NextKeyID        uint32       `cbor:"5,keyasint"`
	Fallback         *oneTimeKey  `cbor:"6,keyasint"`
	PreviousFallback *oneTimeKey  `cbor:"7,keyasint"`
}

type oneTimeKey struct {
	ID        uint32       `cbor:"1,keyasint"`
	Pair      curveKeyPair `cbor:"2,keyasint"`
	Published bool         `cbor:"3,keyasint"`
}

func (k *oneTimeKey) keyID() string {
	var raw [4]byte
	binary.BigEndian.PutUint32(raw[:], k.ID)
	return base64.RawStdEncoding.EncodeToString(raw[:])
}

// NewAccount generates fresh identity and signing keys.
func NewAccount() (*Account, error) {
	identity, err := generateCurveKeyPair()
	if err != nil {
		return nil, err
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("ratchet: reading random: %w", err)
	}
	return &Account{state: accountState{
		Version:     accountPickleVersion,
		Identity:    identity,
		SigningSeed: seed,
		NextKeyID:   1,
	}}, nil
}

// UnpickleAccount restores an account sealed by [Account.Pickle].
func UnpickleAccount(key *PickleKey, pickle Pickle) (*Account, error) {
	var state accountState
	if err := key.open(pickle, &state); err != nil {
		return nil, err
	}
	if state.Version != accountPickleVersion {
		return nil, fmt.Errorf("%w: account version %d", ErrBadPickle, state.Version)
	}
	if len(state.SigningSeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: signing seed length %d", ErrBadPickle, len(state.SigningSeed))
	}
	return &Account{state: state}, nil
}

// Pickle seals the account's state.
func (a *Account) Pickle(key *PickleKey) (Pickle, error) {
	return key.seal(&a.state)
}

func (a *Account) signingKey() ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(a.state.SigningSeed)
}

// IdentityKeys returns the account's Curve25519 identity key and
// Ed25519 signing key.
func (a *Account) IdentityKeys() (ref.Curve25519Key, ref.Ed25519Key) {
	public := a.signingKey().Public().(ed25519.PublicKey)
	signing, err := ref.Ed25519KeyFromBytes(public)
	if err != nil {
		panic("ratchet: ed25519 public key has wrong length")
	}
	return ref.Curve25519KeyFromBytes(a.state.Identity.Public), signing
}

// Sign returns the unpadded base64 Ed25519 signature of message.
func (a *Account) Sign(message []byte) string {
	return base64.RawStdEncoding.EncodeToString(ed25519.Sign(a.signingKey(), message))
}

// MaxNumberOfOneTimeKeys returns [MaxOneTimeKeys].
func (a *Account) MaxNumberOfOneTimeKeys() int { return MaxOneTimeKeys }

// GenerateOneTimeKeys adds count new unpublished one-time keys,
// discarding the oldest keys beyond [MaxOneTimeKeys].
func (a *Account) GenerateOneTimeKeys(count int) error {
	for range count {
		pair, err := generateCurveKeyPair()
		if err != nil {
			return err
		}
		a.state.OneTimeKeys = append(a.state.OneTimeKeys, oneTimeKey{
			ID:   a.state.NextKeyID,
			Pair: pair,
		})
		a.state.NextKeyID++
	}
	if excess := len(a.state.OneTimeKeys) - MaxOneTimeKeys; excess > 0 {
		a.state.OneTimeKeys = slices.Delete(a.state.OneTimeKeys, 0, excess)
	}
	return nil
}

// OneTimeKeys returns the unpublished one-time keys by key ID.
func (a *Account) OneTimeKeys() map[string]ref.Curve25519Key {
	keys := make(map[string]ref.Curve25519Key)
	for index := range a.state.OneTimeKeys {
		key := &a.state.OneTimeKeys[index]
		if !key.Published {
			keys[key.keyID()] = ref.Curve25519KeyFromBytes(key.Pair.Public)
		}
	}
	return keys
}

// OneTimeKeyCount returns the number of one-time keys held, published
// or not.
func (a *Account) OneTimeKeyCount() int { return len(a.state.OneTimeKeys) }

// MarkKeysAsPublished marks every one-time key and the current
// fallback key as published.
func (a *Account) MarkKeysAsPublished() {
	for index := range a.state.OneTimeKeys {
		a.state.OneTimeKeys[index].Published = true
	}
	if a.state.Fallback != nil {
		a.state.Fallback.Published = true
	}
}

// GenerateFallbackKey replaces the current fallback key, keeping the
// old one as the previous fallback so sessions started against it
// still succeed.
func (a *Account) GenerateFallbackKey() error {
	pair, err := generateCurveKeyPair()
	if err != nil {
		return err
	}
	a.state.PreviousFallback = a.state.Fallback
	a.state.Fallback = &oneTimeKey{ID: a.state.NextKeyID, Pair: pair}
	a.state.NextKeyID++
	return nil
}

// UnpublishedFallbackKey returns the current fallback key if it has not
// been published.
func (a *Account) UnpublishedFallbackKey() (keyID string, key ref.Curve25519Key, ok bool) {
	fallback := a.state.Fallback
	if fallback == nil || fallback.Published {
		return "", ref.Curve25519Key{}, false
	}
	return fallback.keyID(), ref.Curve25519KeyFromBytes(fallback.Pair.Public), true
}

// ForgetOldFallbackKey discards the previous fallback key.
func (a *Account) ForgetOldFallbackKey() {
	a.state.PreviousFallback = nil
}

// RemoveOneTimeKeys removes the one-time key session was created
// against. Fallback keys are reusable and are not removed.
func (a *Account) RemoveOneTimeKeys(session *OlmSession) error {
	target := session.state.BobOneTimeKey
	for index := range a.state.OneTimeKeys {
		if a.state.OneTimeKeys[index].Pair.Public == target {
			a.state.OneTimeKeys = slices.Delete(a.state.OneTimeKeys, index, index+1)
			return nil
		}
	}
	if a.isFallbackKey(target) {
		return nil
	}
	return ErrUnknownOneTimeKey
}

func (a *Account) isFallbackKey(public [32]byte) bool {
	return (a.state.Fallback != nil && a.state.Fallback.Pair.Public == public) ||
		(a.state.PreviousFallback != nil && a.state.PreviousFallback.Pair.Public == public)
}

// lookupOneTimeKey finds the private half of a one-time or fallback key.
func (a *Account) lookupOneTimeKey(public [32]byte) (curveKeyPair, bool) {
	for index := range a.state.OneTimeKeys {
		if a.state.OneTimeKeys[index].Pair.Public == public {
			return a.state.OneTimeKeys[index].Pair, true
		}
	}
	for _, fallback := range []*oneTimeKey{a.state.Fallback, a.state.PreviousFallback} {
		if fallback != nil && fallback.Pair.Public == public {
			return fallback.Pair, true
		}
	}
	return curveKeyPair{}, false
}
