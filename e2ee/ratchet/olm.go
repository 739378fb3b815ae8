// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ratchet

import (
	"encoding/base64"
	"errors"
	"fmt"
	"slices"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/e2ee/lib/codec"
	"github.com/bureau-foundation/e2ee/lib/ref"
)

const (
	// MaxReceiverChains is how many peer ratchet keys a session keeps
	// chains for.
	MaxReceiverChains = 5

	// MaxSkippedMessageKeys is how many out-of-order message keys a
	// session stores.
	MaxSkippedMessageKeys = 40

	// MaxMessageGap is the largest forward jump in chain index a single
	// message may cause.
	MaxMessageGap = 2000

	olmSessionPickleVersion = 1
)

var (
	// ErrSessionMismatch is returned when a pre-key message was not
	// produced for this session.
	ErrSessionMismatch = errors.New("ratchet: pre-key message does not match session")

	// ErrMessageKeyNotFound is returned for a message whose key was
	// already used or has been discarded.
	ErrMessageKeyNotFound = errors.New("ratchet: message key not found")

	// ErrMessageGapTooLarge is returned when a message skips more than
	// MaxMessageGap chain keys.
	ErrMessageGapTooLarge = errors.New("ratchet: message index too far ahead")

	// ErrUnknownRatchetKey is returned when a message names a new
	// ratchet key but the session has no sender chain to step from.
	ErrUnknownRatchetKey = errors.New("ratchet: unknown ratchet key")
)

// OlmSession is one pairwise double-ratchet session.
type OlmSession struct {
	state olmSessionState
}

type olmSessionState struct {
	Version          int             `cbor:"1,keyasint"`
	ID               string          `cbor:"2,keyasint"`
	ReceivedMessage  bool            `cbor:"3,keyasint"`
	AliceIdentityKey [32]byte        `cbor:"4,keyasint"`
	AliceBaseKey     [32]byte        `cbor:"5,keyasint"`
	BobOneTimeKey    [32]byte        `cbor:"6,keyasint"`
	RootKey          [32]byte        `cbor:"7,keyasint"`
	SenderChain      *senderChain    `cbor:"8,keyasint"`
	ReceiverChains   []receiverChain `cbor:"9,keyasint"`
	SkippedKeys      []skippedKey    `cbor:"10,keyasint"`
}

type senderChain struct {
	Ratchet  curveKeyPair `cbor:"1,keyasint"`
	ChainKey [32]byte     `cbor:"2,keyasint"`
	Index    uint32       `cbor:"3,keyasint"`
}

type receiverChain struct {
	RatchetKey [32]byte `cbor:"1,keyasint"`
	ChainKey   [32]byte `cbor:"2,keyasint"`
	Index      uint32   `cbor:"3,keyasint"`
}

type skippedKey struct {
	RatchetKey [32]byte `cbor:"1,keyasint"`
	Index      uint32   `cbor:"2,keyasint"`
	MessageKey [32]byte `cbor:"3,keyasint"`
}

// NewOutboundSession starts a session with the device owning
// theirIdentityKey, consuming theirOneTimeKey. Messages encrypted with
// it are pre-key messages until the peer replies.
func NewOutboundSession(account *Account, theirIdentityKey, theirOneTimeKey ref.Curve25519Key) (*OlmSession, error) {
	if theirIdentityKey.IsZero() || theirOneTimeKey.IsZero() {
		return nil, fmt.Errorf("ratchet: outbound session needs identity and one-time keys")
	}
	identity := theirIdentityKey.Bytes()
	oneTime := theirOneTimeKey.Bytes()

	baseKey, err := generateCurveKeyPair()
	if err != nil {
		return nil, err
	}
	ratchetKey, err := generateCurveKeyPair()
	if err != nil {
		return nil, err
	}

	secret, err := tripleDH(
		[3][32]byte{account.state.Identity.Private, baseKey.Private, baseKey.Private},
		[3][32]byte{oneTime, identity, oneTime},
	)
	if err != nil {
		return nil, err
	}
	rootKey, chainKey := kdfPair(nil, secret, infoOlmRoot)
	clear(secret)

	return &OlmSession{state: olmSessionState{
		Version:          olmSessionPickleVersion,
		ID:               olmSessionID(account.state.Identity.Public, baseKey.Public, oneTime),
		AliceIdentityKey: account.state.Identity.Public,
		AliceBaseKey:     baseKey.Public,
		BobOneTimeKey:    oneTime,
		RootKey:          rootKey,
		SenderChain:      &senderChain{Ratchet: ratchetKey, ChainKey: chainKey},
	}}, nil
}

// NewInboundSession creates the receiving side of a session from a
// pre-key message. If theirIdentityKey is non-zero the message must
// come from it. The message is not decrypted; call Decrypt next.
func NewInboundSession(account *Account, theirIdentityKey ref.Curve25519Key, preKeyBody []byte) (*OlmSession, error) {
	preKey, err := decodePreKeyMessage(preKeyBody)
	if err != nil {
		return nil, err
	}
	if !theirIdentityKey.IsZero() && preKey.IdentityKey != theirIdentityKey.Bytes() {
		return nil, ErrSessionMismatch
	}
	oneTime, ok := account.lookupOneTimeKey(preKey.OneTimeKey)
	if !ok {
		return nil, ErrUnknownOneTimeKey
	}
	_, header, err := decodeOlmMessage(preKey.Message)
	if err != nil {
		return nil, err
	}

	secret, err := tripleDH(
		[3][32]byte{oneTime.Private, account.state.Identity.Private, oneTime.Private},
		[3][32]byte{preKey.IdentityKey, preKey.BaseKey, preKey.BaseKey},
	)
	if err != nil {
		return nil, err
	}
	rootKey, chainKey := kdfPair(nil, secret, infoOlmRoot)
	clear(secret)

	return &OlmSession{state: olmSessionState{
		Version:          olmSessionPickleVersion,
		ID:               olmSessionID(preKey.IdentityKey, preKey.BaseKey, preKey.OneTimeKey),
		AliceIdentityKey: preKey.IdentityKey,
		AliceBaseKey:     preKey.BaseKey,
		BobOneTimeKey:    preKey.OneTimeKey,
		RootKey:          rootKey,
		ReceiverChains:   []receiverChain{{RatchetKey: header.RatchetKey, ChainKey: chainKey}},
	}}, nil
}

// UnpickleOlmSession restores a session sealed by [OlmSession.Pickle].
func UnpickleOlmSession(key *PickleKey, pickle Pickle) (*OlmSession, error) {
	var state olmSessionState
	if err := key.open(pickle, &state); err != nil {
		return nil, err
	}
	if state.Version != olmSessionPickleVersion {
		return nil, fmt.Errorf("%w: olm session version %d", ErrBadPickle, state.Version)
	}
	return &OlmSession{state: state}, nil
}

// Pickle seals the session's state.
func (s *OlmSession) Pickle(key *PickleKey) (Pickle, error) {
	return key.seal(&s.state)
}

// ID returns the session ID, identical on both sides.
func (s *OlmSession) ID() string { return s.state.ID }

// HasReceivedMessage reports whether the session has decrypted a
// message from the peer. Until it has, an outbound session sends
// pre-key messages.
func (s *OlmSession) HasReceivedMessage() bool { return s.state.ReceivedMessage }

// MatchesInbound reports whether preKeyBody was produced for this
// session. A non-zero theirIdentityKey must also match the sender.
func (s *OlmSession) MatchesInbound(theirIdentityKey ref.Curve25519Key, preKeyBody []byte) bool {
	preKey, err := decodePreKeyMessage(preKeyBody)
	if err != nil {
		return false
	}
	if !theirIdentityKey.IsZero() && preKey.IdentityKey != theirIdentityKey.Bytes() {
		return false
	}
	return s.matches(preKey)
}

func (s *OlmSession) matches(preKey preKeyMessage) bool {
	return preKey.IdentityKey == s.state.AliceIdentityKey &&
		preKey.BaseKey == s.state.AliceBaseKey &&
		preKey.OneTimeKey == s.state.BobOneTimeKey
}

// Encrypt advances the sending chain and returns the encrypted message
// and its type.
func (s *OlmSession) Encrypt(plaintext []byte) (MessageType, []byte, error) {
	next := s.clone()
	messageType, body, err := next.encrypt(plaintext)
	if err != nil {
		return 0, nil, err
	}
	s.state = next.state
	return messageType, body, nil
}

func (s *OlmSession) encrypt(plaintext []byte) (MessageType, []byte, error) {
	state := &s.state
	if state.SenderChain == nil {
		if len(state.ReceiverChains) == 0 {
			return 0, nil, fmt.Errorf("ratchet: session has no chains")
		}
		ratchetKey, err := generateCurveKeyPair()
		if err != nil {
			return 0, nil, err
		}
		shared, err := sharedSecret(ratchetKey.Private, state.ReceiverChains[0].RatchetKey)
		if err != nil {
			return 0, nil, err
		}
		rootKey, chainKey := kdfPair(state.RootKey[:], shared, infoOlmRatchet)
		clear(shared)
		state.RootKey = rootKey
		state.SenderChain = &senderChain{Ratchet: ratchetKey, ChainKey: chainKey}
	}

	chain := state.SenderChain
	messageKey := chainMessageKey(chain.ChainKey)
	index := chain.Index
	chain.ChainKey = nextChainKey(chain.ChainKey)
	chain.Index++

	keys := derivePayloadKeys(messageKey[:], infoOlmKeys)
	defer keys.wipe()
	clear(messageKey[:])

	body, err := codec.Marshal(olmMessageBody{
		Version:    olmMessageVersion,
		RatchetKey: chain.Ratchet.Public,
		ChainIndex: index,
		Ciphertext: keys.encrypt(plaintext),
	})
	if err != nil {
		return 0, nil, fmt.Errorf("ratchet: encoding message: %w", err)
	}
	message, err := codec.Marshal(olmMessage{Body: body, MAC: keys.mac(body)})
	if err != nil {
		return 0, nil, fmt.Errorf("ratchet: encoding message: %w", err)
	}

	if state.ReceivedMessage {
		return MessageTypeNormal, message, nil
	}
	preKey, err := codec.Marshal(preKeyMessage{
		Version:     olmMessageVersion,
		OneTimeKey:  state.BobOneTimeKey,
		BaseKey:     state.AliceBaseKey,
		IdentityKey: state.AliceIdentityKey,
		Message:     message,
	})
	if err != nil {
		return 0, nil, fmt.Errorf("ratchet: encoding pre-key message: %w", err)
	}
	return MessageTypePreKey, preKey, nil
}

// Decrypt decrypts a message of the given type. On any error the
// session is unchanged.
func (s *OlmSession) Decrypt(messageType MessageType, body []byte) ([]byte, error) {
	messageBytes := body
	switch messageType {
	case MessageTypePreKey:
		preKey, err := decodePreKeyMessage(body)
		if err != nil {
			return nil, err
		}
		if !s.matches(preKey) {
			return nil, ErrSessionMismatch
		}
		messageBytes = preKey.Message
	case MessageTypeNormal:
	default:
		return nil, fmt.Errorf("%w: message type %d", ErrBadMessageFormat, messageType)
	}

	message, header, err := decodeOlmMessage(messageBytes)
	if err != nil {
		return nil, err
	}

	next := s.clone()
	plaintext, err := next.decrypt(message, header)
	if err != nil {
		return nil, err
	}
	next.state.ReceivedMessage = true
	s.state = next.state
	return plaintext, nil
}

func (s *OlmSession) decrypt(message olmMessage, header olmMessageBody) ([]byte, error) {
	state := &s.state

	chainIndex := slices.IndexFunc(state.ReceiverChains, func(chain receiverChain) bool {
		return chain.RatchetKey == header.RatchetKey
	})
	if chainIndex < 0 {
		if state.SenderChain == nil {
			return nil, ErrUnknownRatchetKey
		}
		shared, err := sharedSecret(state.SenderChain.Ratchet.Private, header.RatchetKey)
		if err != nil {
			return nil, err
		}
		rootKey, chainKey := kdfPair(state.RootKey[:], shared, infoOlmRatchet)
		clear(shared)
		state.RootKey = rootKey
		state.SenderChain = nil
		state.ReceiverChains = slices.Insert(state.ReceiverChains, 0, receiverChain{
			RatchetKey: header.RatchetKey,
			ChainKey:   chainKey,
		})
		if len(state.ReceiverChains) > MaxReceiverChains {
			state.ReceiverChains = state.ReceiverChains[:MaxReceiverChains]
		}
		chainIndex = 0
	}
	chain := &state.ReceiverChains[chainIndex]

	var messageKey [32]byte
	if header.ChainIndex < chain.Index {
		skipped := slices.IndexFunc(state.SkippedKeys, func(key skippedKey) bool {
			return key.RatchetKey == header.RatchetKey && key.Index == header.ChainIndex
		})
		if skipped < 0 {
			return nil, ErrMessageKeyNotFound
		}
		messageKey = state.SkippedKeys[skipped].MessageKey
		state.SkippedKeys = slices.Delete(state.SkippedKeys, skipped, skipped+1)
	} else {
		if header.ChainIndex-chain.Index > MaxMessageGap {
			return nil, ErrMessageGapTooLarge
		}
		for chain.Index < header.ChainIndex {
			state.SkippedKeys = append(state.SkippedKeys, skippedKey{
				RatchetKey: chain.RatchetKey,
				Index:      chain.Index,
				MessageKey: chainMessageKey(chain.ChainKey),
			})
			chain.ChainKey = nextChainKey(chain.ChainKey)
			chain.Index++
		}
		if excess := len(state.SkippedKeys) - MaxSkippedMessageKeys; excess > 0 {
			state.SkippedKeys = slices.Delete(state.SkippedKeys, 0, excess)
		}
		messageKey = chainMessageKey(chain.ChainKey)
		chain.ChainKey = nextChainKey(chain.ChainKey)
		chain.Index++
	}

	keys := derivePayloadKeys(messageKey[:], infoOlmKeys)
	defer keys.wipe()
	clear(messageKey[:])

	if !keys.verify(message.Body, message.MAC) {
		return nil, ErrBadMAC
	}
	return keys.decrypt(header.Ciphertext)
}

func (s *OlmSession) clone() *OlmSession {
	state := s.state
	if state.SenderChain != nil {
		sender := *state.SenderChain
		state.SenderChain = &sender
	}
	state.ReceiverChains = slices.Clone(state.ReceiverChains)
	state.SkippedKeys = slices.Clone(state.SkippedKeys)
	return &OlmSession{state: state}
}

func chainMessageKey(chainKey [32]byte) [32]byte {
	return hmacSHA256(chainKey[:], []byte{0x01})
}

func nextChainKey(chainKey [32]byte) [32]byte {
	return hmacSHA256(chainKey[:], []byte{0x02})
}

// tripleDH concatenates X25519(private[i], public[i]) for i = 0..2.
func tripleDH(private, public [3][32]byte) ([]byte, error) {
	secret := make([]byte, 0, 96)
	for i := range 3 {
		shared, err := sharedSecret(private[i], public[i])
		if err != nil {
			clear(secret)
			return nil, err
		}
		secret = append(secret, shared...)
		clear(shared)
	}
	return secret, nil
}

// olmSessionID hashes the three public keys that fix a session's
// initial state. Both sides compute the same ID.
func olmSessionID(aliceIdentity, aliceBase, bobOneTime [32]byte) string {
	hasher := blake3.New()
	hasher.Write(aliceIdentity[:])
	hasher.Write(aliceBase[:])
	hasher.Write(bobOneTime[:])
	return base64.RawStdEncoding.EncodeToString(hasher.Sum(nil))
}
