// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ratchet

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/bureau-foundation/e2ee/lib/codec"
	"github.com/bureau-foundation/e2ee/lib/ref"
)

const (
	megolmRatchetParts        = 4
	megolmRatchetPartSize     = 32
	megolmMessageVersion      = 3
	sessionKeyVersion         = 2
	exportedKeyVersion        = 1
	groupSessionPickleVersion = 1
)

var (
	// ErrUnknownMessageIndex is returned when a message predates the
	// first index an inbound session knows.
	ErrUnknownMessageIndex = errors.New("ratchet: unknown message index")

	// ErrBadSignature is returned when a Megolm message or session key
	// signature does not verify.
	ErrBadSignature = errors.New("ratchet: bad signature")

	// ErrBadSessionKey is returned for undecodable session keys.
	ErrBadSessionKey = errors.New("ratchet: bad session key")
)

// megolmRatchet is the four-part hash ratchet. Part i is rehashed every
// 2^(8*(3-i)) messages, so reaching index n costs at most 4*255 hashes.
type megolmRatchet struct {
	Parts   [megolmRatchetParts][megolmRatchetPartSize]byte `cbor:"1,keyasint"`
	Counter uint32                                          `cbor:"2,keyasint"`
}

func newMegolmRatchet() (megolmRatchet, error) {
	var ratchet megolmRatchet
	for i := range ratchet.Parts {
		if _, err := rand.Read(ratchet.Parts[i][:]); err != nil {
			return megolmRatchet{}, fmt.Errorf("ratchet: reading random: %w", err)
		}
	}
	return ratchet, nil
}

// rehash sets part to from HMAC-SHA256(part from, [to]).
func (r *megolmRatchet) rehash(from, to int) {
	r.Parts[to] = hmacSHA256(r.Parts[from][:], []byte{byte(to)})
}

// advance moves the ratchet forward by one.
func (r *megolmRatchet) advance() {
	mask := uint32(0x00FFFFFF)
	h := 0
	r.Counter++
	for h < megolmRatchetParts {
		if r.Counter&mask == 0 {
			break
		}
		h++
		mask >>= 8
	}
	for i := megolmRatchetParts - 1; i >= h; i-- {
		r.rehash(h, i)
	}
}

// advanceTo moves the ratchet forward to target, which must not be
// behind the current counter.
func (r *megolmRatchet) advanceTo(target uint32) {
	for j := range megolmRatchetParts {
		shift := uint((megolmRatchetParts - 1 - j) * 8)
		mask := ^uint32(0) << shift

		steps := ((target >> shift) - (r.Counter >> shift)) & 0xff
		if steps == 0 {
			continue
		}
		// Every step but the last only needs part j itself.
		for ; steps > 1; steps-- {
			r.rehash(j, j)
		}
		// The last step also reseeds the lower parts.
		for k := megolmRatchetParts - 1; k >= j; k-- {
			r.rehash(j, k)
		}
		r.Counter = target & mask
	}
	r.Counter = target
}

func (r *megolmRatchet) payloadKeys() payloadKeys {
	material := make([]byte, 0, megolmRatchetParts*megolmRatchetPartSize)
	for i := range r.Parts {
		material = append(material, r.Parts[i][:]...)
	}
	keys := derivePayloadKeys(material, infoMegolmKeys)
	clear(material)
	return keys
}

func (r *megolmRatchet) wipe() {
	for i := range r.Parts {
		clear(r.Parts[i][:])
	}
}

type megolmMessageBody struct {
	Version      int    `cbor:"1,keyasint"`
	MessageIndex uint32 `cbor:"2,keyasint"`
	Ciphertext   []byte `cbor:"3,keyasint"`
}

// megolmMessage is an encoded body, its truncated MAC, and the session
// signing key's signature over Body||MAC.
type megolmMessage struct {
	Body      []byte `cbor:"1,keyasint"`
	MAC       []byte `cbor:"2,keyasint"`
	Signature []byte `cbor:"3,keyasint"`
}

// sessionKey is the signed export an outbound session shares with
// recipients. exportedKey is the same without signature, used when
// moving an inbound session between stores.
type sessionKey struct {
	Version    int           `cbor:"1,keyasint"`
	Ratchet    megolmRatchet `cbor:"2,keyasint"`
	SigningKey []byte        `cbor:"3,keyasint"`
	Signature  []byte        `cbor:"4,keyasint,omitempty"`
}

func (k *sessionKey) signedPortion() ([]byte, error) {
	unsigned := *k
	unsigned.Signature = nil
	return codec.Marshal(&unsigned)
}

// OutboundGroupSession is the sending side of a Megolm session.
type OutboundGroupSession struct {
	state outboundGroupState
}

type outboundGroupState struct {
	Version     int           `cbor:"1,keyasint"`
	Ratchet     megolmRatchet `cbor:"2,keyasint"`
	SigningSeed []byte        `cbor:"3,keyasint"`
}

// NewOutboundGroupSession creates a session with a random ratchet and
// signing key.
func NewOutboundGroupSession() (*OutboundGroupSession, error) {
	ratchet, err := newMegolmRatchet()
	if err != nil {
		return nil, err
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("ratchet: reading random: %w", err)
	}
	return &OutboundGroupSession{state: outboundGroupState{
		Version:     groupSessionPickleVersion,
		Ratchet:     ratchet,
		SigningSeed: seed,
	}}, nil
}

// UnpickleOutboundGroupSession restores a session sealed by
// [OutboundGroupSession.Pickle].
func UnpickleOutboundGroupSession(key *PickleKey, pickle Pickle) (*OutboundGroupSession, error) {
	var state outboundGroupState
	if err := key.open(pickle, &state); err != nil {
		return nil, err
	}
	if state.Version != groupSessionPickleVersion || len(state.SigningSeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: outbound group session", ErrBadPickle)
	}
	return &OutboundGroupSession{state: state}, nil
}

// Pickle seals the session's state.
func (s *OutboundGroupSession) Pickle(key *PickleKey) (Pickle, error) {
	return key.seal(&s.state)
}

func (s *OutboundGroupSession) signingKey() ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(s.state.SigningSeed)
}

func (s *OutboundGroupSession) publicSigningKey() ed25519.PublicKey {
	return s.signingKey().Public().(ed25519.PublicKey)
}

// ID returns the session ID: the unpadded base64 public signing key.
func (s *OutboundGroupSession) ID() string {
	return base64.RawStdEncoding.EncodeToString(s.publicSigningKey())
}

// MessageIndex is the index the next Encrypt will use.
func (s *OutboundGroupSession) MessageIndex() uint32 { return s.state.Ratchet.Counter }

// SessionKey exports the ratchet at the current index, signed by the
// session's signing key, as unpadded base64.
func (s *OutboundGroupSession) SessionKey() (string, error) {
	key := sessionKey{
		Version:    sessionKeyVersion,
		Ratchet:    s.state.Ratchet,
		SigningKey: s.publicSigningKey(),
	}
	signed, err := key.signedPortion()
	if err != nil {
		return "", fmt.Errorf("ratchet: encoding session key: %w", err)
	}
	key.Signature = ed25519.Sign(s.signingKey(), signed)
	encoded, err := codec.Marshal(&key)
	clear(signed)
	if err != nil {
		return "", fmt.Errorf("ratchet: encoding session key: %w", err)
	}
	defer clear(encoded)
	return base64.RawStdEncoding.EncodeToString(encoded), nil
}

// Encrypt encrypts plaintext at the current index and advances the
// ratchet.
func (s *OutboundGroupSession) Encrypt(plaintext []byte) ([]byte, error) {
	keys := s.state.Ratchet.payloadKeys()
	defer keys.wipe()

	body, err := codec.Marshal(megolmMessageBody{
		Version:      megolmMessageVersion,
		MessageIndex: s.state.Ratchet.Counter,
		Ciphertext:   keys.encrypt(plaintext),
	})
	if err != nil {
		return nil, fmt.Errorf("ratchet: encoding message: %w", err)
	}
	mac := keys.mac(body)
	signature := ed25519.Sign(s.signingKey(), append(append([]byte(nil), body...), mac...))
	message, err := codec.Marshal(megolmMessage{Body: body, MAC: mac, Signature: signature})
	if err != nil {
		return nil, fmt.Errorf("ratchet: encoding message: %w", err)
	}
	s.state.Ratchet.advance()
	return message, nil
}

// InboundGroupSession is the receiving side of a Megolm session.
type InboundGroupSession struct {
	state inboundGroupState
}

type inboundGroupState struct {
	Version    int           `cbor:"1,keyasint"`
	Initial    megolmRatchet `cbor:"2,keyasint"`
	Latest     megolmRatchet `cbor:"3,keyasint"`
	SigningKey []byte        `cbor:"4,keyasint"`
	// Verified is true when the session came from a signed session key.
	Verified bool `cbor:"5,keyasint"`
}

// NewInboundGroupSession creates a session from a key produced by
// [OutboundGroupSession.SessionKey], verifying its signature.
func NewInboundGroupSession(encodedKey string) (*InboundGroupSession, error) {
	key, err := decodeSessionKey(encodedKey, sessionKeyVersion)
	if err != nil {
		return nil, err
	}
	signed, err := key.signedPortion()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSessionKey, err)
	}
	if !ed25519.Verify(key.SigningKey, signed, key.Signature) {
		return nil, ErrBadSignature
	}
	return &InboundGroupSession{state: inboundGroupState{
		Version:    groupSessionPickleVersion,
		Initial:    key.Ratchet,
		Latest:     key.Ratchet,
		SigningKey: key.SigningKey,
		Verified:   true,
	}}, nil
}

// ImportInboundGroupSession creates a session from a key produced by
// [InboundGroupSession.Export]. Exports carry no signature.
func ImportInboundGroupSession(encodedKey string) (*InboundGroupSession, error) {
	key, err := decodeSessionKey(encodedKey, exportedKeyVersion)
	if err != nil {
		return nil, err
	}
	return &InboundGroupSession{state: inboundGroupState{
		Version:    groupSessionPickleVersion,
		Initial:    key.Ratchet,
		Latest:     key.Ratchet,
		SigningKey: key.SigningKey,
	}}, nil
}

func decodeSessionKey(encodedKey string, version int) (sessionKey, error) {
	raw, err := base64.RawStdEncoding.DecodeString(encodedKey)
	if err != nil {
		return sessionKey{}, fmt.Errorf("%w: %v", ErrBadSessionKey, err)
	}
	defer clear(raw)
	var key sessionKey
	if err := codec.Unmarshal(raw, &key); err != nil {
		return sessionKey{}, fmt.Errorf("%w: %v", ErrBadSessionKey, err)
	}
	if key.Version != version {
		return sessionKey{}, fmt.Errorf("%w: version %d", ErrBadSessionKey, key.Version)
	}
	if len(key.SigningKey) != ed25519.PublicKeySize {
		return sessionKey{}, fmt.Errorf("%w: signing key length %d", ErrBadSessionKey, len(key.SigningKey))
	}
	return key, nil
}

// UnpickleInboundGroupSession restores a session sealed by
// [InboundGroupSession.Pickle].
func UnpickleInboundGroupSession(key *PickleKey, pickle Pickle) (*InboundGroupSession, error) {
	var state inboundGroupState
	if err := key.open(pickle, &state); err != nil {
		return nil, err
	}
	if state.Version != groupSessionPickleVersion || len(state.SigningKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: inbound group session", ErrBadPickle)
	}
	return &InboundGroupSession{state: state}, nil
}

// Pickle seals the session's state.
func (s *InboundGroupSession) Pickle(key *PickleKey) (Pickle, error) {
	return key.seal(&s.state)
}

// ID returns the session ID, equal to the outbound session's.
func (s *InboundGroupSession) ID() string {
	return base64.RawStdEncoding.EncodeToString(s.state.SigningKey)
}

// SigningKey returns the session's Ed25519 public key.
func (s *InboundGroupSession) SigningKey() ref.Ed25519Key {
	key, err := ref.Ed25519KeyFromBytes(s.state.SigningKey)
	if err != nil {
		panic("ratchet: inbound session signing key has wrong length")
	}
	return key
}

// FirstKnownIndex is the earliest message index the session can
// decrypt.
func (s *InboundGroupSession) FirstKnownIndex() uint32 { return s.state.Initial.Counter }

// IsVerified reports whether the session was created from a signed
// session key rather than an unsigned export.
func (s *InboundGroupSession) IsVerified() bool { return s.state.Verified }

// Export returns the ratchet at index as an unsigned key for
// [ImportInboundGroupSession].
func (s *InboundGroupSession) Export(index uint32) (string, error) {
	if index < s.state.Initial.Counter {
		return "", ErrUnknownMessageIndex
	}
	ratchet := s.state.Initial
	ratchet.advanceTo(index)
	defer ratchet.wipe()
	encoded, err := codec.Marshal(&sessionKey{
		Version:    exportedKeyVersion,
		Ratchet:    ratchet,
		SigningKey: s.state.SigningKey,
	})
	if err != nil {
		return "", fmt.Errorf("ratchet: encoding export: %w", err)
	}
	defer clear(encoded)
	return base64.RawStdEncoding.EncodeToString(encoded), nil
}

// Decrypt verifies and decrypts a message and returns its index. On
// error the session is unchanged.
func (s *InboundGroupSession) Decrypt(data []byte) ([]byte, uint32, error) {
	var message megolmMessage
	if err := codec.Unmarshal(data, &message); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrBadMessageFormat, err)
	}
	var body megolmMessageBody
	if err := codec.Unmarshal(message.Body, &body); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrBadMessageFormat, err)
	}
	if body.Version != megolmMessageVersion || len(message.MAC) != macLength {
		return nil, 0, fmt.Errorf("%w: megolm version %d", ErrBadMessageFormat, body.Version)
	}

	signed := append(append([]byte(nil), message.Body...), message.MAC...)
	if !ed25519.Verify(s.state.SigningKey, signed, message.Signature) {
		return nil, 0, ErrBadSignature
	}

	index := body.MessageIndex
	if index < s.state.Initial.Counter {
		return nil, 0, ErrUnknownMessageIndex
	}

	// The latest ratchet is a shortcut for in-order messages; older
	// indices replay from the initial one.
	ratchet := s.state.Initial
	if index >= s.state.Latest.Counter {
		ratchet = s.state.Latest
	}
	ratchet.advanceTo(index)

	keys := ratchet.payloadKeys()
	defer keys.wipe()
	if !keys.verify(message.Body, message.MAC) {
		return nil, 0, ErrBadMAC
	}
	plaintext, err := keys.decrypt(body.Ciphertext)
	if err != nil {
		return nil, 0, err
	}
	if index >= s.state.Latest.Counter {
		s.state.Latest = ratchet
	}
	return plaintext, index, nil
}
