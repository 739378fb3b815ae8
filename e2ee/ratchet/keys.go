// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ratchet

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// curveKeyPair is a Curve25519 private scalar and its public point.
type curveKeyPair struct {
	Private [32]byte `cbor:"1,keyasint"`
	Public  [32]byte `cbor:"2,keyasint"`
}

func generateCurveKeyPair() (curveKeyPair, error) {
	var pair curveKeyPair
	if _, err := rand.Read(pair.Private[:]); err != nil {
		return curveKeyPair{}, fmt.Errorf("ratchet: reading random: %w", err)
	}
	public, err := curve25519.X25519(pair.Private[:], curve25519.Basepoint)
	if err != nil {
		return curveKeyPair{}, fmt.Errorf("ratchet: deriving public key: %w", err)
	}
	copy(pair.Public[:], public)
	return pair, nil
}

// sharedSecret computes X25519(private, public). A low-order peer key
// yields an error rather than an all-zero secret.
func sharedSecret(private, public [32]byte) ([]byte, error) {
	shared, err := curve25519.X25519(private[:], public[:])
	if err != nil {
		return nil, fmt.Errorf("ratchet: key agreement: %w", err)
	}
	return shared, nil
}
