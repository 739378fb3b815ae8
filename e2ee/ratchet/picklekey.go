// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ratchet

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/e2ee/lib/codec"
	"github.com/bureau-foundation/e2ee/lib/sealed"
	"github.com/bureau-foundation/e2ee/lib/secret"
)

// Pickle is sealed, serialized ratchet state.
type Pickle string

// ErrBadPickle is returned when a pickle cannot be opened or decoded.
var ErrBadPickle = errors.New("ratchet: bad pickle")

// PickleKey seals and opens pickles. It owns an age keypair whose
// private half lives in locked memory.
type PickleKey struct {
	keypair *sealed.Keypair
}

// GeneratePickleKey creates a new random pickle key.
func GeneratePickleKey() (*PickleKey, error) {
	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("ratchet: generating pickle key: %w", err)
	}
	return &PickleKey{keypair: keypair}, nil
}

// LoadPickleKey reads a pickle key written by [PickleKey.Save]. Path
// "-" reads from stdin.
func LoadPickleKey(path string) (*PickleKey, error) {
	privateKey, err := secret.ReadFromPath(path)
	if err != nil {
		return nil, fmt.Errorf("ratchet: reading pickle key: %w", err)
	}
	keypair, err := sealed.KeypairFromPrivateKey(privateKey)
	if err != nil {
		privateKey.Close()
		return nil, fmt.Errorf("ratchet: loading pickle key: %w", err)
	}
	return &PickleKey{keypair: keypair}, nil
}

// Save writes the private key to a new 0600 file. It refuses to
// overwrite an existing file.
func (k *PickleKey) Save(path string) error {
	return secret.WriteFile(path, k.keypair.PrivateKey)
}

// PublicKey returns the age recipient string pickles are sealed to.
func (k *PickleKey) PublicKey() string {
	return k.keypair.PublicKey
}

// Close releases the private key memory.
func (k *PickleKey) Close() error {
	return k.keypair.Close()
}

func (k *PickleKey) seal(state any) (Pickle, error) {
	encoded, err := codec.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("ratchet: encoding state: %w", err)
	}
	ciphertext, err := sealed.Encrypt(encoded, []string{k.keypair.PublicKey})
	secret.Zero(encoded)
	if err != nil {
		return "", fmt.Errorf("ratchet: sealing state: %w", err)
	}
	return Pickle(ciphertext), nil
}

func (k *PickleKey) open(pickle Pickle, state any) error {
	if pickle == "" {
		return fmt.Errorf("%w: empty", ErrBadPickle)
	}
	plaintext, err := sealed.Decrypt(string(pickle), k.keypair.PrivateKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadPickle, err)
	}
	defer secret.Zero(plaintext)
	if err := codec.Unmarshal(plaintext, state); err != nil {
		return fmt.Errorf("%w: decoding state: %v", ErrBadPickle, err)
	}
	return nil
}
