// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ratchet

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// macLength is the number of HMAC-SHA256 bytes appended to a message.
const macLength = 8

var (
	// ErrBadMAC is returned when a message's MAC does not verify.
	ErrBadMAC = errors.New("ratchet: bad message MAC")

	// ErrBadPadding is returned when decrypted plaintext has invalid
	// PKCS#7 padding. It only occurs after a MAC has verified, so it
	// indicates a broken peer rather than an attacker.
	ErrBadPadding = errors.New("ratchet: bad message padding")
)

const (
	infoOlmRoot    = "OLM_ROOT"
	infoOlmRatchet = "OLM_RATCHET"
	infoOlmKeys    = "OLM_KEYS"
	infoMegolmKeys = "MEGOLM_KEYS"
)

// payloadKeys are the per-message keys expanded from a message secret.
type payloadKeys struct {
	aesKey [32]byte
	macKey [32]byte
	iv     [aes.BlockSize]byte
}

func derivePayloadKeys(messageSecret []byte, info string) payloadKeys {
	var material [32 + 32 + aes.BlockSize]byte
	reader := hkdf.New(sha256.New, messageSecret, make([]byte, sha256.Size), []byte(info))
	if _, err := io.ReadFull(reader, material[:]); err != nil {
		// HKDF-SHA256 can produce 255*32 bytes; 80 never fails.
		panic("ratchet: hkdf expansion failed: " + err.Error())
	}
	var keys payloadKeys
	copy(keys.aesKey[:], material[:32])
	copy(keys.macKey[:], material[32:64])
	copy(keys.iv[:], material[64:])
	clear(material[:])
	return keys
}

func (k *payloadKeys) encrypt(plaintext []byte) []byte {
	block, err := aes.NewCipher(k.aesKey[:])
	if err != nil {
		panic("ratchet: aes: " + err.Error())
	}
	padding := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := make([]byte, len(plaintext)+padding)
	copy(padded, plaintext)
	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = byte(padding)
	}
	cipher.NewCBCEncrypter(block, k.iv[:]).CryptBlocks(padded, padded)
	return padded
}

func (k *payloadKeys) decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrBadPadding, len(ciphertext))
	}
	block, err := aes.NewCipher(k.aesKey[:])
	if err != nil {
		panic("ratchet: aes: " + err.Error())
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, k.iv[:]).CryptBlocks(plaintext, ciphertext)

	padding := int(plaintext[len(plaintext)-1])
	if padding == 0 || padding > aes.BlockSize {
		return nil, ErrBadPadding
	}
	if !bytes.Equal(plaintext[len(plaintext)-padding:], bytes.Repeat([]byte{byte(padding)}, padding)) {
		return nil, ErrBadPadding
	}
	return plaintext[:len(plaintext)-padding], nil
}

func (k *payloadKeys) mac(data []byte) []byte {
	mac := hmac.New(sha256.New, k.macKey[:])
	mac.Write(data)
	return mac.Sum(nil)[:macLength]
}

func (k *payloadKeys) verify(data, expected []byte) bool {
	return hmac.Equal(k.mac(data), expected)
}

func (k *payloadKeys) wipe() {
	clear(k.aesKey[:])
	clear(k.macKey[:])
	clear(k.iv[:])
}

// hmacSHA256 returns HMAC-SHA256(key, data).
func hmacSHA256(key, data []byte) [32]byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	var out [32]byte
	mac.Sum(out[:0])
	return out
}

// kdfPair runs HKDF-SHA256 with the given salt and info and splits the
// 64-byte output into two 32-byte keys.
func kdfPair(salt, secret []byte, info string) (first, second [32]byte) {
	var material [64]byte
	reader := hkdf.New(sha256.New, secret, salt, []byte(info))
	if _, err := io.ReadFull(reader, material[:]); err != nil {
		panic("ratchet: hkdf expansion failed: " + err.Error())
	}
	copy(first[:], material[:32])
	copy(second[:], material[32:])
	clear(material[:])
	return first, second
}
