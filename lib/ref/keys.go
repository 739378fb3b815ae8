// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"encoding/base64"
	"fmt"
)

// KeySize is the length in bytes of both Curve25519 and Ed25519 public
// keys.
const KeySize = 32

// Key algorithm names as they appear in key IDs ("ed25519:DEVICEID")
// and in /keys/claim requests.
const (
	AlgorithmCurve25519       = "curve25519"
	AlgorithmSignedCurve25519 = "signed_curve25519"
	AlgorithmEd25519          = "ed25519"
)

// Curve25519Key is a device's ratchet identity key, one-time key or
// fallback key: 32 bytes carried as unpadded base64. A device's
// identity Curve25519Key is stable for its lifetime and is what Olm
// sessions are keyed by.
type Curve25519Key struct {
	encoded string
}

// Ed25519Key is a device's signing key: 32 bytes carried as unpadded
// base64.
type Ed25519Key struct {
	encoded string
}

// ParseCurve25519Key validates an unpadded base64 Curve25519 public key.
func ParseCurve25519Key(raw string) (Curve25519Key, error) {
	if err := validateKey(raw, "curve25519"); err != nil {
		return Curve25519Key{}, err
	}
	return Curve25519Key{encoded: raw}, nil
}

// MustParseCurve25519Key is like ParseCurve25519Key but panics on error.
func MustParseCurve25519Key(raw string) Curve25519Key {
	k, err := ParseCurve25519Key(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseCurve25519Key(%q): %v", raw, err))
	}
	return k
}

// Curve25519KeyFromBytes encodes raw key bytes.
func Curve25519KeyFromBytes(raw [KeySize]byte) Curve25519Key {
	return Curve25519Key{encoded: base64.RawStdEncoding.EncodeToString(raw[:])}
}

// String returns the unpadded base64 encoding.
func (k Curve25519Key) String() string { return k.encoded }

// IsZero reports whether the key is unset.
func (k Curve25519Key) IsZero() bool { return k.encoded == "" }

// Bytes returns the decoded key. Panics on the zero value.
func (k Curve25519Key) Bytes() [KeySize]byte {
	return decodeKey(k.encoded, "Curve25519Key")
}

// MarshalText implements encoding.TextMarshaler.
func (k Curve25519Key) MarshalText() ([]byte, error) {
	return []byte(k.encoded), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty input
// produces the zero value.
func (k *Curve25519Key) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*k = Curve25519Key{}
		return nil
	}
	parsed, err := ParseCurve25519Key(string(data))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseEd25519Key validates an unpadded base64 Ed25519 public key.
func ParseEd25519Key(raw string) (Ed25519Key, error) {
	if err := validateKey(raw, "ed25519"); err != nil {
		return Ed25519Key{}, err
	}
	return Ed25519Key{encoded: raw}, nil
}

// MustParseEd25519Key is like ParseEd25519Key but panics on error.
func MustParseEd25519Key(raw string) Ed25519Key {
	k, err := ParseEd25519Key(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseEd25519Key(%q): %v", raw, err))
	}
	return k
}

// Ed25519KeyFromBytes encodes raw key bytes.
func Ed25519KeyFromBytes(raw []byte) (Ed25519Key, error) {
	if len(raw) != KeySize {
		return Ed25519Key{}, fmt.Errorf("ed25519 key must be %d bytes, got %d", KeySize, len(raw))
	}
	return Ed25519Key{encoded: base64.RawStdEncoding.EncodeToString(raw)}, nil
}

// String returns the unpadded base64 encoding.
func (k Ed25519Key) String() string { return k.encoded }

// IsZero reports whether the key is unset.
func (k Ed25519Key) IsZero() bool { return k.encoded == "" }

// Bytes returns the decoded key. Panics on the zero value.
func (k Ed25519Key) Bytes() [KeySize]byte {
	return decodeKey(k.encoded, "Ed25519Key")
}

// MarshalText implements encoding.TextMarshaler.
func (k Ed25519Key) MarshalText() ([]byte, error) {
	return []byte(k.encoded), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty input
// produces the zero value.
func (k *Ed25519Key) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*k = Ed25519Key{}
		return nil
	}
	parsed, err := ParseEd25519Key(string(data))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// KeyID formats an algorithm-qualified key identifier such as
// "ed25519:ABCDEFGHIJ" or "signed_curve25519:AAAAAQ".
func KeyID(algorithm, id string) string {
	return algorithm + ":" + id
}

func validateKey(raw, kind string) error {
	if raw == "" {
		return fmt.Errorf("empty %s key", kind)
	}
	decoded, err := base64.RawStdEncoding.DecodeString(raw)
	if err != nil {
		return fmt.Errorf("%s key %q is not unpadded base64: %w", kind, raw, err)
	}
	if len(decoded) != KeySize {
		return fmt.Errorf("%s key %q decodes to %d bytes, want %d", kind, raw, len(decoded), KeySize)
	}
	return nil
}

func decodeKey(encoded, typeName string) [KeySize]byte {
	if encoded == "" {
		panic(typeName + ".Bytes called on zero value")
	}
	var out [KeySize]byte
	decoded, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil || len(decoded) != KeySize {
		panic(fmt.Sprintf("%s.Bytes: internal error decoding %q", typeName, encoded))
	}
	copy(out[:], decoded)
	return out
}
