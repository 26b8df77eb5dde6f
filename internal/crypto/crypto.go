// Package crypto provides the X25519 key handling used to authenticate
// link endpoints.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of X25519 keys and derived link keys in bytes.
	KeySize = 32

	// hkdfInfo is the context string for link key derivation.
	hkdfInfo = "muti-link-v1"
)

var (
	// ErrInvalidKey is returned for malformed or unusable keys.
	ErrInvalidKey = errors.New("invalid key")

	// ErrLowOrderPoint is returned when key agreement yields the zero secret.
	ErrLowOrderPoint = errors.New("invalid ECDH result: low-order point")
)

// GenerateKeypair generates a new X25519 keypair.
func GenerateKeypair() (privateKey, publicKey [KeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, privateKey[:]); err != nil {
		return privateKey, publicKey, fmt.Errorf("generate private key: %w", err)
	}

	clamp(&privateKey)
	curve25519.ScalarBaseMult(&publicKey, &privateKey)

	return privateKey, publicKey, nil
}

// PublicKey derives the public key for privateKey.
func PublicKey(privateKey [KeySize]byte) [KeySize]byte {
	var pub [KeySize]byte
	clamp(&privateKey)
	curve25519.ScalarBaseMult(&pub, &privateKey)
	return pub
}

func clamp(k *[KeySize]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// ComputeECDH performs X25519 key agreement. It rejects the zero public key
// and points that produce an all-zero secret.
func ComputeECDH(privateKey, remotePublicKey [KeySize]byte) ([KeySize]byte, error) {
	var sharedSecret [KeySize]byte

	var zeroKey [KeySize]byte
	if remotePublicKey == zeroKey {
		return sharedSecret, fmt.Errorf("%w: zero public key", ErrInvalidKey)
	}

	out, err := curve25519.X25519(privateKey[:], remotePublicKey[:])
	if err != nil {
		return sharedSecret, ErrLowOrderPoint
	}
	copy(sharedSecret[:], out)

	return sharedSecret, nil
}

// DeriveLinkKey derives the symmetric key for a link from an ECDH shared
// secret. The password, which may be empty, salts the derivation so both
// sides must agree on it. The result does not depend on which side computes
// it.
func DeriveLinkKey(sharedSecret [KeySize]byte, password []byte, pubA, pubB [KeySize]byte) [KeySize]byte {
	// Order the public keys so both ends build the same info string.
	lo, hi := pubA, pubB
	if string(hi[:]) < string(lo[:]) {
		lo, hi = hi, lo
	}
	info := make([]byte, 0, len(hkdfInfo)+2*KeySize)
	info = append(info, hkdfInfo...)
	info = append(info, lo[:]...)
	info = append(info, hi[:]...)

	var key [KeySize]byte
	reader := hkdf.New(sha256.New, sharedSecret[:], password, info)
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		// HKDF-SHA256 can produce far more than 32 bytes
		panic(fmt.Sprintf("HKDF failed: %v", err))
	}
	return key
}

// ParseKey decodes a 64 character hex key. Surrounding whitespace and a 0x
// prefix are ignored.
func ParseKey(s string) ([KeySize]byte, error) {
	var key [KeySize]byte

	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")

	if len(s) != KeySize*2 {
		return key, fmt.Errorf("%w: got %d hex chars, expected %d", ErrInvalidKey, len(s), KeySize*2)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	copy(key[:], b)
	return key, nil
}

// ParsePublicKey decodes a hex public key and rejects the zero key.
func ParsePublicKey(s string) ([KeySize]byte, error) {
	key, err := ParseKey(s)
	if err != nil {
		return key, err
	}
	if IsZero(key) {
		return key, fmt.Errorf("%w: zero public key", ErrInvalidKey)
	}
	return key, nil
}

// EncodeKey returns the hex form of a key.
func EncodeKey(k [KeySize]byte) string {
	return hex.EncodeToString(k[:])
}

// ShortKey returns the first 8 hex characters of a key, for logs.
func ShortKey(k [KeySize]byte) string {
	return hex.EncodeToString(k[:4])
}

// IsZero reports whether every byte of k is zero.
func IsZero(k [KeySize]byte) bool {
	return k == [KeySize]byte{}
}

// ZeroKey zeroes out a key array.
func ZeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}
