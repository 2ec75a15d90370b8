// Package crypto implements the pairing cryptographic core (§4.5): secret
// generation, HKDF-SHA256 key derivation, and AEAD framing for the
// server-assisted path. The server never constructs or sees a secret
// here except when explicitly asked to by server-side link generation;
// in the normal flow this package runs entirely on the client and the
// server never calls it at all.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// SecretLen is the length in bytes of a freshly generated pairing secret
// (§3: "256-bit random, hex-encoded").
const SecretLen = 32

var (
	sigInfo = []byte("pairing-sig-v1")
	macInfo = []byte("pairing-mac-v1")
	sasInfo = []byte("pairing-sas-v1")
)

// ErrDecryptFailed is returned by Decrypt on authentication failure —
// wrong key, truncated ciphertext, or a flipped bit anywhere in the
// frame (§8 property 5).
var ErrDecryptFailed = errors.New("crypto: decryption failed")

// GenerateSecret returns a fresh random 32-byte pairing secret.
func GenerateSecret() ([]byte, error) {
	b := make([]byte, SecretLen)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("crypto: generate secret: %w", err)
	}
	return b, nil
}

// Keys holds the material derived from a pairing secret (§3).
type Keys struct {
	KSig []byte
	KMac []byte
	SAS  string
}

// Derive expands secret into KSig, KMac and the SAS string via
// HKDF-SHA256 with a zero salt and the fixed info strings (§4.5). The
// derivation is pure and deterministic: Derive(secret) always returns
// the same Keys for the same secret (§8 property 6).
func Derive(secret []byte) (Keys, error) {
	sig, err := hkdfExpand(secret, sigInfo, chacha20poly1305.KeySize)
	if err != nil {
		return Keys{}, err
	}
	mac, err := hkdfExpand(secret, macInfo, chacha20poly1305.KeySize)
	if err != nil {
		return Keys{}, err
	}
	sasBytes, err := hkdfExpand(secret, sasInfo, 8)
	if err != nil {
		return Keys{}, err
	}
	return Keys{
		KSig: sig,
		KMac: mac,
		SAS:  hex.EncodeToString(sasBytes)[:16],
	}, nil
}

func hkdfExpand(secret, info []byte, n int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, info)
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("crypto: hkdf expand: %w", err)
	}
	return out, nil
}

// Encrypt seals plaintext under key with a fresh random nonce, returning
// the nonce prepended to the ciphertext (§4.5: "per-message random
// nonces prepended to the ciphertext"). key must be
// chacha20poly1305.KeySize bytes, as produced by Derive.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// Decrypt opens a frame produced by Encrypt. Any tampering — truncation,
// a flipped ciphertext bit, or the wrong key — surfaces as
// ErrDecryptFailed, never a partial plaintext.
func Decrypt(key, frame []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new aead: %w", err)
	}
	if len(frame) < aead.NonceSize() {
		return nil, ErrDecryptFailed
	}
	nonce, ciphertext := frame[:aead.NonceSize()], frame[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}
