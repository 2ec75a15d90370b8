// Package idgen generates the random identifiers used throughout the
// signaling server: client ids, mailbox ids, rendezvous ids and session
// tokens. Every identifier is drawn from crypto/rand; none are guessable.
package idgen

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// NewClientID returns a fresh UUIDv4, per the data model's requirement
// that client_id be a 128-bit public identifier.
func NewClientID() string {
	return uuid.New().String()
}

// NewSessionToken returns a 256-bit secret, hex-encoded.
func NewSessionToken() (string, error) {
	return randomHex(32)
}

// NewMailboxID returns a 128-bit random identifier, hex-encoded.
func NewMailboxID() (string, error) {
	return randomHex(16)
}

// NewRendezvousID returns a 128-bit random identifier, base64url-encoded
// (without padding) so it drops cleanly into a URL path or query value.
func NewRendezvousID() (string, error) {
	return randomBase64URL(16)
}

// NewCorrelationID returns a short random id to attach to 500 responses
// and their matching log line, so an operator can find the one without
// the other leaking any request detail (§7: "response is 500 with a
// correlation id").
func NewCorrelationID() string {
	id, err := randomHex(8)
	if err != nil {
		return "unavailable"
	}
	return id
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func randomBase64URL(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Redact returns the first 8 characters of a token or id, for logging at
// or below DEBUG per the error-handling design's redaction rule. Anything
// shorter than 8 characters is returned unchanged, since redaction would
// not reduce enumeration risk.
func Redact(s string) string {
	const n = 8
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
