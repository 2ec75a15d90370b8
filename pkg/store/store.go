// Package store abstracts the serialized, TTL-aware key-value storage
// that backs sessions, rendezvous tokens and mailboxes. The interface is
// deliberately small: every higher-level component (session, rendezvous,
// mailbox) is written against Store and never assumes a particular
// backend, so MemoryStore can stand in for RedisStore in tests.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get, GetAndDelete and CompareAndSwap when the
// key does not exist (or has expired, which this package treats the same
// way a missing key would be treated — callers never learn the
// difference, matching the indistinguishable-404 design in §7).
var ErrNotFound = errors.New("store: key not found")

// ErrExists is returned by SetIfAbsent when the key is already present.
var ErrExists = errors.New("store: key already exists")

// ErrListFull is returned by AppendList when appending would exceed
// maxLen.
var ErrListFull = errors.New("store: list at capacity")

// ErrVersionMismatch is returned by CompareAndSwap when expected does not
// match the current stored value.
var ErrVersionMismatch = errors.New("store: compare-and-swap version mismatch")

// Store is the serialized, TTL-aware abstraction over the backing store
// described in §6: it must support atomic write-if-absent, TTL expiry,
// list append with a length bound, and compare-and-delete.
type Store interface {
	// Get returns the current value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes value unconditionally, with a TTL (zero means no expiry).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetIfAbsent writes value only if key does not currently exist.
	// Returns ErrExists if it does.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// CompareAndSwap atomically replaces value only if the key's current
	// contents equal expected (both nil meaning "key must not exist").
	// Returns ErrVersionMismatch on a mismatch, ErrNotFound if expected is
	// non-nil but the key is gone.
	CompareAndSwap(ctx context.Context, key string, expected, value []byte, ttl time.Duration) error

	// GetAndDelete atomically reads and removes key in one round trip —
	// the compare-and-delete primitive the rendezvous registry uses to
	// guarantee at most one successful claim (§4.2).
	GetAndDelete(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Touch extends key's TTL without altering its value or triggering a
	// read-modify-write of the payload. No-op (but not an error) if the
	// backend doesn't distinguish touch from overwrite; MemoryStore and
	// RedisStore both implement it as a real expiry bump.
	Touch(ctx context.Context, key string, ttl time.Duration) error

	// AppendList appends value to the ordered list at key, failing with
	// ErrListFull if doing so would exceed maxLen entries. Returns the
	// zero-based index the entry was written at. Creates the list (and
	// sets its TTL) if it doesn't yet exist.
	AppendList(ctx context.Context, key string, value []byte, maxLen int, ttl time.Duration) (int, error)

	// ListRange returns every entry currently stored at key, in append
	// order.
	ListRange(ctx context.Context, key string) ([][]byte, error)

	// Close releases backend resources (connections, file handles).
	Close() error
}
