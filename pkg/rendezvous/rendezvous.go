// Package rendezvous implements the rendezvous registry (§4.2): a
// public, single-use claim that maps a rendezvous_id to the initiator's
// mailbox. The atomic claim is the load-bearing invariant of this whole
// package — a naive read-then-delete would let two concurrent joiners
// both win.
package rendezvous

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Metaphorme/signaling/pkg/apierr"
	"github.com/Metaphorme/signaling/pkg/idgen"
	"github.com/Metaphorme/signaling/pkg/retry"
	"github.com/Metaphorme/signaling/pkg/store"
)

const keyPrefix = "rdv:"

// record is the persisted shape at rdv:{rendezvous_id}.
type record struct {
	OwnerMailboxID   string `json:"owner_mailbox_id"`
	OwnerClientID    string `json:"owner_client_id"`
	ExpiresAtEpochMs int64  `json:"expires_at_epoch_ms"`
}

// Registry issues and claims rendezvous tokens.
type Registry struct {
	store store.Store
	ttl   time.Duration
}

// New constructs a Registry backed by s. ttl is the default token
// lifetime (§3: "default +30 s") used when callers don't override it.
func New(s store.Store, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Registry{store: s, ttl: ttl}
}

// Create generates a fresh rendezvous_id bound to mailboxID/ownerClientID
// and writes it with an expiry. The id is public: its unguessability, not
// secrecy of existence, is what protects it. This is the server-generated-id
// path described in §4.2's abstract create() signature; the HTTP handler for
// /connection/init uses Bind instead, since that endpoint's wire shape has
// the client supply rendezvous_id_b64 itself. Create stays exposed for any
// future entry point (e.g. a server-side invite flow) that mints its own id.
func (r *Registry) Create(ctx context.Context, mailboxID, ownerClientID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = r.ttl
	}
	id, err := idgen.NewRendezvousID()
	if err != nil {
		return "", apierr.Wrap(apierr.Internal, "generate rendezvous id", err)
	}
	rec := record{
		OwnerMailboxID:   mailboxID,
		OwnerClientID:    ownerClientID,
		ExpiresAtEpochMs: time.Now().Add(ttl).UnixMilli(),
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return "", apierr.Wrap(apierr.Internal, "marshal rendezvous record", err)
	}
	// SetIfAbsent rather than Set: an id collision (astronomically
	// unlikely at 128 bits) must never silently steal an in-flight token.
	err = retry.Store(ctx, func() error {
		return r.store.SetIfAbsent(ctx, keyPrefix+id, b, ttl)
	})
	if err != nil {
		return "", apierr.Wrap(apierr.Transient, "store rendezvous record", err)
	}
	return id, nil
}

// Bind writes a rendezvous record under a caller-supplied rendezvousID
// rather than generating one (§6: `/connection/init` carries
// `rendezvous_id_b64` in the request — the initiator mints it client-side,
// typically alongside the link secret, so the server never learns the
// secret by generating the id itself). Bind uses the same SetIfAbsent
// guard as Create: a caller-chosen id collision fails closed instead of
// silently overwriting an in-flight token.
func (r *Registry) Bind(ctx context.Context, rendezvousID, mailboxID, ownerClientID string, ttl time.Duration) error {
	if rendezvousID == "" {
		return apierr.New(apierr.Validation, "rendezvous_id_b64 must not be empty")
	}
	if ttl <= 0 {
		ttl = r.ttl
	}
	rec := record{
		OwnerMailboxID:   mailboxID,
		OwnerClientID:    ownerClientID,
		ExpiresAtEpochMs: time.Now().Add(ttl).UnixMilli(),
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "marshal rendezvous record", err)
	}
	err = retry.Store(ctx, func() error {
		return r.store.SetIfAbsent(ctx, keyPrefix+rendezvousID, b, ttl)
	})
	if err != nil {
		if err == store.ErrExists {
			return apierr.New(apierr.Conflict, "rendezvous_id_b64 already in use")
		}
		return apierr.Wrap(apierr.Transient, "store rendezvous record", err)
	}
	return nil
}

// Claim atomically consumes rendezvousID: at most one caller, across any
// number of concurrent callers, observes success (§4.2, §8 property 2).
// Losers and late arrivals alike see apierr.ErrTokenUnknown — the spec
// treats "never existed", "expired", and "already consumed" as the same
// wire-visible outcome, since a consumed token is deleted rather than
// flagged, so by the time a second claimer asks, the record is already
// gone and indistinguishable from never-issued.
func (r *Registry) Claim(ctx context.Context, rendezvousID string) (string, error) {
	var b []byte
	err := retry.Store(ctx, func() error {
		var err error
		b, err = r.store.GetAndDelete(ctx, keyPrefix+rendezvousID)
		return err
	})
	if err == store.ErrNotFound {
		return "", apierr.ErrTokenUnknown
	}
	if err != nil {
		return "", apierr.Wrap(apierr.Transient, "claim rendezvous token", err)
	}
	var rec record
	if err := json.Unmarshal(b, &rec); err != nil {
		return "", apierr.Wrap(apierr.Internal, "decode rendezvous record", err)
	}
	if time.Now().UnixMilli() > rec.ExpiresAtEpochMs {
		// Already deleted by GetAndDelete; an expired-but-present record
		// is the same outcome as never-issued from the caller's view.
		return "", apierr.ErrTokenUnknown
	}
	return rec.OwnerMailboxID, nil
}
