// Package mailbox implements the mailbox store (§4.3): the per-pairing
// handoff buffer that holds an ordered, bounded queue of opaque
// ciphertext messages for up to two participants, and publishes every
// successful append to the subscription hub.
package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Metaphorme/signaling/pkg/apierr"
	"github.com/Metaphorme/signaling/pkg/hub"
	"github.com/Metaphorme/signaling/pkg/idgen"
	"github.com/Metaphorme/signaling/pkg/retry"
	"github.com/Metaphorme/signaling/pkg/store"
)

const (
	headerPrefix = "mbox:"
	msgsSuffix   = ":msgs"
)

// MaxParticipants is the hard participant cap (§3, §8 property 3).
const MaxParticipants = 2

// Message is one entry in a mailbox's ordered queue (§3 MailboxMessage).
type Message struct {
	Seq              int64  `json:"seq"`
	FromMailboxID    string `json:"from_mailbox_id"`
	CiphertextB64    string `json:"ciphertext_b64"`
	CreatedAtEpochMs int64  `json:"created_at_epoch_ms"`
}

// header is the persisted shape at mbox:{mailbox_id}. The message queue
// itself lives in a separate store list key so the store's AppendList
// primitive — which assigns the seq, the i-th successful append
// observed as seq i by every reader — can do the ordering work without
// this package re-implementing a counter subject to the same races.
type header struct {
	InitiatorClientID string   `json:"initiator_client_id"`
	Participants      []string `json:"participants"`
	CreatedAtEpochMs  int64    `json:"created_at_epoch_ms"`
	ExpiresAtEpochMs  int64    `json:"expires_at_epoch_ms"`
}

// Options configures a Store's limits, all named directly from §3.
type Options struct {
	InitialTTL    time.Duration
	MaxQueueLen   int
	IdleExtension time.Duration
	MaxLifetime   time.Duration
}

func (o *Options) applyDefaults() {
	if o.InitialTTL <= 0 {
		o.InitialTTL = 5 * time.Minute
	}
	if o.MaxQueueLen <= 0 {
		o.MaxQueueLen = 128
	}
	if o.IdleExtension <= 0 {
		o.IdleExtension = 60 * time.Second
	}
	if o.MaxLifetime <= 0 {
		o.MaxLifetime = 10 * time.Minute
	}
}

// Store is the mailbox registry: creation, append, read, participant
// tracking and deletion, all linearized per mailbox through the
// backing store's atomic primitives.
type Store struct {
	store store.Store
	hub   *hub.Hub
	opts  Options
}

// New constructs a mailbox Store backed by s, fanning out appends
// through h. h may be nil in tests that don't exercise subscription.
func New(s store.Store, h *hub.Hub, opts Options) *Store {
	opts.applyDefaults()
	return &Store{store: s, hub: h, opts: opts}
}

func headerKey(mailboxID string) string { return headerPrefix + mailboxID }
func msgsKey(mailboxID string) string   { return headerPrefix + mailboxID + msgsSuffix }

// Create allocates a new mailbox owned by initiatorClientID. ttl
// overrides opts.InitialTTL when positive.
func (s *Store) Create(ctx context.Context, initiatorClientID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.opts.InitialTTL
	}
	id, err := idgen.NewMailboxID()
	if err != nil {
		return "", apierr.Wrap(apierr.Internal, "generate mailbox id", err)
	}
	now := time.Now()
	hdr := header{
		InitiatorClientID: initiatorClientID,
		Participants:      []string{initiatorClientID},
		CreatedAtEpochMs:  now.UnixMilli(),
		ExpiresAtEpochMs:  now.Add(ttl).UnixMilli(),
	}
	b, err := json.Marshal(hdr)
	if err != nil {
		return "", apierr.Wrap(apierr.Internal, "marshal mailbox header", err)
	}
	err = retry.Store(ctx, func() error {
		return s.store.SetIfAbsent(ctx, headerKey(id), b, ttl)
	})
	if err != nil {
		return "", apierr.Wrap(apierr.Transient, "store mailbox header", err)
	}
	return id, nil
}

func (s *Store) loadHeader(ctx context.Context, mailboxID string) (*header, []byte, error) {
	var b []byte
	err := retry.Store(ctx, func() error {
		var err error
		b, err = s.store.Get(ctx, headerKey(mailboxID))
		return err
	})
	if err == store.ErrNotFound {
		return nil, nil, apierr.ErrMailboxGone
	}
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.Transient, "load mailbox header", err)
	}
	var hdr header
	if err := json.Unmarshal(b, &hdr); err != nil {
		return nil, nil, apierr.Wrap(apierr.Internal, "decode mailbox header", err)
	}
	if time.Now().UnixMilli() > hdr.ExpiresAtEpochMs {
		return nil, nil, apierr.ErrMailboxGone
	}
	return &hdr, b, nil
}

// extend computes the new header after an idle-extension touch,
// capping at MaxLifetime from creation (§3 invariant c).
func (s *Store) extend(hdr *header) {
	deadline := time.UnixMilli(hdr.CreatedAtEpochMs).Add(s.opts.MaxLifetime)
	next := time.Now().Add(s.opts.IdleExtension)
	if next.After(deadline) {
		next = deadline
	}
	hdr.ExpiresAtEpochMs = next.UnixMilli()
}

func (s *Store) remainingTTL(hdr *header) time.Duration {
	d := time.Until(time.UnixMilli(hdr.ExpiresAtEpochMs))
	if d <= 0 {
		return time.Millisecond
	}
	return d
}

// Append writes a new message from fromMailboxID into mailboxID's
// queue, extends the mailbox's TTL, and publishes the message to the
// subscription hub (§4.3). It is safe for concurrent callers: the
// store's AppendList assigns each successful writer a distinct,
// strictly increasing seq with no gaps (§8 property 1), so this
// method never needs its own sequencing logic.
func (s *Store) Append(ctx context.Context, mailboxID, fromMailboxID, ciphertextB64 string) (int64, error) {
	hdr, rawHeader, err := s.loadHeader(ctx, mailboxID)
	if err != nil {
		return 0, err
	}

	msg := Message{
		FromMailboxID:    fromMailboxID,
		CiphertextB64:    ciphertextB64,
		CreatedAtEpochMs: time.Now().UnixMilli(),
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return 0, apierr.Wrap(apierr.Internal, "marshal mailbox message", err)
	}

	s.extend(hdr)
	var idx int
	err = retry.Store(ctx, func() error {
		var err error
		idx, err = s.store.AppendList(ctx, msgsKey(mailboxID), b, s.opts.MaxQueueLen, s.remainingTTL(hdr))
		return err
	})
	if err == store.ErrListFull {
		return 0, apierr.ErrMailboxFull
	}
	if err != nil {
		return 0, apierr.Wrap(apierr.Transient, "append mailbox message", err)
	}
	seq := int64(idx)

	newHdr, err := json.Marshal(hdr)
	if err == nil {
		_ = retry.Store(ctx, func() error {
			return s.store.CompareAndSwap(ctx, headerKey(mailboxID), rawHeader, newHdr, s.remainingTTL(hdr))
		})
	}

	if s.hub != nil {
		s.hub.Publish(mailboxID, hub.Message{
			Seq:              seq,
			FromMailboxID:    fromMailboxID,
			CiphertextB64:    ciphertextB64,
			CreatedAtEpochMs: msg.CreatedAtEpochMs,
		})
	}
	return seq, nil
}

// ReadAll returns every message currently queued for mailboxID, ordered
// by seq ascending, and extends the mailbox's TTL (§4.3: reads extend
// but never delete, since pairing needs at-least-once rereads).
func (s *Store) ReadAll(ctx context.Context, mailboxID string) ([]Message, error) {
	hdr, rawHeader, err := s.loadHeader(ctx, mailboxID)
	if err != nil {
		return nil, err
	}
	var raw [][]byte
	err = retry.Store(ctx, func() error {
		var err error
		raw, err = s.store.ListRange(ctx, msgsKey(mailboxID))
		return err
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.Transient, "read mailbox messages", err)
	}
	out := make([]Message, 0, len(raw))
	for i, b := range raw {
		var m Message
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, apierr.Wrap(apierr.Internal, "decode mailbox message", err)
		}
		m.Seq = int64(i)
		out = append(out, m)
	}

	s.extend(hdr)
	if newHdr, err := json.Marshal(hdr); err == nil {
		_ = retry.Store(ctx, func() error {
			return s.store.CompareAndSwap(ctx, headerKey(mailboxID), rawHeader, newHdr, s.remainingTTL(hdr))
		})
	}
	return out, nil
}

// toHubMessages converts ReadAll's result into hub.Message for Subscribe.
func toHubMessages(msgs []Message) []hub.Message {
	out := make([]hub.Message, len(msgs))
	for i, m := range msgs {
		out[i] = hub.Message{
			Seq:              m.Seq,
			FromMailboxID:    m.FromMailboxID,
			CiphertextB64:    m.CiphertextB64,
			CreatedAtEpochMs: m.CreatedAtEpochMs,
		}
	}
	return out
}

// Subscribe registers a live hub subscriber and has it read the current
// queue itself, under the mailbox entry's own lock, so no append can land
// in the gap between snapshot and fan-out registration (§4.4 steps 2-3):
// hub.Hub.Subscribe holds that lock across the call to fetchSnapshot below
// and the moment the subscriber starts receiving Publish calls, and
// Publish takes the same lock before fanning a new append out.
func (s *Store) Subscribe(ctx context.Context, mailboxID string) (*hub.Subscriber, error) {
	if s.hub == nil {
		return nil, apierr.New(apierr.Internal, "subscription hub not configured")
	}
	fetchSnapshot := func() ([]hub.Message, error) {
		msgs, err := s.ReadAll(ctx, mailboxID)
		if err != nil {
			return nil, err
		}
		return toHubMessages(msgs), nil
	}
	sub, err := s.hub.Subscribe(mailboxID, -1, fetchSnapshot)
	if err != nil {
		var tooMany *hub.ErrTooManySubscribers
		if errors.As(err, &tooMany) {
			return nil, apierr.Wrap(apierr.Conflict, "subscribe to mailbox", err)
		}
		// Any other error came back from fetchSnapshot (ReadAll), already
		// an apierr.Error (ErrMailboxGone, Transient, ...).
		return nil, err
	}
	return sub, nil
}

// Unsubscribe removes sub from the hub's fan-out set. Callers use this on
// a graceful WebSocket disconnect, where no close reason needs to reach
// the (already gone) client.
func (s *Store) Unsubscribe(sub *hub.Subscriber) {
	if s.hub != nil {
		s.hub.Unsubscribe(sub)
	}
}

// AddParticipant enrolls clientID in mailboxID, enforcing the ≤2 cap
// (§3 invariant b, §8 property 3). Re-adding an existing participant
// is a no-op success, since reconnects must not be rejected as a third
// peer.
func (s *Store) AddParticipant(ctx context.Context, mailboxID, clientID string) error {
	for {
		hdr, rawHeader, err := s.loadHeader(ctx, mailboxID)
		if err != nil {
			return err
		}
		for _, p := range hdr.Participants {
			if p == clientID {
				return nil
			}
		}
		if len(hdr.Participants) >= MaxParticipants {
			return apierr.ErrParticipantLimit
		}
		hdr.Participants = append(hdr.Participants, clientID)
		newHdr, err := json.Marshal(hdr)
		if err != nil {
			return apierr.Wrap(apierr.Internal, "marshal mailbox header", err)
		}
		err = retry.Store(ctx, func() error {
			return s.store.CompareAndSwap(ctx, headerKey(mailboxID), rawHeader, newHdr, s.remainingTTL(hdr))
		})
		if err == store.ErrVersionMismatch {
			continue // lost the race to a concurrent join; retry against fresh state
		}
		if err == store.ErrNotFound {
			return apierr.ErrMailboxGone
		}
		if err != nil {
			return apierr.Wrap(apierr.Transient, "store mailbox header", err)
		}
		return nil
	}
}

// Participants returns the current participant set for mailboxID.
func (s *Store) Participants(ctx context.Context, mailboxID string) ([]string, error) {
	hdr, _, err := s.loadHeader(ctx, mailboxID)
	if err != nil {
		return nil, err
	}
	return hdr.Participants, nil
}

// Delete removes mailboxID and evicts its subscribers with
// mailbox_closed (§4.3, §4.4). Idempotent.
func (s *Store) Delete(ctx context.Context, mailboxID string) error {
	_ = retry.Store(ctx, func() error { return s.store.Delete(ctx, headerKey(mailboxID)) })
	_ = retry.Store(ctx, func() error { return s.store.Delete(ctx, msgsKey(mailboxID)) })
	if s.hub != nil {
		s.hub.CloseMailbox(mailboxID, hub.ReasonMailboxGone)
	}
	return nil
}

// Exists reports whether mailboxID is currently open, for the reaper
// and for handlers that need a cheap existence check without paying
// for a full read-and-extend.
func (s *Store) Exists(ctx context.Context, mailboxID string) bool {
	_, _, err := s.loadHeader(ctx, mailboxID)
	return err == nil
}
