// Package hub implements the subscription hub (§4.4): an in-process
// fan-out registry of WebSocket subscribers keyed by mailbox_id. It holds
// only soft, process-local state — subscriber channels — never the
// authoritative message log, which lives in the mailbox store.
package hub

import (
	"sync"

	"go.uber.org/zap"
)

// CloseReason is why a subscriber's channel was torn down.
type CloseReason string

const (
	ReasonNormal       CloseReason = "normal"
	ReasonMailboxGone  CloseReason = "mailbox_closed"
	ReasonSlowConsumer CloseReason = "slow_consumer"
	ReasonRateLimited  CloseReason = "rate_limited"
	ReasonShutdown     CloseReason = "server_shutdown"
)

// Message is the minimal shape the hub fans out; it mirrors
// mailbox.Message without importing that package, so hub has no
// dependency on mailbox's storage concerns.
type Message struct {
	Seq             int64
	FromMailboxID   string
	CiphertextB64   string
	CreatedAtEpochMs int64
}

// DefaultSubscriberBufferSize is the bounded outbound channel capacity
// per subscriber for fan-out (§4.4 default capacity 64). Subscribe adds
// room for the replayed snapshot on top of it.
const DefaultSubscriberBufferSize = 64

// MaxSubscribersPerMailbox caps concurrent subscribers (§5: "two peers
// plus slack for reconnects").
const MaxSubscribersPerMailbox = 4

// Subscriber is one active WebSocket listener on a mailbox.
type Subscriber struct {
	ID        string
	MailboxID string
	Out       chan Message
	Closed    chan CloseReason

	mu            sync.Mutex
	lastDelivered int64
	closeOnce     sync.Once
}

func (s *Subscriber) close(reason CloseReason) {
	s.closeOnce.Do(func() {
		s.Closed <- reason
		close(s.Closed)
		close(s.Out)
	})
}

// mailboxEntry is the per-mailbox fan-out state, guarded by its own
// mutex (§5: "one lock per mailbox entry").
type mailboxEntry struct {
	mu   sync.Mutex
	subs map[string]*Subscriber
}

// Hub is the process-wide subscription registry.
type Hub struct {
	mu        sync.RWMutex
	mailboxes map[string]*mailboxEntry
	log       *zap.Logger
	nextSubID uint64
	idMu      sync.Mutex
}

// New constructs an empty Hub. log may be nil, in which case a no-op
// logger is used.
func New(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{mailboxes: make(map[string]*mailboxEntry), log: log}
}

func (h *Hub) entry(mailboxID string, create bool) *mailboxEntry {
	h.mu.RLock()
	e, ok := h.mailboxes[mailboxID]
	h.mu.RUnlock()
	if ok || !create {
		return e
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok = h.mailboxes[mailboxID]; ok {
		return e
	}
	e = &mailboxEntry{subs: make(map[string]*Subscriber)}
	h.mailboxes[mailboxID] = e
	return e
}

func (h *Hub) newSubID() string {
	h.idMu.Lock()
	defer h.idMu.Unlock()
	h.nextSubID++
	return itoa(h.nextSubID)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// ErrTooManySubscribers is returned by Subscribe when a mailbox already
// has MaxSubscribersPerMailbox active subscribers.
type ErrTooManySubscribers struct{ MailboxID string }

func (e *ErrTooManySubscribers) Error() string {
	return "hub: mailbox " + e.MailboxID + " already has the maximum number of subscribers"
}

// Subscribe registers a new subscriber for mailboxID. fetchSnapshot is
// called while the mailbox's entry lock is held, and its result is
// replayed (messages with Seq > fromSeq) before the subscriber is added
// to the fan-out set; pass fromSeq -1 to replay the whole snapshot.
// Holding e.mu across both the snapshot fetch and the fan-out registration
// is what makes the snapshot-then-fan-out ordering of §4.4 steps 2-3
// airtight: Publish takes the same lock, so no append can land in the gap
// between "read the current queue" and "start receiving new appends" —
// a fetchSnapshot that blocks on a slow store read simply delays that one
// subscriber's registration, it can't let a message slip past unseen.
// fetchSnapshot may be nil, meaning "no backlog to replay."
func (h *Hub) Subscribe(mailboxID string, fromSeq int64, fetchSnapshot func() ([]Message, error)) (*Subscriber, error) {
	e := h.entry(mailboxID, true)
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.subs) >= MaxSubscribersPerMailbox {
		return nil, &ErrTooManySubscribers{MailboxID: mailboxID}
	}

	var snapshot []Message
	if fetchSnapshot != nil {
		var err error
		snapshot, err = fetchSnapshot()
		if err != nil {
			return nil, err
		}
	}

	sub := &Subscriber{
		ID:            h.newSubID(),
		MailboxID:     mailboxID,
		Out:           make(chan Message, DefaultSubscriberBufferSize+len(snapshot)),
		Closed:        make(chan CloseReason, 1),
		lastDelivered: fromSeq,
	}
	for _, m := range snapshot {
		if m.Seq <= fromSeq {
			continue
		}
		sub.Out <- m // buffered; Out was sized above to hold the whole snapshot
		sub.lastDelivered = m.Seq
	}
	e.subs[sub.ID] = sub
	h.log.Debug("subscriber joined", zap.String("mailbox_id", mailboxID), zap.String("sub_id", sub.ID))
	return sub, nil
}

// Unsubscribe removes sub from its mailbox's fan-out set without sending
// a close reason on Closed (used for graceful client-initiated
// disconnects, where no reason needs to be communicated back).
func (h *Hub) Unsubscribe(sub *Subscriber) {
	e := h.entry(sub.MailboxID, false)
	if e == nil {
		return
	}
	e.mu.Lock()
	delete(e.subs, sub.ID)
	e.mu.Unlock()
}

// Publish fans a newly appended message out to every subscriber of
// mailboxID. It never blocks the appending writer: a subscriber whose
// outbound channel is full is dropped with ReasonSlowConsumer instead of
// backpressuring the writer (§4.4 "backpressure is asymmetric"). A
// subscriber that already saw this seq in its Subscribe snapshot (because
// it registered, under e.mu, after the message was already written to the
// store but before Publish got here) is skipped rather than delivered
// twice.
func (h *Hub) Publish(mailboxID string, msg Message) {
	e := h.entry(mailboxID, false)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, sub := range e.subs {
		sub.mu.Lock()
		alreadyDelivered := msg.Seq <= sub.lastDelivered
		sub.mu.Unlock()
		if alreadyDelivered {
			continue
		}
		select {
		case sub.Out <- msg:
			sub.mu.Lock()
			sub.lastDelivered = msg.Seq
			sub.mu.Unlock()
		default:
			delete(e.subs, id)
			h.log.Info("dropping slow subscriber",
				zap.String("mailbox_id", mailboxID), zap.String("sub_id", id))
			sub.close(ReasonSlowConsumer)
		}
	}
}

// CloseMailbox tears down every subscriber of mailboxID with reason and
// removes the mailbox's fan-out entry entirely.
func (h *Hub) CloseMailbox(mailboxID string, reason CloseReason) {
	h.mu.Lock()
	e, ok := h.mailboxes[mailboxID]
	if ok {
		delete(h.mailboxes, mailboxID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sub := range e.subs {
		sub.close(reason)
	}
	e.subs = nil
}

// Shutdown closes every subscriber across every mailbox, for process
// shutdown (§9: "close subscriber channels with 1001, flush").
func (h *Hub) Shutdown() {
	h.mu.Lock()
	mailboxIDs := make([]string, 0, len(h.mailboxes))
	for id := range h.mailboxes {
		mailboxIDs = append(mailboxIDs, id)
	}
	h.mu.Unlock()
	for _, id := range mailboxIDs {
		h.CloseMailbox(id, ReasonShutdown)
	}
}

// SubscriberCount reports the current fan-out size for mailboxID, for
// tests and diagnostics.
func (h *Hub) SubscriberCount(mailboxID string) int {
	e := h.entry(mailboxID, false)
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}
