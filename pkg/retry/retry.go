// Package retry is the bounded internal retry used by the session,
// rendezvous and mailbox registries around their backing store calls
// (§5/§7: "transient store errors are retried internally up to 3 times
// with jittered backoff; still failing returns 503"). It only ever
// retries errors the store itself hasn't already classified as a business
// outcome — ErrNotFound, ErrExists, ErrVersionMismatch and ErrListFull are
// returned on the first attempt, since retrying a legitimate conflict or
// miss would just burn the budget without changing the answer.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/Metaphorme/signaling/pkg/store"
)

// MaxAttempts is the total number of tries, including the first.
const MaxAttempts = 3

const (
	baseDelay = 20 * time.Millisecond
	maxDelay  = 200 * time.Millisecond
)

// Store runs fn, retrying up to MaxAttempts times with jittered backoff
// if it returns a transient (non-sentinel) error. It returns fn's last
// error if every attempt fails, or ctx's error if ctx is cancelled while
// waiting between attempts.
func Store(ctx context.Context, fn func() error) error {
	delay := baseDelay
	var err error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		err = fn()
		if err == nil || isSentinel(err) || attempt == MaxAttempts {
			return err
		}
		//nolint:gosec // jitter only, not security-sensitive
		wait := delay/2 + time.Duration(rand.Int63n(int64(delay)))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return err
}

func isSentinel(err error) bool {
	switch err {
	case store.ErrNotFound, store.ErrExists, store.ErrVersionMismatch, store.ErrListFull:
		return true
	}
	return false
}
