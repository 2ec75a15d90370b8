package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Metaphorme/signaling/pkg/store"
)

func TestStoreRetriesTransientThenSucceeds(t *testing.T) {
	attempts := 0
	err := Store(context.Background(), func() error {
		attempts++
		if attempts < MaxAttempts {
			return errors.New("transient: connection reset")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if attempts != MaxAttempts {
		t.Fatalf("attempts = %d, want %d", attempts, MaxAttempts)
	}
}

func TestStoreGivesUpAfterMaxAttempts(t *testing.T) {
	attempts := 0
	wantErr := errors.New("transient: still down")
	err := Store(context.Background(), func() error {
		attempts++
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if attempts != MaxAttempts {
		t.Fatalf("attempts = %d, want %d", attempts, MaxAttempts)
	}
}

func TestStoreDoesNotRetrySentinelErrors(t *testing.T) {
	cases := []error{store.ErrNotFound, store.ErrExists, store.ErrVersionMismatch, store.ErrListFull}
	for _, want := range cases {
		attempts := 0
		err := Store(context.Background(), func() error {
			attempts++
			return want
		})
		if err != want {
			t.Fatalf("err = %v, want %v", err, want)
		}
		if attempts != 1 {
			t.Fatalf("attempts = %d, want 1 for sentinel %v", attempts, want)
		}
	}
}

func TestStoreHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	err := Store(ctx, func() error {
		attempts++
		return errors.New("transient")
	})
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
