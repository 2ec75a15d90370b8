package rendezvous

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Metaphorme/signaling/pkg/apierr"
	"github.com/Metaphorme/signaling/pkg/store"
)

func TestClaimSucceedsOnce(t *testing.T) {
	ctx := context.Background()
	reg := New(store.NewMemoryStore(), 30*time.Second)

	id, err := reg.Create(ctx, "mbox-1", "client-a", 0)
	if err != nil {
		t.Fatal(err)
	}
	mbox, err := reg.Claim(ctx, id)
	if err != nil || mbox != "mbox-1" {
		t.Fatalf("first claim = %q, %v; want mbox-1, nil", mbox, err)
	}
	if _, err := reg.Claim(ctx, id); err == nil {
		t.Fatal("second claim succeeded, want failure")
	} else if e, ok := apierr.As(err); !ok || e.Kind != apierr.NotFound {
		t.Fatalf("second claim err = %v, want NotFound kind", err)
	}
}

func TestConcurrentClaimExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	reg := New(store.NewMemoryStore(), 30*time.Second)
	id, err := reg.Create(ctx, "mbox-2", "client-a", 0)
	if err != nil {
		t.Fatal(err)
	}

	const n = 25
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.Claim(ctx, id); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}
}

func TestClaimUnknownToken(t *testing.T) {
	reg := New(store.NewMemoryStore(), 30*time.Second)
	if _, err := reg.Claim(context.Background(), "nope"); err != apierr.ErrTokenUnknown {
		t.Fatalf("err = %v, want ErrTokenUnknown", err)
	}
}

func TestClaimExpiredTokenIsUnknown(t *testing.T) {
	ctx := context.Background()
	reg := New(store.NewMemoryStore(), 30*time.Second)
	id, err := reg.Create(ctx, "mbox-3", "client-a", 5*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := reg.Claim(ctx, id); err != apierr.ErrTokenUnknown {
		t.Fatalf("err = %v, want ErrTokenUnknown", err)
	}
}

func TestBindUsesCallerChosenID(t *testing.T) {
	ctx := context.Background()
	reg := New(store.NewMemoryStore(), 30*time.Second)

	if err := reg.Bind(ctx, "caller-chosen-id", "mbox-4", "client-a", 0); err != nil {
		t.Fatal(err)
	}
	mbox, err := reg.Claim(ctx, "caller-chosen-id")
	if err != nil || mbox != "mbox-4" {
		t.Fatalf("claim = %q, %v; want mbox-4, nil", mbox, err)
	}
}

func TestBindRejectsCollisionAndEmptyID(t *testing.T) {
	ctx := context.Background()
	reg := New(store.NewMemoryStore(), 30*time.Second)

	if err := reg.Bind(ctx, "", "mbox-5", "client-a", 0); err == nil {
		t.Fatal("Bind with empty id succeeded, want error")
	}
	if err := reg.Bind(ctx, "dup-id", "mbox-5", "client-a", 0); err != nil {
		t.Fatal(err)
	}
	if err := reg.Bind(ctx, "dup-id", "mbox-6", "client-b", 0); err == nil {
		t.Fatal("second Bind on same id succeeded, want error")
	} else if e, ok := apierr.As(err); !ok || e.Kind != apierr.Conflict {
		t.Fatalf("err = %v, want Conflict kind", err)
	}
}
