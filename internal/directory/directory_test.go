package directory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type countingDirectory struct {
	mu    sync.Mutex
	inner Directory
	calls int
}

func (d *countingDirectory) Lookup(ctx context.Context, userID string) (Profile, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return d.inner.Lookup(ctx, userID)
}

func (d *countingDirectory) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func TestStaticDirectoryLookup(t *testing.T) {
	d := NewStaticDirectory(Profile{UserID: "user-a", DisplayName: "Alice"})

	p, err := d.Lookup(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if p.DisplayName != "Alice" {
		t.Errorf("display name = %s, want Alice", p.DisplayName)
	}

	if _, err := d.Lookup(context.Background(), "user-z"); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("unknown user: err = %v, want ErrUnknownUser", err)
	}
}

func TestCachedDirectoryServesFromCache(t *testing.T) {
	ctx := context.Background()
	inner := &countingDirectory{inner: NewStaticDirectory(
		Profile{UserID: "user-a", DisplayName: "Alice"},
	)}
	cache := NewCachedDirectory(inner, time.Minute)

	now := time.Now()
	cache.SetClock(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		p, err := cache.Lookup(ctx, "user-a")
		if err != nil {
			t.Fatalf("Lookup %d: %v", i, err)
		}
		if p.DisplayName != "Alice" {
			t.Errorf("display name = %s", p.DisplayName)
		}
	}
	if got := inner.count(); got != 1 {
		t.Errorf("inner lookups = %d, want 1", got)
	}
}

func TestCachedDirectoryExpires(t *testing.T) {
	ctx := context.Background()
	inner := &countingDirectory{inner: NewStaticDirectory(
		Profile{UserID: "user-d", DisplayName: "David"},
	)}
	cache := NewCachedDirectory(inner, time.Minute)

	now := time.Now()
	cache.SetClock(func() time.Time { return now })

	if _, err := cache.Lookup(ctx, "user-d"); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := cache.Lookup(ctx, "user-d"); err != nil {
		t.Fatalf("Lookup after expiry: %v", err)
	}
	if got := inner.count(); got != 2 {
		t.Errorf("inner lookups = %d, want 2 after TTL expiry", got)
	}
}

func TestCachedDirectoryCachesMisses(t *testing.T) {
	ctx := context.Background()
	inner := &countingDirectory{inner: NewStaticDirectory()}
	cache := NewCachedDirectory(inner, time.Minute)

	now := time.Now()
	cache.SetClock(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		if _, err := cache.Lookup(ctx, "user-z"); !errors.Is(err, ErrUnknownUser) {
			t.Fatalf("Lookup %d: err = %v, want ErrUnknownUser", i, err)
		}
	}
	if got := inner.count(); got != 1 {
		t.Errorf("inner lookups = %d, want 1 (negative result cached)", got)
	}
}
