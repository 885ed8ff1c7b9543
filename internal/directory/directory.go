// Package directory is the read-only profile lookup used to render
// participant identity. Lookups are cached with a TTL so mesh joins do
// not hammer the profile table.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrUnknownUser is returned when no profile row exists for the id.
var ErrUnknownUser = errors.New("directory: unknown user")

// Profile is one user's display metadata.
type Profile struct {
	UserID      string `db:"user_id" json:"user_id"`
	DisplayName string `db:"display_name" json:"display_name"`
	AvatarURL   string `db:"-" json:"avatar_url,omitempty"`
}

// Directory resolves display metadata by user id.
type Directory interface {
	Lookup(ctx context.Context, userID string) (Profile, error)
}

// CachedDirectory wraps another Directory with a TTL cache. The clock is
// injectable so expiry is testable.
type CachedDirectory struct {
	inner Directory
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	profile  Profile
	fetched  time.Time
	negative bool
}

// NewCachedDirectory wraps inner with a TTL cache.
func NewCachedDirectory(inner Directory, ttl time.Duration) *CachedDirectory {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedDirectory{
		inner:   inner,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// SetClock replaces the cache clock. Test hook.
func (d *CachedDirectory) SetClock(now func() time.Time) { d.now = now }

func (d *CachedDirectory) Lookup(ctx context.Context, userID string) (Profile, error) {
	now := d.now()

	d.mu.Lock()
	if e, ok := d.entries[userID]; ok && now.Sub(e.fetched) < d.ttl {
		d.mu.Unlock()
		if e.negative {
			return Profile{}, ErrUnknownUser
		}
		return e.profile, nil
	}
	d.mu.Unlock()

	p, err := d.inner.Lookup(ctx, userID)
	switch {
	case errors.Is(err, ErrUnknownUser):
		// Cache the miss too so repeated invites to a deleted account do
		// not re-query every time.
		d.mu.Lock()
		d.entries[userID] = cacheEntry{fetched: now, negative: true}
		d.mu.Unlock()
		return Profile{}, err
	case err != nil:
		return Profile{}, err
	}

	d.mu.Lock()
	d.entries[userID] = cacheEntry{profile: p, fetched: now}
	d.mu.Unlock()
	return p, nil
}

// StaticDirectory serves a fixed profile set. Used in development and
// tests.
type StaticDirectory struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewStaticDirectory builds a directory over the given profiles.
func NewStaticDirectory(profiles ...Profile) *StaticDirectory {
	m := make(map[string]Profile, len(profiles))
	for _, p := range profiles {
		m[p.UserID] = p
	}
	return &StaticDirectory{profiles: m}
}

// Add inserts or replaces one profile.
func (d *StaticDirectory) Add(p Profile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[p.UserID] = p
}

func (d *StaticDirectory) Lookup(_ context.Context, userID string) (Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[userID]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	return p, nil
}
