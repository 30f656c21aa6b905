package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.crybb.tech/internal/xapi"
)

type fakeLookup struct {
	calls int
	users map[string]xapi.User
}

func (f *fakeLookup) GetUserByUsername(ctx context.Context, username string) (*xapi.User, error) {
	f.calls++
	if u, ok := f.users[username]; ok {
		return &u, nil
	}
	return nil, xapi.ErrUserNotFound
}

func snapshotBatch() *xapi.MentionsBatch {
	return &xapi.MentionsBatch{
		Users: map[string]xapi.User{
			"alice": {ID: "8", Username: "alice", ProfileImageURL: "https://img/alice_normal.jpg"},
		},
	}
}

func TestResolveUserSnapshotHit(t *testing.T) {
	lookup := &fakeLookup{}
	bc := NewContext(snapshotBatch(), NewUserCache(), lookup)

	u, err := bc.ResolveUser(t.Context(), "Alice")
	if err != nil {
		t.Fatalf("ResolveUser returned error: %v", err)
	}
	if u.ID != "8" {
		t.Errorf("Unexpected user: %+v", u)
	}
	if lookup.calls != 0 {
		t.Errorf("Expected zero network calls on snapshot hit, got %d", lookup.calls)
	}
}

func TestResolveUserNetworkFallbackPins(t *testing.T) {
	lookup := &fakeLookup{users: map[string]xapi.User{
		"bob": {ID: "9", Username: "bob"},
	}}
	cache := NewUserCache()
	bc := NewContext(snapshotBatch(), cache, lookup)

	if _, err := bc.ResolveUser(t.Context(), "bob"); err != nil {
		t.Fatalf("ResolveUser returned error: %v", err)
	}
	if _, err := bc.ResolveUser(t.Context(), "bob"); err != nil {
		t.Fatalf("ResolveUser returned error: %v", err)
	}

	if lookup.calls != 1 {
		t.Errorf("Expected exactly one network call, got %d", lookup.calls)
	}
	if _, ok := cache.Get("bob"); !ok {
		t.Error("Expected network hit to be inserted into the TTL cache")
	}
}

func TestResolveUserCacheHitAcrossBatches(t *testing.T) {
	lookup := &fakeLookup{users: map[string]xapi.User{
		"bob": {ID: "9", Username: "bob"},
	}}
	cache := NewUserCache()

	first := NewContext(snapshotBatch(), cache, lookup)
	if _, err := first.ResolveUser(t.Context(), "bob"); err != nil {
		t.Fatal(err)
	}

	second := NewContext(snapshotBatch(), cache, lookup)
	if _, err := second.ResolveUser(t.Context(), "bob"); err != nil {
		t.Fatal(err)
	}

	if lookup.calls != 1 {
		t.Errorf("Expected cache to serve the second batch, got %d calls", lookup.calls)
	}
}

func TestResolveUserAbsent(t *testing.T) {
	lookup := &fakeLookup{}
	bc := NewContext(snapshotBatch(), NewUserCache(), lookup)

	_, err := bc.ResolveUser(t.Context(), "ghost")
	if !errors.Is(err, xapi.ErrUserNotFound) {
		t.Fatalf("Expected ErrUserNotFound, got %v", err)
	}
}

func TestUserCacheExpiry(t *testing.T) {
	cache := NewUserCache()
	now := time.Unix(1700000000, 0)
	cache.now = func() time.Time { return now }

	cache.Put(xapi.User{ID: "9", Username: "bob"})

	now = now.Add(4 * time.Minute)
	if _, ok := cache.Get("bob"); !ok {
		t.Error("Expected entry to survive within TTL")
	}

	now = now.Add(2 * time.Minute)
	if _, ok := cache.Get("bob"); ok {
		t.Error("Expected entry to expire after TTL")
	}
}
