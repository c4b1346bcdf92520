package batch

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestCache(t *testing.T, ttl time.Duration) *Cache {
	t.Helper()
	c, err := OpenCache(filepath.Join(t.TempDir(), "cache.sqlite"), ttl)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Close()
	})
	return c
}

func TestCache_PutGetRoundTrip(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, 24*time.Hour)
	ctx := context.Background()

	if err := c.Put(ctx, "fp-a", []byte(`{"lat":1.3}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	payload, ok, err := c.Get(ctx, "fp-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || string(payload) != `{"lat":1.3}` {
		t.Fatalf("unexpected payload: ok=%t payload=%s", ok, payload)
	}

	_, ok, err = c.Get(ctx, "fp-missing")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if ok {
		t.Fatal("expected miss for unknown fingerprint")
	}
}

func TestCache_ExpiredEntryIsAMiss(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, time.Hour)
	ctx := context.Background()

	stale := time.Now().Add(-2 * time.Hour)
	if err := c.putAt(ctx, "fp-old", []byte("payload"), stale); err != nil {
		t.Fatalf("putAt: %v", err)
	}

	_, ok, err := c.Get(ctx, "fp-old")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expired entry should read as absent")
	}

	// The row itself must survive for TTL-exempt reads.
	payload, ok, err := c.GetStale(ctx, "fp-old")
	if err != nil {
		t.Fatalf("get stale: %v", err)
	}
	if !ok || string(payload) != "payload" {
		t.Fatalf("stale read failed: ok=%t payload=%s", ok, payload)
	}
}

func TestCache_PutOverwritesStaleRow(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, time.Hour)
	ctx := context.Background()

	if err := c.putAt(ctx, "fp", []byte("old"), time.Now().Add(-2*time.Hour)); err != nil {
		t.Fatalf("putAt: %v", err)
	}
	if err := c.Put(ctx, "fp", []byte("new")); err != nil {
		t.Fatalf("put: %v", err)
	}

	payload, ok, err := c.Get(ctx, "fp")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || string(payload) != "new" {
		t.Fatalf("expected refreshed payload, got ok=%t payload=%s", ok, payload)
	}
}

func TestCache_ZeroTTLDisablesExpiry(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, 0)
	ctx := context.Background()

	if err := c.putAt(ctx, "fp", []byte("payload"), time.Now().Add(-1000*time.Hour)); err != nil {
		t.Fatalf("putAt: %v", err)
	}
	_, ok, err := c.Get(ctx, "fp")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatal("zero ttl should never expire entries")
	}
}
